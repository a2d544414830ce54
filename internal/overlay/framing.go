package overlay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kenneth/arx/internal/aead"
)

// encMode describes how a sidecar file's frames are protected.
type encMode struct {
	enabled bool
	key     aead.Key
	salt    aead.Salt
}

// writeFrame appends one length-prefixed, optionally-sealed frame to w;
// posFn reports the file offset the frame will start at (the journal and
// delta store pass a Seek on their *os.File). It returns the frame's payload
// offset (the position of the ciphertext, after the length prefix) and the
// on-disk length of the ciphertext, the way the journal and delta store
// both need in order to let a caller later re-derive the same nonce from
// (payloadOff, cipherLen).
func writeFrame(w io.Writer, posFn func() (int64, error), journal bool, mode encMode, plain []byte) (payloadOff uint64, onDiskLen uint64, err error) {
	cipher := plain
	if mode.enabled {
		// The nonce is bound to the ciphertext's eventual file position,
		// so the ciphertext length must be known before sealing, and the
		// position must be computed before the length prefix is written.
		pos, perr := posFn()
		if perr != nil {
			return 0, 0, fmt.Errorf("overlay: frame position: %w", perr)
		}
		cipherLen := uint64(len(plain)) + aead.Overhead
		lenPrefixLen := uvarintLen(cipherLen)
		payloadOff = uint64(pos) + uint64(lenPrefixLen)
		nonce := aead.DeriveSidecarNonce(journal, mode.salt, payloadOff, cipherLen)
		cipher, err = aead.Seal(mode.key, nonce, sidecarAD(journal), plain)
		if err != nil {
			return 0, 0, fmt.Errorf("overlay: seal frame: %w", err)
		}
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(cipher)))
	if !mode.enabled {
		pos, perr := posFn()
		if perr != nil {
			return 0, 0, fmt.Errorf("overlay: frame position: %w", perr)
		}
		payloadOff = uint64(pos) + uint64(n)
	}
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return 0, 0, fmt.Errorf("overlay: write frame length: %w", err)
	}
	if _, err := w.Write(cipher); err != nil {
		return 0, 0, fmt.Errorf("overlay: write frame payload: %w", err)
	}
	return payloadOff, uint64(len(cipher)), nil
}

// readFrameAt reads a frame whose ciphertext occupies exactly cipherLen
// bytes starting at payloadOff, opening it if mode is sealed.
func readFrameAt(r io.ReaderAt, journal bool, mode encMode, payloadOff, cipherLen uint64) ([]byte, error) {
	buf := make([]byte, cipherLen)
	if _, err := r.ReadAt(buf, int64(payloadOff)); err != nil {
		return nil, fmt.Errorf("overlay: read frame: %w", err)
	}
	if !mode.enabled {
		return buf, nil
	}
	nonce := aead.DeriveSidecarNonce(journal, mode.salt, payloadOff, cipherLen)
	plain, err := aead.Open(mode.key, nonce, sidecarAD(journal), buf)
	if err != nil {
		return nil, fmt.Errorf("overlay: open frame: %w", err)
	}
	return plain, nil
}

func sidecarAD(journal bool) []byte {
	if journal {
		return []byte("arxlog")
	}
	return []byte("arxdelta")
}

func uvarintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}

// readUvarint reads one uvarint-prefixed length from r. A clean EOF at the
// very start of a read (no bytes consumed yet) is reported via io.EOF; a
// short read partway through the uvarint is also reported as io.EOF, per
// the journal's tolerance for a torn trailing write. Any other error (an
// overflowing uvarint, an I/O failure) is returned unchanged.
func readUvarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return 0, io.EOF
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}
