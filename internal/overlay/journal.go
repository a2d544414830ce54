package overlay

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/arxerr"
)

const (
	journalMagic   = "ARXLOG\x00\x00"
	journalVersion = uint8(1)
	journalFlagAEAD = uint8(1)
	journalHeaderLen = 8 + 1 + 1 + 32 // magic + version + flags + salt
)

// Journal is an append-only log of LogRecords backing an overlay's
// mutation history.
type Journal struct {
	f    *os.File
	path string
	mode encMode
}

// OpenJournal opens or creates the journal at path. A new journal is
// created sealed if key is non-nil. An existing journal keeps the sealing
// its header flag records, for past and new frames alike: a sealed journal
// requires key, and an unsealed one stays unsealed even when key is given.
func OpenJournal(path string, key *aead.Key, salt aead.Salt) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("overlay: open journal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	mode := encMode{enabled: key != nil, salt: salt}
	if key != nil {
		mode.key = *key
	}

	if info.Size() == 0 {
		if err := writeJournalHeader(f, mode); err != nil {
			f.Close()
			return nil, err
		}
		return &Journal{f: f, path: path, mode: mode}, nil
	}

	// Read the fixed magic+version prefix first; only that much is
	// guaranteed to exist. The flags+salt tail was added later, so a
	// legacy journal may be shorter than journalHeaderLen and still be a
	// valid, unsealed log — matching the original journal format's
	// fallback for a pre-AEAD header (original_source/arx-core/src/
	// container/journal.rs:206-219).
	prefix := make([]byte, 9)
	if _, err := f.ReadAt(prefix, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("overlay: read journal header: %w", err)
	}
	if string(prefix[0:8]) != journalMagic {
		// Tolerate a legacy or corrupt header by reinitializing in place,
		// the way the original journal implementation does, rather than
		// refusing to open an existing file outright.
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		if err := writeJournalHeader(f, mode); err != nil {
			f.Close()
			return nil, err
		}
		return &Journal{f: f, path: path, mode: mode}, nil
	}

	// The flags+salt tail is a best-effort read: a legacy journal written
	// before AEAD support only has the 9-byte magic+version prefix, and
	// that is not an error condition, just an older journal to treat as
	// unsealed.
	tail := make([]byte, 33)
	n, terr := f.ReadAt(tail, 9)
	mode.enabled = false
	if terr == nil && n == len(tail) {
		flags := tail[0]
		sealed := flags&journalFlagAEAD != 0
		if sealed && key == nil {
			f.Close()
			return nil, arxerr.ErrSealedWithoutKey
		}
		mode.enabled = sealed
		if sealed {
			copy(mode.salt[:], tail[1:])
		}
	} else if terr == io.EOF || terr == io.ErrUnexpectedEOF {
		// Rewrite the short legacy header as a full unsealed header, moving
		// any record bytes after it, so records start at journalHeaderLen
		// where Iterate reads them.
		rest := append([]byte(nil), tail[:n]...)
		if err := writeJournalHeader(f, encMode{}); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(rest, journalHeaderLen); err != nil {
			f.Close()
			return nil, err
		}
	} else if terr != nil {
		f.Close()
		return nil, fmt.Errorf("overlay: read journal flags: %w", terr)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &Journal{f: f, path: path, mode: mode}, nil
}

func writeJournalHeader(f *os.File, mode encMode) error {
	hdr := make([]byte, journalHeaderLen)
	copy(hdr[0:8], []byte(journalMagic))
	hdr[8] = journalVersion
	if mode.enabled {
		hdr[9] = journalFlagAEAD
		copy(hdr[10:42], mode.salt[:])
	}
	_, err := f.WriteAt(hdr, 0)
	return err
}

// Close closes the journal's file handle.
func (j *Journal) Close() error { return j.f.Close() }

// Append serializes rec to CBOR and writes it as one length-prefixed
// (optionally sealed) frame at the end of the journal.
func (j *Journal) Append(rec LogRecord) error {
	plain, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("overlay: encode record: %w", err)
	}
	posFn := func() (int64, error) { return j.f.Seek(0, io.SeekCurrent) }
	if _, _, err := writeFrame(j.f, posFn, true, j.mode, plain); err != nil {
		return err
	}
	return nil
}

// Iterate reads every record from the journal in append order, calling fn
// for each. A torn trailing write (a length prefix with no matching
// payload, or a payload shorter than its declared length) ends iteration
// cleanly rather than returning an error — the same tolerance the original
// journal format documents for a process that crashed mid-append.
func (j *Journal) Iterate(fn func(LogRecord) error) error {
	if _, err := j.f.Seek(int64(journalHeaderLen), io.SeekStart); err != nil {
		return fmt.Errorf("overlay: seek journal: %w", err)
	}
	br := bufio.NewReader(j.f)
	pos := int64(journalHeaderLen)
	for {
		n, err := readUvarint(br)
		if err == io.EOF {
			return nil // clean EOF at a record boundary
		}
		if err != nil {
			return fmt.Errorf("overlay: read journal record length: %w", err)
		}
		lenPrefixLen := uvarintLen(n)
		payloadOff := uint64(pos) + uint64(lenPrefixLen)

		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn trailing write: treat as end of log
			}
			return fmt.Errorf("overlay: read journal record: %w", err)
		}
		pos = int64(payloadOff + n)

		plain := buf
		if j.mode.enabled {
			nonce := aead.DeriveSidecarNonce(true, j.mode.salt, payloadOff, n)
			plain, err = aead.Open(j.mode.key, nonce, sidecarAD(true), buf)
			if err != nil {
				return fmt.Errorf("overlay: open journal record: %w", err)
			}
		}
		var rec LogRecord
		if err := cbor.Unmarshal(plain, &rec); err != nil {
			return arxerr.Formatf(err, "decode journal record")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadAll is a convenience wrapper over Iterate that collects every record.
func (j *Journal) ReadAll() ([]LogRecord, error) {
	var out []LogRecord
	err := j.Iterate(func(r LogRecord) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
