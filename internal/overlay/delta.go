package overlay

import (
	"fmt"
	"io"
	"os"

	"github.com/kenneth/arx/internal/aead"
)

// DeltaStore is an append-only store of opaque byte frames: the bytes a Put
// operation introduces, held outside the base container until the next
// compaction folds them in.
type DeltaStore struct {
	f    *os.File
	path string
	mode encMode
}

// OpenDeltaStore opens or creates the delta store at path.
func OpenDeltaStore(path string, key *aead.Key, salt aead.Salt) (*DeltaStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("overlay: open delta store %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	mode := encMode{enabled: key != nil, salt: salt}
	if key != nil {
		mode.key = *key
	}
	return &DeltaStore{f: f, path: path, mode: mode}, nil
}

// Close closes the delta store's file handle.
func (d *DeltaStore) Close() error { return d.f.Close() }

// AppendFrame appends plain as one length-prefixed, optionally sealed frame
// and returns its payload offset and on-disk ciphertext length — the pair a
// ChunkRef needs to read it back later.
func (d *DeltaStore) AppendFrame(plain []byte) (payloadOff, onDiskLen uint64, err error) {
	posFn := func() (int64, error) { return d.f.Seek(0, io.SeekEnd) }
	return writeFrame(d.f, posFn, false, d.mode, plain)
}

// ReadFrame reads the frame at (payloadOff, onDiskLen) back into plaintext.
func (d *DeltaStore) ReadFrame(payloadOff, onDiskLen uint64) ([]byte, error) {
	return readFrameAt(d.f, false, d.mode, payloadOff, onDiskLen)
}
