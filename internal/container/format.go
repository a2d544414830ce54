// Package container implements the arx container file format: a superblock,
// an optionally-sealed CBOR manifest, an optionally-sealed fixed-stride
// chunk table, a data region of content-addressed chunks, and a trailing
// integrity summary.
package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kenneth/arx/internal/arxerr"
)

// Wire-format constants, fixed by spec.
const (
	Magic         = "ARXALP"
	Version       = uint16(3)
	HeaderLen     = uint64(48)
	FlagEncrypted uint64 = 1 << 0

	TailMagic = "ARXTAIL\x00"
	TailLen   = uint64(120)

	ChunkEntrySize = 32
)

// Superblock is the fixed 48-byte header at the start of every container
// file: magic(6) + version(2) + manifest_len(8) + chunk_table_off(8) +
// chunk_count(8) + data_off(8) + flags(8).
type Superblock struct {
	Version       uint16
	ManifestLen   uint64
	ChunkTableOff uint64
	ChunkCount    uint64
	DataOff       uint64
	Flags         uint64
}

// Encrypted reports whether the container's regions are AEAD-sealed.
func (s Superblock) Encrypted() bool { return s.Flags&FlagEncrypted != 0 }

// WriteTo serializes the superblock.
func (s Superblock) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, HeaderLen)
	copy(buf[0:6], []byte(Magic))
	binary.LittleEndian.PutUint16(buf[6:8], s.Version)
	binary.LittleEndian.PutUint64(buf[8:16], s.ManifestLen)
	binary.LittleEndian.PutUint64(buf[16:24], s.ChunkTableOff)
	binary.LittleEndian.PutUint64(buf[24:32], s.ChunkCount)
	binary.LittleEndian.PutUint64(buf[32:40], s.DataOff)
	binary.LittleEndian.PutUint64(buf[40:48], s.Flags)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadSuperblock parses HeaderLen bytes from r into a Superblock, validating
// the magic.
func ReadSuperblock(r io.Reader) (Superblock, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Superblock{}, fmt.Errorf("container: read superblock: %w", err)
	}
	if string(buf[0:6]) != Magic {
		return Superblock{}, arxerr.Format("bad superblock magic")
	}
	var s Superblock
	s.Version = binary.LittleEndian.Uint16(buf[6:8])
	s.ManifestLen = binary.LittleEndian.Uint64(buf[8:16])
	s.ChunkTableOff = binary.LittleEndian.Uint64(buf[16:24])
	s.ChunkCount = binary.LittleEndian.Uint64(buf[24:32])
	s.DataOff = binary.LittleEndian.Uint64(buf[32:40])
	s.Flags = binary.LittleEndian.Uint64(buf[40:48])
	return s, nil
}

// ChunkEntry is one fixed 32-byte row of the chunk table: codec tag, 7
// reserved padding bytes, uncompressed size, compressed size, and the
// absolute data-region offset. No hash is persisted in the table or the
// manifest; content hashes serve only as the writer's in-memory dedup key.
type ChunkEntry struct {
	Codec   uint8
	USize   uint64
	CSize   uint64
	DataOff uint64
}

// WriteTo serializes one 32-byte chunk table entry.
func (c ChunkEntry) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, ChunkEntrySize)
	buf[0] = c.Codec
	binary.LittleEndian.PutUint64(buf[8:16], c.USize)
	binary.LittleEndian.PutUint64(buf[16:24], c.CSize)
	binary.LittleEndian.PutUint64(buf[24:32], c.DataOff)
	n, err := w.Write(buf)
	return int64(n), err
}

// ParseChunkEntry parses exactly ChunkEntrySize bytes into a ChunkEntry.
func ParseChunkEntry(buf []byte) (ChunkEntry, error) {
	if len(buf) != ChunkEntrySize {
		return ChunkEntry{}, arxerr.Format("chunk entry: expected %d bytes, got %d", ChunkEntrySize, len(buf))
	}
	return ChunkEntry{
		Codec:   buf[0],
		USize:   binary.LittleEndian.Uint64(buf[8:16]),
		CSize:   binary.LittleEndian.Uint64(buf[16:24]),
		DataOff: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// ChunkRef is an ordered reference to a chunk-table entry within a file's
// chunk list, plus the uncompressed length of that chunk (redundant with
// the table entry, but carried in the manifest so list operations don't
// need the table to report file layout).
type ChunkRef struct {
	ID    uint32 `cbor:"id"`
	USize uint64 `cbor:"u_size"`
}

// FileEntry is one regular-file row of the manifest.
type FileEntry struct {
	Path   string     `cbor:"path"`
	Mode   uint32     `cbor:"mode"`
	Mtime  int64      `cbor:"mtime"`
	Size   uint64     `cbor:"size"`
	Chunks []ChunkRef `cbor:"chunks"`
}

// DirEntry is one directory row of the manifest.
type DirEntry struct {
	Path  string `cbor:"path"`
	Mode  uint32 `cbor:"mode"`
	Mtime int64  `cbor:"mtime"`
}

// Meta carries archive-level metadata.
type Meta struct {
	Created int64  `cbor:"created"`
	Tool    string `cbor:"tool"`
}

// Manifest is the full CBOR-encoded directory listing sealed (optionally)
// in the manifest region.
type Manifest struct {
	Files []FileEntry `cbor:"files"`
	Dirs  []DirEntry  `cbor:"dirs"`
	Meta  Meta        `cbor:"meta"`
}

// TailSummary is the fixed 120-byte trailer: three BLAKE3-256 hashes (over
// the manifest plaintext, the chunk-table plaintext, and the concatenated
// post-compress, pre-AEAD chunk payloads in chunk-id order) plus two running
// totals, preceded by an 8-byte magic.
type TailSummary struct {
	ManifestBlake3  [32]byte
	ChunktabBlake3  [32]byte
	DataBlake3      [32]byte
	TotalU          uint64
	TotalC          uint64
}

// WriteTo serializes the tail: magic(8) + three hashes(32 each) + two
// uint64 totals = 8+96+16 = 120 bytes.
func (t TailSummary) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, TailLen)
	copy(buf[0:8], []byte(TailMagic))
	copy(buf[8:40], t.ManifestBlake3[:])
	copy(buf[40:72], t.ChunktabBlake3[:])
	copy(buf[72:104], t.DataBlake3[:])
	binary.LittleEndian.PutUint64(buf[104:112], t.TotalU)
	binary.LittleEndian.PutUint64(buf[112:120], t.TotalC)
	n, err := w.Write(buf)
	return int64(n), err
}

// ParseTailSummary parses exactly TailLen bytes, validating the magic.
func ParseTailSummary(buf []byte) (TailSummary, error) {
	if uint64(len(buf)) != TailLen {
		return TailSummary{}, arxerr.Format("tail summary: expected %d bytes, got %d", TailLen, len(buf))
	}
	if string(buf[0:8]) != TailMagic {
		return TailSummary{}, arxerr.Format("bad tail magic")
	}
	var t TailSummary
	copy(t.ManifestBlake3[:], buf[8:40])
	copy(t.ChunktabBlake3[:], buf[40:72])
	copy(t.DataBlake3[:], buf[72:104])
	t.TotalU = binary.LittleEndian.Uint64(buf[104:112])
	t.TotalC = binary.LittleEndian.Uint64(buf[112:120])
	return t, nil
}
