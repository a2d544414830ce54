// Package overlay implements the mutable layer on top of an immutable base
// container: an append-only journal of logical operations, an append-only
// delta store holding the bytes those operations introduce, an in-memory
// index replayed from the journal, and compaction back into a fresh base
// container.
package overlay

import "github.com/kenneth/arx/internal/domain"

// Loc identifies where a chunk's bytes physically live.
type Loc uint8

const (
	LocBase  Loc = 0
	LocDelta Loc = 1
)

// ChunkRef is an overlay-level chunk reference: unlike the container
// format's ChunkRef (an index into a shared table), this carries its own
// location, offset, length, codec, and content hash, because overlay
// chunks may live in either the base container or the delta store.
type ChunkRef struct {
	Loc    Loc      `cbor:"loc"`
	Off    uint64   `cbor:"off"`
	Len    uint64   `cbor:"len"`
	USize  uint64   `cbor:"u_size"`
	Codec  uint8    `cbor:"codec"`
	Blake3 [32]byte `cbor:"blake3"`
}

// RecordKind discriminates LogRecord's variant.
type RecordKind uint8

const (
	KindPut RecordKind = iota
	KindDelete
	KindRename
	KindSetPolicy
	KindNote
)

// LogRecord is one journal entry. Only the fields relevant to Kind are
// populated; this mirrors the original Rust enum's variants as a single
// CBOR-tagged struct, the way Go commonly emulates a sum type without an
// interface-per-variant.
type LogRecord struct {
	Kind RecordKind `cbor:"kind"`

	// Put
	Path   string         `cbor:"path,omitempty"`
	Mode   uint32         `cbor:"mode,omitempty"`
	Mtime  int64          `cbor:"mtime,omitempty"`
	Size   uint64         `cbor:"size,omitempty"`
	Chunks []ChunkRef     `cbor:"chunks,omitempty"`

	// Rename
	From string `cbor:"from,omitempty"`
	To   string `cbor:"to,omitempty"`

	// SetPolicy
	Policy *domain.Policy `cbor:"policy,omitempty"`

	// Note
	Text string `cbor:"text,omitempty"`
}

// PutRecord builds a Kind=Put LogRecord.
func PutRecord(path string, mode uint32, mtime int64, size uint64, chunks []ChunkRef) LogRecord {
	return LogRecord{Kind: KindPut, Path: path, Mode: mode, Mtime: mtime, Size: size, Chunks: chunks}
}

// DeleteRecord builds a Kind=Delete LogRecord.
func DeleteRecord(path string) LogRecord {
	return LogRecord{Kind: KindDelete, Path: path}
}

// RenameRecord builds a Kind=Rename LogRecord.
func RenameRecord(from, to string) LogRecord {
	return LogRecord{Kind: KindRename, From: from, To: to}
}

// SetPolicyRecord builds a Kind=SetPolicy LogRecord.
func SetPolicyRecord(p domain.Policy) LogRecord {
	return LogRecord{Kind: KindSetPolicy, Policy: &p}
}

// NoteRecord builds a Kind=Note LogRecord.
func NoteRecord(text string) LogRecord {
	return LogRecord{Kind: KindNote, Text: text}
}
