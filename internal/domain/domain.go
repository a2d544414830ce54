// Package domain holds the small value types shared across the archive
// engine that are not tied to a single component's on-disk format: policy
// limits, running statistics, and the read-only row projections the list
// operation hands back.
package domain

// FileRow is a single-file projection suitable for a listing view: a path,
// its logical size, and how many chunks it is split into.
type FileRow struct {
	Path        string
	UncompSize  uint64
	ChunkCount  int
	Encrypted   bool
}

// ChunkRow is a single-chunk-within-a-file projection: its ordinal within
// the file, its table id, codec, logical offset and length within the file,
// on-disk length, and file-relative completion percentage.
type ChunkRow struct {
	Ordinal  int
	ID       uint32
	Codec    uint8
	FileOff  uint64
	ULen     uint64
	CLen     uint64
	DataOff  uint64
	PctEnd   float64
}

// Policy bounds what an overlay will accept on Put, mirroring the knobs a
// caller can tighten before writing untrusted content into an archive. A nil
// pointer field means "unset" (no bound); AllowSymlinks has no concept of
// unset so it is a plain bool. On Put the overlay checks only MaxEntries and
// MaxUncompressed; the other fields are recorded but not checked.
type Policy struct {
	MaxEntries           *uint64
	MaxUncompressed      *uint64
	MaxDeltaBytes        *uint64
	MinCompressionRatio  *float64
	AllowSymlinks        bool
}

// Stats is a point-in-time snapshot of an archive's size and composition,
// updated as the writer or overlay commits changes.
type Stats struct {
	Files              uint64
	Dirs               uint64
	Chunks             uint64
	LogicalBytes       uint64
	PhysicalBytesBase  uint64
	PhysicalBytesDelta uint64
	CompressionRatio   float64
	LastCommitUnixNano int64
}
