package overlay

import (
	"sort"
	"strings"

	"github.com/kenneth/arx/internal/domain"
)

// IndexEntry is one path's current state in the logical namespace.
type IndexEntry struct {
	Mode   uint32
	Mtime  int64
	Size   uint64
	Chunks []ChunkRef
}

// chunkLoc records where a chunk's bytes live, keyed by content hash, so a
// future Put of identical content can reuse it instead of appending a new
// delta frame.
type chunkLoc struct {
	loc   Loc
	off   uint64
	len   uint64
	uSize uint64
	codec uint8
}

// Index is the in-memory, deterministically-replayed view of an overlay's
// current logical state.
type Index struct {
	byPath  map[string]IndexEntry
	byChunk map[[32]byte]chunkLoc
	policy  domain.Policy
	stats   domain.Stats
}

// NewIndex returns an empty index. A future base-aware constructor would
// seed byPath/byChunk from the base container's manifest; until overlay
// reads of base chunks are supported, an empty index is the only correct
// starting point (see Overlay.OpenReader).
func NewIndex() *Index {
	return &Index{
		byPath:  map[string]IndexEntry{},
		byChunk: map[[32]byte]chunkLoc{},
	}
}

// Apply replays one LogRecord's effect on the index. Replaying the same
// record sequence from an empty index always produces the same state,
// which is what lets Iterate-then-Apply reconstruct the index from the
// journal alone.
func (ix *Index) Apply(rec LogRecord) {
	switch rec.Kind {
	case KindPut:
		ix.byPath[rec.Path] = IndexEntry{Mode: rec.Mode, Mtime: rec.Mtime, Size: rec.Size, Chunks: rec.Chunks}
		for _, c := range rec.Chunks {
			ix.byChunk[c.Blake3] = chunkLoc{loc: c.Loc, off: c.Off, len: c.Len, uSize: c.USize, codec: c.Codec}
		}
		ix.stats.Files = uint64(len(ix.byPath))
		ix.stats.LogicalBytes += rec.Size
	case KindDelete:
		if e, ok := ix.byPath[rec.Path]; ok {
			ix.stats.LogicalBytes -= e.Size
			delete(ix.byPath, rec.Path)
			ix.stats.Files = uint64(len(ix.byPath))
		}
	case KindRename:
		if e, ok := ix.byPath[rec.From]; ok {
			delete(ix.byPath, rec.From)
			ix.byPath[rec.To] = e
		}
	case KindSetPolicy:
		if rec.Policy != nil {
			ix.policy = *rec.Policy
		}
	case KindNote:
		// Notes are journal-only annotations; they do not change index
		// state.
	}
}

// Get returns the current entry for path, if any.
func (ix *Index) Get(path string) (IndexEntry, bool) {
	e, ok := ix.byPath[path]
	return e, ok
}

// ChunkLocation returns where content hashed to h currently lives, if the
// index has seen it before (enabling dedup across Put calls).
func (ix *Index) ChunkLocation(h [32]byte) (loc Loc, off, length, uSize uint64, codec uint8, ok bool) {
	cl, ok := ix.byChunk[h]
	if !ok {
		return 0, 0, 0, 0, 0, false
	}
	return cl.loc, cl.off, cl.len, cl.uSize, cl.codec, true
}

// Paths returns every logical path currently present, sorted.
func (ix *Index) Paths() []string {
	out := make([]string, 0, len(ix.byPath))
	for p := range ix.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PathsUnder returns every logical path whose prefix is dirPath (dirPath
// itself excluded), sorted — the basis for a logical-namespace recursive
// delete.
func (ix *Index) PathsUnder(dirPath string) []string {
	prefix := strings.TrimSuffix(dirPath, "/") + "/"
	var out []string
	for p := range ix.byPath {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Policy returns the currently active policy.
func (ix *Index) Policy() domain.Policy { return ix.policy }

// Stats returns a snapshot of running statistics.
func (ix *Index) Stats() domain.Stats { return ix.stats }
