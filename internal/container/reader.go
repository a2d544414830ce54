package container

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/arxerr"
	"github.com/kenneth/arx/internal/codec"
	"github.com/kenneth/arx/internal/debug"
	"github.com/kenneth/arx/internal/domain"
)

// Opened is a container file that has been validated and is ready for
// reads: the manifest and chunk table are fully loaded and held in memory
// (they are immutable for the lifetime of an Opened value and safe to read
// from multiple goroutines without locking); the underlying file handle is
// shared and guarded by a mutex around each seek-then-read.
type Opened struct {
	f        *os.File
	fileMu   sync.Mutex
	sb       Superblock
	manifest Manifest
	table    []ChunkEntry
	key      *aead.Key
	salt     aead.Salt
	fileEnd  uint64
}

// Open validates and loads a container file's superblock, manifest, and
// chunk table. key is required if the container was sealed; salt must
// match the salt used to seal it.
func Open(path string, key *aead.Key, salt aead.Salt) (*Opened, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}
	o, err := openFile(f, key, salt)
	if err != nil {
		f.Close()
		return nil, err
	}
	return o, nil
}

func openFile(f *os.File, key *aead.Key, salt aead.Salt) (*Opened, error) {
	sb, err := ReadSuperblock(f)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("container: stat: %w", err)
	}
	size := uint64(info.Size())

	// Probe the last TailLen bytes for the tail magic; its absence is
	// tolerated (some callers open partially-written or tail-less test
	// fixtures), in which case the data region runs to EOF.
	fileEnd := size
	if size >= TailLen {
		tailBuf := make([]byte, TailLen)
		if _, err := f.ReadAt(tailBuf, int64(size-TailLen)); err == nil {
			if string(tailBuf[0:8]) == TailMagic {
				fileEnd = size - TailLen
			}
		}
	}

	if HeaderLen+sb.ManifestLen > sb.ChunkTableOff {
		return nil, arxerr.Format("manifest region overruns chunk table offset")
	}
	if sb.ChunkTableOff > sb.DataOff {
		return nil, arxerr.Format("chunk table region overruns data offset")
	}
	if sb.DataOff > fileEnd {
		return nil, arxerr.Format("data offset beyond end of file")
	}

	encrypted := sb.Encrypted()
	if encrypted && key == nil {
		return nil, arxerr.ErrSealedWithoutKey
	}

	manifestRaw := make([]byte, sb.ManifestLen)
	if _, err := f.ReadAt(manifestRaw, int64(HeaderLen)); err != nil {
		return nil, fmt.Errorf("container: read manifest region: %w", err)
	}
	manifestPlain := manifestRaw
	if encrypted {
		nonce := aead.DeriveRegionNonce(salt, aead.RegionManifest, 0)
		manifestPlain, err = aead.Open(*key, nonce, aead.ADManifest, manifestRaw)
		if err != nil {
			return nil, fmt.Errorf("container: open manifest: %w", err)
		}
	}
	var manifest Manifest
	if err := cbor.Unmarshal(manifestPlain, &manifest); err != nil {
		return nil, arxerr.Formatf(err, "decode manifest")
	}

	tableRegionLen := sb.DataOff - sb.ChunkTableOff
	tableRaw := make([]byte, tableRegionLen)
	if _, err := f.ReadAt(tableRaw, int64(sb.ChunkTableOff)); err != nil {
		return nil, fmt.Errorf("container: read chunk table region: %w", err)
	}
	tablePlain := tableRaw
	if encrypted {
		nonce := aead.DeriveRegionNonce(salt, aead.RegionChunkTable, 0)
		tablePlain, err = aead.Open(*key, nonce, aead.ADChunkTab, tableRaw)
		if err != nil {
			return nil, fmt.Errorf("container: open chunk table: %w", err)
		}
	}
	if uint64(len(tablePlain)) != sb.ChunkCount*ChunkEntrySize {
		return nil, arxerr.Format("chunk table size mismatch: got %d bytes for %d entries", len(tablePlain), sb.ChunkCount)
	}

	table := make([]ChunkEntry, sb.ChunkCount)
	for i := range table {
		e, err := ParseChunkEntry(tablePlain[i*ChunkEntrySize : (i+1)*ChunkEntrySize])
		if err != nil {
			return nil, err
		}
		if e.DataOff < sb.DataOff || e.DataOff+e.CSize > fileEnd {
			return nil, arxerr.Format("chunk %d out of bounds", i)
		}
		table[i] = e
	}

	if debug.Enabled() {
		logrus.StandardLogger().WithFields(logrus.Fields{
			"chunks": len(table), "encrypted": encrypted,
		}).Debug("container: loaded chunk table")
	}

	return &Opened{
		f: f, sb: sb, manifest: manifest, table: table,
		key: key, salt: salt, fileEnd: fileEnd,
	}, nil
}

// Close releases the underlying file handle.
func (o *Opened) Close() error { return o.f.Close() }

// Superblock returns a copy of the container's superblock.
func (o *Opened) Superblock() Superblock { return o.sb }

// Manifest returns a copy of the decoded manifest.
func (o *Opened) Manifest() Manifest { return o.manifest }

// ChunkTable returns a copy of the decoded chunk table.
func (o *Opened) ChunkTable() []ChunkEntry {
	out := make([]ChunkEntry, len(o.table))
	copy(out, o.table)
	return out
}

// ListEntries returns every file entry in manifest order.
func (o *Opened) ListEntries() []FileEntry {
	out := make([]FileEntry, len(o.manifest.Files))
	copy(out, o.manifest.Files)
	return out
}

// ListRows projects every manifest file entry into a domain.FileRow, the
// row shape a listing view displays: path, logical size, chunk count, and
// whether the container is sealed.
func (o *Opened) ListRows() []domain.FileRow {
	rows := make([]domain.FileRow, len(o.manifest.Files))
	for i, fe := range o.manifest.Files {
		rows[i] = domain.FileRow{
			Path:       fe.Path,
			UncompSize: fe.Size,
			ChunkCount: len(fe.Chunks),
			Encrypted:  o.sb.Encrypted(),
		}
	}
	return rows
}

// ChunkRows projects path's chunk list into domain.ChunkRow values, one per
// chunk, in file order: each row carries the chunk's ordinal within the
// file, its table id and codec, its logical offset/length within the file,
// its on-disk (table) length, its absolute data offset, and how far through
// the file it completes.
func (o *Opened) ChunkRows(path string) ([]domain.ChunkRow, error) {
	fe, err := o.findFile(path)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.ChunkRow, len(fe.Chunks))
	var fileOff uint64
	for i, c := range fe.Chunks {
		if int(c.ID) >= len(o.table) {
			return nil, arxerr.Format("chunk id %d out of range", c.ID)
		}
		e := o.table[c.ID]
		rows[i] = domain.ChunkRow{
			Ordinal: i,
			ID:      c.ID,
			Codec:   e.Codec,
			FileOff: fileOff,
			ULen:    c.USize,
			CLen:    e.CSize,
			DataOff: e.DataOff,
		}
		fileOff += c.USize
		if fe.Size > 0 {
			rows[i].PctEnd = float64(fileOff) / float64(fe.Size) * 100
		}
	}
	return rows, nil
}

func (o *Opened) findFile(path string) (FileEntry, error) {
	for _, fe := range o.manifest.Files {
		if fe.Path == path {
			return fe, nil
		}
	}
	return FileEntry{}, fmt.Errorf("container: no such file: %s", path)
}

// FileReader streams a single file's bytes in chunk order, decompressing
// (and, if sealed, authenticating) each chunk lazily as the previous one is
// exhausted.
type FileReader struct {
	arx      *Opened
	chunks   []uint32
	cur      int
	curBuf   *bytes.Reader
}

// OpenReader returns a streaming reader over path's full content.
func (o *Opened) OpenReader(path string) (*FileReader, error) {
	fe, err := o.findFile(path)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(fe.Chunks))
	for i, c := range fe.Chunks {
		ids[i] = c.ID
	}
	return &FileReader{arx: o, chunks: ids}, nil
}

func (r *FileReader) loadNext() (bool, error) {
	if r.cur >= len(r.chunks) {
		return false, nil
	}
	id := r.chunks[r.cur]
	r.cur++
	if int(id) >= len(r.arx.table) {
		return false, arxerr.Format("chunk id %d out of range", id)
	}
	ce := r.arx.table[id]

	ciphertext := make([]byte, ce.CSize)
	r.arx.fileMu.Lock()
	_, err := r.arx.f.ReadAt(ciphertext, int64(ce.DataOff))
	r.arx.fileMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("container: read chunk %d: %w", id, err)
	}

	payload := ciphertext
	if r.arx.sb.Encrypted() {
		nonce := aead.DeriveRegionNonce(r.arx.salt, aead.RegionChunkData, uint64(id))
		payload, err = aead.Open(*r.arx.key, nonce, aead.ADChunk, ciphertext)
		if err != nil {
			return false, fmt.Errorf("container: open chunk %d: %w", id, err)
		}
	}

	var out bytes.Buffer
	out.Grow(int(ce.USize))
	if err := codec.Decompress(ce.Codec, &out, bytes.NewReader(payload), int64(ce.USize)); err != nil {
		return false, fmt.Errorf("container: decompress chunk %d: %w", id, err)
	}
	r.curBuf = bytes.NewReader(out.Bytes())
	return true, nil
}

// Read implements io.Reader.
func (r *FileReader) Read(p []byte) (int, error) {
	for {
		if r.curBuf != nil {
			n, err := r.curBuf.Read(p)
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				r.curBuf = nil
				continue
			}
			return n, err
		}
		ok, err := r.loadNext()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
	}
}

// RangeReader streams len bytes of a file starting at start.
type RangeReader struct {
	inner  *FileReader
	remain uint64
}

// OpenRange returns a streaming reader over [start, start+length) of path's
// content. It is built on top of FileReader by discarding the leading
// start bytes.
func (o *Opened) OpenRange(path string, start, length uint64) (*RangeReader, error) {
	fr, err := o.OpenReader(path)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := io.CopyN(io.Discard, fr, int64(start)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("container: seek to range start: %w", err)
		}
	}
	return &RangeReader{inner: fr, remain: length}, nil
}

// Read implements io.Reader, capping reads at the requested range length.
func (r *RangeReader) Read(p []byte) (int, error) {
	if r.remain == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.inner.Read(p)
	r.remain -= uint64(n)
	return n, err
}

// ExtractTo writes every manifest entry under destRoot, directories first
// in sorted order, then each file streamed and size-checked against its
// manifest record.
func ExtractTo(o *Opened, destRoot string) error {
	for _, d := range o.manifest.Dirs {
		safe, err := safeJoin(destRoot, d.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(safe, 0o755); err != nil {
			return fmt.Errorf("container: mkdir %s: %w", safe, err)
		}
	}
	for _, fe := range o.manifest.Files {
		safe, err := safeJoin(destRoot, fe.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(safe), 0o755); err != nil {
			return fmt.Errorf("container: mkdir for %s: %w", safe, err)
		}
		if err := extractOneFile(o, fe, safe); err != nil {
			return err
		}
	}
	return nil
}

func extractOneFile(o *Opened, fe FileEntry, dest string) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(fe.Mode))
	if err != nil {
		return fmt.Errorf("container: create %s: %w", dest, err)
	}
	defer out.Close()

	r, err := o.OpenReader(fe.Path)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return fmt.Errorf("container: extract %s: %w", fe.Path, err)
	}
	if uint64(n) != fe.Size {
		return arxerr.Format("extracted size mismatch for %s: got %d, want %d", fe.Path, n, fe.Size)
	}
	return nil
}

// safeJoin joins root and rel, rejecting absolute paths and ".."
// traversal.
func safeJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %s", arxerr.ErrUnsafePath, rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", arxerr.ErrUnsafePath, rel)
		}
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}
