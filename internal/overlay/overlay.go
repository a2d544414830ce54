package overlay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/arxerr"
	"github.com/kenneth/arx/internal/codec"
	"github.com/kenneth/arx/internal/container"
	"github.com/kenneth/arx/internal/domain"
	"github.com/kenneth/arx/internal/metrics"
)

// Overlay is the mutable front end over a base container: every Put,
// Delete, Rename, and SetPolicy is appended to the journal, replayed into
// the in-memory index, and (for Put) backed by bytes in the delta store.
// Reading a base container's chunks through the overlay is intentionally
// unsupported; see OpenReader.
type Overlay struct {
	basePath  string
	journal   *Journal
	delta     *DeltaStore
	index     *Index
	zstdLevel int
	minGain   float64
	metrics   *metrics.Metrics
}

// SetMetrics attaches m so subsequent operations record counters and
// durations against it. Passing nil (the default) makes every recording
// call a no-op.
func (o *Overlay) SetMetrics(m *metrics.Metrics) { o.metrics = m }

// pathsFor derives the journal and delta-store sidecar paths for a base
// container path, special-casing the conventional ".arx" extension the way
// the original implementation's with_ext helper does.
func pathsFor(base string) (journalPath, deltaPath string) {
	if strings.HasSuffix(base, ".arx") {
		stem := strings.TrimSuffix(base, ".arx")
		return stem + ".arx.log", stem + ".arx.delta"
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return stem + ".log", stem + ".delta"
}

// Open opens (or creates, if absent) the journal and delta store beside
// basePath and replays the journal into a fresh in-memory index.
func Open(basePath string, key *aead.Key, salt aead.Salt) (*Overlay, error) {
	journalPath, deltaPath := pathsFor(basePath)

	j, err := OpenJournal(journalPath, key, salt)
	if err != nil {
		return nil, err
	}
	d, err := OpenDeltaStore(deltaPath, key, salt)
	if err != nil {
		j.Close()
		return nil, err
	}

	ix := NewIndex()
	if err := j.Iterate(func(rec LogRecord) error {
		ix.Apply(rec)
		return nil
	}); err != nil {
		j.Close()
		d.Close()
		return nil, err
	}

	return &Overlay{
		basePath: basePath, journal: j, delta: d, index: ix,
		zstdLevel: 3, minGain: 0.05,
	}, nil
}

// Close closes the journal and delta store.
func (o *Overlay) Close() error {
	err1 := o.journal.Close()
	err2 := o.delta.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Index returns the overlay's current in-memory index.
func (o *Overlay) Index() *Index { return o.index }

// PutFile reads src whole, hashes it, stores it as a single delta frame
// (deduplicating against a chunk the index has already seen), and appends a
// Put record.
func (o *Overlay) PutFile(src, dstPath string, mode uint32, mtime int64) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("overlay: read %s: %w", src, err)
	}

	if err := o.enforcePolicy(uint64(len(data))); err != nil {
		return err
	}

	hash := blake3.Sum256(data)

	var ref ChunkRef
	if loc, off, length, uSize, tag, ok := o.index.ChunkLocation(hash); ok {
		ref = ChunkRef{Loc: loc, Off: off, Len: length, USize: uSize, Codec: tag, Blake3: hash}
	} else {
		tag, payload, cerr := codec.Select(data, o.zstdLevel, o.minGain)
		if cerr != nil {
			return cerr
		}
		off, onDiskLen, aerr := o.delta.AppendFrame(payload)
		if aerr != nil {
			return aerr
		}
		ref = ChunkRef{Loc: LocDelta, Off: off, Len: onDiskLen, USize: uint64(len(data)), Codec: tag, Blake3: hash}
	}

	rec := PutRecord(dstPath, mode, mtime, uint64(len(data)), []ChunkRef{ref})
	if err := o.journal.Append(rec); err != nil {
		return err
	}
	o.index.Apply(rec)
	o.metrics.OverlayOp("put")
	return nil
}

func (o *Overlay) enforcePolicy(size uint64) error {
	p := o.index.Policy()
	if p.MaxEntries != nil && uint64(len(o.index.byPath)) >= *p.MaxEntries {
		return fmt.Errorf("overlay: policy: max entries exceeded")
	}
	if p.MaxUncompressed != nil && size > *p.MaxUncompressed {
		return fmt.Errorf("overlay: policy: file exceeds max uncompressed size")
	}
	return nil
}

// DeletePath appends a Delete record for exactly path.
func (o *Overlay) DeletePath(path string) error {
	rec := DeleteRecord(path)
	if err := o.journal.Append(rec); err != nil {
		return err
	}
	o.index.Apply(rec)
	o.metrics.OverlayOp("delete")
	return nil
}

// DeletePathRecursive deletes path and every logical path nested under it.
// This walks the archive's own logical namespace (the in-memory index),
// not the host filesystem: a path like "reports/2024" names entries inside
// the archive, and the original implementation's host-filesystem walk over
// that same string was a bug, not an intended interpretation.
func (o *Overlay) DeletePathRecursive(path string) error {
	targets := append([]string{path}, o.index.PathsUnder(path)...)
	for _, p := range targets {
		if _, ok := o.index.Get(p); !ok {
			continue
		}
		if err := o.DeletePath(p); err != nil {
			return err
		}
	}
	return nil
}

// Rename appends a Rename record moving from to to.
func (o *Overlay) Rename(from, to string) error {
	rec := RenameRecord(from, to)
	if err := o.journal.Append(rec); err != nil {
		return err
	}
	o.index.Apply(rec)
	o.metrics.OverlayOp("rename")
	return nil
}

// SetPolicy appends a SetPolicy record.
func (o *Overlay) SetPolicy(p domain.Policy) error {
	rec := SetPolicyRecord(p)
	if err := o.journal.Append(rec); err != nil {
		return err
	}
	o.index.Apply(rec)
	o.metrics.OverlayOp("set_policy")
	return nil
}

// OpenReader returns a reader over path's current content. It refuses
// files whose chunks reference the base container, since reading through
// the base from the overlay is not implemented.
func (o *Overlay) OpenReader(path string) (io.Reader, error) {
	e, ok := o.index.Get(path)
	if !ok {
		return nil, fmt.Errorf("overlay: no such path: %s", path)
	}
	var parts []io.Reader
	for _, c := range e.Chunks {
		if c.Loc != LocDelta {
			return nil, arxerr.ErrBaseChunksUnsupported
		}
		payload, err := o.delta.ReadFrame(c.Off, c.Len)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		out.Grow(int(c.USize))
		if err := codec.Decompress(c.Codec, &out, bytes.NewReader(payload), int64(c.USize)); err != nil {
			return nil, fmt.Errorf("overlay: decompress chunk: %w", err)
		}
		parts = append(parts, bytes.NewReader(out.Bytes()))
	}
	return io.MultiReader(parts...), nil
}

// Compact materializes the overlay's current logical tree into a scratch
// directory and writes a fresh base container from it, the way the
// original sync_to_base operation folds accumulated deltas back into an
// immutable base. Writes a fresh container at outPath; sealBase controls
// whether the new base is AEAD-sealed.
func (o *Overlay) Compact(outPath string, deterministic bool, minGain float64, key *aead.Key, salt aead.Salt, sealBase bool) error {
	compactStart := time.Now()
	defer func() { o.metrics.ObserveCompact(time.Since(compactStart)) }()

	scratch, err := os.MkdirTemp("", "arx-compact-*")
	if err != nil {
		return fmt.Errorf("overlay: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	operation := func() error {
		for _, p := range o.index.Paths() {
			e, _ := o.index.Get(p)
			dest := filepath.Join(scratch, filepath.FromSlash(p))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			r, err := o.OpenReader(p)
			if err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(e.Mode))
			if err != nil {
				return err
			}
			_, cerr := io.Copy(f, r)
			f.Close()
			if cerr != nil {
				return cerr
			}
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("overlay: materialize scratch tree: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("overlay: create %s: %w", outPath, err)
	}
	defer out.Close()

	opts := container.WriteOptions{MinGain: minGain, Deterministic: deterministic, Metrics: o.metrics}
	if sealBase {
		opts.AEADKey = key
		opts.KeySalt = salt
	}
	_, err = container.Write(scratch, out, opts)
	return err
}

// Issue creates a brand-new, empty base container at outPath containing a
// single marker file recording label/owner/notes — the overlay equivalent
// of stamping a freshly issued archive's provenance.
func Issue(outPath, label, owner, notes string, deterministic bool, key *aead.Key, salt aead.Salt) error {
	scratch, err := os.MkdirTemp("", "arx-issue-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	issued := time.Time{}.UTC().Format(time.RFC3339)
	if !deterministic {
		issued = time.Now().UTC().Format(time.RFC3339)
	}
	marker := fmt.Sprintf("label: %s\nowner: %s\nnotes: %s\nissued: %s\n", label, owner, notes, issued)
	if err := os.WriteFile(filepath.Join(scratch, ".arx-marker"), []byte(marker), 0o644); err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	opts := container.WriteOptions{Deterministic: deterministic}
	if key != nil {
		opts.AEADKey = key
		opts.KeySalt = salt
	}
	_, err = container.Write(scratch, out, opts)
	return err
}
