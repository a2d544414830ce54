package container

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/chunker"
	"github.com/kenneth/arx/internal/codec"
	"github.com/kenneth/arx/internal/debug"
	"github.com/kenneth/arx/internal/domain"
	"github.com/kenneth/arx/internal/metrics"
)

// WriteOptions configures a Write call.
type WriteOptions struct {
	Chunker struct {
		Min, Target, Max uint
	}
	ZstdLevel     int
	MinGain       float64
	Deterministic bool
	AEADKey       *aead.Key
	KeySalt       aead.Salt
	Logger        *logrus.Logger
	// Metrics, if set, records chunk/dedup counts, bytes by codec, and AEAD
	// seal durations for this pack. A nil Metrics is a no-op.
	Metrics *metrics.Metrics
}

func (o *WriteOptions) setDefaults() {
	if o.Chunker.Min == 0 {
		o.Chunker.Min = 64 * 1024
	}
	if o.Chunker.Target == 0 {
		o.Chunker.Target = 256 * 1024
	}
	if o.Chunker.Max == 0 {
		o.Chunker.Max = 1024 * 1024
	}
	if o.MinGain < 0.05 {
		o.MinGain = 0.05
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// planChunk is one content-defined chunk discovered during planning, keyed
// by its content hash so Phase B can deduplicate across the whole tree.
type planChunk struct {
	hash  [32]byte
	data  []byte
	uSize uint64
}

type planFile struct {
	relPath string
	mode    uint32
	mtime   int64
	size    uint64
	chunks  []planChunk
}

type planDir struct {
	relPath string
	mode    uint32
	mtime   int64
}

// Write walks root and writes a new container to out, implementing Phases
// A-E: (A) parallel per-file chunk planning, (B) dedup and chunk-id
// assignment by first-appearance order, (C) offset computation, (D)
// sequential write of manifest/table/data, (E) finalize with the tail
// summary.
func Write(root string, out io.WriteSeeker, opts WriteOptions) (domain.Stats, error) {
	opts.setDefaults()
	log := opts.Logger

	var dirs []planDir
	var files []planFile
	var mu sync.Mutex
	var walkErr error

	type job struct {
		relPath string
		abs     string
		info    os.FileInfo
	}
	var jobs []job

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			mtime := info.ModTime().Unix()
			if opts.Deterministic {
				mtime = 0
			}
			dirs = append(dirs, planDir{relPath: rel, mode: uint32(info.Mode().Perm()), mtime: mtime})
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		jobs = append(jobs, job{relPath: rel, abs: path, info: info})
		return nil
	})
	if err != nil {
		return domain.Stats{}, fmt.Errorf("container: walk %s: %w", root, err)
	}

	// Phase A: per-file planning, parallelized with a bounded worker pool,
	// the way the teacher's chunked-AEAD pipeline dispatches per-chunk
	// crypto jobs across a fixed worker count.
	const workers = 8
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	planned := make([]planFile, len(jobs))
	for i, j := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, j job) {
			defer wg.Done()
			defer func() { <-sem }()
			pf, ferr := planOneFile(j.relPath, j.abs, j.info, opts)
			mu.Lock()
			if ferr != nil && walkErr == nil {
				walkErr = ferr
			}
			planned[i] = pf
			mu.Unlock()
		}(i, j)
	}
	wg.Wait()
	if walkErr != nil {
		return domain.Stats{}, walkErr
	}
	files = planned

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].relPath < dirs[j].relPath })
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })

	log.WithFields(logrus.Fields{"files": len(files), "dirs": len(dirs)}).Debug("container: planning complete")

	// Phase B: dedup by content hash, chunk ids assigned in first-appearance
	// order across the sorted file list.
	idOf := map[[32]byte]uint32{}
	var uniqueChunks []planChunk
	fileRefs := make([][]ChunkRef, len(files))
	for fi, f := range files {
		refs := make([]ChunkRef, len(f.chunks))
		for ci, c := range f.chunks {
			id, ok := idOf[c.hash]
			if !ok {
				id = uint32(len(uniqueChunks))
				idOf[c.hash] = id
				uniqueChunks = append(uniqueChunks, c)
			} else {
				opts.Metrics.DedupHit()
			}
			refs[ci] = ChunkRef{ID: id, USize: c.uSize}
		}
		fileRefs[fi] = refs
	}

	manifest := Manifest{
		Dirs: make([]DirEntry, len(dirs)),
		Meta: Meta{Created: creationTime(opts.Deterministic), Tool: "arx"},
	}
	for i, d := range dirs {
		manifest.Dirs[i] = DirEntry{Path: d.relPath, Mode: d.mode, Mtime: d.mtime}
	}
	manifest.Files = make([]FileEntry, len(files))
	for i, f := range files {
		manifest.Files[i] = FileEntry{
			Path: f.relPath, Mode: f.mode, Mtime: f.mtime, Size: f.size,
			Chunks: fileRefs[i],
		}
	}

	manifestPlain, err := cbor.Marshal(manifest)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("container: encode manifest: %w", err)
	}

	encrypted := opts.AEADKey != nil
	var manifestSealed []byte
	if encrypted {
		nonce := aead.DeriveRegionNonce(opts.KeySalt, aead.RegionManifest, 0)
		sealStart := time.Now()
		manifestSealed, err = aead.Seal(*opts.AEADKey, nonce, aead.ADManifest, manifestPlain)
		opts.Metrics.ObserveSeal(time.Since(sealStart))
		if err != nil {
			return domain.Stats{}, fmt.Errorf("container: seal manifest: %w", err)
		}
	} else {
		manifestSealed = manifestPlain
	}

	// Phase C: offset computation. The chunk table's own region may be
	// sealed, so its on-disk length is not simply chunk_count*entrySize;
	// compute compressed chunk payload sizes first (without yet writing
	// data), then lay out manifest -> table -> data in that order.
	type sealed struct {
		codec   uint8
		payload []byte // compressed, pre-AEAD bytes — what TailSummary hashes/counts
		bytes   []byte // on-disk bytes — ciphertext+tag if sealed, else == payload
	}
	sealedChunks := make([]sealed, len(uniqueChunks))
	for i, c := range uniqueChunks {
		tag, payload, cerr := codec.Select(c.data, opts.ZstdLevel, opts.MinGain)
		if cerr != nil {
			return domain.Stats{}, fmt.Errorf("container: select codec for chunk %d: %w", i, cerr)
		}
		opts.Metrics.BytesWritten(codec.Name(tag), len(payload))
		cipherText := payload
		if encrypted {
			nonce := aead.DeriveRegionNonce(opts.KeySalt, aead.RegionChunkData, uint64(i))
			sealStart := time.Now()
			cipherText, cerr = aead.Seal(*opts.AEADKey, nonce, aead.ADChunk, payload)
			opts.Metrics.ObserveSeal(time.Since(sealStart))
			if cerr != nil {
				return domain.Stats{}, fmt.Errorf("container: seal chunk %d: %w", i, cerr)
			}
		}
		sealedChunks[i] = sealed{codec: tag, payload: payload, bytes: cipherText}
	}

	chunkTableOff := HeaderLen + uint64(len(manifestSealed))
	rawTableLen := uint64(len(uniqueChunks)) * ChunkEntrySize
	tableRegionLen := rawTableLen
	if encrypted {
		tableRegionLen += aead.Overhead
	}
	dataOff := chunkTableOff + tableRegionLen

	entries := make([]ChunkEntry, len(uniqueChunks))
	off := dataOff
	for i, sc := range sealedChunks {
		entries[i] = ChunkEntry{
			Codec:   sc.codec,
			USize:   uniqueChunks[i].uSize,
			CSize:   uint64(len(sc.bytes)),
			DataOff: off,
		}
		off += uint64(len(sc.bytes))
	}

	sb := Superblock{
		Version:       Version,
		ManifestLen:   uint64(len(manifestSealed)),
		ChunkTableOff: chunkTableOff,
		ChunkCount:    uint64(len(entries)),
		DataOff:       dataOff,
	}
	if encrypted {
		sb.Flags |= FlagEncrypted
	}

	// Phase D: sequential write. A placeholder superblock goes first so
	// the file has a stable header size while offsets that depend on
	// content (none, here — all offsets are already known) are computed;
	// it is rewritten with final values in Phase E for parity with a
	// streaming writer that cannot know them up front.
	if _, err := sb.WriteTo(out); err != nil {
		return domain.Stats{}, fmt.Errorf("container: write superblock: %w", err)
	}
	if _, err := out.Write(manifestSealed); err != nil {
		return domain.Stats{}, fmt.Errorf("container: write manifest: %w", err)
	}

	var rawTable bytes.Buffer
	for _, e := range entries {
		if _, err := e.WriteTo(&rawTable); err != nil {
			return domain.Stats{}, fmt.Errorf("container: encode chunk table: %w", err)
		}
	}
	tableOnDisk := rawTable.Bytes()
	if encrypted {
		nonce := aead.DeriveRegionNonce(opts.KeySalt, aead.RegionChunkTable, 0)
		sealStart := time.Now()
		tableOnDisk, err = aead.Seal(*opts.AEADKey, nonce, aead.ADChunkTab, tableOnDisk)
		opts.Metrics.ObserveSeal(time.Since(sealStart))
		if err != nil {
			return domain.Stats{}, fmt.Errorf("container: seal chunk table: %w", err)
		}
	}
	if _, err := out.Write(tableOnDisk); err != nil {
		return domain.Stats{}, fmt.Errorf("container: write chunk table: %w", err)
	}

	dataHasher := blake3.New()
	var totalU, totalC uint64
	for i, sc := range sealedChunks {
		if _, err := out.Write(sc.bytes); err != nil {
			return domain.Stats{}, fmt.Errorf("container: write chunk %d: %w", i, err)
		}
		// The tail hashes and totals cover plaintext content — the
		// post-compress, pre-AEAD payload — not on-disk ciphertext, so a
		// sealed and unsealed pack of the same tree produce the same
		// DataBlake3/TotalC.
		dataHasher.Write(sc.payload)
		totalU += uniqueChunks[i].uSize
		totalC += uint64(len(sc.payload))
	}

	// Phase E: finalize — rewrite the real superblock (identical to the
	// placeholder here since every offset was already known) and append
	// the tail summary. Hashes cover plaintext regions, matching what
	// Verify recomputes after opening (decrypting, if sealed) each region.
	manifestHash := blake3.Sum256(manifestPlain)
	tableHash := blake3.Sum256(rawTable.Bytes())
	var dataHash [32]byte
	copy(dataHash[:], dataHasher.Sum(nil))

	tail := TailSummary{
		ManifestBlake3: manifestHash,
		ChunktabBlake3: tableHash,
		DataBlake3:     dataHash,
		TotalU:         totalU,
		TotalC:         totalC,
	}
	if _, err := tail.WriteTo(out); err != nil {
		return domain.Stats{}, fmt.Errorf("container: write tail: %w", err)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return domain.Stats{}, fmt.Errorf("container: seek to rewrite superblock: %w", err)
	}
	if _, err := sb.WriteTo(out); err != nil {
		return domain.Stats{}, fmt.Errorf("container: rewrite superblock: %w", err)
	}

	if debug.Enabled() {
		log.WithFields(logrus.Fields{
			"chunks": len(entries), "total_u": totalU, "total_c": totalC,
		}).Debug("container: write complete")
	}

	stats := domain.Stats{
		Files:              uint64(len(files)),
		Dirs:               uint64(len(dirs)),
		Chunks:             uint64(len(entries)),
		LogicalBytes:       totalU,
		PhysicalBytesBase:  totalC,
		LastCommitUnixNano: time.Now().UnixNano(),
	}
	if totalU > 0 {
		stats.CompressionRatio = float64(totalC) / float64(totalU)
	}
	return stats, nil
}

func planOneFile(rel, abs string, info os.FileInfo, opts WriteOptions) (planFile, error) {
	f, err := os.Open(abs)
	if err != nil {
		return planFile{}, fmt.Errorf("container: open %s: %w", abs, err)
	}
	defer f.Close()

	ck, err := chunker.New(opts.Chunker.Min, opts.Chunker.Target, opts.Chunker.Max)
	if err != nil {
		return planFile{}, err
	}
	var chunks []planChunk
	var size uint64
	err = ck.Split(f, func(c chunker.Chunk) error {
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		chunks = append(chunks, planChunk{
			hash:  blake3.Sum256(data),
			data:  data,
			uSize: uint64(len(data)),
		})
		size += uint64(len(data))
		opts.Metrics.ChunkPlanned()
		return nil
	})
	if err != nil {
		return planFile{}, fmt.Errorf("container: chunk %s: %w", rel, err)
	}

	mtime := info.ModTime().Unix()
	if opts.Deterministic {
		mtime = 0
	}
	return planFile{
		relPath: rel,
		mode:    uint32(info.Mode().Perm()),
		mtime:   mtime,
		size:    size,
		chunks:  chunks,
	}, nil
}

func creationTime(deterministic bool) int64 {
	if deterministic {
		return 0
	}
	return time.Now().Unix()
}
