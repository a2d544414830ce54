package container

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/arxerr"
	"github.com/kenneth/arx/internal/domain"
)

func writeFixture(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))

	a := make([]byte, 300*1024)
	rand.New(rand.NewSource(1)).Read(a)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), a, 0o644))

	// b.bin shares a prefix with a.bin so dedup has something to find.
	b := append(append([]byte{}, a[:100*1024]...), []byte("distinct tail content for b")...)
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), b, 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(root, "c.txt"), []byte("small compressible text "+string(make([]byte, 2000))), 0o644))
}

func packTo(t *testing.T, root, outPath string, opts WriteOptions) domain.Stats {
	t.Helper()
	out, err := os.Create(outPath)
	require.NoError(t, err)
	defer out.Close()
	stats, err := Write(root, out, opts)
	require.NoError(t, err)
	return stats
}

func TestWriteReadExtractPlain(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	archive := filepath.Join(t.TempDir(), "out.arx")

	packTo(t, root, archive, WriteOptions{Deterministic: true})

	res, err := Verify(archive, nil, aead.Salt{})
	require.NoError(t, err)
	require.True(t, res.OK)

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	entries := o.ListEntries()
	require.Len(t, entries, 3)

	destRoot := t.TempDir()
	require.NoError(t, ExtractTo(o, destRoot))

	want, err := os.ReadFile(filepath.Join(root, "a.bin"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(destRoot, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, want, got)

	gotB, err := os.ReadFile(filepath.Join(destRoot, "sub", "b.bin"))
	require.NoError(t, err)
	wantB, err := os.ReadFile(filepath.Join(root, "sub", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, wantB, gotB)
}

func TestWriteReadSealed(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	archive := filepath.Join(t.TempDir(), "out.arx")

	var key aead.Key
	var salt aead.Salt
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range salt {
		salt[i] = byte(i + 9)
	}

	packTo(t, root, archive, WriteOptions{Deterministic: true, AEADKey: &key, KeySalt: salt})

	_, err := Open(archive, nil, salt)
	require.ErrorIs(t, err, arxerr.ErrSealedWithoutKey)

	res, err := Verify(archive, &key, salt)
	require.NoError(t, err)
	require.True(t, res.OK)

	o, err := Open(archive, &key, salt)
	require.NoError(t, err)
	defer o.Close()

	r, err := o.OpenReader("a.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(root, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRangeReader(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	archive := filepath.Join(t.TempDir(), "out.arx")
	packTo(t, root, archive, WriteOptions{Deterministic: true})

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	want, err := os.ReadFile(filepath.Join(root, "a.bin"))
	require.NoError(t, err)

	rr, err := o.OpenRange("a.bin", 1000, 2048)
	require.NoError(t, err)
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, want[1000:1000+2048], got)
}

func TestDeduplicatesSharedPrefix(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	archive := filepath.Join(t.TempDir(), "out.arx")
	// A 64 KiB max chunk forces a boundary inside the 100 KiB shared prefix,
	// so a.bin and b.bin are guaranteed to share their first chunk.
	opts := WriteOptions{Deterministic: true}
	opts.Chunker.Min, opts.Chunker.Target, opts.Chunker.Max = 16*1024, 32*1024, 64*1024
	packTo(t, root, archive, opts)

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	seen := map[uint32]bool{}
	for _, fe := range o.Manifest().Files {
		for _, c := range fe.Chunks {
			seen[c.ID] = true
		}
	}
	require.Less(t, len(seen), chunkRefTotal(o))
}

func chunkRefTotal(o *Opened) int {
	n := 0
	for _, fe := range o.Manifest().Files {
		n += len(fe.Chunks)
	}
	return n
}

func TestDeterministicPackIsByteIdentical(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	a1 := filepath.Join(t.TempDir(), "a1.arx")
	a2 := filepath.Join(t.TempDir(), "a2.arx")
	packTo(t, root, a1, WriteOptions{Deterministic: true})
	packTo(t, root, a2, WriteOptions{Deterministic: true})

	b1, err := os.ReadFile(a1)
	require.NoError(t, err)
	b2, err := os.ReadFile(a2)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

// TestEmptyTree packs a directory with nothing in it: zero chunks, an empty
// (but present) manifest region, and a data region of length zero since
// there is nothing to seal into it.
func TestEmptyTree(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(t.TempDir(), "out.arx")

	stats := packTo(t, root, archive, WriteOptions{Deterministic: true})
	require.Zero(t, stats.Chunks)
	require.Zero(t, stats.Files)

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	require.Zero(t, o.sb.ChunkCount)
	require.Greater(t, o.sb.ManifestLen, uint64(0))
	require.Equal(t, o.sb.ChunkTableOff, o.sb.DataOff)
	require.Empty(t, o.ListEntries())

	res, err := Verify(archive, nil, aead.Salt{})
	require.NoError(t, err)
	require.True(t, res.OK)

	destRoot := t.TempDir()
	require.NoError(t, ExtractTo(o, destRoot))
}

// TestSingleTinyFileLayout matches spec scenario S2: a single 5-byte file
// stored unencrypted and deterministic must land as exactly one STORE chunk
// (min_gain rejects zstd on incompressible/tiny input) immediately after the
// chunk table, and must round-trip byte for byte.
func TestSingleTinyFileLayout(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))
	archive := filepath.Join(t.TempDir(), "out.arx")

	packTo(t, root, archive, WriteOptions{Deterministic: true})

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	require.Equal(t, uint64(1), o.sb.ChunkCount)
	require.Len(t, o.table, 1)
	entry := o.table[0]
	require.Equal(t, uint8(0), entry.Codec, "expected codec STORE")
	require.Equal(t, uint64(5), entry.USize)
	require.Equal(t, uint64(5), entry.CSize)
	require.Equal(t, o.sb.ChunkTableOff+ChunkEntrySize, entry.DataOff)

	res, err := Verify(archive, nil, aead.Salt{})
	require.NoError(t, err)
	require.True(t, res.OK)

	destRoot := t.TempDir()
	require.NoError(t, ExtractTo(o, destRoot))
	got, err := os.ReadFile(filepath.Join(destRoot, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

// TestTwoIdenticalFilesDedup matches spec scenario S3: two 1 MiB
// bit-identical files must be chunked into fewer than 8 chunks and must
// share every chunk id between them — no chunk introduced by the second
// file is new.
func TestTwoIdenticalFilesDedup(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), data, 0o644))
	archive := filepath.Join(t.TempDir(), "out.arx")

	packTo(t, root, archive, WriteOptions{Deterministic: true})

	o, err := Open(archive, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()

	require.Less(t, int(o.sb.ChunkCount), 8)

	var aEntry, bEntry FileEntry
	for _, fe := range o.manifest.Files {
		switch fe.Path {
		case "a.bin":
			aEntry = fe
		case "b.bin":
			bEntry = fe
		}
	}
	require.NotEmpty(t, aEntry.Chunks)
	require.Equal(t, len(aEntry.Chunks), len(bEntry.Chunks))

	aIDs := map[uint32]bool{}
	for _, c := range aEntry.Chunks {
		aIDs[c.ID] = true
	}
	for _, c := range bEntry.Chunks {
		require.True(t, aIDs[c.ID], "b.bin introduced chunk id %d not used by a.bin", c.ID)
	}
}

// TestVerifyDetectsTamperedData matches Testable Property 4: flipping a
// single byte inside an unencrypted data region must make Verify report a
// hash mismatch rather than silently succeeding.
func TestVerifyDetectsTamperedData(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)
	archive := filepath.Join(t.TempDir(), "out.arx")
	packTo(t, root, archive, WriteOptions{Deterministic: true})

	flipByteAt(t, archive, dataOffsetOf(t, archive))

	res, err := Verify(archive, nil, aead.Salt{})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.False(t, res.DataMatches)
}

// TestVerifySealedTamperIsAuthenticationFailure matches spec scenario S4:
// tampering a byte inside a sealed container's data region must surface as
// an AEAD authentication error from Verify, distinct from a hash-mismatch
// VerifyResult, since an unauthenticated sealed container cannot be trusted
// enough to even report "not OK".
func TestVerifySealedTamperIsAuthenticationFailure(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 4*1024*1024)
	rand.New(rand.NewSource(2)).Read(data)
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.bin"), data, 0o644))
	archive := filepath.Join(t.TempDir(), "out.arx")

	var key aead.Key
	var salt aead.Salt
	packTo(t, root, archive, WriteOptions{Deterministic: true, AEADKey: &key, KeySalt: salt})

	res, err := Verify(archive, &key, salt)
	require.NoError(t, err)
	require.True(t, res.OK)

	flipByteAt(t, archive, dataOffsetOf(t, archive)+7)

	_, err = Verify(archive, &key, salt)
	require.Error(t, err)
}

// TestExtractRejectsUnsafePath matches spec scenario S6: a manifest entry
// whose path escapes the destination root via ".." must be refused by
// extraction rather than written outside destRoot.
func TestExtractRejectsUnsafePath(t *testing.T) {
	o := &Opened{manifest: Manifest{Files: []FileEntry{{Path: "../evil", Mode: 0o644}}}}
	destRoot := t.TempDir()

	err := ExtractTo(o, destRoot)
	require.ErrorIs(t, err, arxerr.ErrUnsafePath)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(destRoot), "evil"))
	require.True(t, os.IsNotExist(statErr))
}

func dataOffsetOf(t *testing.T, archive string) int64 {
	t.Helper()
	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	sb, err := ReadSuperblock(f)
	require.NoError(t, err)
	return int64(sb.DataOff)
}

func flipByteAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}
