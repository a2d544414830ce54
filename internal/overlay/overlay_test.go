package overlay

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/arx/internal/aead"
	"github.com/kenneth/arx/internal/arxerr"
	"github.com/kenneth/arx/internal/container"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, content, 0o644))
	return p
}

func TestPutReadDeleteRename(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.arx")

	ov, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	defer ov.Close()

	src := writeTempFile(t, dir, "src.txt", []byte("overlay content"))
	require.NoError(t, ov.PutFile(src, "a/b.txt", 0o644, 0))

	r, err := ov.OpenReader("a/b.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "overlay content", string(got))

	require.NoError(t, ov.Rename("a/b.txt", "a/c.txt"))
	_, ok := ov.Index().Get("a/b.txt")
	require.False(t, ok)
	_, ok = ov.Index().Get("a/c.txt")
	require.True(t, ok)

	require.NoError(t, ov.DeletePath("a/c.txt"))
	_, ok = ov.Index().Get("a/c.txt")
	require.False(t, ok)
}

func TestJournalReplayAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.arx")

	ov, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	src := writeTempFile(t, dir, "src.txt", []byte("persisted"))
	require.NoError(t, ov.PutFile(src, "p.txt", 0o644, 0))
	require.NoError(t, ov.Close())

	ov2, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	defer ov2.Close()

	e, ok := ov2.Index().Get("p.txt")
	require.True(t, ok)
	require.Equal(t, uint64(len("persisted")), e.Size)
}

func TestDeleteRecursiveWalksLogicalNamespace(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.arx")
	ov, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	defer ov.Close()

	src := writeTempFile(t, dir, "src.txt", []byte("x"))
	require.NoError(t, ov.PutFile(src, "reports/2024/a.txt", 0o644, 0))
	require.NoError(t, ov.PutFile(src, "reports/2024/b.txt", 0o644, 0))
	require.NoError(t, ov.PutFile(src, "reports/other.txt", 0o644, 0))

	require.NoError(t, ov.DeletePathRecursive("reports/2024"))

	_, ok := ov.Index().Get("reports/2024/a.txt")
	require.False(t, ok)
	_, ok = ov.Index().Get("reports/2024/b.txt")
	require.False(t, ok)
	_, ok = ov.Index().Get("reports/other.txt")
	require.True(t, ok)
}

func TestCompactProducesVerifiableContainer(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.arx")
	ov, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	defer ov.Close()

	src := writeTempFile(t, dir, "src.txt", []byte("compact me"))
	require.NoError(t, ov.PutFile(src, "f.txt", 0o644, 0))

	out := filepath.Join(dir, "compacted.arx")
	require.NoError(t, ov.Compact(out, true, 0.05, nil, aead.Salt{}, false))

	res, err := container.Verify(out, nil, aead.Salt{})
	require.NoError(t, err)
	require.True(t, res.OK)

	o, err := container.Open(out, nil, aead.Salt{})
	require.NoError(t, err)
	defer o.Close()
	r, err := o.OpenReader("f.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "compact me", string(got))
}

func TestIssueCreatesMarkerArchive(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "issued.arx")
	require.NoError(t, Issue(out, "lbl", "owner", "notes", true, nil, aead.Salt{}))

	res, err := container.Verify(out, nil, aead.Salt{})
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestDedupAcrossPuts(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "archive.arx")
	ov, err := Open(base, nil, aead.Salt{})
	require.NoError(t, err)
	defer ov.Close()

	src := writeTempFile(t, dir, "src.txt", []byte("identical payload"))
	require.NoError(t, ov.PutFile(src, "one.txt", 0o644, 0))
	require.NoError(t, ov.PutFile(src, "two.txt", 0o644, 0))

	e1, _ := ov.Index().Get("one.txt")
	e2, _ := ov.Index().Get("two.txt")
	require.Equal(t, e1.Chunks[0].Off, e2.Chunks[0].Off)
}

func TestOpenReaderRejectsBaseChunks(t *testing.T) {
	ix := NewIndex()
	ix.Apply(PutRecord("base.txt", 0o644, 0, 10, []ChunkRef{{Loc: LocBase, Off: 0, Len: 10, USize: 10}}))
	ov := &Overlay{index: ix}
	_, err := ov.OpenReader("base.txt")
	require.ErrorIs(t, err, arxerr.ErrBaseChunksUnsupported)
}
