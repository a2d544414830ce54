package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	src := []byte("hello, arx")
	var buf bytes.Buffer
	n, err := Compress(Store, &buf, src, 3)
	require.NoError(t, err)
	require.Equal(t, int64(len(src)), n)

	var out bytes.Buffer
	require.NoError(t, Decompress(Store, &out, bytes.NewReader(buf.Bytes()), int64(len(src))))
	require.Equal(t, src, out.Bytes())
}

func TestZstdRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)
	var buf bytes.Buffer
	_, err := Compress(Zstd, &buf, src, 3)
	require.NoError(t, err)
	require.Less(t, buf.Len(), len(src))

	var out bytes.Buffer
	require.NoError(t, Decompress(Zstd, &out, bytes.NewReader(buf.Bytes()), int64(len(src))))
	require.Equal(t, src, out.Bytes())
}

func TestSelectPrefersZstdOnCompressible(t *testing.T) {
	src := bytes.Repeat([]byte("aaaaaaaaaa"), 1000)
	tag, payload, err := Select(src, 3, 0.05)
	require.NoError(t, err)
	require.Equal(t, Zstd, tag)
	require.Less(t, len(payload), len(src))
}

func TestSelectFallsBackToStoreOnIncompressible(t *testing.T) {
	src := make([]byte, 8192)
	rand.New(rand.NewSource(3)).Read(src)
	tag, payload, err := Select(src, 3, 0.05)
	require.NoError(t, err)
	require.Equal(t, Store, tag)
	require.Equal(t, src, payload)
}

func TestUnknownTagErrors(t *testing.T) {
	var buf bytes.Buffer
	_, err := Compress(99, &buf, []byte("x"), 3)
	require.Error(t, err)
	err = Decompress(99, &buf, bytes.NewReader(nil), 1)
	require.Error(t, err)
}
