package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "arx.yaml")
	require.NoError(t, os.WriteFile(p, []byte("codec:\n  zstd_level: 9\n"), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Codec.ZstdLevel)
	require.Equal(t, Default().Chunker, cfg.Chunker)
}

func TestValidateRejectsBadChunkOrdering(t *testing.T) {
	cfg := Default()
	cfg.Chunker.MaxSize = cfg.Chunker.MinSize - 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsLowMinGain(t *testing.T) {
	cfg := Default()
	cfg.Codec.MinGain = 0.01
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
