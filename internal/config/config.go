// Package config loads the archive engine's tunables from YAML, the way the
// gateway this engine grew out of loaded its hardware-acceleration and audit
// settings: a small struct per concern, defaulted, optionally overridden from
// a file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChunkerConfig bounds content-defined chunking.
type ChunkerConfig struct {
	MinSize    uint `yaml:"min_size"`
	TargetSize uint `yaml:"target_size"`
	MaxSize    uint `yaml:"max_size"`
}

// CodecConfig controls compression selection.
type CodecConfig struct {
	ZstdLevel int     `yaml:"zstd_level"`
	MinGain   float64 `yaml:"min_gain"`
}

// AEADConfig controls whether and how regions are sealed.
type AEADConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OverlayConfig controls journal/delta-store behavior.
type OverlayConfig struct {
	CompactionRetries int `yaml:"compaction_retries"`
}

// MetricsConfig controls whether in-process counters are collected.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the top-level configuration for an archive engine instance.
type Config struct {
	Chunker ChunkerConfig `yaml:"chunker"`
	Codec   CodecConfig   `yaml:"codec"`
	AEAD    AEADConfig    `yaml:"aead"`
	Overlay OverlayConfig `yaml:"overlay"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the spec's documented defaults: 64 KiB / 256 KiB / 1 MiB
// chunk bounds, zstd level 3 with a 0.05 minimum gain, AEAD and metrics
// enabled, three compaction retries.
func Default() Config {
	return Config{
		Chunker: ChunkerConfig{
			MinSize:    64 * 1024,
			TargetSize: 256 * 1024,
			MaxSize:    1024 * 1024,
		},
		Codec: CodecConfig{
			ZstdLevel: 3,
			MinGain:   0.05,
		},
		AEAD: AEADConfig{Enabled: true},
		Overlay: OverlayConfig{
			CompactionRetries: 3,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads a YAML config file, starting from Default and overlaying
// whatever the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate the chunker and codec
// invariants spec.md requires.
func (c Config) Validate() error {
	if c.Chunker.MinSize == 0 || c.Chunker.TargetSize == 0 || c.Chunker.MaxSize == 0 {
		return fmt.Errorf("config: chunk sizes must be positive")
	}
	if c.Chunker.MinSize > c.Chunker.TargetSize || c.Chunker.TargetSize > c.Chunker.MaxSize {
		return fmt.Errorf("config: chunk sizes must satisfy min <= target <= max")
	}
	if c.Codec.MinGain < 0.05 {
		return fmt.Errorf("config: codec min_gain must be >= 0.05")
	}
	return nil
}
