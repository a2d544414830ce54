// Package codec implements the chunk compression registry: a single-byte
// tag identifies the codec a chunk was stored with, so the reader never
// needs configuration to decompress a chunk written by any past writer.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kenneth/arx/internal/arxerr"
)

// Tag identifies a codec on the wire; it is persisted verbatim in each
// chunk table entry.
type Tag = uint8

const (
	// Store persists chunk bytes uncompressed.
	Store Tag = 0
	// Zstd persists chunk bytes through a zstd stream.
	Zstd Tag = 1
)

// Name returns a human-readable codec name for logging.
func Name(t Tag) string {
	switch t {
	case Store:
		return "store"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Compress writes the compressed form of src to dst using the codec named
// by tag, returning the number of bytes written to dst.
func Compress(tag Tag, dst io.Writer, src []byte, level int) (int64, error) {
	switch tag {
	case Store:
		n, err := dst.Write(src)
		return int64(n), err
	case Zstd:
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return 0, fmt.Errorf("codec: zstd writer: %w", err)
		}
		if _, err := enc.Write(src); err != nil {
			enc.Close()
			return 0, fmt.Errorf("codec: zstd write: %w", err)
		}
		if err := enc.Close(); err != nil {
			return 0, fmt.Errorf("codec: zstd close: %w", err)
		}
		n, err := dst.Write(buf.Bytes())
		return int64(n), err
	default:
		return 0, fmt.Errorf("codec: unknown tag %d", tag)
	}
}

// Decompress reads exactly uSize decompressed bytes from src (itself a
// reader over exactly cSize compressed bytes) using the codec named by tag.
func Decompress(tag Tag, dst io.Writer, src io.Reader, uSize int64) error {
	switch tag {
	case Store:
		_, err := io.CopyN(dst, src, uSize)
		return err
	case Zstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return fmt.Errorf("codec: zstd reader: %w", err)
		}
		defer dec.Close()
		_, err = io.CopyN(dst, dec, uSize)
		return err
	default:
		return fmt.Errorf("codec: %w %d", arxerr.ErrUnknownCodec, tag)
	}
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Select picks the best codec for src: it tries zstd and keeps it only if
// the compressed size is at least minGain smaller than the uncompressed
// size, per (u-c) >= u*minGain. minGain is clamped to a 0.05 floor.
// Select returns the chosen tag and the already-compressed bytes (or the
// original bytes unchanged, for Store) so callers never compress twice.
func Select(src []byte, level int, minGain float64) (Tag, []byte, error) {
	if minGain < 0.05 {
		minGain = 0.05
	}
	var buf bytes.Buffer
	if _, err := Compress(Zstd, &buf, src, level); err != nil {
		return 0, nil, err
	}
	u := float64(len(src))
	c := float64(buf.Len())
	if u > 0 && (u-c) >= u*minGain {
		return Zstd, buf.Bytes(), nil
	}
	return Store, src, nil
}
