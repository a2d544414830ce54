// Package chunker implements content-defined chunking: splitting a stream
// into variable-length chunks whose boundaries depend only on a rolling
// hash of local content, not on the stream's absolute offset, so that an
// insertion or deletion near the front of a file only perturbs the chunks
// adjacent to the edit.
package chunker

import (
	"fmt"
	"io"
	"math/bits"

	resticchunker "github.com/restic/chunker"
)

// pol is a fixed, hard-coded irreducible polynomial for the rolling hash.
// Using a fixed polynomial (instead of chunker.RandomPolynomial(), which
// the library also offers) is what makes chunking deterministic across
// processes and machines: the same bytes always split at the same offsets.
const pol = resticchunker.Pol(0x3DA3358B4DC173)

// Chunk is one content-defined chunk: its bytes and its offset within the
// stream it was cut from.
type Chunk struct {
	Data   []byte
	Offset uint64
}

// Chunker cuts an io.Reader into content-defined chunks bounded by
// [min, max] bytes, targeting an average size near target (rounded down to
// a power of two).
type Chunker struct {
	min, target, max uint
}

// New validates the given bounds and returns a Chunker. min must be <=
// target, target must be <= max, and all three must be positive.
func New(min, target, max uint) (*Chunker, error) {
	if min == 0 || target == 0 || max == 0 {
		return nil, fmt.Errorf("chunker: sizes must be positive")
	}
	if min > target || target > max {
		return nil, fmt.Errorf("chunker: sizes must satisfy min <= target <= max")
	}
	return &Chunker{min: min, target: target, max: max}, nil
}

// Split streams chunks from r to fn in order, stopping at the first error
// fn returns or at end of stream. The byte slice passed to fn is only valid
// until fn returns; callers that retain it must copy.
func (c *Chunker) Split(r io.Reader, fn func(Chunk) error) error {
	ck := resticchunker.NewWithBoundaries(r, pol, c.min, c.max)
	ck.SetAverageBits(bits.Len(c.target) - 1)
	buf := make([]byte, c.max)
	var offset uint64
	for {
		chunk, err := ck.Next(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chunker: split at offset %d: %w", offset, err)
		}
		if err := fn(Chunk{Data: chunk.Data, Offset: offset}); err != nil {
			return err
		}
		offset += uint64(chunk.Length)
	}
}

// SplitAll is a convenience wrapper over Split that copies and collects
// every chunk into memory; intended for small inputs (tests, small files),
// not the writer's main data path.
func (c *Chunker) SplitAll(r io.Reader) ([]Chunk, error) {
	var out []Chunk
	err := c.Split(r, func(ch Chunk) error {
		data := make([]byte, len(ch.Data))
		copy(data, ch.Data)
		out = append(out, Chunk{Data: data, Offset: ch.Offset})
		return nil
	})
	return out, err
}
