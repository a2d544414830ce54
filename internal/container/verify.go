package container

import (
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/kenneth/arx/internal/aead"
)

// VerifyResult reports the outcome of a Verify call.
type VerifyResult struct {
	OK              bool
	ManifestMatches bool
	ChunkTabMatches bool
	DataMatches     bool
	TotalsMatch     bool
}

// Verify opens path — decrypting each region if it was sealed, in which
// case key and salt must match what it was sealed with — and recomputes the
// manifest, chunk-table, and data-region BLAKE3 hashes plus the
// uncompressed/compressed totals over the plaintext, comparing them against
// the container's TailSummary. An AEAD authentication failure while opening
// a region is returned as an error, not folded into VerifyResult: an
// unauthenticated container is not "verified false", it is unreadable.
func Verify(path string, key *aead.Key, salt aead.Salt) (VerifyResult, error) {
	o, err := Open(path, key, salt)
	if err != nil {
		return VerifyResult{}, err
	}
	defer o.Close()
	return VerifyOpened(o, path)
}

// VerifyOpened re-verifies an already-Open'd (and therefore
// already-authenticated, if sealed) container without parsing it again;
// the tail summary is still read through a fresh file handle on path.
func VerifyOpened(o *Opened, path string) (VerifyResult, error) {
	tail, err := readTail(path)
	if err != nil {
		return VerifyResult{}, err
	}

	encrypted := o.sb.Encrypted()

	o.fileMu.Lock()
	manifestRaw := make([]byte, o.sb.ManifestLen)
	_, rerr := o.f.ReadAt(manifestRaw, int64(HeaderLen))
	o.fileMu.Unlock()
	if rerr != nil {
		return VerifyResult{}, fmt.Errorf("container: read manifest region: %w", rerr)
	}
	manifestPlain := manifestRaw
	if encrypted {
		nonce := aead.DeriveRegionNonce(o.salt, aead.RegionManifest, 0)
		manifestPlain, err = aead.Open(*o.key, nonce, aead.ADManifest, manifestRaw)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("container: authenticate manifest: %w", err)
		}
	}
	manifestHash := blake3.Sum256(manifestPlain)

	tableRegionLen := o.sb.DataOff - o.sb.ChunkTableOff
	o.fileMu.Lock()
	tableRaw := make([]byte, tableRegionLen)
	_, rerr = o.f.ReadAt(tableRaw, int64(o.sb.ChunkTableOff))
	o.fileMu.Unlock()
	if rerr != nil {
		return VerifyResult{}, fmt.Errorf("container: read chunk table region: %w", rerr)
	}
	tablePlain := tableRaw
	if encrypted {
		nonce := aead.DeriveRegionNonce(o.salt, aead.RegionChunkTable, 0)
		tablePlain, err = aead.Open(*o.key, nonce, aead.ADChunkTab, tableRaw)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("container: authenticate chunk table: %w", err)
		}
	}
	tableHash := blake3.Sum256(tablePlain)

	// Data region: each chunk was sealed individually (not the region as a
	// whole), so authenticate and decrypt chunk by chunk, in chunk-id order,
	// and hash/sum the plaintext — matching what the writer hashed/counted
	// before sealing.
	dataHasher := blake3.New()
	var totalU, totalC uint64
	for i, e := range o.table {
		o.fileMu.Lock()
		ciphertext := make([]byte, e.CSize)
		_, rerr := o.f.ReadAt(ciphertext, int64(e.DataOff))
		o.fileMu.Unlock()
		if rerr != nil {
			return VerifyResult{}, fmt.Errorf("container: read chunk %d: %w", i, rerr)
		}
		payload := ciphertext
		if encrypted {
			nonce := aead.DeriveRegionNonce(o.salt, aead.RegionChunkData, uint64(i))
			payload, err = aead.Open(*o.key, nonce, aead.ADChunk, ciphertext)
			if err != nil {
				return VerifyResult{}, fmt.Errorf("container: authenticate chunk %d: %w", i, err)
			}
		}
		dataHasher.Write(payload)
		totalU += e.USize
		totalC += uint64(len(payload))
	}
	var dataHash [32]byte
	copy(dataHash[:], dataHasher.Sum(nil))

	result := VerifyResult{
		ManifestMatches: manifestHash == tail.ManifestBlake3,
		ChunkTabMatches: tableHash == tail.ChunktabBlake3,
		DataMatches:     dataHash == tail.DataBlake3,
		TotalsMatch:     totalU == tail.TotalU && totalC == tail.TotalC,
	}
	result.OK = result.ManifestMatches && result.ChunkTabMatches && result.DataMatches && result.TotalsMatch
	return result, nil
}

func readTail(path string) (TailSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return TailSummary{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return TailSummary{}, err
	}
	if uint64(info.Size()) < TailLen {
		return TailSummary{}, fmt.Errorf("container: file too short to contain a tail summary")
	}
	buf := make([]byte, TailLen)
	if _, err := f.ReadAt(buf, info.Size()-int64(TailLen)); err != nil {
		return TailSummary{}, err
	}
	return ParseTailSummary(buf)
}
