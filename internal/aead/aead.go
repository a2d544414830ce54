// Package aead implements the two deterministic-nonce AEAD schemes the
// container format and its sidecars use: XChaCha20-Poly1305 with a nonce
// derived from BLAKE3, so that no nonce is ever transmitted or persisted —
// it is recomputed identically by writer and reader from data already at
// hand.
package aead

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of a raw AEAD key in bytes.
const KeySize = 32

// SaltSize is the size of the key salt mixed into every nonce derivation.
const SaltSize = 32

// Region identifies which container region a nonce is being derived for.
// Region values are domain-separation constants, not wire-format tags of
// their own; they are mixed into the nonce hash only.
type Region uint8

const (
	RegionManifest   Region = 1
	RegionChunkTable Region = 2
	RegionChunkData  Region = 3
)

// Associated-data labels, fixed per region, domain-separating AEAD tags
// from any other use of the same key.
var (
	ADManifest  = []byte("manifest")
	ADChunkTab  = []byte("chunktab")
	ADChunk     = []byte("chunk")
	sidecarLog  = []byte("arxlog")
	sidecarDelt = []byte("arxdelta")
)

// Key is a raw 32-byte AEAD key. arx never manages or derives keys from
// passwords; callers supply raw key material.
type Key [KeySize]byte

// Salt is mixed into every nonce derivation for a given archive or sidecar
// file, so that two archives sealed under the same key never reuse nonces.
type Salt [SaltSize]byte

// DeriveRegionNonce computes the 24-byte XChaCha20-Poly1305 nonce for a
// container region: blake3(salt || region || counter_le64)[:24]. counter is
// 0 for the manifest and chunk table (each is sealed exactly once) and the
// chunk id for chunk data.
func DeriveRegionNonce(salt Salt, region Region, counter uint64) []byte {
	h := blake3.New()
	h.Write(salt[:])
	h.Write([]byte{byte(region)})
	var cb [8]byte
	binary.LittleEndian.PutUint64(cb[:], counter)
	h.Write(cb[:])
	sum := h.Sum(nil)
	return sum[:chacha20poly1305.NonceSizeX]
}

// DeriveSidecarNonce computes the 24-byte nonce for a journal or delta-store
// frame: blake3(label || salt || payloadOff_le64 || cipherLen_le64)[:24].
// label distinguishes the journal ("arxlog") from the delta store
// ("arxdelta") so the two sidecars never share a nonce space even if they
// happen to pick the same (offset, length) pair.
func DeriveSidecarNonce(journal bool, salt Salt, payloadOff, cipherLen uint64) []byte {
	h := blake3.New()
	if journal {
		h.Write(sidecarLog)
	} else {
		h.Write(sidecarDelt)
	}
	h.Write(salt[:])
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], payloadOff)
	binary.LittleEndian.PutUint64(b[8:16], cipherLen)
	h.Write(b[:])
	sum := h.Sum(nil)
	return sum[:chacha20poly1305.NonceSizeX]
}

// Seal encrypts and authenticates plaintext under key, nonce, and ad,
// returning ciphertext||tag.
func Seal(key Key, nonce, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext (which includes the trailing
// tag) under key, nonce, and ad.
func Open(key Key, nonce, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("aead: authentication failed: %w", err)
	}
	return pt, nil
}

// Overhead is the number of bytes Seal adds beyond the plaintext length
// (the Poly1305 tag).
const Overhead = chacha20poly1305.Overhead
