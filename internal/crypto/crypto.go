// Package crypto implements the engine's key hierarchy and chunk
// encryption.
//
// A password and a persisted random salt pass through Argon2id to produce
// the master key. HKDF-SHA256 with fixed, versioned context labels expands
// the master key into a metadata key and, per chunk, a convergent chunk
// key and nonce derived from the chunk's content hash.
//
// Because key and nonce are both deterministic functions of the content
// hash, identical plaintext chunks always yield byte-identical ciphertext.
// This makes deduplication effective on the ciphertext the backend sees,
// at the cost of equality leakage: the backend cannot learn file names or
// boundaries, but it can observe that two stored chunks hold the same
// content. Operators must be made aware of this trade-off.
//
// Nonce derivation uses its own HKDF label rather than a slice of the key
// derivation, so a master key rotation changes both key and nonce; the
// (key, nonce) pair is never reused across rotations.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/scatterfs/scatterfs/internal/model"
)

// KeySize is the size in bytes of all derived symmetric keys.
const KeySize = 32

// SaltSize is the size in bytes of the persisted KDF salt.
const SaltSize = 32

// Overhead is the ciphertext expansion per sealed chunk (Poly1305 tag).
const Overhead = chacha20poly1305.Overhead

// HKDF context labels. These are protocol constants; changing any of them
// invalidates all ciphertext encrypted under that derivation path.
var (
	labelMetadata = []byte("scatterfs.meta.v1")
	labelChunkKey = []byte("scatterfs.chunk.v1")
	labelNonce    = []byte("scatterfs.nonce.v1")
)

// ErrAuthenticationFailure is returned when AEAD tag verification fails on
// decrypt. It signals tampering or a wrong key and is never retryable.
var ErrAuthenticationFailure = errors.New("crypto: authentication failure")

// Params configures the Argon2id password KDF.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// Engine holds the master key and derives all subordinate keys. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	master [KeySize]byte
}

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// NewEngine derives the master key from a password and salt. The Argon2id
// computation is CPU- and memory-bound; callers on a latency-sensitive
// path should run it once at startup.
func NewEngine(password, salt []byte, p Params) (*Engine, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("crypto: salt is %d bytes, want %d", len(salt), SaltSize)
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return nil, fmt.Errorf("crypto: argon2 parameters must be non-zero")
	}
	e := &Engine{}
	key := argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeySize)
	copy(e.master[:], key)
	return e, nil
}

// derive expands the master key under the given HKDF info into out.
func (e *Engine) derive(out []byte, info []byte) {
	r := hkdf.New(sha256.New, e.master[:], nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 yields up to 255*32 bytes; our reads are far below
		// that, so a failure here is unreachable.
		panic(fmt.Sprintf("crypto: hkdf: %v", err))
	}
}

// MetadataKey returns the key protecting the metadata store. One key for
// the whole store, stable across the engine's lifetime.
func (e *Engine) MetadataKey() [KeySize]byte {
	var key [KeySize]byte
	e.derive(key[:], labelMetadata)
	return key
}

// chunkKey derives the convergent encryption key for a content hash.
func (e *Engine) chunkKey(hash model.Hash) [KeySize]byte {
	var key [KeySize]byte
	e.derive(key[:], append(append([]byte{}, labelChunkKey...), hash[:]...))
	return key
}

// chunkNonce derives the deterministic nonce for a content hash.
func (e *Engine) chunkNonce(hash model.Hash) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	e.derive(nonce[:], append(append([]byte{}, labelNonce...), hash[:]...))
	return nonce
}

// SealChunk encrypts a chunk payload under its convergent key using
// XChaCha20-Poly1305. The content hash is bound as additional
// authenticated data, so a ciphertext swapped between hashes fails to
// open. Identical (hash, plaintext) inputs produce identical ciphertext.
func (e *Engine) SealChunk(hash model.Hash, plaintext []byte) ([]byte, error) {
	key := e.chunkKey(hash)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: seal chunk: %w", err)
	}
	nonce := e.chunkNonce(hash)
	return aead.Seal(nil, nonce[:], plaintext, hash[:]), nil
}

// OpenChunk decrypts and verifies a sealed chunk. Tag verification failure
// returns ErrAuthenticationFailure; it must surface to the caller, never
// be retried or masked.
func (e *Engine) OpenChunk(hash model.Hash, ciphertext []byte) ([]byte, error) {
	key := e.chunkKey(hash)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: open chunk: %w", err)
	}
	nonce := e.chunkNonce(hash)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %s", ErrAuthenticationFailure, hash)
	}
	return plaintext, nil
}
