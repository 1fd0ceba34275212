// Package model defines the shared data types of the scatterfs storage
// engine: content hashes, stripes and their blocks, account descriptors,
// and the metadata records (inodes, manifests, versions) persisted by the
// metastore.
package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// HashSize is the size in bytes of a content hash (BLAKE3-256).
const HashSize = 32

// Hash is the canonical content identity of a chunk. It is computed over
// the pre-compression plaintext, so deduplication is independent of the
// compression decision made for any particular copy of the content.
type Hash [HashSize]byte

// HashBytes computes the content hash of the given data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("model: parse hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("model: parse hash: got %d bytes, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// AccountID identifies one backend placement target. Accounts behave like
// unreliable drives in a RAID array.
type AccountID string

// ObjectRef is the backend-assigned reference for one stored block. It is
// opaque to the engine.
type ObjectRef string

// HealthState is the health of one account.
type HealthState uint8

const (
	// HealthHealthy means the account is serving requests normally.
	HealthHealthy HealthState = iota
	// HealthDegraded means the rolling error rate crossed the degraded
	// threshold. Degraded accounts are deprioritized for new writes but
	// still queried on reads.
	HealthDegraded
	// HealthUnavailable means consecutive failures exhausted the
	// unavailability threshold. No new requests are routed to it.
	HealthUnavailable
	// HealthRebuilding means an operator-initiated rebuild is restoring
	// the account's blocks.
	HealthRebuilding
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnavailable:
		return "unavailable"
	case HealthRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ArrayState is the aggregate status of the account pool.
type ArrayState uint8

const (
	// ArrayHealthy means every account is healthy.
	ArrayHealthy ArrayState = iota
	// ArrayDegraded means at least K but fewer than N accounts are healthy.
	// Reads and writes continue; redundancy is reduced.
	ArrayDegraded
	// ArrayFailed means fewer than K accounts are healthy. New stripes
	// cannot be placed and some reads may be unrecoverable.
	ArrayFailed
)

func (s ArrayState) String() string {
	switch s {
	case ArrayHealthy:
		return "healthy"
	case ArrayDegraded:
		return "degraded"
	case ArrayFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Block is one data or parity shard of a stripe, stored on one account.
type Block struct {
	// Index is the shard position within the stripe (0..N-1). Positions
	// below K hold data, the rest parity.
	Index uint8 `cbor:"1,keyasint"`
	// Account is the account holding this block.
	Account AccountID `cbor:"2,keyasint"`
	// Ref is the backend object reference returned by the upload.
	Ref ObjectRef `cbor:"3,keyasint"`
	// Checksum is the BLAKE3 hash of the block payload, verified on every
	// fetch and during scrubs.
	Checksum Hash `cbor:"4,keyasint"`
}

// Stripe is the erasure-coded placement of one encrypted chunk across
// accounts. Stripes are immutable once committed; rebuild replaces block
// placements but never the stripe contents.
type Stripe struct {
	// ID is the stripe identifier. A content hash maps to exactly one
	// stripe while its dedup entry is committed, so the ID is the chunk's
	// content hash.
	ID Hash `cbor:"1,keyasint"`
	// DataShards is K, the number of data blocks.
	DataShards uint8 `cbor:"2,keyasint"`
	// TotalShards is N, the total number of blocks including parity.
	TotalShards uint8 `cbor:"3,keyasint"`
	// CipherSize is the exact ciphertext length before padding to a
	// multiple of K. Needed to strip padding after reconstruction.
	CipherSize uint64 `cbor:"4,keyasint"`
	// Blocks holds the N block placements ordered by shard index.
	Blocks []Block `cbor:"5,keyasint"`
	// CreatedAt is the commit time of the stripe.
	CreatedAt time.Time `cbor:"6,keyasint"`
}

// ParityShards returns M = N - K.
func (s *Stripe) ParityShards() uint8 {
	return s.TotalShards - s.DataShards
}

// BlockOn returns the block stored on the given account, if any.
func (s *Stripe) BlockOn(account AccountID) (Block, bool) {
	for _, b := range s.Blocks {
		if b.Account == account {
			return b, true
		}
	}
	return Block{}, false
}

// UploadState is the lifecycle state of a dedup entry.
type UploadState uint8

const (
	// UploadPending means a reservation holder is uploading the content.
	UploadPending UploadState = iota
	// UploadCommitted means the stripe is durably placed and visible.
	UploadCommitted
)

// DedupEntry is the dedup record for one content hash.
type DedupEntry struct {
	// Hash is the content hash this entry deduplicates.
	Hash Hash `cbor:"1,keyasint"`
	// State is pending while an upload is in flight, committed after.
	State UploadState `cbor:"2,keyasint"`
	// StripeID is set once the upload committed.
	StripeID Hash `cbor:"3,keyasint"`
	// RefCount is the number of retained manifests referencing the chunk.
	// It never falls below zero; zero marks the stripe for garbage
	// collection.
	RefCount uint64 `cbor:"4,keyasint"`
	// PlainSize is the plaintext size of the chunk.
	PlainSize uint64 `cbor:"5,keyasint"`
	// Compressed records whether the stored ciphertext wraps a compressed
	// payload.
	Compressed bool `cbor:"6,keyasint"`
}

// FileType distinguishes inode kinds.
type FileType uint8

const (
	// FileRegular is a regular file.
	FileRegular FileType = iota
	// FileDirectory is a directory.
	FileDirectory
)

// InodeID identifies a filesystem object.
type InodeID uint64

// Inode is the metadata record of one filesystem object.
type Inode struct {
	ID    InodeID   `cbor:"1,keyasint"`
	Type  FileType  `cbor:"2,keyasint"`
	Size  uint64    `cbor:"3,keyasint"`
	Mode  uint32    `cbor:"4,keyasint"`
	Mtime time.Time `cbor:"5,keyasint"`
	Ctime time.Time `cbor:"6,keyasint"`
	// CurrentVersion is the version holding the live manifest. Zero for a
	// file that has never been committed.
	CurrentVersion VersionID `cbor:"7,keyasint"`
}

// ChunkRef is one entry of a manifest: a chunk hash and its byte offset in
// the file.
type ChunkRef struct {
	Hash   Hash   `cbor:"1,keyasint"`
	Offset uint64 `cbor:"2,keyasint"`
	Size   uint64 `cbor:"3,keyasint"`
}

// ManifestID identifies a manifest record.
type ManifestID = Hash

// Manifest is the ordered chunk list composing one file version. The
// manifest ID is the hash of its serialized chunk list, so identical file
// contents share a manifest record.
type Manifest struct {
	ID        ManifestID `cbor:"1,keyasint"`
	TotalSize uint64     `cbor:"2,keyasint"`
	Chunks    []ChunkRef `cbor:"3,keyasint"`
}

// VersionID identifies a version record. IDs are monotonically increasing
// per engine instance.
type VersionID uint64

// Version is a manifest at a point in time, part of an inode's history.
// Versions form a chain through Parent rather than in-memory pointers, so
// pruning deletes by ID.
type Version struct {
	ID       VersionID  `cbor:"1,keyasint"`
	Inode    InodeID    `cbor:"2,keyasint"`
	Manifest ManifestID `cbor:"3,keyasint"`
	// Parent is the previous version of the same inode, zero for the first.
	Parent    VersionID `cbor:"4,keyasint"`
	CreatedAt time.Time `cbor:"5,keyasint"`
}

// Snapshot is a named, metadata-only point-in-time capture: the version
// each inode was at when the snapshot was taken. Chunks are immutable, so
// no data is copied.
type Snapshot struct {
	Name      string                `cbor:"1,keyasint"`
	CreatedAt time.Time             `cbor:"2,keyasint"`
	Versions  map[InodeID]VersionID `cbor:"3,keyasint"`
}

// ObjectInfo describes one stored object in a backend listing.
type ObjectInfo struct {
	Ref     ObjectRef
	Size    uint64
	ModTime time.Time
}
