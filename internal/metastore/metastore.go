// Package metastore is the durable, transactional record store of the
// engine: inodes, manifests, version chains, the dedup index, stripe
// placements, account state and named snapshots, all in one embedded
// badger database.
//
// Mutations that must hold together (a manifest commit with its version
// chain update and refcount changes) run inside a single badger
// transaction. A crash between stripe upload and manifest commit leaves a
// committed stripe with no manifest reference; the garbage sweep reclaims
// it, so no crash ordering corrupts state.
package metastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Key prefixes, one per table.
var (
	prefixInode    = []byte("inode:")
	prefixManifest = []byte("manifest:")
	prefixVersion  = []byte("version:")
	prefixDedup    = []byte("dedup:")
	prefixStripe   = []byte("stripe:")
	prefixAccount  = []byte("account:")
	prefixSnapshot = []byte("snap:")
	prefixMigrated = []byte("migrated:")
	keySalt        = []byte("meta:salt")
	keyNextInode   = []byte("meta:next-inode")
	keyNextVersion = []byte("meta:next-version")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metastore: not found")

// enc is the CBOR encoding mode for all persisted records. Core
// deterministic encoding keeps manifest IDs (hashes of encoded chunk
// lists) stable across writes.
var enc cbor.EncMode

func init() {
	var err error
	enc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Config configures the store.
type Config struct {
	// Path is the badger directory.
	Path string
	// MinimumFreeGB refuses to open with less free space on the volume.
	MinimumFreeGB int
	// Logger receives store lifecycle and sweep events.
	Logger *slog.Logger
}

// Store is the embedded metadata store.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinimumFreeGB > 0 {
		if err := checkFreeSpace(cfg.Path, cfg.MinimumFreeGB); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 100 * 1024 * 1024

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", cfg.Path, err)
	}
	cfg.Logger.Info("metastore opened", "path", cfg.Path)
	return &Store{db: db, log: cfg.Logger}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// maxConflictRetries bounds re-runs of an update transaction that lost
// badger's optimistic concurrency check.
const maxConflictRetries = 10

// update runs fn in a read-write transaction, retrying on ErrConflict.
// Concurrent commits routinely collide on shared keys (the ID counters,
// dedup refcounts); badger expects callers to retry, so fn must be safe
// to re-run from scratch.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Millisecond)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// RunValueLogGC triggers one round of badger value log garbage collection.
func (s *Store) RunValueLogGC() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("metastore: value log gc: %w", err)
	}
	return nil
}

// LoadOrCreateSalt returns the persisted KDF salt, creating it with
// generate on first open.
func (s *Store) LoadOrCreateSalt(generate func() ([]byte, error)) ([]byte, error) {
	var salt []byte
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(keySalt)
		if err == nil {
			salt, err = item.ValueCopy(nil)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		salt, err = generate()
		if err != nil {
			return err
		}
		return txn.Set(keySalt, salt)
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: salt: %w", err)
	}
	return salt, nil
}

// --- generic helpers ---

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("metastore: encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return item.Value(func(data []byte) error {
		return cbor.Unmarshal(data, v)
	})
}

func decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func hashKey(prefix []byte, h model.Hash) []byte {
	return append(append([]byte{}, prefix...), h[:]...)
}

func u64Key(prefix []byte, id uint64) []byte {
	key := append([]byte{}, prefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return append(key, b[:]...)
}

func stringKey(prefix []byte, s string) []byte {
	return append(append([]byte{}, prefix...), s...)
}

// nextID increments and returns the counter stored at key. Runs inside the
// caller's transaction so the allocation commits with its user.
func nextID(txn *badger.Txn, key []byte) (uint64, error) {
	var id uint64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		if err := item.Value(func(data []byte) error {
			id = binary.BigEndian.Uint64(data)
			return nil
		}); err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}
	id++
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return id, txn.Set(key, b[:])
}

// iterate walks all records under prefix, decoding each into a fresh T.
func iterate[T any](s *Store, prefix []byte, fn func(T) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec T
			err := it.Item().Value(func(data []byte) error {
				return cbor.Unmarshal(data, &rec)
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- inodes ---

// CreateInode allocates a new inode.
func (s *Store) CreateInode(typ model.FileType, mode uint32) (model.Inode, error) {
	var ino model.Inode
	err := s.update(func(txn *badger.Txn) error {
		id, err := nextID(txn, keyNextInode)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		ino = model.Inode{
			ID:    model.InodeID(id),
			Type:  typ,
			Mode:  mode,
			Mtime: now,
			Ctime: now,
		}
		return put(txn, u64Key(prefixInode, id), ino)
	})
	if err != nil {
		return model.Inode{}, fmt.Errorf("metastore: create inode: %w", err)
	}
	return ino, nil
}

// GetInode loads an inode by ID.
func (s *Store) GetInode(id model.InodeID) (model.Inode, error) {
	var ino model.Inode
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, u64Key(prefixInode, uint64(id)), &ino)
	})
	return ino, err
}

// PutInode overwrites an inode record.
func (s *Store) PutInode(ino model.Inode) error {
	return s.update(func(txn *badger.Txn) error {
		return put(txn, u64Key(prefixInode, uint64(ino.ID)), ino)
	})
}

// ListInodes returns all inodes.
func (s *Store) ListInodes() ([]model.Inode, error) {
	var out []model.Inode
	err := iterate(s, prefixInode, func(ino model.Inode) error {
		out = append(out, ino)
		return nil
	})
	return out, err
}

// --- manifests and versions ---

// ManifestIDFor computes the content-derived ID of a chunk list: the hash
// of its deterministic encoding. Identical file contents share a manifest.
func ManifestIDFor(chunks []model.ChunkRef) (model.ManifestID, error) {
	data, err := enc.Marshal(chunks)
	if err != nil {
		return model.Hash{}, fmt.Errorf("metastore: manifest id: %w", err)
	}
	return model.HashBytes(data), nil
}

// GetManifest loads a manifest by ID.
func (s *Store) GetManifest(id model.ManifestID) (model.Manifest, error) {
	var m model.Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, hashKey(prefixManifest, id), &m)
	})
	return m, err
}

// GetVersion loads a version by ID.
func (s *Store) GetVersion(id model.VersionID) (model.Version, error) {
	var v model.Version
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, u64Key(prefixVersion, uint64(id)), &v)
	})
	return v, err
}

// ListVersions returns an inode's retained versions ordered oldest first.
func (s *Store) ListVersions(ino model.InodeID) ([]model.Version, error) {
	var out []model.Version
	err := iterate(s, prefixVersion, func(v model.Version) error {
		if v.Inode == ino {
			out = append(out, v)
		}
		return nil
	})
	// Version IDs are allocated monotonically, and the big-endian key
	// encoding makes badger iterate them in allocation order already.
	return out, err
}

// --- dedup entries ---

// GetDedup loads the dedup entry for a content hash.
func (s *Store) GetDedup(hash model.Hash) (model.DedupEntry, error) {
	var e model.DedupEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, hashKey(prefixDedup, hash), &e)
	})
	return e, err
}

// PutDedup overwrites a dedup entry.
func (s *Store) PutDedup(e model.DedupEntry) error {
	return s.update(func(txn *badger.Txn) error {
		return put(txn, hashKey(prefixDedup, e.Hash), e)
	})
}

// DeleteDedup removes a dedup entry.
func (s *Store) DeleteDedup(hash model.Hash) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(hashKey(prefixDedup, hash))
	})
}

// IterDedup walks all dedup entries.
func (s *Store) IterDedup(fn func(model.DedupEntry) error) error {
	return iterate(s, prefixDedup, fn)
}

// --- stripes ---

// CommitStripe durably records a fully placed stripe and flips its dedup
// entry to committed, in one transaction. Only after this commit is the
// stripe visible to readers and to concurrent writers of the same hash.
func (s *Store) CommitStripe(stripe model.Stripe, entry model.DedupEntry) error {
	return s.update(func(txn *badger.Txn) error {
		if err := put(txn, hashKey(prefixStripe, stripe.ID), stripe); err != nil {
			return err
		}
		return put(txn, hashKey(prefixDedup, entry.Hash), entry)
	})
}

// GetStripe loads a stripe by ID.
func (s *Store) GetStripe(id model.Hash) (model.Stripe, error) {
	var st model.Stripe
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, hashKey(prefixStripe, id), &st)
	})
	return st, err
}

// PutStripe overwrites a stripe record (rebuild and repair update block
// placements in place; stripe contents never change).
func (s *Store) PutStripe(st model.Stripe) error {
	return s.update(func(txn *badger.Txn) error {
		return put(txn, hashKey(prefixStripe, st.ID), st)
	})
}

// DeleteStripe removes a stripe record.
func (s *Store) DeleteStripe(id model.Hash) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(hashKey(prefixStripe, id))
	})
}

// IterStripes walks all stripe records.
func (s *Store) IterStripes(fn func(model.Stripe) error) error {
	return iterate(s, prefixStripe, fn)
}

// --- accounts ---

// AccountRecord is the persisted slice of account state. Runtime error
// windows live in the pool; only identity, priority and the last known
// health survive restarts.
type AccountRecord struct {
	ID       model.AccountID   `cbor:"1,keyasint"`
	Priority int               `cbor:"2,keyasint"`
	Health   model.HealthState `cbor:"3,keyasint"`
	// UpdatedAt is the time of the last health transition.
	UpdatedAt time.Time `cbor:"4,keyasint"`
}

// PutAccount overwrites an account record.
func (s *Store) PutAccount(rec AccountRecord) error {
	return s.update(func(txn *badger.Txn) error {
		return put(txn, stringKey(prefixAccount, string(rec.ID)), rec)
	})
}

// GetAccount loads an account record.
func (s *Store) GetAccount(id model.AccountID) (AccountRecord, error) {
	var rec AccountRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, stringKey(prefixAccount, string(id)), &rec)
	})
	return rec, err
}

// ListAccounts returns all account records.
func (s *Store) ListAccounts() ([]AccountRecord, error) {
	var out []AccountRecord
	err := iterate(s, prefixAccount, func(rec AccountRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// --- snapshots ---

// PutSnapshot stores a named snapshot. Overwriting an existing name is an
// error; delete first.
func (s *Store) PutSnapshot(snap model.Snapshot) error {
	return s.update(func(txn *badger.Txn) error {
		key := stringKey(prefixSnapshot, snap.Name)
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("metastore: snapshot %q already exists", snap.Name)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return put(txn, key, snap)
	})
}

// GetSnapshot loads a snapshot by name.
func (s *Store) GetSnapshot(name string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, stringKey(prefixSnapshot, name), &snap)
	})
	return snap, err
}

// ListSnapshots returns all snapshots.
func (s *Store) ListSnapshots() ([]model.Snapshot, error) {
	var out []model.Snapshot
	err := iterate(s, prefixSnapshot, func(snap model.Snapshot) error {
		out = append(out, snap)
		return nil
	})
	return out, err
}

// DeleteSnapshot removes a snapshot by name.
func (s *Store) DeleteSnapshot(name string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(stringKey(prefixSnapshot, name))
	})
}

// --- migration progress ---

// MarkMigrated records that a legacy chunk finished migration, making the
// migration pass resumable.
func (s *Store) MarkMigrated(hash model.Hash) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(hashKey(prefixMigrated, hash), []byte{1})
	})
}

// IsMigrated reports whether a legacy chunk already migrated.
func (s *Store) IsMigrated(hash model.Hash) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(hashKey(prefixMigrated, hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}
