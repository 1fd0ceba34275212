package metastore

import (
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/scatterfs/scatterfs/internal/model"
)

// CommitResult reports the outcome of a manifest commit.
type CommitResult struct {
	Version model.Version
	// Unreferenced lists chunk hashes whose refcount reached zero during
	// version pruning. Their stripes are garbage collection candidates;
	// removal of the remote blocks is deferred to the sweep.
	Unreferenced []model.Hash
}

// CommitManifest atomically records a new file version: it writes the
// manifest, appends to the inode's version chain, updates the inode,
// increments the refcount of every referenced chunk, and prunes the chain
// down to maxVersions (oldest first, snapshot-pinned versions excepted)
// with the matching refcount decrements.
func (s *Store) CommitManifest(ino model.InodeID, chunks []model.ChunkRef, maxVersions int) (CommitResult, error) {
	var res CommitResult
	err := s.update(func(txn *badger.Txn) error {
		var inode model.Inode
		if err := get(txn, u64Key(prefixInode, uint64(ino)), &inode); err != nil {
			return err
		}

		manifestID, err := ManifestIDFor(chunks)
		if err != nil {
			return err
		}
		var total uint64
		for _, c := range chunks {
			total += c.Size
		}
		manifest := model.Manifest{ID: manifestID, TotalSize: total, Chunks: chunks}
		if err := put(txn, hashKey(prefixManifest, manifestID), manifest); err != nil {
			return err
		}

		vid, err := nextID(txn, keyNextVersion)
		if err != nil {
			return err
		}
		version := model.Version{
			ID:        model.VersionID(vid),
			Inode:     ino,
			Manifest:  manifestID,
			Parent:    inode.CurrentVersion,
			CreatedAt: time.Now().UTC(),
		}
		if err := put(txn, u64Key(prefixVersion, vid), version); err != nil {
			return err
		}

		inode.CurrentVersion = version.ID
		inode.Size = total
		inode.Mtime = version.CreatedAt
		if err := put(txn, u64Key(prefixInode, uint64(ino)), inode); err != nil {
			return err
		}

		for _, c := range chunks {
			if err := adjustRefCount(txn, c.Hash, +1, nil); err != nil {
				return err
			}
		}

		unref, err := pruneVersions(txn, ino, version.ID, maxVersions)
		if err != nil {
			return err
		}
		res = CommitResult{Version: version, Unreferenced: unref}
		return nil
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("metastore: commit manifest: %w", err)
	}
	return res, nil
}

// DeleteInode removes an inode and releases its version chain. Versions
// pinned by snapshots are retained (with their refcounts) so a later
// restore still resolves. Returns the chunk hashes whose refcount reached
// zero.
func (s *Store) DeleteInode(ino model.InodeID) ([]model.Hash, error) {
	var unref []model.Hash
	err := s.update(func(txn *badger.Txn) error {
		unref = unref[:0] // the transaction may re-run on conflict
		if err := get(txn, u64Key(prefixInode, uint64(ino)), &model.Inode{}); err != nil {
			return err
		}
		pinned, err := pinnedVersions(txn)
		if err != nil {
			return err
		}
		versions, err := versionsOf(txn, ino)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if pinned[v.ID] {
				continue
			}
			if err := releaseVersion(txn, v, &unref); err != nil {
				return err
			}
		}
		return txn.Delete(u64Key(prefixInode, uint64(ino)))
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: delete inode %d: %w", ino, err)
	}
	return unref, nil
}

// RestoreVersion repoints an inode at one of its retained versions.
func (s *Store) RestoreVersion(ino model.InodeID, vid model.VersionID) error {
	err := s.update(func(txn *badger.Txn) error {
		var inode model.Inode
		if err := get(txn, u64Key(prefixInode, uint64(ino)), &inode); err != nil {
			return err
		}
		var version model.Version
		if err := get(txn, u64Key(prefixVersion, uint64(vid)), &version); err != nil {
			return err
		}
		if version.Inode != ino {
			return fmt.Errorf("version %d belongs to inode %d, not %d", vid, version.Inode, ino)
		}
		var manifest model.Manifest
		if err := get(txn, hashKey(prefixManifest, version.Manifest), &manifest); err != nil {
			return err
		}
		inode.CurrentVersion = vid
		inode.Size = manifest.TotalSize
		inode.Mtime = time.Now().UTC()
		return put(txn, u64Key(prefixInode, uint64(ino)), inode)
	})
	if err != nil {
		return fmt.Errorf("metastore: restore version: %w", err)
	}
	return nil
}

// adjustRefCount applies a refcount delta to a committed dedup entry. The
// refcount never goes below zero; hashes that reach zero are appended to
// zeroed when non-nil.
func adjustRefCount(txn *badger.Txn, hash model.Hash, delta int64, zeroed *[]model.Hash) error {
	var entry model.DedupEntry
	if err := get(txn, hashKey(prefixDedup, hash), &entry); err != nil {
		return fmt.Errorf("refcount for unknown chunk %s: %w", hash, err)
	}
	if delta < 0 && entry.RefCount < uint64(-delta) {
		return fmt.Errorf("refcount underflow for chunk %s", hash)
	}
	entry.RefCount = uint64(int64(entry.RefCount) + delta)
	if entry.RefCount == 0 && zeroed != nil {
		*zeroed = append(*zeroed, hash)
	}
	return put(txn, hashKey(prefixDedup, hash), entry)
}

// releaseVersion deletes a version record and decrements the refcounts of
// its manifest's chunks.
func releaseVersion(txn *badger.Txn, v model.Version, zeroed *[]model.Hash) error {
	var manifest model.Manifest
	if err := get(txn, hashKey(prefixManifest, v.Manifest), &manifest); err != nil {
		return err
	}
	for _, c := range manifest.Chunks {
		if err := adjustRefCount(txn, c.Hash, -1, zeroed); err != nil {
			return err
		}
	}
	return txn.Delete(u64Key(prefixVersion, uint64(v.ID)))
}

// pruneVersions enforces the retention cap on an inode's chain. The
// inode's current version and snapshot-pinned versions are never pruned,
// even when pins crowd the retention window past maxVersions.
func pruneVersions(txn *badger.Txn, ino model.InodeID, current model.VersionID, maxVersions int) ([]model.Hash, error) {
	if maxVersions <= 0 {
		return nil, nil
	}
	versions, err := versionsOf(txn, ino)
	if err != nil {
		return nil, err
	}
	if len(versions) <= maxVersions {
		return nil, nil
	}
	pinned, err := pinnedVersions(txn)
	if err != nil {
		return nil, err
	}
	var prunable []model.Version
	for _, v := range versions {
		if v.ID == current || pinned[v.ID] {
			continue
		}
		prunable = append(prunable, v)
	}
	excess := len(versions) - maxVersions
	if excess > len(prunable) {
		excess = len(prunable)
	}
	var unref []model.Hash
	for _, v := range prunable[:excess] {
		if err := releaseVersion(txn, v, &unref); err != nil {
			return nil, err
		}
	}
	return unref, nil
}

// versionsOf lists an inode's versions oldest first, inside txn.
func versionsOf(txn *badger.Txn, ino model.InodeID) ([]model.Version, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixVersion
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []model.Version
	for it.Seek(prefixVersion); it.ValidForPrefix(prefixVersion); it.Next() {
		var v model.Version
		err := it.Item().Value(func(data []byte) error {
			return decode(data, &v)
		})
		if err != nil {
			return nil, err
		}
		if v.Inode == ino {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// pinnedVersions collects every version referenced by a snapshot.
func pinnedVersions(txn *badger.Txn) (map[model.VersionID]bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixSnapshot
	it := txn.NewIterator(opts)
	defer it.Close()

	pinned := make(map[model.VersionID]bool)
	for it.Seek(prefixSnapshot); it.ValidForPrefix(prefixSnapshot); it.Next() {
		var snap model.Snapshot
		err := it.Item().Value(func(data []byte) error {
			return decode(data, &snap)
		})
		if err != nil {
			return nil, err
		}
		for _, vid := range snap.Versions {
			pinned[vid] = true
		}
	}
	return pinned, nil
}
