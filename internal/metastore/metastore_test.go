package metastore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterfs/scatterfs/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedChunk inserts a committed dedup entry and stripe for a fake chunk,
// as the upload path would after a successful placement.
func seedChunk(t *testing.T, s *Store, content string) model.ChunkRef {
	t.Helper()
	hash := model.HashBytes([]byte(content))
	stripe := model.Stripe{
		ID:          hash,
		DataShards:  2,
		TotalShards: 3,
		CipherSize:  uint64(len(content)),
		Blocks: []model.Block{
			{Index: 0, Account: "a0", Ref: "r0"},
			{Index: 1, Account: "a1", Ref: "r1"},
			{Index: 2, Account: "a2", Ref: "r2"},
		},
		CreatedAt: time.Now().UTC(),
	}
	entry := model.DedupEntry{
		Hash:      hash,
		State:     model.UploadCommitted,
		StripeID:  hash,
		PlainSize: uint64(len(content)),
	}
	require.NoError(t, s.CommitStripe(stripe, entry))
	return model.ChunkRef{Hash: hash, Offset: 0, Size: uint64(len(content))}
}

func TestSaltPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)

	want := []byte("0123456789abcdef0123456789abcdef")
	salt, err := s.LoadOrCreateSalt(func() ([]byte, error) { return want, nil })
	require.NoError(t, err)
	assert.Equal(t, want, salt)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	salt, err = s.LoadOrCreateSalt(func() ([]byte, error) {
		t.Fatal("generate called although salt exists")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, salt)
}

func TestInodeLifecycle(t *testing.T) {
	s := testStore(t)

	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)
	assert.NotZero(t, ino.ID)

	got, err := s.GetInode(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, ino.ID, got.ID)
	assert.Equal(t, model.FileRegular, got.Type)

	_, err = s.GetInode(model.InodeID(9999))
	require.ErrorIs(t, err, ErrNotFound)

	second, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)
	assert.NotEqual(t, ino.ID, second.ID)
}

func TestCommitManifestUpdatesChainAndRefcounts(t *testing.T) {
	s := testStore(t)
	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	c1 := seedChunk(t, s, "chunk one")
	c2 := seedChunk(t, s, "chunk two")
	c2.Offset = c1.Size

	res, err := s.CommitManifest(ino.ID, []model.ChunkRef{c1, c2}, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Unreferenced)
	assert.Equal(t, model.VersionID(0), res.Version.Parent)

	got, err := s.GetInode(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Version.ID, got.CurrentVersion)
	assert.Equal(t, c1.Size+c2.Size, got.Size)

	for _, c := range []model.ChunkRef{c1, c2} {
		entry, err := s.GetDedup(c.Hash)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), entry.RefCount)
	}

	// Second commit referencing only c1: c1 refcount climbs, version
	// chain links to the parent.
	res2, err := s.CommitManifest(ino.ID, []model.ChunkRef{c1}, 10)
	require.NoError(t, err)
	assert.Equal(t, res.Version.ID, res2.Version.Parent)

	entry, err := s.GetDedup(c1.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.RefCount)
}

func TestVersionPruning(t *testing.T) {
	s := testStore(t)
	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	chunks := make([]model.ChunkRef, 5)
	for i := range chunks {
		chunks[i] = seedChunk(t, s, string(rune('a'+i))+"-content")
	}

	// Retention cap of 2: committing 5 distinct manifests leaves the two
	// newest versions and zeroes the refcounts of the three oldest chunks.
	var zeroed []model.Hash
	for i := range chunks {
		res, err := s.CommitManifest(ino.ID, []model.ChunkRef{chunks[i]}, 2)
		require.NoError(t, err)
		zeroed = append(zeroed, res.Unreferenced...)
	}

	versions, err := s.ListVersions(ino.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Len(t, zeroed, 3)

	for i := 0; i < 3; i++ {
		entry, err := s.GetDedup(chunks[i].Hash)
		require.NoError(t, err)
		assert.Zero(t, entry.RefCount, "pruned chunk %d", i)
	}
	for i := 3; i < 5; i++ {
		entry, err := s.GetDedup(chunks[i].Hash)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), entry.RefCount, "retained chunk %d", i)
	}
}

func TestSharedChunkSurvivesDelete(t *testing.T) {
	s := testStore(t)

	shared := seedChunk(t, s, "shared content")
	first, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)
	second, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	_, err = s.CommitManifest(first.ID, []model.ChunkRef{shared}, 10)
	require.NoError(t, err)
	_, err = s.CommitManifest(second.ID, []model.ChunkRef{shared}, 10)
	require.NoError(t, err)

	entry, err := s.GetDedup(shared.Hash)
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.RefCount)

	// Deleting the first file must not zero the shared chunk.
	unref, err := s.DeleteInode(first.ID)
	require.NoError(t, err)
	assert.Empty(t, unref)

	entry, err = s.GetDedup(shared.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.RefCount)

	_, err = s.GetInode(first.ID)
	require.ErrorIs(t, err, ErrNotFound)

	unref, err = s.DeleteInode(second.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{shared.Hash}, unref)
}

func TestRestoreVersion(t *testing.T) {
	s := testStore(t)
	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	c1 := seedChunk(t, s, "version one content")
	c2 := seedChunk(t, s, "version two, different content")

	res1, err := s.CommitManifest(ino.ID, []model.ChunkRef{c1}, 10)
	require.NoError(t, err)
	_, err = s.CommitManifest(ino.ID, []model.ChunkRef{c2}, 10)
	require.NoError(t, err)

	require.NoError(t, s.RestoreVersion(ino.ID, res1.Version.ID))
	got, err := s.GetInode(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, res1.Version.ID, got.CurrentVersion)
	assert.Equal(t, c1.Size, got.Size)

	// Restoring a foreign version is rejected.
	other, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)
	require.Error(t, s.RestoreVersion(other.ID, res1.Version.ID))
}

func TestSnapshotPinsVersions(t *testing.T) {
	s := testStore(t)
	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	c1 := seedChunk(t, s, "pinned content")
	res, err := s.CommitManifest(ino.ID, []model.ChunkRef{c1}, 2)
	require.NoError(t, err)

	require.NoError(t, s.PutSnapshot(model.Snapshot{
		Name:      "before-rewrite",
		CreatedAt: time.Now().UTC(),
		Versions:  map[model.InodeID]model.VersionID{ino.ID: res.Version.ID},
	}))

	// Push enough new versions to exceed the cap; the pinned version must
	// survive pruning.
	for i := 0; i < 4; i++ {
		c := seedChunk(t, s, string(rune('x'+i))+"-rewrite")
		_, err = s.CommitManifest(ino.ID, []model.ChunkRef{c}, 2)
		require.NoError(t, err)
	}

	_, err = s.GetVersion(res.Version.ID)
	require.NoError(t, err, "snapshot-pinned version was pruned")

	entry, err := s.GetDedup(c1.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.RefCount)

	// Dropping the snapshot does not retroactively prune; preexisting
	// versions are reclaimed on the next commit or deletion.
	require.NoError(t, s.DeleteSnapshot("before-rewrite"))
	unref, err := s.DeleteInode(ino.ID)
	require.NoError(t, err)
	assert.Contains(t, unref, c1.Hash)
}

func TestSnapshotNameCollision(t *testing.T) {
	s := testStore(t)
	snap := model.Snapshot{Name: "nightly", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.PutSnapshot(snap))
	require.Error(t, s.PutSnapshot(snap))
}

func TestStripeRoundTrip(t *testing.T) {
	s := testStore(t)
	ref := seedChunk(t, s, "stripe round trip")

	st, err := s.GetStripe(ref.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), st.DataShards)
	assert.Equal(t, uint8(3), st.TotalShards)
	require.Len(t, st.Blocks, 3)

	b, ok := st.BlockOn("a1")
	require.True(t, ok)
	assert.Equal(t, model.ObjectRef("r1"), b.Ref)

	var count int
	require.NoError(t, s.IterStripes(func(model.Stripe) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteStripe(ref.Hash))
	_, err = s.GetStripe(ref.Hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMigrationProgress(t *testing.T) {
	s := testStore(t)
	hash := model.HashBytes([]byte("legacy chunk"))

	done, err := s.IsMigrated(hash)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkMigrated(hash))
	done, err = s.IsMigrated(hash)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAccountRecords(t *testing.T) {
	s := testStore(t)
	rec := AccountRecord{ID: "acc-1", Priority: 3, Health: model.HealthDegraded, UpdatedAt: time.Now().UTC()}
	require.NoError(t, s.PutAccount(rec))

	got, err := s.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, got.Health)

	all, err := s.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPinnedWindowNeverPrunesCurrentVersion(t *testing.T) {
	s := testStore(t)
	ino, err := s.CreateInode(model.FileRegular, 0o644)
	require.NoError(t, err)

	c1 := seedChunk(t, s, "pinned content")
	res1, err := s.CommitManifest(ino.ID, []model.ChunkRef{c1}, 1)
	require.NoError(t, err)

	require.NoError(t, s.PutSnapshot(model.Snapshot{
		Name:      "pin",
		CreatedAt: time.Now().UTC(),
		Versions:  map[model.InodeID]model.VersionID{ino.ID: res1.Version.ID},
	}))

	// The pin fills the one-version window. The commit must keep the
	// live version anyway and leave its refcounts alone.
	c2 := seedChunk(t, s, "current content")
	res2, err := s.CommitManifest(ino.ID, []model.ChunkRef{c2}, 1)
	require.NoError(t, err)
	assert.Empty(t, res2.Unreferenced)

	got, err := s.GetInode(ino.ID)
	require.NoError(t, err)
	assert.Equal(t, res2.Version.ID, got.CurrentVersion)
	_, err = s.GetVersion(res2.Version.ID)
	require.NoError(t, err)
	_, err = s.GetVersion(res1.Version.ID)
	require.NoError(t, err)

	entry, err := s.GetDedup(c2.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.RefCount)

	// A later commit prunes the unpinned middle version, not the pin
	// and not the new current.
	c3 := seedChunk(t, s, "third content")
	res3, err := s.CommitManifest(ino.ID, []model.ChunkRef{c3}, 1)
	require.NoError(t, err)
	assert.Contains(t, res3.Unreferenced, c2.Hash)
	_, err = s.GetVersion(res2.Version.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetVersion(res1.Version.ID)
	require.NoError(t, err)
	_, err = s.GetVersion(res3.Version.ID)
	require.NoError(t, err)
}

func TestConcurrentCommitsSurviveTxnConflicts(t *testing.T) {
	s := testStore(t)
	c := seedChunk(t, s, "shared chunk")

	// Every writer touches the inode and version counters plus the same
	// dedup refcount, so the update transactions are guaranteed to
	// collide; all of them must still land.
	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	inos := make([]model.InodeID, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ino, err := s.CreateInode(model.FileRegular, 0o644)
			if err != nil {
				errs[i] = err
				return
			}
			inos[i] = ino.ID
			_, errs[i] = s.CommitManifest(ino.ID, []model.ChunkRef{c}, 4)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	seen := make(map[model.InodeID]bool, writers)
	for _, id := range inos {
		assert.False(t, seen[id], "inode %d allocated twice", id)
		seen[id] = true
	}

	entry, err := s.GetDedup(c.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), entry.RefCount)
}
