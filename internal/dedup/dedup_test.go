package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterfs/scatterfs/internal/metastore"
	"github.com/scatterfs/scatterfs/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[model.Hash]model.DedupEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[model.Hash]model.DedupEntry)}
}

func (s *fakeStore) GetDedup(hash model.Hash) (model.DedupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return model.DedupEntry{}, metastore.ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) put(e model.DedupEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Hash] = e
}

func committedEntry(hash model.Hash) model.DedupEntry {
	return model.DedupEntry{
		Hash:     hash,
		State:    model.UploadCommitted,
		StripeID: hash,
		RefCount: 1,
	}
}

func TestFirstWriterGetsReservation(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("new chunk"))
	res, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, 1, idx.Pending())
}

func TestCommittedEntryResolvesWithoutReservation(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("known chunk"))
	store.put(committedEntry(hash))

	res, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, res.Existing)
	assert.Equal(t, hash, res.Entry.StripeID)
	assert.Zero(t, idx.Pending())
}

func TestSecondWriterWaitsForCommit(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("contested"))
	first, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, first.Existing)

	second := make(chan Resolution, 1)
	go func() {
		res, err := idx.ResolveOrReserve(context.Background(), hash)
		require.NoError(t, err)
		second <- res
	}()

	// The second writer must block while the reservation is held.
	select {
	case <-second:
		t.Fatal("second writer did not wait for the reservation holder")
	case <-time.After(50 * time.Millisecond):
	}

	store.put(committedEntry(hash))
	require.NoError(t, idx.Commit(hash, first.Token))

	select {
	case res := <-second:
		assert.True(t, res.Existing)
	case <-time.After(time.Second):
		t.Fatal("second writer never woke up")
	}
	assert.Zero(t, idx.Pending())
}

func TestAbortHandsReservationToWaiter(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("failed upload"))
	first, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)

	second := make(chan Resolution, 1)
	go func() {
		res, err := idx.ResolveOrReserve(context.Background(), hash)
		require.NoError(t, err)
		second <- res
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, idx.Abort(hash, first.Token))

	select {
	case res := <-second:
		// Nothing was committed, so the waiter gets its own reservation.
		assert.False(t, res.Existing)
		assert.NotEmpty(t, res.Token)
		assert.NotEqual(t, first.Token, res.Token)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after abort")
	}
}

func TestDoubleCommitIsStale(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("once"))
	res, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)

	require.NoError(t, idx.Commit(hash, res.Token))
	assert.ErrorIs(t, idx.Commit(hash, res.Token), ErrStaleReservation)
	assert.ErrorIs(t, idx.Abort(hash, res.Token), ErrStaleReservation)
}

func TestExpiredReservationIsTakenOver(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 20*time.Millisecond)

	hash := model.HashBytes([]byte("slow writer"))
	first, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	second, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.Token, second.Token)

	// The original holder lost ownership and must not commit.
	assert.ErrorIs(t, idx.Commit(hash, first.Token), ErrStaleReservation)
	require.NoError(t, idx.Commit(hash, second.Token))
}

func TestWaiterRespectsContext(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("held"))
	_, err := idx.ResolveOrReserve(context.Background(), hash)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = idx.ResolveOrReserve(ctx, hash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTenConcurrentWritersUploadOnce(t *testing.T) {
	store := newFakeStore()
	idx := New(store, 0)

	hash := model.HashBytes([]byte("popular content"))
	var uploads atomic.Int32
	var wg sync.WaitGroup

	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := idx.ResolveOrReserve(context.Background(), hash)
			require.NoError(t, err)
			if res.Existing {
				assert.Equal(t, hash, res.Entry.StripeID)
				return
			}
			uploads.Add(1)
			time.Sleep(10 * time.Millisecond) // simulated upload
			store.put(committedEntry(hash))
			require.NoError(t, idx.Commit(hash, res.Token))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), uploads.Load())
	assert.Zero(t, idx.Pending())
}
