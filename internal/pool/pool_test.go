package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scatterfs/scatterfs/internal/model"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond}
}

func newTestPool(t *testing.T, backend Backend, accounts ...Account) *Pool {
	t.Helper()
	p, err := New(Config{
		Backend:       backend,
		Accounts:      accounts,
		UploadRetry:   fastRetry(1),
		DownloadRetry: fastRetry(1),
	})
	require.NoError(t, err)
	return p
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthHealthy})

	ctx := context.Background()
	ref, err := p.Put(ctx, "a1", []byte("block data"))
	require.NoError(t, err)

	got, err := p.Get(ctx, "a1", ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("block data"), got)

	require.NoError(t, p.Delete(ctx, "a1", ref))
	_, err = p.Get(ctx, "a1", ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownAccountRejected(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthHealthy})

	_, err := p.Put(context.Background(), "nope", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

// flakyBackend fails the first n calls with a transient error, then
// delegates.
type flakyBackend struct {
	*MemoryBackend
	mu        sync.Mutex
	remaining int
}

func (f *flakyBackend) trip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return fmt.Errorf("%w: flaky", ErrTransient)
	}
	return nil
}

func (f *flakyBackend) Put(ctx context.Context, id model.AccountID, data []byte) (model.ObjectRef, error) {
	if err := f.trip(); err != nil {
		return "", err
	}
	return f.MemoryBackend.Put(ctx, id, data)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend("a1"), remaining: 2}
	p, err := New(Config{
		Backend:       backend,
		Accounts:      []Account{{ID: "a1", Priority: 1, Initial: model.HealthHealthy}},
		UploadRetry:   fastRetry(3),
		DownloadRetry: fastRetry(3),
	})
	require.NoError(t, err)

	ref, err := p.Put(context.Background(), "a1", []byte("persistent"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
}

func TestRetriesExhaustedSurfaceError(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend("a1"), remaining: 100}
	p, err := New(Config{
		Backend:       backend,
		Accounts:      []Account{{ID: "a1", Priority: 1, Initial: model.HealthHealthy}},
		UploadRetry:   fastRetry(3),
		DownloadRetry: fastRetry(3),
	})
	require.NoError(t, err)

	_, err = p.Put(context.Background(), "a1", []byte("x"))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p, err := New(Config{
		Backend:       backend,
		Accounts:      []Account{{ID: "a1", Priority: 1, Initial: model.HealthHealthy}},
		UploadRetry:   fastRetry(5),
		DownloadRetry: fastRetry(5),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Get(context.Background(), "a1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	// A not-found must fail on the first attempt, not after five.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHealthDegradesThenBecomesUnavailable(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthHealthy})

	ctx := context.Background()
	backend.Fail("a1")

	// Eight consecutive failures cross the error-rate threshold.
	for i := 0; i < 8; i++ {
		_, err := p.Get(ctx, "a1", "ref")
		require.Error(t, err)
	}
	state, err := p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, state)

	// One more consecutive failure tips a degraded account over.
	_, err = p.Get(ctx, "a1", "ref")
	require.Error(t, err)
	state, err = p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthUnavailable, state)

	// Unavailable accounts are refused outright.
	_, err = p.Put(ctx, "a1", []byte("x"))
	assert.ErrorIs(t, err, ErrAccountUnavailable)
	_, err = p.Get(ctx, "a1", "ref")
	assert.ErrorIs(t, err, ErrAccountUnavailable)
}

func TestDegradedHealsAfterSustainedSuccess(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthDegraded})

	ctx := context.Background()
	ref, err := p.Put(ctx, "a1", []byte("x"))
	require.NoError(t, err)

	// Not healed yet after a single success.
	state, err := p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthDegraded, state)

	for i := 0; i < 7; i++ {
		_, err := p.Get(ctx, "a1", ref)
		require.NoError(t, err)
	}
	state, err = p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
}

func TestSingleFailureDoesNotDegrade(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthHealthy})

	ctx := context.Background()
	ref, err := p.Put(ctx, "a1", []byte("x"))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := p.Get(ctx, "a1", ref)
		require.NoError(t, err)
	}

	backend.Fail("a1")
	_, err = p.Get(ctx, "a1", ref)
	require.Error(t, err)
	backend.Heal("a1")

	state, err := p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
}

func TestUnavailableNeedsRebuildToRecover(t *testing.T) {
	backend := NewMemoryBackend("a1")
	p := newTestPool(t, backend, Account{ID: "a1", Priority: 1, Initial: model.HealthUnavailable})

	// Success traffic alone never resurrects an unavailable account.
	_, err := p.Get(context.Background(), "a1", "ref")
	assert.ErrorIs(t, err, ErrAccountUnavailable)

	require.NoError(t, p.StartRebuild("a1"))
	state, err := p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthRebuilding, state)

	require.NoError(t, p.FinishRebuild("a1"))
	state, err = p.Health("a1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, state)
}

func TestSelectAccountsPrefersHealthyByPriority(t *testing.T) {
	backend := NewMemoryBackend("low", "mid", "high", "down")
	p := newTestPool(t, backend,
		Account{ID: "low", Priority: 1, Initial: model.HealthHealthy},
		Account{ID: "high", Priority: 10, Initial: model.HealthHealthy},
		Account{ID: "mid", Priority: 5, Initial: model.HealthHealthy},
		Account{ID: "down", Priority: 20, Initial: model.HealthUnavailable},
	)

	selected, err := p.SelectAccounts(2)
	require.NoError(t, err)
	assert.Equal(t, []model.AccountID{"high", "mid"}, selected)
}

func TestSelectAccountsFallsBackToDegraded(t *testing.T) {
	backend := NewMemoryBackend("a1", "a2", "a3")
	p := newTestPool(t, backend,
		Account{ID: "a1", Priority: 3, Initial: model.HealthHealthy},
		Account{ID: "a2", Priority: 2, Initial: model.HealthDegraded},
		Account{ID: "a3", Priority: 1, Initial: model.HealthHealthy},
	)

	selected, err := p.SelectAccounts(3)
	require.NoError(t, err)
	// Healthy first, then the degraded one despite its higher priority
	// than a3.
	assert.Equal(t, []model.AccountID{"a1", "a3", "a2"}, selected)

	_, err = p.SelectAccounts(4)
	assert.ErrorIs(t, err, ErrInsufficientAccounts)
}

func TestArrayStatus(t *testing.T) {
	backend := NewMemoryBackend("a1", "a2", "a3", "a4", "a5")
	mk := func(states ...model.HealthState) *Pool {
		accounts := make([]Account, len(states))
		for i, s := range states {
			accounts[i] = Account{ID: model.AccountID(fmt.Sprintf("a%d", i+1)), Priority: 1, Initial: s}
		}
		return newTestPool(t, backend, accounts...)
	}

	h, d, u := model.HealthHealthy, model.HealthDegraded, model.HealthUnavailable

	assert.Equal(t, model.ArrayHealthy, mk(h, h, h, h, h).ArrayStatus(3))
	assert.Equal(t, model.ArrayDegraded, mk(h, h, h, d, u).ArrayStatus(3))
	assert.Equal(t, model.ArrayFailed, mk(h, h, u, u, u).ArrayStatus(3))
}

func TestTransitionCallback(t *testing.T) {
	backend := NewMemoryBackend("a1")

	type transition struct{ from, to model.HealthState }
	var mu sync.Mutex
	var seen []transition

	p, err := New(Config{
		Backend:       backend,
		Accounts:      []Account{{ID: "a1", Priority: 1, Initial: model.HealthHealthy}},
		UploadRetry:   fastRetry(1),
		DownloadRetry: fastRetry(1),
		OnTransition: func(id model.AccountID, from, to model.HealthState) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, transition{from, to})
		},
	})
	require.NoError(t, err)

	backend.Fail("a1")
	for i := 0; i < 9; i++ {
		_, _ = p.Get(context.Background(), "a1", "ref")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, transition{model.HealthHealthy, model.HealthDegraded}, seen[0])
	assert.Equal(t, transition{model.HealthDegraded, model.HealthUnavailable}, seen[1])
}

func TestStatusReport(t *testing.T) {
	backend := NewMemoryBackend("a1", "a2")
	p := newTestPool(t, backend,
		Account{ID: "a1", Priority: 2, Initial: model.HealthHealthy},
		Account{ID: "a2", Priority: 1, Initial: model.HealthDegraded},
	)

	_, err := p.Put(context.Background(), "a1", []byte("x"))
	require.NoError(t, err)

	status := p.Status()
	require.Len(t, status, 2)
	assert.Equal(t, model.AccountID("a1"), status[0].ID)
	assert.Equal(t, 1, status[0].Samples)
	assert.Equal(t, 0, status[0].Failures)
	assert.Equal(t, model.HealthDegraded, status[1].Health)
}

func TestDuplicateAccountRejected(t *testing.T) {
	backend := NewMemoryBackend("a1")
	_, err := New(Config{
		Backend: backend,
		Accounts: []Account{
			{ID: "a1", Priority: 1},
			{ID: "a1", Priority: 2},
		},
	})
	assert.Error(t, err)
}

func TestFSBackendRoundTrip(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), "a1", "a2")
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := backend.Put(ctx, "a1", []byte("on disk"))
	require.NoError(t, err)

	got, err := backend.Get(ctx, "a1", ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)

	// Objects are scoped per account.
	_, err = backend.Get(ctx, "a2", ref)
	assert.ErrorIs(t, err, ErrNotFound)

	objects, err := backend.List(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, ref, objects[0].Ref)
	assert.Equal(t, uint64(len("on disk")), objects[0].Size)
	assert.False(t, objects[0].ModTime.IsZero())

	require.NoError(t, backend.Delete(ctx, "a1", ref))
	objects, err = backend.List(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, objects)

	// Deleting a missing object is not an error.
	require.NoError(t, backend.Delete(ctx, "a1", ref))
}

func TestMemoryBackendCorruptionFlipsBytes(t *testing.T) {
	backend := NewMemoryBackend("a1")
	ctx := context.Background()

	ref, err := backend.Put(ctx, "a1", []byte("pristine"))
	require.NoError(t, err)
	require.True(t, backend.Corrupt("a1", ref))

	got, err := backend.Get(ctx, "a1", ref)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("pristine"), got)
	assert.Len(t, got, len("pristine"))
}

func TestContextCancellationStopsRetries(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend("a1"), remaining: 1000}
	p, err := New(Config{
		Backend:       backend,
		Accounts:      []Account{{ID: "a1", Priority: 1, Initial: model.HealthHealthy}},
		UploadRetry:   RetryPolicy{Attempts: 100, BaseDelay: 10 * time.Millisecond},
		DownloadRetry: fastRetry(1),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Put(ctx, "a1", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransient))
}

func TestMemoryBackendListReportsSizes(t *testing.T) {
	backend := NewMemoryBackend("a1")
	ctx := context.Background()

	ref, err := backend.Put(ctx, "a1", []byte("four"))
	require.NoError(t, err)

	objects, err := backend.List(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, ref, objects[0].Ref)
	assert.Equal(t, uint64(4), objects[0].Size)
	assert.False(t, objects[0].ModTime.IsZero())
}
