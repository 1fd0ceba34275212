// Package dedup decides, per content hash, whether a chunk already has a
// stripe or must be uploaded, and guarantees at most one concurrent
// upload per hash across all writers.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scatterfs/scatterfs/internal/metastore"
	"github.com/scatterfs/scatterfs/internal/model"
)

// DefaultRaceTimeout bounds how long a reservation may stay pending
// before another writer is allowed to claim the hash. Covers the upload
// of one full stripe with retries.
const DefaultRaceTimeout = 5 * time.Minute

// ErrStaleReservation is returned by Commit and Abort when the
// reservation token no longer owns the hash, typically because the
// reservation expired and another writer took over.
var ErrStaleReservation = errors.New("dedup: reservation is no longer held")

// EntryStore is the slice of the metadata store the index reads
// committed entries from. Committed entries are written elsewhere, in
// the same transaction that persists the stripe.
type EntryStore interface {
	GetDedup(hash model.Hash) (model.DedupEntry, error)
}

// Resolution is the outcome of ResolveOrReserve.
type Resolution struct {
	// Existing is true when the chunk already has a committed stripe;
	// Entry then describes it and no upload must happen.
	Existing bool
	Entry    model.DedupEntry

	// Token identifies the reservation when Existing is false. The
	// holder must upload the chunk and then call Commit or Abort with
	// this token.
	Token string
}

type reservation struct {
	token   string
	created time.Time
	done    chan struct{}
}

// Index is the dedup index. Committed state lives in the metadata
// store; in-flight reservations are process-local, so a crash silently
// drops them and the affected chunks are simply uploaded again.
type Index struct {
	store       EntryStore
	raceTimeout time.Duration

	mu      sync.Mutex
	pending map[model.Hash]*reservation
}

// New builds an index over the given store. raceTimeout <= 0 selects
// DefaultRaceTimeout.
func New(store EntryStore, raceTimeout time.Duration) *Index {
	if raceTimeout <= 0 {
		raceTimeout = DefaultRaceTimeout
	}
	return &Index{
		store:       store,
		raceTimeout: raceTimeout,
		pending:     make(map[model.Hash]*reservation),
	}
}

// ResolveOrReserve resolves a content hash to its committed entry, or
// reserves the hash for upload by this caller. When another writer
// already holds a reservation for the hash, the call blocks until that
// writer commits or aborts, then resolves again. A reservation held
// longer than the race timeout is treated as abandoned and taken over.
func (i *Index) ResolveOrReserve(ctx context.Context, hash model.Hash) (Resolution, error) {
	for {
		entry, err := i.store.GetDedup(hash)
		switch {
		case err == nil && entry.State == model.UploadCommitted:
			return Resolution{Existing: true, Entry: entry}, nil
		case err != nil && !errors.Is(err, metastore.ErrNotFound):
			return Resolution{}, fmt.Errorf("dedup: resolve %s: %w", hash, err)
		}

		i.mu.Lock()
		res, held := i.pending[hash]
		if held && time.Since(res.created) > i.raceTimeout {
			// Abandoned reservation. Drop it; a Commit or Abort with
			// the old token will be rejected as stale.
			delete(i.pending, hash)
			close(res.done)
			held = false
		}
		if !held {
			res = &reservation{
				token:   uuid.NewString(),
				created: time.Now(),
				done:    make(chan struct{}),
			}
			i.pending[hash] = res
			i.mu.Unlock()
			return Resolution{Token: res.token}, nil
		}
		expiry := time.Until(res.created.Add(i.raceTimeout))
		i.mu.Unlock()

		timer := time.NewTimer(expiry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Resolution{}, ctx.Err()
		case <-res.done:
			timer.Stop()
		case <-timer.C:
		}
		// Holder finished or the reservation expired; resolve again.
	}
}

// release drops the reservation identified by token. Returns
// ErrStaleReservation if the token does not hold the hash anymore.
func (i *Index) release(hash model.Hash, token string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.pending[hash]
	if !ok || res.token != token {
		return fmt.Errorf("%w: %s", ErrStaleReservation, hash)
	}
	delete(i.pending, hash)
	close(res.done)
	return nil
}

// Commit wakes the waiters of a reservation after the holder persisted
// the stripe and its committed entry. The durable write happens before
// this call, in the metadata store's stripe commit transaction.
func (i *Index) Commit(hash model.Hash, token string) error {
	return i.release(hash, token)
}

// Abort drops a reservation whose upload failed. Waiters wake and race
// to reserve the hash themselves.
func (i *Index) Abort(hash model.Hash, token string) error {
	return i.release(hash, token)
}

// Pending reports the number of in-flight reservations.
func (i *Index) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}
