package pool

import (
	"context"
	"errors"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Backend is the block-store interface one account pool drives. One
// implementation wraps one remote protocol; the engine never sees
// protocol detail, only opaque object refs and a transient/permanent
// error classification.
type Backend interface {
	// Put stores a block on the given account and returns its reference.
	Put(ctx context.Context, account model.AccountID, data []byte) (model.ObjectRef, error)
	// Get fetches a block by reference.
	Get(ctx context.Context, account model.AccountID, ref model.ObjectRef) ([]byte, error)
	// Delete removes a block. Deleting a missing block is not an error.
	Delete(ctx context.Context, account model.AccountID, ref model.ObjectRef) error
	// List enumerates the blocks stored on an account.
	List(ctx context.Context, account model.AccountID) ([]model.ObjectInfo, error)
}

// ErrTransient marks a backend failure worth retrying: rate limits,
// network resets, timeouts. Backend adapters wrap such errors with it;
// anything else is treated as permanent.
var ErrTransient = errors.New("pool: transient backend error")

// ErrNotFound is returned by Get for a reference the account no longer
// holds. Permanent by definition.
var ErrNotFound = errors.New("pool: object not found")

// IsTransient reports whether a backend error is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
