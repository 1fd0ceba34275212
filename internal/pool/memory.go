package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scatterfs/scatterfs/internal/model"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process backend used by tests and benchmarks.
// Accounts can be failed or healed at runtime, and individual objects
// can be corrupted, to simulate a flaky remote.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[model.AccountID]map[model.ObjectRef]memObject
	failed  map[model.AccountID]bool
}

// NewMemoryBackend creates an empty backend accepting the given accounts.
func NewMemoryBackend(accounts ...model.AccountID) *MemoryBackend {
	b := &MemoryBackend{
		objects: make(map[model.AccountID]map[model.ObjectRef]memObject),
		failed:  make(map[model.AccountID]bool),
	}
	for _, id := range accounts {
		b.objects[id] = make(map[model.ObjectRef]memObject)
	}
	return b
}

// Fail makes every operation on the account return a transient error
// until Heal is called.
func (b *MemoryBackend) Fail(id model.AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed[id] = true
}

// Heal clears a failure injected with Fail.
func (b *MemoryBackend) Heal(id model.AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failed, id)
}

// Corrupt flips a byte of a stored object, simulating silent data rot.
func (b *MemoryBackend) Corrupt(id model.AccountID, ref model.ObjectRef) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, ok := b.objects[id]
	if !ok {
		return false
	}
	obj, ok := objs[ref]
	if !ok || len(obj.data) == 0 {
		return false
	}
	mutated := make([]byte, len(obj.data))
	copy(mutated, obj.data)
	mutated[len(mutated)/2] ^= 0xff
	objs[ref] = memObject{data: mutated, modTime: obj.modTime}
	return true
}

// Wipe drops every object on the account, keeping the account itself.
// Simulates a replaced drive before a rebuild.
func (b *MemoryBackend) Wipe(id model.AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[id]; ok {
		b.objects[id] = make(map[model.ObjectRef]memObject)
	}
}

// ObjectCount reports how many objects the account holds.
func (b *MemoryBackend) ObjectCount(id model.AccountID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects[id])
}

func (b *MemoryBackend) check(id model.AccountID) (map[model.ObjectRef]memObject, error) {
	objs, ok := b.objects[id]
	if !ok {
		return nil, fmt.Errorf("memory backend: no such account %q", id)
	}
	if b.failed[id] {
		return nil, fmt.Errorf("%w: account %q injected failure", ErrTransient, id)
	}
	return objs, nil
}

func (b *MemoryBackend) Put(ctx context.Context, id model.AccountID, data []byte) (model.ObjectRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.check(id)
	if err != nil {
		return "", err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	ref := model.ObjectRef(uuid.NewString())
	objs[ref] = memObject{data: stored, modTime: time.Now()}
	return ref, nil
}

func (b *MemoryBackend) Get(ctx context.Context, id model.AccountID, ref model.ObjectRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.check(id)
	if err != nil {
		return nil, err
	}
	obj, ok := objs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q on account %q", ErrNotFound, ref, id)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id model.AccountID, ref model.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.check(id)
	if err != nil {
		return err
	}
	delete(objs, ref)
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, id model.AccountID) ([]model.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.check(id)
	if err != nil {
		return nil, err
	}
	out := make([]model.ObjectInfo, 0, len(objs))
	for ref, obj := range objs {
		out = append(out, model.ObjectInfo{
			Ref:     ref,
			Size:    uint64(len(obj.data)),
			ModTime: obj.modTime,
		})
	}
	return out, nil
}
