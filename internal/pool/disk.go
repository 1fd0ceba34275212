package pool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/scatterfs/scatterfs/internal/model"
)

var _ Backend = (*FSBackend)(nil)

// FSBackend stores each account's blocks as files under a per-account
// directory. It is the default backend for local deployments; remote
// backends implement the same Backend interface.
type FSBackend struct {
	root string
}

// NewFSBackend creates the root directory and one subdirectory per
// account.
func NewFSBackend(root string, accounts ...model.AccountID) (*FSBackend, error) {
	for _, id := range accounts {
		if err := os.MkdirAll(filepath.Join(root, string(id)), 0o755); err != nil {
			return nil, fmt.Errorf("fs backend: %w", err)
		}
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) dir(id model.AccountID) (string, error) {
	dir := filepath.Join(b.root, string(id))
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("fs backend: no such account %q", id)
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("fs backend: account path %q is not a directory", dir)
	}
	return dir, nil
}

func (b *FSBackend) Put(ctx context.Context, id model.AccountID, data []byte) (model.ObjectRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := b.dir(id)
	if err != nil {
		return "", err
	}
	ref := model.ObjectRef(uuid.NewString())
	// Write to a temp name then rename, so a crash never leaves a
	// half-written object under a valid ref.
	tmp := filepath.Join(dir, "."+string(ref)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, string(ref))); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return ref, nil
}

func (b *FSBackend) Get(ctx context.Context, id model.AccountID, ref model.ObjectRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := b.dir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, string(ref)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q on account %q", ErrNotFound, ref, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return data, nil
}

func (b *FSBackend) Delete(ctx context.Context, id model.AccountID, ref model.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := b.dir(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, string(ref))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

func (b *FSBackend) List(ctx context.Context, id model.AccountID) ([]model.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := b.dir(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	out := make([]model.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // deleted between readdir and stat
			}
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		out = append(out, model.ObjectInfo{
			Ref:     model.ObjectRef(e.Name()),
			Size:    uint64(info.Size()),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}
