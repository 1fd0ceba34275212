// Package cache keeps recently used chunk plaintext in memory, bounded
// by a byte budget, so repeated and sequential reads skip the fetch and
// decrypt path.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/scatterfs/scatterfs/internal/model"
)

// maxEntries bounds the entry count of the underlying LRU. The real
// limit is the byte budget; this only sizes the ring.
const maxEntries = 65536

// Cache is an LRU of chunk plaintext keyed by content hash. Eviction is
// driven by a byte budget, not an entry count: inserting a chunk evicts
// from the cold end until the budget holds again.
type Cache struct {
	entries  *lru.Cache[model.Hash, []byte]
	group    singleflight.Group
	maxBytes int64
	log      *slog.Logger

	// mu guards bytes. The eviction callback runs inside Add and
	// RemoveOldest calls made while mu is held, and must not lock it.
	mu    sync.Mutex
	bytes int64
}

// New builds a cache with the given byte budget.
func New(maxBytes int64, logger *slog.Logger) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: byte budget must be positive, got %d", maxBytes)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{maxBytes: maxBytes, log: logger}
	entries, err := lru.NewWithEvict(maxEntries, func(_ model.Hash, data []byte) {
		c.bytes -= int64(len(data))
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Get returns the cached plaintext for a hash, marking it recently used.
func (c *Cache) Get(hash model.Hash) ([]byte, bool) {
	return c.entries.Get(hash)
}

// Put inserts chunk plaintext, evicting cold entries past the byte
// budget. Chunks larger than the whole budget are not cached at all.
func (c *Cache) Put(hash model.Hash, data []byte) {
	if int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries.Peek(hash); ok {
		c.bytes -= int64(len(prev))
	}
	c.bytes += int64(len(data))
	c.entries.Add(hash, data)
	for c.bytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

// FetchFunc loads the plaintext of one chunk from the stripe store.
type FetchFunc func(ctx context.Context, hash model.Hash) ([]byte, error)

// GetOrFetch returns the cached plaintext or loads it with fetch.
// Concurrent callers for the same hash share a single fetch.
func (c *Cache) GetOrFetch(ctx context.Context, hash model.Hash, fetch FetchFunc) ([]byte, error) {
	if data, ok := c.entries.Get(hash); ok {
		return data, nil
	}
	data, err, _ := c.group.Do(hash.String(), func() (any, error) {
		if data, ok := c.entries.Get(hash); ok {
			return data, nil
		}
		data, err := fetch(ctx, hash)
		if err != nil {
			return nil, err
		}
		c.Put(hash, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return data.([]byte), nil
}

// Remove drops one entry, e.g. after its stripe was garbage collected.
func (c *Cache) Remove(hash model.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(hash)
}

// Len returns the number of cached chunks.
func (c *Cache) Len() int { return c.entries.Len() }

// Bytes returns the cached payload size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
