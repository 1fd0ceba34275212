package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scatterfs/scatterfs/internal/model"
)

// prefetchTimeout bounds one background chunk fetch.
const prefetchTimeout = 2 * time.Minute

// Prefetcher watches read positions per manifest and warms the cache
// with the next chunks once a reader turns out to be sequential. Random
// access never triggers it.
type Prefetcher struct {
	cache *Cache
	fetch FetchFunc
	count int
	sem   *semaphore.Weighted
	log   *slog.Logger

	mu   sync.Mutex
	last map[model.ManifestID]int
}

// NewPrefetcher builds a prefetcher loading up to count chunks ahead.
// A count of zero disables it.
func NewPrefetcher(c *Cache, fetch FetchFunc, count int, logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	workers := int64(count)
	if workers < 1 {
		workers = 1
	}
	return &Prefetcher{
		cache: c,
		fetch: fetch,
		count: count,
		sem:   semaphore.NewWeighted(workers),
		log:   logger,
		last:  make(map[model.ManifestID]int),
	}
}

// Observe records that chunk index of the manifest was just read. When
// the access directly follows the previous one, the next chunks are
// fetched in the background. Never blocks the reader: if all prefetch
// slots are busy, the hint is dropped.
func (p *Prefetcher) Observe(m model.Manifest, index int) {
	if p.count <= 0 {
		return
	}
	p.mu.Lock()
	prev, seen := p.last[m.ID]
	p.last[m.ID] = index
	p.mu.Unlock()
	if !seen || index != prev+1 {
		return
	}

	for i := index + 1; i <= index+p.count && i < len(m.Chunks); i++ {
		hash := m.Chunks[i].Hash
		if p.cache.entries.Contains(hash) {
			continue
		}
		if !p.sem.TryAcquire(1) {
			return
		}
		go func() {
			defer p.sem.Release(1)
			ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
			defer cancel()
			if _, err := p.cache.GetOrFetch(ctx, hash, p.fetch); err != nil {
				p.log.Debug("prefetch failed", "chunk", hash, "error", err)
			}
		}()
	}
}

// Forget drops the position tracking of a manifest, typically when its
// handle closes.
func (p *Prefetcher) Forget(id model.ManifestID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, id)
}
