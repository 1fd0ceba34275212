// Package scatterfs is a file storage engine that splits files into
// fixed-size chunks, encrypts them convergently, erasure-codes the
// ciphertext and scatters the blocks across a pool of unreliable
// storage accounts. Any K of N blocks recover a chunk; identical
// content is stored once.
package scatterfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scatterfs/scatterfs/internal/cache"
	"github.com/scatterfs/scatterfs/internal/chunker"
	"github.com/scatterfs/scatterfs/internal/config"
	"github.com/scatterfs/scatterfs/internal/crypto"
	"github.com/scatterfs/scatterfs/internal/dedup"
	"github.com/scatterfs/scatterfs/internal/erasure"
	"github.com/scatterfs/scatterfs/internal/metastore"
	"github.com/scatterfs/scatterfs/internal/model"
	"github.com/scatterfs/scatterfs/internal/pool"
)

var (
	ErrNotStarted = errors.New("scatterfs: engine not started")
	ErrClosed     = errors.New("scatterfs: engine closed")
)

// Options configures an engine instance.
type Options struct {
	// Config is the validated engine configuration.
	Config config.Config
	// Password derives the master key. Losing it loses the data.
	Password []byte
	// Backend stores the erasure-coded blocks. When nil, a filesystem
	// backend under Config.DataDir/blocks is used.
	Backend pool.Backend
	// Logger is an optional structured logger; stderr text by default.
	Logger *slog.Logger
	// DedupRaceTimeout overrides the reservation expiry, mainly for
	// tests. Zero selects the default.
	DedupRaceTimeout time.Duration
}

// Engine is the storage engine handle. Construct with New, then Start
// before use.
type Engine struct {
	log  *slog.Logger
	opts Options

	store    *metastore.Store
	crypt    *crypto.Engine
	backend  pool.Backend
	pool     *pool.Pool
	stripes  *erasure.Manager
	index    *dedup.Index
	cache    *cache.Cache
	prefetch *cache.Prefetcher

	chunkCfg    chunker.Config
	dataShards  int
	totalShards int
	maxVersions int

	// writeLocks serializes writers per inode; readers never take them.
	writeLocks sync.Map // model.InodeID -> *sync.Mutex

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs an engine handle. New validates the configuration but
// performs no I/O; call Start to open stores and derive keys.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Password) == 0 {
		return nil, fmt.Errorf("scatterfs: a password is required")
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	k, n := opts.Config.Erasure.Shards()
	return &Engine{
		log:         opts.Logger,
		opts:        opts,
		dataShards:  k,
		totalShards: n,
		maxVersions: opts.Config.Versioning.MaxVersions,
		chunkCfg: chunker.Config{
			ChunkSize:   opts.Config.Chunking.ChunkSize,
			Compression: compressionAlgo(opts.Config.Chunking),
			Threshold:   opts.Config.Chunking.CompressionThreshold,
		},
	}, nil
}

func compressionAlgo(c config.Chunking) chunker.Algorithm {
	if !c.CompressionEnabled {
		return chunker.AlgoNone
	}
	switch c.CompressionAlgo {
	case config.CompressionZstd:
		return chunker.AlgoZstd
	case config.CompressionLZMA:
		return chunker.AlgoLZMA
	default:
		return chunker.AlgoNone
	}
}

// Start opens the metadata store, derives the master key (slow by
// design, Argon2id) and wires up the account pool, stripe manager,
// dedup index and cache. Safe to call multiple times; only the first
// call has effect.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		startErr = e.start(ctx)
		if startErr == nil {
			e.started.Store(true)
			e.log.Info("scatterfs started",
				"data_dir", e.opts.Config.DataDir,
				"scheme", fmt.Sprintf("%d-of-%d", e.dataShards, e.totalShards),
				"accounts", len(e.opts.Config.Accounts))
		}
	})
	return startErr
}

func (e *Engine) start(ctx context.Context) error {
	cfg := e.opts.Config
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", cfg.DataDir, err)
	}

	store, err := metastore.Open(metastore.Config{
		Path:          filepath.Join(cfg.DataDir, "meta"),
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        e.log,
	})
	if err != nil {
		return fmt.Errorf("open metastore: %w", err)
	}
	e.store = store

	salt, err := store.LoadOrCreateSalt(crypto.GenerateSalt)
	if err != nil {
		store.Close()
		return fmt.Errorf("load salt: %w", err)
	}
	crypt, err := crypto.NewEngine(e.opts.Password, salt, crypto.Params{
		MemoryKiB:   cfg.KDF.MemoryKiB,
		Iterations:  cfg.KDF.Iterations,
		Parallelism: cfg.KDF.Parallelism,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("derive master key: %w", err)
	}
	e.crypt = crypt

	backend := e.opts.Backend
	if backend == nil {
		ids := make([]model.AccountID, len(cfg.Accounts))
		for i, a := range cfg.Accounts {
			ids[i] = a.ID
		}
		backend, err = pool.NewFSBackend(filepath.Join(cfg.DataDir, "blocks"), ids...)
		if err != nil {
			store.Close()
			return err
		}
	}

	e.backend = backend

	accounts := make([]pool.Account, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		initial := model.HealthHealthy
		if rec, err := store.GetAccount(a.ID); err == nil {
			initial = rec.Health
		}
		accounts[i] = pool.Account{ID: a.ID, Priority: a.Priority, Initial: initial}
	}
	p, err := pool.New(pool.Config{
		Backend:                backend,
		Accounts:               accounts,
		MaxConcurrentUploads:   int64(cfg.Transfer.MaxConcurrentUploads),
		MaxConcurrentDownloads: int64(cfg.Transfer.MaxConcurrentDownloads),
		PerAccountConcurrency:  int64(cfg.Transfer.PerAccountConcurrency),
		UploadRetry: pool.RetryPolicy{
			Attempts:  cfg.Transfer.RetryAttempts,
			BaseDelay: cfg.Transfer.RetryBaseDelay,
		},
		DownloadRetry: pool.RetryPolicy{
			Attempts:  cfg.Transfer.RetryAttempts,
			BaseDelay: cfg.Transfer.RetryBaseDelay,
		},
		OnTransition: e.persistHealth,
		Logger:       e.log,
	})
	if err != nil {
		store.Close()
		return err
	}
	e.pool = p
	for i, a := range cfg.Accounts {
		rec := metastore.AccountRecord{
			ID:        a.ID,
			Priority:  a.Priority,
			Health:    accounts[i].Initial,
			UpdatedAt: time.Now().UTC(),
		}
		if err := store.PutAccount(rec); err != nil {
			store.Close()
			return err
		}
	}

	mgr, err := erasure.New(erasure.Config{
		DataShards:   e.dataShards,
		ParityShards: e.totalShards - e.dataShards,
		Blocks:       p,
		Stripes:      store,
		Logger:       e.log,
	})
	if err != nil {
		store.Close()
		return err
	}
	e.stripes = mgr

	e.index = dedup.New(store, e.opts.DedupRaceTimeout)

	c, err := cache.New(cfg.Cache.MaxSize, e.log)
	if err != nil {
		store.Close()
		return err
	}
	e.cache = c
	e.prefetch = cache.NewPrefetcher(c, e.fetchChunk, cfg.Cache.PrefetchCount, e.log)
	return nil
}

// persistHealth records pool health transitions in the metadata store so
// restarts resume from the last known state.
func (e *Engine) persistHealth(id model.AccountID, _, to model.HealthState) {
	rec, err := e.store.GetAccount(id)
	if err != nil {
		rec = metastore.AccountRecord{ID: id}
	}
	rec.Health = to
	rec.UpdatedAt = time.Now().UTC()
	if err := e.store.PutAccount(rec); err != nil {
		e.log.Error("persist account health failed", "account", id, "error", err)
	}
}

// Run starts the engine, blocks until ctx is cancelled and shuts down
// with a bounded grace period. Convenience for services.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Close(shutdownCtx)
}

// Close releases the metadata store. In-flight uncommitted uploads are
// abandoned; their blocks are orphans a later GC pass reclaims. Close is
// idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.started.Store(false)
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				closeErr = fmt.Errorf("close metastore: %w", err)
			}
		}
		e.log.Info("scatterfs closed")
	})
	return closeErr
}

func (e *Engine) ready() error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// fetchChunk loads one chunk's plaintext from its stripe: resolve the
// dedup entry, gather K blocks, decrypt, decompress and verify the
// content hash.
func (e *Engine) fetchChunk(ctx context.Context, hash model.Hash) ([]byte, error) {
	stripe, err := e.store.GetStripe(hash)
	if err != nil {
		return nil, fmt.Errorf("stripe for chunk %s: %w", hash, err)
	}
	ciphertext, err := e.stripes.FetchAndDecode(ctx, stripe)
	if err != nil {
		return nil, err
	}
	payload, err := e.crypt.OpenChunk(hash, ciphertext)
	if err != nil {
		return nil, err
	}
	plain, err := chunker.Decode(payload)
	if err != nil {
		return nil, err
	}
	if model.HashBytes(plain) != hash {
		return nil, fmt.Errorf("chunk %s: decrypted content does not match its hash", hash)
	}
	return plain, nil
}

// writeLock returns the writer mutex of an inode.
func (e *Engine) writeLock(id model.InodeID) *sync.Mutex {
	mu, _ := e.writeLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Stats summarizes engine state for status output.
type Stats struct {
	Array       model.ArrayState
	Accounts    []pool.AccountStatus
	DataShards  int
	TotalShards int
	Inodes      int
	Stripes     int
	StoredBytes uint64
	CacheBytes  int64
	CacheChunks int
}

// Status reports array and account health plus store counters.
func (e *Engine) Status() (Stats, error) {
	if err := e.ready(); err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Array:       e.pool.ArrayStatus(e.dataShards),
		Accounts:    e.pool.Status(),
		DataShards:  e.dataShards,
		TotalShards: e.totalShards,
		CacheBytes:  e.cache.Bytes(),
		CacheChunks: e.cache.Len(),
	}
	inodes, err := e.store.ListInodes()
	if err != nil {
		return Stats{}, err
	}
	stats.Inodes = len(inodes)
	err = e.store.IterStripes(func(st model.Stripe) error {
		stats.Stripes++
		stats.StoredBytes += st.CipherSize
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Scrub verifies every block of every stripe against its checksum, and
// with repair set rewrites damaged blocks from the surviving ones.
func (e *Engine) Scrub(ctx context.Context, repair bool) (erasure.ScrubReport, error) {
	if err := e.ready(); err != nil {
		return erasure.ScrubReport{}, err
	}
	return e.stripes.Scrub(ctx, repair)
}

// Rebuild restores every block the account should hold, walking it
// through the rebuilding state. The account must be reachable again.
func (e *Engine) Rebuild(ctx context.Context, account model.AccountID) (erasure.RebuildReport, error) {
	if err := e.ready(); err != nil {
		return erasure.RebuildReport{}, err
	}
	if err := e.pool.StartRebuild(account); err != nil {
		return erasure.RebuildReport{}, err
	}
	report, err := e.stripes.Rebuild(ctx, account)
	if err != nil || report.Failed > 0 {
		e.log.Error("rebuild incomplete, account stays in rebuilding state",
			"account", account, "failed", report.Failed, "error", err)
		if err == nil {
			err = fmt.Errorf("scatterfs: rebuild of %q left %d blocks unrestored", account, report.Failed)
		}
		return report, err
	}
	if err := e.pool.FinishRebuild(account); err != nil {
		return report, err
	}
	return report, nil
}

// Migrate re-encodes legacy single-copy chunks under the configured
// erasure scheme. Resumable; dryRun only counts.
func (e *Engine) Migrate(ctx context.Context, dryRun bool) (erasure.MigrateReport, error) {
	if err := e.ready(); err != nil {
		return erasure.MigrateReport{}, err
	}
	return e.stripes.MigrateSingleToErasure(ctx, dryRun)
}
