// Package config loads and validates the scatterfs engine configuration.
// Validation is strict: an invalid erasure scheme or account set is fatal
// at initialization and never partially applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scatterfs/scatterfs/internal/model"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Defaults. Chunk size leaves a safe margin under typical backend object
// size limits; cache defaults mirror the original deployment values.
const (
	DefaultChunkSize     = 50 * 1024 * 1024
	DefaultCacheSize     = 1024 * 1024 * 1024
	DefaultPrefetchCount = 3
	DefaultMaxVersions   = 10
	DefaultRetryAttempts = 4
	DefaultRetryDelay    = 500 * time.Millisecond
)

// ErasurePreset is the closed choice of erasure scheme.
type ErasurePreset string

const (
	// PresetRAID5 uses K = N-1 and tolerates one account loss.
	PresetRAID5 ErasurePreset = "raid5"
	// PresetRAID6 uses K = N-2 and tolerates two account losses.
	PresetRAID6 ErasurePreset = "raid6"
	// PresetCustom uses the configured data_chunks/total_chunks directly.
	PresetCustom ErasurePreset = "custom"
)

// CompressionAlgo selects the per-chunk compression codec.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
	CompressionLZMA CompressionAlgo = "lzma"
)

// EvictionPolicy selects the cache eviction policy. LRU is the only
// implemented policy; the option exists so configs state it explicitly.
type EvictionPolicy string

const (
	EvictionLRU EvictionPolicy = "lru"
)

// Account configures one backend placement target.
type Account struct {
	ID       model.AccountID `yaml:"id"`
	Priority int             `yaml:"priority"`
}

// Erasure configures the striping scheme.
type Erasure struct {
	Preset ErasurePreset `yaml:"preset"`
	// DataChunks (K) and TotalChunks (N) are required for the custom
	// preset. For raid5/raid6 only TotalChunks is read and K is derived.
	DataChunks  int `yaml:"data_chunks"`
	TotalChunks int `yaml:"total_chunks"`
}

// Shards resolves the preset into concrete (K, N).
func (e Erasure) Shards() (k, n int) {
	n = e.TotalChunks
	switch e.Preset {
	case PresetRAID5:
		k = n - 1
	case PresetRAID6:
		k = n - 2
	default:
		k = e.DataChunks
	}
	return k, n
}

// Chunking configures segmentation and compression.
type Chunking struct {
	ChunkSize          int             `yaml:"chunk_size"`
	CompressionEnabled bool            `yaml:"compression_enabled"`
	CompressionAlgo    CompressionAlgo `yaml:"compression_algorithm"`
	// CompressionThreshold is the fraction of the original size the
	// compressed form must stay below to be kept, e.g. 0.9.
	CompressionThreshold float64 `yaml:"compression_threshold"`
	DedupEnabled         bool    `yaml:"dedup_enabled"`
}

// Cache configures the local plaintext chunk cache.
type Cache struct {
	MaxSize        int64          `yaml:"max_size"`
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy"`
	PrefetchCount  int            `yaml:"prefetch_count"`
}

// Transfer bounds concurrency and retry behaviour on backend calls.
type Transfer struct {
	RetryAttempts          int           `yaml:"retry_attempts"`
	RetryBaseDelay         time.Duration `yaml:"retry_base_delay"`
	MaxConcurrentUploads   int           `yaml:"max_concurrent_uploads"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
	// PerAccountConcurrency caps simultaneous requests per account.
	PerAccountConcurrency int `yaml:"per_account_concurrency"`
}

// KDF configures the Argon2id password KDF.
type KDF struct {
	MemoryKiB   uint32 `yaml:"argon2_memory"`
	Iterations  uint32 `yaml:"argon2_iterations"`
	Parallelism uint8  `yaml:"argon2_parallelism"`
}

// Versioning configures version chain retention.
type Versioning struct {
	// MaxVersions caps the retained version chain per inode; the oldest
	// version is pruned first. Zero means the default, not unlimited.
	MaxVersions int `yaml:"max_versions"`
}

// Config is the complete engine configuration.
type Config struct {
	// DataDir holds the embedded metadata store.
	DataDir string `yaml:"data_dir"`
	// MinimumFreeGB refuses to open the store with less free disk space.
	MinimumFreeGB int `yaml:"minimum_free_gb"`

	Accounts   []Account  `yaml:"accounts"`
	Erasure    Erasure    `yaml:"erasure"`
	Chunking   Chunking   `yaml:"chunking"`
	Cache      Cache      `yaml:"cache"`
	Transfer   Transfer   `yaml:"transfer"`
	KDF        KDF        `yaml:"kdf"`
	Versioning Versioning `yaml:"versioning"`
}

// Load reads a YAML config file, applies defaults and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Chunking.ChunkSize == 0 {
		c.Chunking.ChunkSize = DefaultChunkSize
	}
	if c.Chunking.CompressionAlgo == "" {
		c.Chunking.CompressionAlgo = CompressionZstd
	}
	if c.Chunking.CompressionThreshold == 0 {
		c.Chunking.CompressionThreshold = 0.9
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = DefaultCacheSize
	}
	if c.Cache.EvictionPolicy == "" {
		c.Cache.EvictionPolicy = EvictionLRU
	}
	if c.Cache.PrefetchCount == 0 {
		c.Cache.PrefetchCount = DefaultPrefetchCount
	}
	if c.Transfer.RetryAttempts == 0 {
		c.Transfer.RetryAttempts = DefaultRetryAttempts
	}
	if c.Transfer.RetryBaseDelay == 0 {
		c.Transfer.RetryBaseDelay = DefaultRetryDelay
	}
	if c.Transfer.MaxConcurrentUploads == 0 {
		c.Transfer.MaxConcurrentUploads = 8
	}
	if c.Transfer.MaxConcurrentDownloads == 0 {
		c.Transfer.MaxConcurrentDownloads = 8
	}
	if c.Transfer.PerAccountConcurrency == 0 {
		c.Transfer.PerAccountConcurrency = 2
	}
	if c.KDF.MemoryKiB == 0 {
		c.KDF.MemoryKiB = 64 * 1024
	}
	if c.KDF.Iterations == 0 {
		c.KDF.Iterations = 3
	}
	if c.KDF.Parallelism == 0 {
		c.KDF.Parallelism = 4
	}
	if c.Versioning.MaxVersions == 0 {
		c.Versioning.MaxVersions = DefaultMaxVersions
	}
}

// Validate checks cross-field constraints. Any failure wraps ErrInvalid.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalid)
	}
	if c.Chunking.CompressionThreshold <= 0 || c.Chunking.CompressionThreshold > 1 {
		return fmt.Errorf("%w: compression_threshold must be in (0, 1]", ErrInvalid)
	}
	switch c.Chunking.CompressionAlgo {
	case CompressionNone, CompressionZstd, CompressionLZMA:
	default:
		return fmt.Errorf("%w: unknown compression algorithm %q", ErrInvalid, c.Chunking.CompressionAlgo)
	}
	if c.Cache.EvictionPolicy != EvictionLRU {
		return fmt.Errorf("%w: unknown eviction policy %q", ErrInvalid, c.Cache.EvictionPolicy)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache max_size must be positive", ErrInvalid)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("%w: at least one account is required", ErrInvalid)
	}
	seen := make(map[model.AccountID]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("%w: account with empty id", ErrInvalid)
		}
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate account id %q", ErrInvalid, a.ID)
		}
		seen[a.ID] = true
	}

	switch c.Erasure.Preset {
	case PresetRAID5, PresetRAID6, PresetCustom:
	default:
		return fmt.Errorf("%w: unknown erasure preset %q", ErrInvalid, c.Erasure.Preset)
	}
	k, n := c.Erasure.Shards()
	if n < 2 {
		return fmt.Errorf("%w: erasure total_chunks must be >= 2, got %d", ErrInvalid, n)
	}
	if k < 1 || k >= n {
		return fmt.Errorf("%w: erasure scheme needs 1 <= K < N, got K=%d N=%d", ErrInvalid, k, n)
	}
	if len(c.Accounts) < n {
		return fmt.Errorf("%w: %d accounts cannot hold %d shards per stripe", ErrInvalid, len(c.Accounts), n)
	}
	return nil
}
