package erasure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/scatterfs/scatterfs/internal/model"
)

// BlockStore is the slice of the account pool the stripe manager needs.
type BlockStore interface {
	Put(ctx context.Context, id model.AccountID, data []byte) (model.ObjectRef, error)
	Get(ctx context.Context, id model.AccountID, ref model.ObjectRef) ([]byte, error)
	Delete(ctx context.Context, id model.AccountID, ref model.ObjectRef) error
	SelectAccounts(n int) ([]model.AccountID, error)
}

// StripeStore persists stripe records and migration progress.
type StripeStore interface {
	GetStripe(id model.Hash) (model.Stripe, error)
	PutStripe(st model.Stripe) error
	IterStripes(fn func(model.Stripe) error) error
	MarkMigrated(hash model.Hash) error
	IsMigrated(hash model.Hash) (bool, error)
}

// Config configures a stripe manager.
type Config struct {
	// DataShards (K) and ParityShards (M) fix the scheme for new stripes.
	// Existing stripes decode under the shape recorded in their record.
	DataShards   int
	ParityShards int

	Blocks  BlockStore
	Stripes StripeStore
	Logger  *slog.Logger

	// PlacementAttempts bounds how often a whole placement is retried
	// after a partial failure. Each attempt reselects accounts, so a
	// freshly degraded account is routed around rather than hit again.
	PlacementAttempts int
	// PlacementBaseDelay seeds the exponential backoff between attempts.
	PlacementBaseDelay time.Duration

	// OnMigrateProgress, when set, is called after each stripe a
	// migration pass finishes, with running counts.
	OnMigrateProgress func(migrated, scanned int)
}

// Manager encodes chunks into stripes, places the blocks on accounts and
// decodes them back. Stripes written under older schemes remain readable;
// only new placements use the configured shape.
type Manager struct {
	cfg    Config
	codec  *codec
	blocks BlockStore
	store  StripeStore
	log    *slog.Logger
}

// New builds a stripe manager for the given K-of-N scheme.
func New(cfg Config) (*Manager, error) {
	if cfg.Blocks == nil || cfg.Stripes == nil {
		return nil, fmt.Errorf("erasure: block store and stripe store are required")
	}
	c, err := newCodec(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PlacementAttempts <= 0 {
		cfg.PlacementAttempts = 3
	}
	if cfg.PlacementBaseDelay <= 0 {
		cfg.PlacementBaseDelay = 200 * time.Millisecond
	}
	return &Manager{cfg: cfg, codec: c, blocks: cfg.Blocks, store: cfg.Stripes, log: cfg.Logger}, nil
}

// codecFor returns the manager's codec when the stripe matches the
// configured shape, or a one-off codec for stripes written under an
// older scheme.
func (m *Manager) codecFor(st model.Stripe) (*codec, error) {
	k, n := int(st.DataShards), int(st.TotalShards)
	if k == m.codec.dataShards && n == m.codec.totalShards() {
		return m.codec, nil
	}
	return newCodec(k, n-k)
}

// EncodeAndPlace encrypts nothing: it takes sealed ciphertext, splits it
// into K data and M parity blocks and uploads each to a distinct
// account. Each attempt is all-or-nothing: on partial failure every block
// uploaded so far is deleted, accounts are reselected (dropping any that
// just went unhealthy) and the whole placement is retried with backoff,
// bounded by PlacementAttempts.
//
// The resulting stripe is NOT persisted here. The caller commits it
// together with the dedup entry in one transaction.
func (m *Manager) EncodeAndPlace(ctx context.Context, id model.Hash, ciphertext []byte) (model.Stripe, error) {
	shards, err := m.codec.encode(ciphertext)
	if err != nil {
		return model.Stripe{}, err
	}

	var st model.Stripe
	attempt := 0
	op := func() error {
		attempt++
		s, err := m.place(ctx, id, ciphertext, shards)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			m.log.Warn("placement attempt failed", "stripe", id, "attempt", attempt, "error", err)
			return err
		}
		st = s
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(m.cfg.PlacementBaseDelay)),
		uint64(m.cfg.PlacementAttempts-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return model.Stripe{}, err
	}
	return st, nil
}

// place runs one all-or-nothing placement attempt.
func (m *Manager) place(ctx context.Context, id model.Hash, ciphertext []byte, shards [][]byte) (model.Stripe, error) {
	n := m.codec.totalShards()
	accounts, err := m.blocks.SelectAccounts(n)
	if err != nil {
		return model.Stripe{}, err
	}

	// Rotate the shard-to-account assignment by the stripe ID so parity
	// load spreads across accounts instead of always landing on the
	// lowest-priority ones.
	offset := int(id[0]) % n

	blocks := make([]model.Block, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		account := accounts[(i+offset)%n]
		g.Go(func() error {
			ref, err := m.blocks.Put(gctx, account, shards[i])
			if err != nil {
				return fmt.Errorf("shard %d on %q: %w", i, account, err)
			}
			blocks[i] = model.Block{
				Index:    uint8(i),
				Account:  account,
				Ref:      ref,
				Checksum: model.HashBytes(shards[i]),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.rollback(blocks)
		return model.Stripe{}, fmt.Errorf("erasure: place %s: %w", id, err)
	}

	return model.Stripe{
		ID:          id,
		DataShards:  uint8(m.codec.dataShards),
		TotalShards: uint8(n),
		CipherSize:  uint64(len(ciphertext)),
		Blocks:      blocks,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// rollback deletes the blocks of a failed placement. Best effort: the
// stripe was never committed, so anything left behind is an orphan the
// garbage collector can also reclaim later.
func (m *Manager) rollback(blocks []model.Block) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 30*time.Second)
	defer cancel()
	for _, b := range blocks {
		if b.Ref == "" {
			continue
		}
		if err := m.blocks.Delete(ctx, b.Account, b.Ref); err != nil {
			m.log.Warn("rollback delete failed", "account", b.Account, "ref", b.Ref, "error", err)
		}
	}
}

type fetchResult struct {
	index int
	data  []byte
	err   error
}

// fetchShards retrieves the stripe's blocks in parallel and returns as
// soon as `need` of them arrived intact, leaving the remaining fetches
// to be cancelled. A block failing its checksum counts as missing.
// Returns the shard slice indexed by position and the number of intact
// shards gathered.
func (m *Manager) fetchShards(ctx context.Context, st model.Stripe, need int) ([][]byte, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetchResult, len(st.Blocks))
	for _, b := range st.Blocks {
		go func() {
			data, err := m.blocks.Get(ctx, b.Account, b.Ref)
			if err == nil {
				err = verifyBlock(b, data)
			}
			if err != nil {
				results <- fetchResult{index: int(b.Index), err: err}
				return
			}
			results <- fetchResult{index: int(b.Index), data: data}
		}()
	}

	shards := make([][]byte, st.TotalShards)
	intact := 0
	for range st.Blocks {
		select {
		case <-ctx.Done():
			return shards, intact, ctx.Err()
		case res := <-results:
			if res.err != nil {
				m.log.Debug("block fetch failed", "stripe", st.ID, "shard", res.index, "error", res.err)
				continue
			}
			shards[res.index] = res.data
			intact++
			if intact >= need {
				return shards, intact, nil
			}
		}
	}
	return shards, intact, nil
}

// FetchAndDecode retrieves the chunk ciphertext from any K intact blocks
// of the stripe. Missing or corrupt blocks beyond the parity budget yield
// ErrInsufficientRedundancy.
func (m *Manager) FetchAndDecode(ctx context.Context, st model.Stripe) ([]byte, error) {
	c, err := m.codecFor(st)
	if err != nil {
		return nil, err
	}
	shards, intact, err := m.fetchShards(ctx, st, c.dataShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: fetch %s: %w", st.ID, err)
	}
	if intact < c.dataShards {
		return nil, fmt.Errorf("erasure: stripe %s: %w: %d of %d intact",
			st.ID, ErrInsufficientRedundancy, intact, c.dataShards)
	}
	return c.decode(shards, int(st.CipherSize))
}

// RebuildReport summarizes a rebuild pass over one account.
type RebuildReport struct {
	StripesScanned int
	BlocksRestored int
	Failed         int
}

// Rebuild reconstructs every block the given account should hold from
// the surviving stripe blocks and uploads it back to the account. Run
// after the account was wiped or replaced; the caller is responsible for
// moving the account through its rebuilding state.
func (m *Manager) Rebuild(ctx context.Context, account model.AccountID) (RebuildReport, error) {
	var report RebuildReport
	err := m.store.IterStripes(func(st model.Stripe) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, ok := st.BlockOn(account)
		if !ok {
			return nil
		}
		report.StripesScanned++
		if err := m.rebuildBlock(ctx, st, block); err != nil {
			report.Failed++
			m.log.Error("rebuild block failed", "stripe", st.ID, "account", account, "error", err)
			return nil
		}
		report.BlocksRestored++
		return nil
	})
	return report, err
}

// rebuildBlock restores one block of a stripe and rewrites the stripe
// record with the new object reference.
func (m *Manager) rebuildBlock(ctx context.Context, st model.Stripe, block model.Block) error {
	c, err := m.codecFor(st)
	if err != nil {
		return err
	}
	// Fetch only the surviving blocks so the stale copy on the target
	// account can never supply its own shard.
	rest := st
	rest.Blocks = make([]model.Block, 0, len(st.Blocks)-1)
	for _, b := range st.Blocks {
		if b.Index != block.Index {
			rest.Blocks = append(rest.Blocks, b)
		}
	}
	shards, _, err := m.fetchShards(ctx, rest, c.dataShards)
	if err != nil {
		return err
	}
	if err := c.reconstructAll(shards); err != nil {
		return err
	}
	payload := shards[block.Index]
	if err := verifyBlock(block, payload); err != nil {
		return fmt.Errorf("reconstructed shard does not match recorded checksum: %w", err)
	}
	ref, err := m.blocks.Put(ctx, block.Account, payload)
	if err != nil {
		return err
	}
	for i := range st.Blocks {
		if st.Blocks[i].Index == block.Index {
			st.Blocks[i].Ref = ref
		}
	}
	return m.store.PutStripe(st)
}

// Corruption describes one bad block found by a scrub.
type Corruption struct {
	Stripe  model.Hash
	Index   uint8
	Account model.AccountID
	Err     error
}

// ScrubReport summarizes a scrub pass.
type ScrubReport struct {
	StripesScanned int
	BlocksVerified int
	Corrupt        []Corruption
	Repaired       int
	// Unrecoverable counts stripes with fewer than K intact blocks.
	Unrecoverable int
}

// Scrub reads every block of every stripe and verifies it against its
// recorded checksum. With repair set, corrupt or missing blocks are
// reconstructed from the surviving ones and rewritten in place.
func (m *Manager) Scrub(ctx context.Context, repair bool) (ScrubReport, error) {
	var report ScrubReport
	err := m.store.IterStripes(func(st model.Stripe) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.StripesScanned++
		m.scrubStripe(ctx, st, repair, &report)
		return nil
	})
	return report, err
}

func (m *Manager) scrubStripe(ctx context.Context, st model.Stripe, repair bool, report *ScrubReport) {
	c, err := m.codecFor(st)
	if err != nil {
		report.Corrupt = append(report.Corrupt, Corruption{Stripe: st.ID, Err: err})
		return
	}

	// Scrub reads everything, no early exit at K.
	shards := make([][]byte, st.TotalShards)
	var bad []model.Block
	for _, b := range st.Blocks {
		data, err := m.blocks.Get(ctx, b.Account, b.Ref)
		if err == nil {
			err = verifyBlock(b, data)
		}
		if err != nil {
			report.Corrupt = append(report.Corrupt, Corruption{
				Stripe: st.ID, Index: b.Index, Account: b.Account, Err: err,
			})
			bad = append(bad, b)
			continue
		}
		shards[b.Index] = data
		report.BlocksVerified++
	}

	intact := len(st.Blocks) - len(bad)
	if intact < c.dataShards {
		report.Unrecoverable++
		m.log.Error("stripe unrecoverable", "stripe", st.ID, "intact", intact, "need", c.dataShards)
		return
	}
	if len(bad) == 0 || !repair {
		return
	}

	if err := c.reconstructAll(shards); err != nil {
		m.log.Error("scrub reconstruct failed", "stripe", st.ID, "error", err)
		return
	}
	repaired := 0
	for _, b := range bad {
		payload := shards[b.Index]
		if err := verifyBlock(b, payload); err != nil {
			m.log.Error("scrub repair produced bad shard", "stripe", st.ID, "shard", b.Index, "error", err)
			break
		}
		ref, err := m.blocks.Put(ctx, b.Account, payload)
		if err != nil {
			m.log.Error("scrub repair upload failed", "stripe", st.ID, "shard", b.Index, "error", err)
			break
		}
		_ = m.blocks.Delete(ctx, b.Account, b.Ref)
		for i := range st.Blocks {
			if st.Blocks[i].Index == b.Index {
				st.Blocks[i].Ref = ref
			}
		}
		repaired++
	}
	report.Repaired += repaired
	// Record whatever was repaired even when a later upload failed, so
	// the re-uploaded blocks are referenced instead of orphaned and the
	// next scrub starts from the smaller bad set.
	if repaired == 0 {
		return
	}
	if err := m.store.PutStripe(st); err != nil {
		m.log.Error("scrub stripe update failed", "stripe", st.ID, "error", err)
	}
}

// MigrateReport summarizes a migration pass.
type MigrateReport struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failed   int
}

// MigrateSingleToErasure re-encodes legacy single-copy stripes (one
// block, no parity) under the configured K-of-N scheme. The pass is
// resumable: each stripe is marked once its new placement is committed,
// and marked stripes are skipped on later runs. With dryRun set the pass
// only counts what it would do.
func (m *Manager) MigrateSingleToErasure(ctx context.Context, dryRun bool) (MigrateReport, error) {
	var report MigrateReport
	err := m.store.IterStripes(func(st model.Stripe) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.TotalShards != 1 || len(st.Blocks) != 1 {
			return nil
		}
		report.Scanned++

		done, err := m.store.IsMigrated(st.ID)
		if err != nil {
			return err
		}
		if done {
			report.Skipped++
			return nil
		}
		if dryRun {
			return nil
		}
		if err := m.migrateStripe(ctx, st); err != nil {
			report.Failed++
			m.log.Error("migrate stripe failed", "stripe", st.ID, "error", err)
			return nil
		}
		report.Migrated++
		if m.cfg.OnMigrateProgress != nil {
			m.cfg.OnMigrateProgress(report.Migrated, report.Scanned)
		}
		return nil
	})
	return report, err
}

func (m *Manager) migrateStripe(ctx context.Context, st model.Stripe) error {
	old := st.Blocks[0]
	data, err := m.blocks.Get(ctx, old.Account, old.Ref)
	if err != nil {
		return err
	}
	if err := verifyBlock(old, data); err != nil {
		return err
	}
	if uint64(len(data)) != st.CipherSize {
		return fmt.Errorf("single-copy stripe %s: stored %d bytes, record says %d", st.ID, len(data), st.CipherSize)
	}

	replacement, err := m.EncodeAndPlace(ctx, st.ID, data)
	if err != nil {
		return err
	}
	replacement.CreatedAt = st.CreatedAt
	if err := m.store.PutStripe(replacement); err != nil {
		m.rollback(replacement.Blocks)
		return err
	}
	if err := m.store.MarkMigrated(st.ID); err != nil {
		return err
	}
	// The old single copy is now unreferenced. Its deletion is best
	// effort since the new stripe record is already durable.
	if err := m.blocks.Delete(ctx, old.Account, old.Ref); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("old single-copy block not deleted", "stripe", st.ID, "account", old.Account, "error", err)
	}
	return nil
}
