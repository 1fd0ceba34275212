package scatterfs

import (
	"context"
	"errors"

	"github.com/scatterfs/scatterfs/internal/metastore"
	"github.com/scatterfs/scatterfs/internal/model"
	"github.com/scatterfs/scatterfs/internal/pool"
)

// GCReport summarizes one garbage collection sweep.
type GCReport struct {
	// StripesRemoved counts zero-refcount stripes whose records and
	// blocks were reclaimed.
	StripesRemoved int
	// BlocksDeleted counts remote blocks removed, including orphans.
	BlocksDeleted int
	// OrphanBlocksDeleted counts backend objects no stripe references,
	// left behind by uploads whose commit never happened.
	OrphanBlocksDeleted int
	// BytesReclaimed sums the ciphertext size of removed stripes.
	BytesReclaimed uint64
}

// GC reclaims storage in two passes: first it removes stripes no
// retained version references anymore, then it deletes backend objects
// no stripe record points at. The second pass must not run concurrently
// with writers, since an upload between placement and commit looks
// exactly like an orphan.
func (e *Engine) GC(ctx context.Context) (GCReport, error) {
	var report GCReport
	if err := e.ready(); err != nil {
		return report, err
	}

	if err := e.sweepUnreferenced(ctx, &report); err != nil {
		return report, err
	}
	if err := e.sweepOrphans(ctx, &report); err != nil {
		return report, err
	}
	if err := e.store.RunValueLogGC(); err != nil {
		e.log.Debug("value log gc", "error", err)
	}
	e.log.Info("gc finished",
		"stripes_removed", report.StripesRemoved,
		"blocks_deleted", report.BlocksDeleted,
		"orphans_deleted", report.OrphanBlocksDeleted,
		"bytes_reclaimed", report.BytesReclaimed)
	return report, nil
}

// sweepUnreferenced removes stripes whose dedup refcount is zero.
func (e *Engine) sweepUnreferenced(ctx context.Context, report *GCReport) error {
	var victims []model.DedupEntry
	err := e.store.IterDedup(func(entry model.DedupEntry) error {
		if entry.State == model.UploadCommitted && entry.RefCount == 0 {
			victims = append(victims, entry)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, entry := range victims {
		if err := ctx.Err(); err != nil {
			return err
		}
		stripe, err := e.store.GetStripe(entry.StripeID)
		if err != nil {
			if errors.Is(err, metastore.ErrNotFound) {
				// Stripe record already gone; drop the dangling entry.
				if err := e.store.DeleteDedup(entry.Hash); err != nil {
					return err
				}
				continue
			}
			return err
		}
		deleted := 0
		for _, b := range stripe.Blocks {
			err := e.pool.Delete(ctx, b.Account, b.Ref)
			switch {
			case err == nil, errors.Is(err, pool.ErrNotFound):
				deleted++
			default:
				e.log.Warn("gc block delete failed, stripe kept for next sweep",
					"stripe", stripe.ID, "account", b.Account, "error", err)
			}
		}
		if deleted < len(stripe.Blocks) {
			continue
		}
		if err := e.store.DeleteStripe(stripe.ID); err != nil {
			return err
		}
		if err := e.store.DeleteDedup(entry.Hash); err != nil {
			return err
		}
		e.cache.Remove(entry.Hash)
		report.StripesRemoved++
		report.BlocksDeleted += deleted
		report.BytesReclaimed += stripe.CipherSize
	}
	return nil
}

// sweepOrphans deletes backend objects that no stripe record references.
func (e *Engine) sweepOrphans(ctx context.Context, report *GCReport) error {
	referenced := make(map[model.AccountID]map[model.ObjectRef]bool)
	err := e.store.IterStripes(func(st model.Stripe) error {
		for _, b := range st.Blocks {
			refs, ok := referenced[b.Account]
			if !ok {
				refs = make(map[model.ObjectRef]bool)
				referenced[b.Account] = refs
			}
			refs[b.Ref] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, account := range e.pool.Accounts() {
		if state, err := e.pool.Health(account); err != nil || state == model.HealthUnavailable {
			continue
		}
		objects, err := e.backend.List(ctx, account)
		if err != nil {
			e.log.Warn("gc list failed, account skipped", "account", account, "error", err)
			continue
		}
		for _, obj := range objects {
			if referenced[account][obj.Ref] {
				continue
			}
			if err := e.pool.Delete(ctx, account, obj.Ref); err != nil {
				e.log.Warn("gc orphan delete failed", "account", account, "ref", obj.Ref, "error", err)
				continue
			}
			report.BlocksDeleted++
			report.OrphanBlocksDeleted++
			report.BytesReclaimed += obj.Size
		}
	}
	return nil
}
