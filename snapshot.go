package scatterfs

import (
	"context"
	"fmt"
	"time"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Snapshot captures the current version of every inode under a name.
// Snapshots are metadata only: no chunk is copied, and the captured
// versions are pinned against retention pruning until the snapshot is
// deleted.
func (e *Engine) Snapshot(ctx context.Context, name string) (model.Snapshot, error) {
	if err := e.ready(); err != nil {
		return model.Snapshot{}, err
	}
	if name == "" {
		return model.Snapshot{}, fmt.Errorf("scatterfs: snapshot name must not be empty")
	}
	inodes, err := e.store.ListInodes()
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Versions:  make(map[model.InodeID]model.VersionID),
	}
	for _, ino := range inodes {
		if ino.CurrentVersion == 0 {
			continue
		}
		snap.Versions[ino.ID] = ino.CurrentVersion
	}
	if err := e.store.PutSnapshot(snap); err != nil {
		return model.Snapshot{}, err
	}
	e.log.Info("snapshot created", "name", name, "inodes", len(snap.Versions))
	return snap, nil
}

// Restore repoints every inode captured in the snapshot back at its
// recorded version. Inodes created after the snapshot are untouched;
// inodes deleted since are skipped.
func (e *Engine) Restore(ctx context.Context, name string) error {
	if err := e.ready(); err != nil {
		return err
	}
	snap, err := e.store.GetSnapshot(name)
	if err != nil {
		return err
	}
	restored := 0
	for ino, ver := range snap.Versions {
		if err := e.store.RestoreVersion(ino, ver); err != nil {
			e.log.Warn("restore skipped inode", "snapshot", name, "inode", ino, "error", err)
			continue
		}
		restored++
	}
	e.log.Info("snapshot restored", "name", name, "inodes", restored)
	return nil
}

// Snapshots lists all snapshots.
func (e *Engine) Snapshots() ([]model.Snapshot, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListSnapshots()
}

// DeleteSnapshot removes a snapshot, unpinning its versions. Versions
// beyond the retention cap become prunable on the next commit of their
// inode.
func (e *Engine) DeleteSnapshot(ctx context.Context, name string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.store.DeleteSnapshot(name)
}
