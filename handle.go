package scatterfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scatterfs/scatterfs/internal/chunker"
	"github.com/scatterfs/scatterfs/internal/dedup"
	"github.com/scatterfs/scatterfs/internal/metastore"
	"github.com/scatterfs/scatterfs/internal/model"
)

// Handle is an open file. Reads go against the committed version and
// may run concurrently; the first mutation takes the inode's writer
// lock, which Close releases. Mutations are staged in memory until
// Commit persists them as a new version.
type Handle struct {
	eng   *Engine
	inode model.Inode

	mu      sync.Mutex
	writing bool
	dirty   bool
	buf     []byte
	closed  bool
}

// CreateFile allocates a new regular file inode.
func (e *Engine) CreateFile(ctx context.Context, mode uint32) (model.Inode, error) {
	if err := e.ready(); err != nil {
		return model.Inode{}, err
	}
	return e.store.CreateInode(model.FileRegular, mode)
}

// Open opens an existing inode for reading and writing.
func (e *Engine) Open(ctx context.Context, id model.InodeID) (*Handle, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ino, err := e.store.GetInode(id)
	if err != nil {
		return nil, err
	}
	return &Handle{eng: e, inode: ino}, nil
}

// Inode returns the handle's inode as of open or last commit.
func (h *Handle) Inode() model.Inode { return h.inode }

// manifest loads the committed manifest, or an empty one for a file
// that was never committed.
func (h *Handle) manifest() (model.Manifest, error) {
	if h.inode.CurrentVersion == 0 {
		return model.Manifest{}, nil
	}
	ver, err := h.eng.store.GetVersion(h.inode.CurrentVersion)
	if err != nil {
		return model.Manifest{}, err
	}
	return h.eng.store.GetManifest(ver.Manifest)
}

// ReadAt reads from the committed content at the given offset. Reads
// past the end return io.EOF with the bytes read, like io.ReaderAt.
// Uncommitted writes of this handle are visible to its own reads.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("scatterfs: negative offset")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if h.dirty {
		n := copyAt(p, h.buf, off)
		h.mu.Unlock()
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	h.mu.Unlock()

	m, err := h.manifest()
	if err != nil {
		return 0, err
	}
	if uint64(off) >= m.TotalSize {
		return 0, io.EOF
	}

	n := 0
	for i, ref := range m.Chunks {
		chunkEnd := int64(ref.Offset + ref.Size)
		if chunkEnd <= off {
			continue
		}
		if int64(ref.Offset) >= off+int64(len(p)) {
			break
		}
		plain, err := h.eng.cache.GetOrFetch(ctx, ref.Hash, h.eng.fetchChunk)
		if err != nil {
			return n, err
		}
		h.eng.prefetch.Observe(m, i)

		from := int64(0)
		if off > int64(ref.Offset) {
			from = off - int64(ref.Offset)
		}
		dst := int64(ref.Offset) + from - off
		n += copy(p[dst:], plain[from:])
	}
	if uint64(off)+uint64(n) >= m.TotalSize && n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// copyAt copies src[off:] into p, treating src as the file content.
func copyAt(p, src []byte, off int64) int {
	if off >= int64(len(src)) {
		return 0
	}
	return copy(p, src[off:])
}

// stage prepares the handle for mutation: takes the inode writer lock
// and materializes the committed content into the write buffer.
func (h *Handle) stage(ctx context.Context) error {
	if h.closed {
		return ErrClosed
	}
	if !h.writing {
		h.eng.writeLock(h.inode.ID).Lock()
		h.writing = true
	}
	if h.dirty {
		return nil
	}
	m, err := h.manifest()
	if err != nil {
		return err
	}
	buf := make([]byte, m.TotalSize)
	for _, ref := range m.Chunks {
		plain, err := h.eng.cache.GetOrFetch(ctx, ref.Hash, h.eng.fetchChunk)
		if err != nil {
			return err
		}
		copy(buf[ref.Offset:], plain)
	}
	h.buf = buf
	h.dirty = true
	return nil
}

// WriteAt stages p at the given offset, growing the file as needed.
// Nothing is uploaded until Commit.
func (h *Handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("scatterfs: negative offset")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.stage(ctx); err != nil {
		return 0, err
	}
	if need := off + int64(len(p)); need > int64(len(h.buf)) {
		grown := make([]byte, need)
		copy(grown, h.buf)
		h.buf = grown
	}
	return copy(h.buf[off:], p), nil
}

// Truncate stages a resize to the given length.
func (h *Handle) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return fmt.Errorf("scatterfs: negative size")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.stage(ctx); err != nil {
		return err
	}
	if size <= int64(len(h.buf)) {
		h.buf = h.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, h.buf)
	h.buf = grown
	return nil
}

// Size returns the staged size, or the committed size when clean.
func (h *Handle) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirty {
		return uint64(len(h.buf))
	}
	return h.inode.Size
}

// Commit chunks the staged content, uploads what the store has never
// seen, and commits the new manifest, version and reference counts in
// one transaction. Returns the new version ID; with nothing staged it
// returns the current one.
func (h *Handle) Commit(ctx context.Context) (model.VersionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	if !h.dirty {
		return h.inode.CurrentVersion, nil
	}

	chunks, err := chunker.Split(h.buf, h.eng.chunkCfg)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		g.Go(func() error {
			return h.eng.uploadChunk(gctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	refs := make([]model.ChunkRef, len(chunks))
	for i, c := range chunks {
		refs[i] = model.ChunkRef{Hash: c.Hash, Offset: c.Offset, Size: c.Size}
	}
	result, err := h.eng.store.CommitManifest(h.inode.ID, refs, h.eng.maxVersions)
	if err != nil {
		return 0, err
	}
	for _, hash := range result.Unreferenced {
		h.eng.log.Debug("chunk dropped from retention", "chunk", hash)
	}

	// Warm the cache with what was just written.
	for _, c := range chunks {
		end := c.Offset + c.Size
		plain := make([]byte, c.Size)
		copy(plain, h.buf[c.Offset:end])
		h.eng.cache.Put(c.Hash, plain)
	}

	ino, err := h.eng.store.GetInode(h.inode.ID)
	if err != nil {
		return 0, err
	}
	h.inode = ino
	h.dirty = false
	h.buf = nil
	return result.Version.ID, nil
}

// Close discards staged writes and releases the writer lock.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.buf = nil
	h.dirty = false
	if h.writing {
		h.eng.writeLock(h.inode.ID).Unlock()
		h.writing = false
	}
	if h.inode.CurrentVersion != 0 {
		if ver, err := h.eng.store.GetVersion(h.inode.CurrentVersion); err == nil {
			h.eng.prefetch.Forget(ver.Manifest)
		}
	}
	return nil
}

// uploadChunk ensures the chunk has a committed stripe: resolve the
// dedup index, and when this writer wins the reservation, seal the
// payload, place the stripe and commit both records atomically.
func (e *Engine) uploadChunk(ctx context.Context, c chunker.Chunk) error {
	if !e.opts.Config.Chunking.DedupEnabled {
		// Without the index there is no cross-writer coordination, just
		// a lookup to avoid re-uploading content this store already has.
		_, err := e.store.GetDedup(c.Hash)
		if err == nil {
			return nil
		}
		if !errors.Is(err, metastore.ErrNotFound) {
			return err
		}
		return e.placeChunk(ctx, c)
	}

	res, err := e.index.ResolveOrReserve(ctx, c.Hash)
	if err != nil {
		return err
	}
	if res.Existing {
		return nil
	}
	if err := e.placeChunk(ctx, c); err != nil {
		if abortErr := e.index.Abort(c.Hash, res.Token); abortErr != nil && !errors.Is(abortErr, dedup.ErrStaleReservation) {
			e.log.Warn("abort reservation failed", "chunk", c.Hash, "error", abortErr)
		}
		return err
	}
	if err := e.index.Commit(c.Hash, res.Token); err != nil && !errors.Is(err, dedup.ErrStaleReservation) {
		return err
	}
	return nil
}

// placeChunk seals, stripes and durably commits one chunk.
func (e *Engine) placeChunk(ctx context.Context, c chunker.Chunk) error {
	ciphertext, err := e.crypt.SealChunk(c.Hash, c.Payload)
	if err != nil {
		return err
	}
	stripe, err := e.stripes.EncodeAndPlace(ctx, c.Hash, ciphertext)
	if err != nil {
		return err
	}
	entry := model.DedupEntry{
		Hash:       c.Hash,
		State:      model.UploadCommitted,
		StripeID:   c.Hash,
		PlainSize:  c.Size,
		Compressed: c.Compressed,
	}
	if err := e.store.CommitStripe(stripe, entry); err != nil {
		return fmt.Errorf("commit stripe %s: %w", c.Hash, err)
	}
	return nil
}

// Unlink removes a file: its versions are released and chunks whose
// reference count drops to zero become garbage for the next GC sweep.
// Snapshot-pinned versions survive.
func (e *Engine) Unlink(ctx context.Context, id model.InodeID) error {
	if err := e.ready(); err != nil {
		return err
	}
	zeroed, err := e.store.DeleteInode(id)
	if err != nil {
		return err
	}
	for _, hash := range zeroed {
		e.cache.Remove(hash)
	}
	e.log.Info("inode unlinked", "inode", id, "unreferenced_chunks", len(zeroed))
	return nil
}
