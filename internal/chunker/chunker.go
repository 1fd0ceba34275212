// Package chunker splits file content into fixed-size segments and applies
// optional per-segment compression.
//
// Segmentation is purely size-based, not content-defined: identical content
// at different offsets does not align to the same chunk boundary, so only
// whole-file copies and append-free edits dedup cleanly. The content hash
// used for identity is computed over the pre-compression plaintext, keeping
// dedup correctness independent of the compression decision.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	"github.com/scatterfs/scatterfs/internal/model"
)

// Config controls segmentation and compression.
type Config struct {
	// ChunkSize is the maximum plaintext segment size. The last segment of
	// a file may be shorter.
	ChunkSize int
	// Compression selects the codec; AlgoNone disables compression.
	Compression Algorithm
	// Threshold is the fraction of the original size the encoded form
	// (including its one-byte header) must stay strictly below for the
	// compressed form to be kept.
	Threshold float64
}

// Chunk is one plaintext segment with its encoded payload.
type Chunk struct {
	// Hash is the content hash of the plaintext, the chunk's identity.
	Hash model.Hash
	// Offset is the segment's byte offset in the original stream.
	Offset uint64
	// Size is the plaintext length.
	Size uint64
	// Payload is the encoded form: a one-byte algorithm tag followed by
	// either compressed or raw bytes. This is what gets encrypted.
	Payload []byte
	// Compressed reports whether Payload holds a compressed body.
	Compressed bool
}

// Chunker produces an ordered, restartable sequence of segments from a
// reader.
type Chunker struct {
	cfg    Config
	r      io.Reader
	offset uint64
	buf    []byte
	err    error
}

// New returns a chunker over r. cfg.ChunkSize must be positive.
func New(r io.Reader, cfg Config) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("chunker: threshold must be in (0, 1], got %v", cfg.Threshold)
	}
	return &Chunker{
		cfg: cfg,
		r:   r,
		buf: make([]byte, cfg.ChunkSize),
	}, nil
}

// Next returns the next segment. It returns io.EOF after the final one.
func (c *Chunker) Next() (Chunk, error) {
	if c.err != nil {
		return Chunk{}, c.err
	}
	n, err := io.ReadFull(c.r, c.buf)
	switch err {
	case nil:
	case io.ErrUnexpectedEOF:
		// Short final read: a valid last segment.
		c.err = io.EOF
	case io.EOF:
		c.err = io.EOF
		return Chunk{}, io.EOF
	default:
		c.err = err
		return Chunk{}, fmt.Errorf("chunker: read segment: %w", err)
	}

	plain := c.buf[:n]
	payload, compressed, err := Encode(plain, c.cfg.Compression, c.cfg.Threshold)
	if err != nil {
		c.err = err
		return Chunk{}, err
	}
	chunk := Chunk{
		Hash:       model.HashBytes(plain),
		Offset:     c.offset,
		Size:       uint64(n),
		Payload:    payload,
		Compressed: compressed,
	}
	c.offset += uint64(n)
	return chunk, nil
}

// Reset repositions the chunker over a new reader, restarting offsets.
func (c *Chunker) Reset(r io.Reader) {
	c.r = r
	c.offset = 0
	c.err = nil
}

// Split segments an in-memory buffer in one call.
func Split(data []byte, cfg Config) ([]Chunk, error) {
	c, err := New(bytes.NewReader(data), cfg)
	if err != nil {
		return nil, err
	}
	var chunks []Chunk
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}
