// Package erasure stripes encrypted chunks across the account pool with
// Reed-Solomon coding and recovers them from any K of N blocks.
package erasure

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/scatterfs/scatterfs/internal/model"
)

// ErrInsufficientRedundancy is returned when fewer than K blocks of a
// stripe could be retrieved intact.
var ErrInsufficientRedundancy = errors.New("erasure: fewer than K blocks available")

// ErrChecksumMismatch marks a block whose content does not match its
// recorded checksum.
var ErrChecksumMismatch = errors.New("erasure: block checksum mismatch")

// codec wraps a reedsolomon encoder for one K-of-N scheme.
type codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func newCodec(dataShards, parityShards int) (*codec, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: %w", err)
	}
	return &codec{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (c *codec) totalShards() int { return c.dataShards + c.parityShards }

// encode splits the ciphertext into K padded data shards and computes
// the parity shards. The returned slice has totalShards entries.
func (c *codec) encode(ciphertext []byte) ([][]byte, error) {
	shards, err := c.enc.Split(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// decode reconstructs the original ciphertext from shards, of which at
// least K must be non-nil. cipherSize trims the padding added by encode.
func (c *codec) decode(shards [][]byte, cipherSize int) ([]byte, error) {
	if len(shards) != c.totalShards() {
		return nil, fmt.Errorf("erasure: got %d shards, scheme has %d", len(shards), c.totalShards())
	}
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < c.dataShards {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientRedundancy, present, c.dataShards)
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}
	out := make([]byte, 0, cipherSize)
	for i := 0; i < c.dataShards && len(out) < cipherSize; i++ {
		remain := cipherSize - len(out)
		if remain < len(shards[i]) {
			out = append(out, shards[i][:remain]...)
		} else {
			out = append(out, shards[i]...)
		}
	}
	if len(out) != cipherSize {
		return nil, fmt.Errorf("erasure: reconstructed %d bytes, want %d", len(out), cipherSize)
	}
	return out, nil
}

// reconstructAll restores every missing shard, data and parity alike.
// Used by rebuild and scrub, which need the full stripe back.
func (c *codec) reconstructAll(shards [][]byte) error {
	if err := c.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("erasure: reconstruct: %w", err)
	}
	return nil
}

// verifyBlock checks a fetched block against the checksum recorded in
// the stripe.
func verifyBlock(block model.Block, data []byte) error {
	if model.HashBytes(data) != block.Checksum {
		return fmt.Errorf("%w: shard %d on %q", ErrChecksumMismatch, block.Index, block.Account)
	}
	return nil
}
