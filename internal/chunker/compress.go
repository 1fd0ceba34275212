package chunker

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm identifies the compression codec of an encoded payload. The
// tag is stored as the payload's first byte; the values are format
// constants.
type Algorithm uint8

const (
	// AlgoNone stores the plaintext unchanged.
	AlgoNone Algorithm = 0
	// AlgoZstd is the default: good ratios at high decode speed.
	AlgoZstd Algorithm = 1
	// AlgoLZMA trades CPU for a tighter ratio on cold archival data.
	AlgoLZMA Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoZstd:
		return "zstd"
	case AlgoLZMA:
		return "lzma"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Encode produces the self-describing payload for a plaintext segment:
// one tag byte followed by the body. Compression is kept only when the
// whole encoded form is strictly smaller than threshold times the
// original; otherwise the raw bytes are stored under AlgoNone.
func Encode(plain []byte, algo Algorithm, threshold float64) ([]byte, bool, error) {
	if algo != AlgoNone && len(plain) > 0 {
		body, err := compress(plain, algo)
		if err != nil {
			return nil, false, err
		}
		if float64(len(body)+1) < threshold*float64(len(plain)) {
			payload := make([]byte, 0, len(body)+1)
			payload = append(payload, byte(algo))
			payload = append(payload, body...)
			return payload, true, nil
		}
	}
	payload := make([]byte, 0, len(plain)+1)
	payload = append(payload, byte(AlgoNone))
	payload = append(payload, plain...)
	return payload, false, nil
}

// Decode reverses Encode, returning the plaintext.
func Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("chunker: empty payload")
	}
	algo := Algorithm(payload[0])
	body := payload[1:]
	switch algo {
	case AlgoNone:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case AlgoZstd:
		return decompressZstd(body)
	case AlgoLZMA:
		return decompressLZMA(body)
	default:
		return nil, fmt.Errorf("chunker: unknown compression tag %d", payload[0])
	}
}

func compress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case AlgoZstd:
		return compressZstd(data)
	case AlgoLZMA:
		return compressLZMA(data)
	default:
		return nil, fmt.Errorf("chunker: unsupported compression algorithm %d", algo)
	}
}

func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec.IOReadCloser()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressLZMA(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZMA(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
