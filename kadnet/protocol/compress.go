package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/multiformats/go-varint"
	"github.com/pierrec/lz4/v4"
)

var ErrDecompressionFailed = errors.New("protocol: decompression failed")

var compressors = sync.Pool{
	New: func() any { return new(lz4.Compressor) },
}

// compressBody returns uvarint(len(data)) ‖ lz4 block, or false when the
// body is too small or does not shrink.
func compressBody(data []byte) ([]byte, bool) {
	if len(data) < CompressThreshold {
		return data, false
	}
	prefix := varint.ToUvarint(uint64(len(data)))
	out := make([]byte, len(prefix)+lz4.CompressBlockBound(len(data)))
	copy(out, prefix)

	c := compressors.Get().(*lz4.Compressor)
	n, err := c.CompressBlock(data, out[len(prefix):])
	compressors.Put(c)
	// n == 0 means lz4 found the block incompressible
	if err != nil || n == 0 || len(prefix)+n >= len(data) {
		return data, false
	}
	return out[:len(prefix)+n], true
}

// decompressBody reverses compressBody. The declared size must be in
// (0, limit] and the block must inflate to exactly that size.
func decompressBody(data []byte, limit int) ([]byte, error) {
	size, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
	}
	if size == 0 || size > uint64(limit) {
		return nil, fmt.Errorf("%w: declared size %d", ErrDecompressionFailed, size)
	}
	out := make([]byte, size)
	got, err := lz4.UncompressBlock(data[n:], out)
	if err != nil || got != len(out) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}
