package rbtree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// uint32ByteSize is the number of bytes in a uint32.
const uint32ByteSize = 4

// Block tags prefixed to every compressed column.
const (
	blockRaw byte = iota
	blockLZ4
)

// ErrCorruptBlock is returned when a compressed column cannot be restored.
var ErrCorruptBlock = errors.New("rbtree: corrupt compressed block")

// CompressUInt32Slice compresses a slice of uint32-s with LZ4.
// Columns that LZ4 cannot shrink are stored verbatim behind a raw tag.
func CompressUInt32Slice(data []uint32) []byte {
	if len(data) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	buf.Grow(len(data) * uint32ByteSize)

	writeErr := binary.Write(buf, binary.LittleEndian, data)
	if writeErr != nil {
		return nil
	}

	compressed := make([]byte, 1+lz4.CompressBlockBound(buf.Len()))

	written, err := lz4.CompressBlock(buf.Bytes(), compressed[1:], nil)
	if err != nil || written == 0 {
		raw := make([]byte, 1, 1+buf.Len())
		raw[0] = blockRaw

		return append(raw, buf.Bytes()...)
	}

	compressed[0] = blockLZ4

	return compressed[:1+written]
}

// DecompressUInt32Slice decompresses a slice of uint32-s previously compressed with LZ4.
// `result` must be preallocated.
func DecompressUInt32Slice(data []byte, result []uint32) error {
	if len(result) == 0 {
		return nil
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: empty block for %d values", ErrCorruptBlock, len(result))
	}

	decompressed := make([]byte, len(result)*uint32ByteSize)

	switch data[0] {
	case blockRaw:
		if len(data)-1 != len(decompressed) {
			return fmt.Errorf("%w: raw block holds %d bytes, want %d", ErrCorruptBlock, len(data)-1, len(decompressed))
		}

		copy(decompressed, data[1:])
	case blockLZ4:
		read, err := lz4.UncompressBlock(data[1:], decompressed)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}

		if read != len(decompressed) {
			return fmt.Errorf("%w: restored %d bytes, want %d", ErrCorruptBlock, read, len(decompressed))
		}
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrCorruptBlock, data[0])
	}

	readErr := binary.Read(bytes.NewReader(decompressed), binary.LittleEndian, result)
	if readErr != nil {
		return fmt.Errorf("%w: %w", ErrCorruptBlock, readErr)
	}

	return nil
}

// DeltaEncodeUInt32Slice replaces each element with the difference from its
// predecessor, in place. The first element is left unchanged.
func DeltaEncodeUInt32Slice(data []uint32) {
	for i := len(data) - 1; i > 0; i-- {
		data[i] -= data[i-1]
	}
}

// DeltaDecodeUInt32Slice performs a prefix-sum to restore original values from
// deltas produced by DeltaEncodeUInt32Slice. The operation is performed in place.
func DeltaDecodeUInt32Slice(data []uint32) {
	for i := 1; i < len(data); i++ {
		data[i] += data[i-1]
	}
}
