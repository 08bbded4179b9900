// Package anchor produces the byte-level encodings the deployed escrow
// program expects: 8-byte instruction selectors derived from the instruction
// name, and little-endian fixed-width integers. The encodings must be stable
// byte-for-byte because the program matches the selector prefix to route
// instructions.
package anchor

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
)

// SelectorSize is the length of an instruction selector in bytes.
const SelectorSize = 8

// selectorNamespace prefixes the instruction name before hashing. The
// deployed program computes its dispatch table the same way.
const selectorNamespace = "global:"

// ErrOverflow indicates a value does not fit in the requested byte width.
var ErrOverflow = errors.New("encoding overflow")

// Selector returns the 8-byte instruction selector for an instruction name:
// the first 8 bytes of sha256("global:" + name).
func Selector(name string) [SelectorSize]byte {
	sum := sha256.Sum256([]byte(selectorNamespace + name))
	var sel [SelectorSize]byte
	copy(sel[:], sum[:SelectorSize])
	return sel
}

// EncodeUint encodes v as a little-endian unsigned integer of size bytes.
// size must be between 1 and 8. Fails with ErrOverflow when v does not fit.
func EncodeUint(v uint64, size int) ([]byte, error) {
	if size < 1 || size > 8 {
		return nil, fmt.Errorf("invalid encoding width %d", size)
	}
	if size < 8 && v >= 1<<(8*size) {
		return nil, fmt.Errorf("%w: %d does not fit in %d bytes", ErrOverflow, v, size)
	}
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out, nil
}

// EncodeInt encodes v as a little-endian two's-complement signed integer of
// size bytes. Fails with ErrOverflow when v does not fit.
func EncodeInt(v int64, size int) ([]byte, error) {
	if size < 1 || size > 8 {
		return nil, fmt.Errorf("invalid encoding width %d", size)
	}
	if size < 8 {
		minVal := -(int64(1) << (8*size - 1))
		maxVal := int64(1)<<(8*size-1) - 1
		if v < minVal || v > maxVal {
			return nil, fmt.Errorf("%w: %d does not fit in %d bytes", ErrOverflow, v, size)
		}
	}
	return EncodeUint(uint64(v)&widthMask(size), size)
}

// widthMask returns a mask covering size bytes.
func widthMask(size int) uint64 {
	if size >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*size) - 1
}
