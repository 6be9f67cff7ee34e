package bloom

import (
	"errors"
	"math/bits"
)

// wordBits is the width of one storage unit. Bit i lives in word i/64 at
// position i%64.
const wordBits = 64

var (
	// ErrInvalidCapacity is returned when constructing a BitArray with a
	// non-positive capacity.
	ErrInvalidCapacity = errors.New("bloom: bit array capacity must be positive")

	// ErrIndexOutOfRange is returned when a bit index falls outside
	// [0, capacity).
	ErrIndexOutOfRange = errors.New("bloom: bit index out of range")
)

// BitArray is a fixed-capacity bit vector packed 64 bits per word.
//
// Packing matters here: the filter's sizing math assumes one bit of storage
// per addressable position. A bool-per-position slice would cost 8x the
// memory and defeat the Bloom filter's space advantage. The capacity is fixed
// at construction; there is no resize operation.
type BitArray struct {
	capacity int
	words    []uint64
}

// NewBitArray allocates a BitArray with the given number of addressable bit
// positions, all initially unset. Capacity must be positive.
func NewBitArray(capacity int) (*BitArray, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	numWords := (capacity + wordBits - 1) / wordBits
	return &BitArray{
		capacity: capacity,
		words:    make([]uint64, numWords),
	}, nil
}

// Capacity returns the fixed number of addressable bits.
func (b *BitArray) Capacity() int {
	return b.capacity
}

// Get reports whether the bit at index is set.
func (b *BitArray) Get(index int) (bool, error) {
	if index < 0 || index >= b.capacity {
		return false, ErrIndexOutOfRange
	}
	return b.test(index), nil
}

// Set sets or clears the bit at index.
func (b *BitArray) Set(index int, value bool) error {
	if index < 0 || index >= b.capacity {
		return ErrIndexOutOfRange
	}
	mask := uint64(1) << (uint(index) % wordBits)
	if value {
		b.words[index/wordBits] |= mask
	} else {
		b.words[index/wordBits] &^= mask
	}
	return nil
}

// PopCount returns the number of set bits.
func (b *BitArray) PopCount() int {
	total := 0
	for _, w := range b.words {
		total += bits.OnesCount64(w)
	}
	return total
}

// test is the unchecked read used on the filter's hot path. The filter's
// offset derivation guarantees index is in range.
func (b *BitArray) test(index int) bool {
	return b.words[index/wordBits]&(1<<(uint(index)%wordBits)) != 0
}

// setIfUnset sets the bit at index and reports whether it changed from 0 to 1.
// The change signal is what drives the filter's set-bit accounting. The caller
// guarantees index is in range.
func (b *BitArray) setIfUnset(index int) bool {
	mask := uint64(1) << (uint(index) % wordBits)
	if b.words[index/wordBits]&mask != 0 {
		return false
	}
	b.words[index/wordBits] |= mask
	return true
}
