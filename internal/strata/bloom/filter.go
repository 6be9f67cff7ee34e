// Package bloom implements a layered scalable Bloom filter.
//
// A Bloom filter answers "has this token been seen before?" with no false
// negatives and a bounded false positive rate. A standard filter must be
// pre-sized for a fixed cardinality; once exceeded, its error rate degrades
// without bound. This implementation instead grows a chain of equal-size
// layers: when the blended false positive estimate crosses the configured
// ceiling, a fresh empty layer is appended and becomes the sole target of new
// insertions. Bits set in earlier (sealed) layers are never cleared, so a
// full match in any layer remains sufficient evidence of prior insertion.
//
// The Algorithm
// =============
//
// Each layer is a packed bit array of layerSize bits, divided into numHashes
// equal slices of sliceSize = round(layerSize / numHashes) bits. A token maps
// to one bit position per hash round:
//
//	raw    = hash(itoa(i) || token)        for i in 1..numHashes
//	offset = (raw mod sliceSize) * i
//
// The i multiplier displaces each round's position into a distinct slice of
// the layer, so the same residue never collides across rounds. This is the
// classic "slicing" trick that lets a single 32-bit hash function simulate
// numHashes independent hash functions.
//
// Growth Policy
// =============
//
// The filter tracks n, the count of bits ever flipped from 0 to 1 across all
// layers, and m, the total bit capacity. The ratio n/m (utilization) raised
// to the numHashes power estimates the probability that a never-inserted
// token matches on all rounds. After any insertion that changes state, if
// that estimate exceeds the configured ceiling, a new layer is appended;
// the empty layer dilutes utilization and restores headroom. Memory grows
// without bound, but slowly, and no previously set bit is ever invalidated.
//
// Concurrency
// ===========
//
// A Filter is not safe for concurrent use. Insert and ExistsOrInsert are
// read-then-write sequences over the active layer, and even Exists iterates
// a layer chain that a concurrent insert may extend. Callers that share a
// filter across goroutines must hold one exclusive lock for the duration of
// each call (the strata-server store does exactly this).
package bloom

import (
	"errors"
	"math"
	"strconv"
)

// Configuration defaults used when a Config field is zero.
const (
	DefaultErrorRate = 0.01
	DefaultLayerSize = 64 * 1024
)

// maxHashOffset bounds sliceSize: every raw digest is a 32-bit value, so a
// slice wider than the digest range could never be addressed uniformly.
const maxHashOffset = math.MaxInt32

var (
	// ErrInvalidRate rejects a false positive ceiling outside (0, 1].
	// Zero is excluded: it makes the derived hash count unbounded and the
	// growth predicate unsatisfiable.
	ErrInvalidRate = errors.New("bloom: false positive rate must be in (0, 1]")

	// ErrInvalidNumHashes rejects an explicit non-positive hash count.
	ErrInvalidNumHashes = errors.New("bloom: hash count must be at least 1")

	// ErrInvalidLayerSize rejects a layer too small to hold one slice per
	// hash round.
	ErrInvalidLayerSize = errors.New("bloom: layer size must exceed hash count")

	// ErrSliceTooLarge rejects a derived slice wider than the hash output
	// range.
	ErrSliceTooLarge = errors.New("bloom: slice size exceeds 32-bit hash offset range")
)

// Config holds the construction parameters for a new Filter.
type Config struct {
	// MaxFalsePositiveRate is the ceiling the filter stays under, in (0, 1].
	MaxFalsePositiveRate float64

	// NumHashes is the number of bit positions derived per token per layer.
	// Zero derives max(1, floor(log2(1/MaxFalsePositiveRate))).
	NumHashes int

	// LayerSize is the bit capacity of every layer. Zero applies
	// DefaultLayerSize. Must exceed NumHashes.
	LayerSize int

	// Hasher is the token hash function. Nil binds DefaultHasher (crc32).
	Hasher TokenHasher
}

// DefaultConfig returns the default configuration for new filters.
func DefaultConfig() Config {
	return Config{
		MaxFalsePositiveRate: DefaultErrorRate,
		LayerSize:            DefaultLayerSize,
	}
}

// Filter is a layered scalable Bloom filter. Construct with New; the zero
// value is not usable.
type Filter struct {
	maxRate   float64
	numHashes int
	layerSize int
	sliceSize int

	// layers is append-only and never empty. The last element is the active
	// layer accepting new insertions; earlier layers are sealed.
	layers []*BitArray

	totalBits uint64 // m: sum of all layer capacities
	setBits   uint64 // n: bits ever flipped 0 -> 1, never decremented

	hasher TokenHasher
}

// New validates cfg and constructs a filter with one empty layer. On any
// validation failure no filter is produced.
func New(cfg Config) (*Filter, error) {
	if cfg.MaxFalsePositiveRate <= 0 || cfg.MaxFalsePositiveRate > 1 {
		return nil, ErrInvalidRate
	}

	numHashes := cfg.NumHashes
	if numHashes == 0 {
		numHashes = deriveNumHashes(cfg.MaxFalsePositiveRate)
	}
	if numHashes < 1 {
		return nil, ErrInvalidNumHashes
	}

	layerSize := cfg.LayerSize
	if layerSize == 0 {
		layerSize = DefaultLayerSize
	}
	if layerSize <= numHashes {
		return nil, ErrInvalidLayerSize
	}

	sliceSize := int(math.Round(float64(layerSize) / float64(numHashes)))
	if sliceSize > maxHashOffset {
		return nil, ErrSliceTooLarge
	}

	hasher := cfg.Hasher
	if hasher == nil {
		hasher = DefaultHasher()
	}

	first, err := NewBitArray(layerSize)
	if err != nil {
		return nil, err
	}

	return &Filter{
		maxRate:   cfg.MaxFalsePositiveRate,
		numHashes: numHashes,
		layerSize: layerSize,
		sliceSize: sliceSize,
		layers:    []*BitArray{first},
		totalBits: uint64(layerSize),
		hasher:    hasher,
	}, nil
}

// deriveNumHashes computes the standard k for a target rate:
// max(1, floor(log2(1/rate))).
func deriveNumHashes(rate float64) int {
	k := int(math.Floor(math.Log2(1 / rate)))
	if k < 1 {
		k = 1
	}
	return k
}

// offsets derives the ordered bit positions for token, one per hash round.
// Round i hashes the decimal string of i prepended to the token, then folds
// the digest into slice i via (raw mod sliceSize) * i. Every offset is below
// sliceSize * numHashes, which never exceeds layerSize, so the bit array
// range checks can never fire from here.
func (f *Filter) offsets(token []byte) []int {
	offs := make([]int, f.numHashes)
	buf := make([]byte, 0, len(token)+2)
	for i := 1; i <= f.numHashes; i++ {
		buf = strconv.AppendInt(buf[:0], int64(i), 10)
		buf = append(buf, token...)
		raw := f.hasher.Sum32(buf)
		offs[i-1] = int(raw%uint32(f.sliceSize)) * i
	}
	return offs
}

// containsAll reports whether every offset is set in the given layer.
func containsAll(layer *BitArray, offs []int) bool {
	for _, off := range offs {
		if !layer.test(off) {
			return false
		}
	}
	return true
}

// Insert adds token to the filter. Only the active (last) layer is written;
// sealed layers are immutable. If the insertion changed state and pushed the
// estimated false positive rate past the ceiling, a new layer is appended
// before returning.
func (f *Filter) Insert(token []byte) {
	offs := f.offsets(token)
	active := f.layers[len(f.layers)-1]

	changed := false
	for _, off := range offs {
		if active.setIfUnset(off) {
			f.setBits++
			changed = true
		}
	}

	if changed {
		f.maybeGrow()
	}
}

// Exists reports whether token was probably inserted before. Layers are
// checked in insertion order; a layer in which all offsets are set is a full
// match and answers true immediately. Exists never mutates state.
func (f *Filter) Exists(token []byte) bool {
	offs := f.offsets(token)
	for _, layer := range f.layers {
		if containsAll(layer, offs) {
			return true
		}
	}
	return false
}

// ExistsOrInsert combines the membership check and the insertion, returning
// whether the token already existed.
//
// The check order is deliberately asymmetric and must not be "optimized":
// sealed layers are consulted for full matches only, and the active layer
// alone decides "already existed" (all offsets pre-set) while absorbing the
// writes. A partial match in a sealed layer contributes nothing; only a full
// match is high-confidence evidence of prior membership.
func (f *Filter) ExistsOrInsert(token []byte) bool {
	offs := f.offsets(token)

	last := len(f.layers) - 1
	for _, layer := range f.layers[:last] {
		if containsAll(layer, offs) {
			return true
		}
	}

	active := f.layers[last]
	exists := true
	changed := false
	for _, off := range offs {
		if active.setIfUnset(off) {
			f.setBits++
			exists = false
			changed = true
		}
	}

	if changed {
		f.maybeGrow()
	}
	return exists
}

// maybeGrow appends a fresh layer when the estimated false positive rate
// exceeds the ceiling. Called only after a state-changing insertion.
func (f *Filter) maybeGrow() {
	if f.FalsePositiveRate() <= f.maxRate {
		return
	}
	// NewBitArray cannot fail here: layerSize was validated at construction.
	layer, _ := NewBitArray(f.layerSize)
	f.layers = append(f.layers, layer)
	f.totalBits += uint64(f.layerSize)
}

// MaxFalsePositiveRate returns the configured ceiling.
func (f *Filter) MaxFalsePositiveRate() float64 { return f.maxRate }

// NumHashes returns the number of bit positions derived per token per layer.
func (f *Filter) NumHashes() int { return f.numHashes }

// LayerSize returns the bit capacity of every layer.
func (f *Filter) LayerSize() int { return f.layerSize }

// SliceSize returns the width of one hash round's slice of a layer.
func (f *Filter) SliceSize() int { return f.sliceSize }

// NumLayers returns the current length of the layer chain.
func (f *Filter) NumLayers() int { return len(f.layers) }

// Size returns m, the total bit capacity across all layers.
func (f *Filter) Size() uint64 { return f.totalBits }

// N returns n, the count of bits ever set across all layers.
func (f *Filter) N() uint64 { return f.setBits }

// Utilization returns n/m, the fraction of total bits set, in [0, 1].
func (f *Filter) Utilization() float64 {
	return float64(f.setBits) / float64(f.totalBits)
}

// Capacity returns the remaining headroom, 1 - Utilization.
func (f *Filter) Capacity() float64 {
	return 1 - f.Utilization()
}

// FalsePositiveRate returns the empirical estimate Utilization^NumHashes.
func (f *Filter) FalsePositiveRate() float64 {
	return math.Pow(f.Utilization(), float64(f.numHashes))
}

// Hasher returns the bound token hash function.
func (f *Filter) Hasher() TokenHasher { return f.hasher }
