package bloom

import (
	"fmt"
	"hash/crc32"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// TokenHasher maps an arbitrary token to a 32-bit digest. Implementations
// must be pure and stateless: the filter may call Sum32 from its read path
// while the caller holds only a shared lock, so a hasher that mutated
// internal state would race.
//
// Name returns a stable identifier recorded in snapshots, so that an
// imported filter is rebound to the exact hash function that produced its
// bit positions. Loading a snapshot with a different hasher would silently
// break the no-false-negative guarantee.
type TokenHasher interface {
	Sum32(token []byte) uint32
	Name() string
}

// Hasher names understood by HasherByName and recorded in snapshots.
const (
	HasherCRC32    = "crc32"
	HasherFNV32a   = "fnv32a"
	HasherMurmur3  = "murmur3"
	HasherXXHash32 = "xxhash32"
)

// crc32Hasher is the default: the IEEE CRC-32 checksum. It is fast and
// universally available, but it is a checksum, not a mixing hash; callers
// with adversarial or highly structured tokens should prefer murmur3.
type crc32Hasher struct{}

func (crc32Hasher) Sum32(token []byte) uint32 { return crc32.ChecksumIEEE(token) }
func (crc32Hasher) Name() string              { return HasherCRC32 }

type fnv32aHasher struct{}

func (fnv32aHasher) Sum32(token []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(token)
	return h.Sum32()
}
func (fnv32aHasher) Name() string { return HasherFNV32a }

// murmur3Hasher is the collision-resistant alternative for callers trading a
// few cycles for distribution quality.
type murmur3Hasher struct{}

func (murmur3Hasher) Sum32(token []byte) uint32 { return murmur3.Sum32(token) }
func (murmur3Hasher) Name() string              { return HasherMurmur3 }

// xxhash32Hasher keeps the low 32 bits of xxHash64. The filter's offset
// arithmetic works in 32-bit space, so the top half is discarded.
type xxhash32Hasher struct{}

func (xxhash32Hasher) Sum32(token []byte) uint32 { return uint32(xxhash.Sum64(token)) }
func (xxhash32Hasher) Name() string              { return HasherXXHash32 }

// DefaultHasher returns the hasher bound when a Config leaves Hasher nil.
func DefaultHasher() TokenHasher {
	return crc32Hasher{}
}

// HasherByName resolves a hasher identifier to its implementation. Snapshot
// loading and server configuration both go through here.
func HasherByName(name string) (TokenHasher, error) {
	switch name {
	case HasherCRC32:
		return crc32Hasher{}, nil
	case HasherFNV32a:
		return fnv32aHasher{}, nil
	case HasherMurmur3:
		return murmur3Hasher{}, nil
	case HasherXXHash32:
		return xxhash32Hasher{}, nil
	}
	return nil, fmt.Errorf("bloom: unknown hasher %q", name)
}
