// store.go implements the sharded in-memory filter store and its binary
// persistence format. This file is one half of the Strata persistence layer;
// the other half (persistence.go) orchestrates the interaction between this
// store and the append-only journal.
//
// The Store maps keys to live *bloom.Filter values. Unlike a byte-oriented
// cache, the values here are mutable structures: a write does not replace the
// value, it flips bits inside it. The locking contract below exists to make
// that safe.
//
// Sharding Strategy
// =================
//
// The store partitions keys across 256 independent shards, each with its own
// RWMutex. Two concurrent writes to different keys will typically hit
// different shards and proceed in parallel. 256 shards is a sweet spot—enough
// to virtually eliminate contention at typical workloads, but small enough to
// iterate quickly during snapshots.
//
// Keys are assigned to shards using FNV-1a hashing modulo 256. FNV-1a was
// chosen for its speed and reasonable distribution; cryptographic strength is
// not needed here.
//
// Locking Contract
// ================
//
// A bloom.Filter is not internally synchronized. The shard lock is what makes
// it safe to share:
//
//   - View runs its callback under the shard's read lock. The callback may
//     call Exists and the accessors, but must not mutate the filter.
//   - Mutate runs its callback under the shard's write lock. The callback may
//     call Insert and ExistsOrInsert freely.
//
// Because readers hold RLock and writers hold Lock on the same shard, a
// filter is never read while another goroutine is flipping its bits.
//
// The Binary Format (STR1)
// ========================
//
// Snapshots use a custom binary format optimized for raw loading speed.
//
// File Structure:
//
//	+--------+-----------+-----------+---------+     +-----+-----------+
//	| Header | Shard 0   | Shard 1   | Shard 2 | ... | EOF | Checksum  |
//	+--------+-----------+-----------+---------+     +-----+-----------+
//	 4 bytes   variable    variable    variable       1 B    8 bytes
//
// Header: A 4-byte magic string "STR1" for format identification.
//
// Shard Blocks: Each non-empty shard is written as a block:
//
//	+--------+----------+-------+-------+-------+-------+----------+-----+
//	| OpCode | Shard ID | Count | KLen  | Key   | VLen  | Snapshot | ... |
//	+--------+----------+-------+-------+-------+-------+----------+-----+
//	  1 byte   1 byte    4 bytes 4 bytes  var    4 bytes  var
//
//	OpCode:   0xFE indicates a shard block follows.
//	Shard ID: The index (0-255) for direct array placement on load.
//	Count:    Number of filters in this block.
//	KLen/VLen: Little-endian uint32 length prefixes.
//	Snapshot: The filter's self-contained snapshot encoding, carrying its
//	          own magic, sizing parameters, layer data, and checksum.
//
// EOF Marker: A single byte 0xFF signals the end of binary data. This is
// critical for hybrid journal files where text commands follow the binary
// section.
//
// Checksum: A 64-bit CRC (ISO polynomial) computed over all preceding bytes
// (Header + Shard Blocks + EOF). Together with the per-filter checksums this
// detects corruption from partial writes or disk errors.
//
// Zero-Rehash Loading
// ===================
//
// Since STR1 explicitly stores the shard ID with each block, the loader can
// bypass key hashing entirely and insert directly into the destination shard.
//
// Clone-then-Write Snapshots
// ==========================
//
// To avoid stop-the-world pauses during persistence, SaveSnapshotToWriter
// iterates through shards sequentially, acquiring a read lock only long
// enough to serialize that shard's filters into a RAM buffer. The lock is
// released before the slow I/O begins, so the server remains fully responsive
// on 255 out of 256 shards at any given moment.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"hash/fnv"
	"io"
	"sync"

	"strata.lopezb.com/internal/strata/bloom"
)

const persistenceMagic = "STR1"

// shardCount determines how many independent maps we maintain.
// 256 is a sweet spot: enough to reduce contention significantly,
// but small enough to iterate quickly during snapshots.
const shardCount = 256

// Opcodes for the binary snapshot format.
// These markers allow us to parse the binary stream without relying on
// file size or EOF, which is critical for the hybrid journal (where text
// follows binary).
const (
	OpCodeShardData = 0xFE
	OpCodeEOF       = 0xFF
)

// Shard represents a single slice of the keyspace.
// It has its own lock, meaning locking this shard does NOT block others.
type Shard struct {
	mu      sync.RWMutex
	filters map[string]*bloom.Filter
}

// Store holds the array of shards.
// It acts as the router, directing keys to the correct shard.
type Store struct {
	shards [shardCount]*Shard
}

// NewStore creates and initializes the sharded store.
func NewStore() *Store {
	s := &Store{}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &Shard{
			filters: make(map[string]*bloom.Filter),
		}
	}

	return s
}

// getShardIndex computes the FNV-1a hash of the key and modulo it
// by the shard count to find the correct bucket.
func (s *Store) getShardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// getShard returns the specific pointer to the Shard responsible for the key.
func (s *Store) getShard(key string) *Shard {
	return s.shards[s.getShardIndex(key)]
}

// View executes a read-only callback while holding the shard's read lock.
// The callback receives the live filter (or nil if the key doesn't exist)
// and must not mutate it. Multiple Views on the same shard run in parallel.
func (s *Store) View(key string, fn func(f *bloom.Filter) error) error {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	return fn(shard.filters[key]) // nil if not exists
}

// Mutate atomically reads, modifies, and updates a filter using a callback.
func (s *Store) Mutate(key string, fn func(f *bloom.Filter) (*bloom.Filter, bool)) {
	//
	// DESIGN
	// ------
	//
	// This method implements a Read-Modify-Write (RMW) primitive. A filter
	// insert is not an atomic value swap: it reads the active layer, flips
	// bits, and possibly appends a new layer. All of that must happen under
	// the exclusive shard lock, or a concurrent Exists could observe a layer
	// slice mid-append.
	//
	// The callback receives the current filter (or nil if the key doesn't
	// exist) and returns the filter to store along with a boolean indicating
	// whether the map entry should be updated. Returning the same pointer
	// with true is the common case for auto-create; returning false leaves
	// the map untouched (mutations to an existing filter are visible without
	// a map write since the value is a pointer).
	//

	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	current := shard.filters[key]
	replacement, update := fn(current)

	if update {
		shard.filters[key] = replacement
	}
}

// Create stores a fresh filter under the key, failing if the key is taken.
// Returns false if a filter already exists (the existing one is untouched).
func (s *Store) Create(key string, f *bloom.Filter) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.filters[key]; exists {
		return false
	}
	shard.filters[key] = f
	return true
}

// Delete removes a key from the correct shard.
// Returns true if the key existed and was deleted.
func (s *Store) Delete(key string) bool {
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	_, ok := shard.filters[key]
	if ok {
		delete(shard.filters, key)
	}
	return ok
}

// Exists checks if a key exists.
func (s *Store) Exists(key string) bool {
	shard := s.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	_, exists := shard.filters[key]
	return exists
}

// Len returns the total number of filters across all shards.
func (s *Store) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.filters)
		shard.mu.RUnlock()
	}
	return total
}

// SaveSnapshotToWriter serializes the entire in-memory state to an io.Writer
// in the STR1 binary format. This is the core persistence primitive used by
// both standalone snapshots and the hybrid journal compaction process.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// This method implements the "Clone-then-Write" strategy to minimize the
	// impact on server responsiveness during persistence. For each shard
	// (0 to 255):
	//
	//   - Acquire a read lock on just that shard.
	//   - Serialize its filters into a RAM buffer (memory-bound). Filter
	//     serialization must happen under the lock: a concurrent insert
	//     would otherwise race the layer walk.
	//   - Release the lock immediately.
	//   - Write the RAM buffer to the destination (I/O-bound, no locks held).
	//
	// The output stream is wrapped in a MultiWriter that simultaneously feeds
	// data to both the destination and a CRC64 hasher. This avoids a second
	// pass over the data to calculate the checksum.
	//
	crcTable := crc64.MakeTable(crc64.ISO)
	checksumCalculator := crc64.New(crcTable)

	// We wrap the writer so every byte written is also hashed.
	multiWriter := io.MultiWriter(w, checksumCalculator)
	bw := bufio.NewWriter(multiWriter)

	if _, err := bw.WriteString(persistenceMagic); err != nil {
		return err
	}

	// We reuse these buffers across shards to reduce GC pressure.
	shardBuf := new(bytes.Buffer)
	lenBuf := make([]byte, 4)

	for i := 0; i < shardCount; i++ {
		shard := s.shards[i]

		// Critical Section: Fast Memory Serialization
		shard.mu.RLock()
		count := len(shard.filters)
		if count == 0 {
			shard.mu.RUnlock()
			continue
		}

		shardBuf.Reset()

		// Write Block Header: OpCode + ShardID
		shardBuf.WriteByte(OpCodeShardData)
		shardBuf.WriteByte(byte(i))

		binary.LittleEndian.PutUint32(lenBuf, uint32(count))
		shardBuf.Write(lenBuf)

		for k, f := range shard.filters {
			// Key
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(k)))
			shardBuf.Write(lenBuf)
			shardBuf.WriteString(k)
			// Value: the filter's self-contained snapshot encoding.
			snap := f.Snapshot()
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(snap)))
			shardBuf.Write(lenBuf)
			shardBuf.Write(snap)
		}
		shard.mu.RUnlock()

		// IO Section: Write to Output
		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	// Write EOF Marker
	// This tells the reader "The binary data ends here".
	if err := bw.WriteByte(OpCodeEOF); err != nil {
		return err
	}

	// Flush the buffer to ensure all data (including EOF) is in the hasher.
	if err := bw.Flush(); err != nil {
		return err
	}

	// Write Checksum
	// We write this directly to the underlying writer because we don't want
	// to hash the checksum itself.
	if err := binary.Write(w, binary.LittleEndian, checksumCalculator.Sum64()); err != nil {
		return err
	}

	return nil
}

// LoadSnapshotFromReader restores the in-memory state from a buffered reader
// containing STR1 binary data. This method is designed specifically for
// hybrid journal loading: it consumes exactly the binary preamble (header +
// shard blocks + EOF marker + checksum) and stops, leaving the reader
// positioned at the first byte of any subsequent text data.
//
// The caller must provide a buffered reader; this method uses ReadByte
// operations that require buffering support.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	//
	// DESIGN
	// ------
	//
	// This loader implements the "Zero-Rehash" optimization: STR1 stores the
	// shard ID with each block, so we insert directly into s.shards[shardID]
	// and never hash a key. This is safe because the snapshot was written by
	// SaveSnapshotToWriter, which placed each key in the correct shard. The
	// only risk is file corruption, which the CRC64 checksum detects.
	//
	// Each filter value is decoded through the filter's own loader, which
	// re-validates sizing parameters and verifies the per-filter checksum.
	// A corrupt filter therefore fails fast here rather than producing a
	// structurally broken in-memory object.
	//
	header := make([]byte, len(persistenceMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if string(header) != persistenceMagic {
		return errors.New("invalid snapshot header")
	}

	crcTable := crc64.MakeTable(crc64.ISO)
	hasher := crc64.New(crcTable)
	hasher.Write(header)

	lenBuf := make([]byte, 4)
	keyScratchBuf := make([]byte, 256) // Reuse buffer to reduce allocs

	for {
		opcodeByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{opcodeByte})

		// Stop condition: End of Binary Section
		if opcodeByte == OpCodeEOF {
			break
		}

		if opcodeByte != OpCodeShardData {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", opcodeByte)
		}

		// Read Shard ID
		shardIDByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		hasher.Write([]byte{shardIDByte})

		shard := s.shards[int(shardIDByte)]

		// Read Filter Count
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return err
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		for i := uint32(0); i < count; i++ {
			// Key Length
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			kLen := binary.LittleEndian.Uint32(lenBuf)

			// Key Data
			if uint32(cap(keyScratchBuf)) < kLen {
				keyScratchBuf = make([]byte, kLen)
			}
			keySlice := keyScratchBuf[:kLen]

			if _, err := io.ReadFull(r, keySlice); err != nil {
				return err
			}
			hasher.Write(keySlice)
			key := string(keySlice)

			// Value Length
			if _, err := io.ReadFull(r, lenBuf); err != nil {
				return err
			}
			hasher.Write(lenBuf)
			vLen := binary.LittleEndian.Uint32(lenBuf)

			// Value Data
			valBuf := make([]byte, vLen)
			if _, err := io.ReadFull(r, valBuf); err != nil {
				return err
			}
			hasher.Write(valBuf)

			f, err := bloom.LoadSnapshot(valBuf)
			if err != nil {
				return fmt.Errorf("corrupt filter for key %q: %w", key, err)
			}

			// Direct Insertion (Zero-Rehash)
			shard.filters[key] = f
		}
	}

	// Verify Checksum
	// We read the 8-byte checksum from the stream and compare it against
	// what we calculated during the read.
	storedChecksumBytes := make([]byte, 8)
	if _, err := io.ReadFull(r, storedChecksumBytes); err != nil {
		return err
	}

	storedChecksum := binary.LittleEndian.Uint64(storedChecksumBytes)
	calculatedChecksum := hasher.Sum64()

	if storedChecksum != calculatedChecksum {
		return errors.New("snapshot corruption: checksum mismatch")
	}

	return nil
}
