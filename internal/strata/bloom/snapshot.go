// snapshot.go implements the binary export/import of a filter's complete
// state. A round-trip reproduces byte-identical layer contents and rebinds
// the same hash function, so a restored filter answers Exists identically to
// the original for every token.
//
// Data Layout
// ===========
//
// The snapshot is a single contiguous stream, little-endian throughout:
//
//	+-------+-----------------------------+--------+----------------+----------+
//	| Magic | Sizing Fields               | Hasher | Layers         | Checksum |
//	| SBF1  | rate,k,layer,slice,m,n      | name   | cap+words each | CRC64    |
//	+-------+-----------------------------+--------+----------------+----------+
//	  4B      8+4+8+8+8+8 B                 2B+var   variable          8B
//
// The CRC64 (ISO polynomial) covers every preceding byte, matching the
// journal checksum convention used by the strata server. Corruption anywhere
// in the stream is detected before a filter is handed back; no partially
// loaded filter ever escapes.
package bloom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"math"
)

// snapshotMagic identifies a serialized scalable Bloom filter.
const snapshotMagic = "SBF1"

// maxSnapshotLayers is a safety break against corrupted or hostile layer
// counts driving a huge allocation before the checksum is verified.
const maxSnapshotLayers = 1 << 20

var (
	// ErrBadSnapshot is wrapped by all structural decode failures.
	ErrBadSnapshot = errors.New("bloom: invalid snapshot")

	// ErrSnapshotChecksum reports a CRC64 mismatch.
	ErrSnapshotChecksum = errors.New("bloom: snapshot checksum mismatch")
)

// WriteSnapshot serializes the filter's complete state to w.
func (f *Filter) WriteSnapshot(w io.Writer) error {
	crc := crc64.New(crc64.MakeTable(crc64.ISO))

	// Every byte written to mw is simultaneously hashed, so the checksum
	// needs no second pass over the data.
	mw := io.MultiWriter(w, crc)

	if _, err := io.WriteString(mw, snapshotMagic); err != nil {
		return err
	}

	var scratch [8]byte
	writeU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:8], v)
		_, err := mw.Write(scratch[:8])
		return err
	}
	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, err := mw.Write(scratch[:4])
		return err
	}

	if err := writeU64(math.Float64bits(f.maxRate)); err != nil {
		return err
	}
	if err := writeU32(uint32(f.numHashes)); err != nil {
		return err
	}
	if err := writeU64(uint64(f.layerSize)); err != nil {
		return err
	}
	if err := writeU64(uint64(f.sliceSize)); err != nil {
		return err
	}
	if err := writeU64(f.totalBits); err != nil {
		return err
	}
	if err := writeU64(f.setBits); err != nil {
		return err
	}

	name := f.hasher.Name()
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(name)))
	if _, err := mw.Write(scratch[:2]); err != nil {
		return err
	}
	if _, err := io.WriteString(mw, name); err != nil {
		return err
	}

	if err := writeU32(uint32(len(f.layers))); err != nil {
		return err
	}

	for _, layer := range f.layers {
		if err := writeU64(uint64(layer.capacity)); err != nil {
			return err
		}
		if err := writeU32(uint32(len(layer.words))); err != nil {
			return err
		}
		for _, word := range layer.words {
			if err := writeU64(word); err != nil {
				return err
			}
		}
	}

	// The checksum goes straight to w: it must not hash itself.
	binary.LittleEndian.PutUint64(scratch[:8], crc.Sum64())
	_, err := w.Write(scratch[:8])
	return err
}

// Snapshot returns the filter's serialized state as a byte slice.
func (f *Filter) Snapshot() []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = f.WriteSnapshot(&buf)
	return buf.Bytes()
}

// ReadSnapshot reconstructs a filter from a stream produced by WriteSnapshot.
// It consumes exactly the snapshot bytes (including the trailing checksum)
// and leaves r positioned immediately after, which lets a caller embed
// snapshots back-to-back in a larger stream.
func ReadSnapshot(r io.Reader) (*Filter, error) {
	crc := crc64.New(crc64.MakeTable(crc64.ISO))

	magic := make([]byte, len(snapshotMagic))
	if err := readHashed(r, crc, magic); err != nil {
		return nil, fmt.Errorf("%w: short magic: %w", ErrBadSnapshot, err)
	}
	if string(magic) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadSnapshot, magic)
	}

	var scratch [8]byte
	readU64 := func() (uint64, error) {
		if err := readHashed(r, crc, scratch[:8]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(scratch[:8]), nil
	}
	readU32 := func() (uint32, error) {
		if err := readHashed(r, crc, scratch[:4]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(scratch[:4]), nil
	}

	rateBits, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}
	rate := math.Float64frombits(rateBits)

	numHashes32, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}
	layerSize64, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}
	sliceSize64, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}
	totalBits, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}
	setBits, err := readU64()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %w", ErrBadSnapshot, err)
	}

	if err := readHashed(r, crc, scratch[:2]); err != nil {
		return nil, fmt.Errorf("%w: truncated hasher name: %w", ErrBadSnapshot, err)
	}
	nameLen := binary.LittleEndian.Uint16(scratch[:2])
	nameBuf := make([]byte, nameLen)
	if err := readHashed(r, crc, nameBuf); err != nil {
		return nil, fmt.Errorf("%w: truncated hasher name: %w", ErrBadSnapshot, err)
	}
	hasher, err := HasherByName(string(nameBuf))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}

	numLayers, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated layer count: %w", ErrBadSnapshot, err)
	}

	// Re-run the construction validation before allocating anything. A
	// snapshot that would not pass New is not a filter.
	numHashes := int(numHashes32)
	layerSize := int(layerSize64)
	sliceSize := int(sliceSize64)
	switch {
	case rate <= 0 || rate > 1 || math.IsNaN(rate):
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, ErrInvalidRate)
	case numHashes < 1:
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, ErrInvalidNumHashes)
	case layerSize <= numHashes:
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, ErrInvalidLayerSize)
	case sliceSize < 1 || sliceSize > maxHashOffset:
		return nil, fmt.Errorf("%w: %w", ErrBadSnapshot, ErrSliceTooLarge)
	case numLayers < 1 || numLayers > maxSnapshotLayers:
		return nil, fmt.Errorf("%w: layer count %d out of range", ErrBadSnapshot, numLayers)
	case totalBits != uint64(numLayers)*uint64(layerSize):
		return nil, fmt.Errorf("%w: total bits %d inconsistent with %d layers of %d bits",
			ErrBadSnapshot, totalBits, numLayers, layerSize)
	case setBits > totalBits:
		return nil, fmt.Errorf("%w: set bits %d exceeds total bits %d", ErrBadSnapshot, setBits, totalBits)
	}

	wantWords := (layerSize + wordBits - 1) / wordBits
	layers := make([]*BitArray, 0, numLayers)
	popCount := 0

	for i := uint32(0); i < numLayers; i++ {
		capacity, err := readU64()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated layer %d: %w", ErrBadSnapshot, i, err)
		}
		if capacity != uint64(layerSize) {
			return nil, fmt.Errorf("%w: layer %d capacity %d != layer size %d",
				ErrBadSnapshot, i, capacity, layerSize)
		}

		wordCount, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated layer %d: %w", ErrBadSnapshot, i, err)
		}
		if int(wordCount) != wantWords {
			return nil, fmt.Errorf("%w: layer %d word count %d != expected %d",
				ErrBadSnapshot, i, wordCount, wantWords)
		}

		layer, err := NewBitArray(layerSize)
		if err != nil {
			return nil, err
		}
		for w := range layer.words {
			word, err := readU64()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated layer %d data: %w", ErrBadSnapshot, i, err)
			}
			layer.words[w] = word
		}
		popCount += layer.PopCount()
		layers = append(layers, layer)
	}

	// The filter never clears bits, so the stored n must equal the popcount
	// of the restored layers. A mismatch means the stream was tampered with
	// in a way the checksum happens to cover consistently, or written by a
	// buggy producer.
	if uint64(popCount) != setBits {
		return nil, fmt.Errorf("%w: set bit count %d does not match layer popcount %d",
			ErrBadSnapshot, setBits, popCount)
	}

	calculated := crc.Sum64()
	if _, err := io.ReadFull(r, scratch[:8]); err != nil {
		return nil, fmt.Errorf("%w: truncated checksum: %w", ErrBadSnapshot, err)
	}
	if binary.LittleEndian.Uint64(scratch[:8]) != calculated {
		return nil, ErrSnapshotChecksum
	}

	return &Filter{
		maxRate:   rate,
		numHashes: numHashes,
		layerSize: layerSize,
		sliceSize: sliceSize,
		layers:    layers,
		totalBits: totalBits,
		setBits:   setBits,
		hasher:    hasher,
	}, nil
}

// LoadSnapshot reconstructs a filter from an in-memory snapshot.
func LoadSnapshot(data []byte) (*Filter, error) {
	return ReadSnapshot(bytes.NewReader(data))
}

// readHashed fills buf from r and feeds the same bytes to h, keeping the
// running checksum in lockstep with the decode position.
func readHashed(r io.Reader, h hash.Hash64, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	_, _ = h.Write(buf)
	return nil
}
