// strata-check is a diagnostic tool for inspecting and validating Strata
// journal files. It performs a streaming verification of the binary preamble,
// checking structural integrity and the CRC64 checksum without loading data
// into memory.
//
// This tool is the first line of defense when troubleshooting persistence
// issues. It can answer questions like:
//
//   - Is the journal file corrupted?
//   - How many filters are stored in each shard?
//   - How full is each filter (layers, recorded bits, hasher)?
//   - Is there a text tail (Hybrid mode) after the binary section?
//
// Usage Examples
// ==============
//
// Basic validation (just checks structure and checksum):
//
//	strata-check -file journal.aof
//
// Verbose mode (lists all keys with their filter geometry):
//
//	strata-check -file journal.aof -v
//
// Dump mode (shows raw snapshot bytes, useful for debugging):
//
//	strata-check -file journal.aof -dump
//
// Exit Codes
// ==========
//
// 0: The file is valid.
// 1: The file is corrupted or unreadable (checksum mismatch, truncated, etc.)
//
// Hybrid AOF Support
// ==================
//
// This tool validates only the binary preamble portion of a hybrid journal.
// If text commands follow the checksum (the "tail"), we detect their presence
// and report it, but we don't parse or validate the RESP data.

package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"hash/crc64"
	"io"
	"math"
	"os"
	"time"
)

const (
	persistenceMagic = "STR1"
	OpCodeShardData  = 0xFE
	OpCodeEOF        = 0xFF
)

// CountReader wraps an io.Reader to track the cumulative byte offset. This is
// used to report the exact file position in error messages, helping users
// pinpoint corruption locations for manual repair or forensic analysis.
type CountReader struct {
	r     io.Reader
	count int64
}

// Read implements io.Reader, passing through to the underlying reader while
// accumulating the byte count.
func (cr *CountReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// ReadByte implements io.ByteReader. This is required because bufio.Reader
// uses ByteReader for single-byte reads when available, and we need to count
// those bytes too.
func (cr *CountReader) ReadByte() (byte, error) {
	var buf [1]byte
	n, err := cr.r.Read(buf[:])
	cr.count += int64(n)
	return buf[0], err
}

func main() {
	filePath := flag.String("file", "journal.aof", "Path to the AOF/Snapshot file")
	verbose := flag.Bool("v", false, "Verbose mode (print keys with filter geometry)")
	dump := flag.Bool("dump", false, "Show values (prints raw snapshot bytes as quoted strings)")
	flag.Parse()

	f, err := os.Open(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] Cannot open file: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()

	fmt.Printf("[offset 0] Checking Strata file %s\n", *filePath)

	// Pipeline: File -> CountReader -> Bufio
	// We verify the hash of the BINARY section manually.

	crcTable := crc64.MakeTable(crc64.ISO)
	hasher := crc64.New(crcTable)

	// Track offset for logging
	counter := &CountReader{r: f}

	// Buffer for performance
	reader := bufio.NewReader(counter)

	// Start by verifying the magic header bytes.
	header := make([]byte, len(persistenceMagic))
	if _, err := io.ReadFull(reader, header); err != nil {
		die(counter.count, "Failed to read header", err)
	}
	if string(header) != persistenceMagic {
		die(counter.count, fmt.Sprintf("Invalid Magic Header: expected '%s', got '%s'", persistenceMagic, header), nil)
	}
	hasher.Write(header) // Hash Header

	// Now iterate through shard blocks until we hit the EOF marker.
	lenBuf := make([]byte, 4)
	totalFilters := 0
	var totalLayers, totalSetBits uint64
	start := time.Now()
	badSnapshots := 0

	for {
		// Each block starts with an opcode byte.
		opcode, err := reader.ReadByte()
		if err != nil {
			die(counter.count, "Failed reading Opcode", err)
		}
		hasher.Write([]byte{opcode})

		// The EOF marker signals the end of the binary section.
		if opcode == OpCodeEOF {
			break
		}

		// Any other opcode besides ShardData indicates corruption.
		if opcode != OpCodeShardData {
			die(counter.count, fmt.Sprintf("Unexpected Opcode: %x", opcode), nil)
		}

		// Read which shard this block belongs to.
		shardIDByte, err := reader.ReadByte()
		if err != nil {
			die(counter.count, "Failed reading Shard ID", err)
		}
		hasher.Write([]byte{shardIDByte})
		shardID := int(shardIDByte)

		// Read how many filters are in this shard block.
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			die(counter.count, "Failed reading filter count", err)
		}
		hasher.Write(lenBuf)
		count := binary.LittleEndian.Uint32(lenBuf)

		if count > 0 {
			fmt.Printf("[offset %d] Processing Shard %d: %d filters\n", counter.count, shardID, count)
		}

		// Process each key-snapshot pair in this shard.
		for i := uint32(0); i < count; i++ {
			// Key: length prefix followed by raw bytes.
			if _, err := io.ReadFull(reader, lenBuf); err != nil {
				die(counter.count, "Truncated key len", err)
			}
			hasher.Write(lenBuf)
			kLen := binary.LittleEndian.Uint32(lenBuf)

			keyBuf := make([]byte, kLen)
			if _, err := io.ReadFull(reader, keyBuf); err != nil {
				die(counter.count, "Truncated key data", err)
			}
			hasher.Write(keyBuf)

			// Value: same structure as key.
			if _, err := io.ReadFull(reader, lenBuf); err != nil {
				die(counter.count, "Truncated snapshot len", err)
			}
			hasher.Write(lenBuf)
			vLen := binary.LittleEndian.Uint32(lenBuf)

			valBuf := make([]byte, vLen)
			if _, err := io.ReadFull(reader, valBuf); err != nil {
				die(counter.count, "Truncated snapshot data", err)
			}
			hasher.Write(valBuf)

			totalFilters++

			info, ok := inspectSnapshot(valBuf)
			if !ok {
				badSnapshots++
				fmt.Printf("[offset %d] Key '%s' [MALFORMED SNAPSHOT]\n", counter.count, string(keyBuf))
			} else {
				totalLayers += uint64(info.numLayers)
				totalSetBits += info.setBits

				if *verbose || *dump {
					fmt.Printf("[offset %d] Key '%s' [Filter] (%s)\n", counter.count, string(keyBuf), info)
				}
			}

			if *dump {
				fmt.Printf("      Value: %q\n", valBuf)
			}
		}
	}

	// The checksum follows immediately after the EOF marker. Since we've been
	// feeding every byte to the hasher, we can now compare against the stored value.
	calculatedChecksum := hasher.Sum64()

	storedChecksumBytes := make([]byte, 8)
	if _, err := io.ReadFull(reader, storedChecksumBytes); err != nil {
		die(counter.count, "Failed to read checksum", err)
	}
	storedChecksum := binary.LittleEndian.Uint64(storedChecksumBytes)

	if storedChecksum != calculatedChecksum {
		fmt.Printf("[offset %d] Checksum MISMATCH\n", counter.count)
		fmt.Printf("   File:       %016x\n", storedChecksum)
		fmt.Printf("   Calculated: %016x\n", calculatedChecksum)
		os.Exit(1)
	}

	fmt.Printf("[offset %d] Checksum OK (%016x)\n", counter.count, storedChecksum)
	fmt.Printf("[offset %d] Binary Snapshot looks OK\n", counter.count)

	// Check if there's any data after the checksum. In Hybrid mode, RESP text
	// commands follow the binary section.
	_, err = reader.Peek(1)
	if err == nil {
		fmt.Printf("[offset %d] Found AOF Text Tail (Hybrid Mode)\n", counter.count)
		fmt.Println("             (Text data verification is skipped by this tool)")
	} else if err != io.EOF {
		fmt.Printf("[warn] Error checking for tail: %v\n", err)
	}

	fmt.Println("\nSummary:")
	fmt.Printf("  Process Time:  %v\n", time.Since(start))
	fmt.Printf("  Total Filters: %d\n", totalFilters)
	fmt.Printf("  Total Layers:  %d\n", totalLayers)
	fmt.Printf("  Recorded Bits: %d\n", totalSetBits)

	if badSnapshots > 0 {
		fmt.Printf("  MALFORMED:     %d\n", badSnapshots)
		os.Exit(1)
	}
}

// Filter snapshot magic ("SBF1" at offset 0).
const snapshotMagic = "SBF1"

// snapshotInfo holds the header fields of a serialized filter.
//
// Header layout (little-endian):
//
//	Magic(4) + Rate(8, float64 bits) + NumHashes(4) + LayerSize(8) +
//	SliceSize(8) + TotalBits(8) + SetBits(8) + NameLen(2) + Name(var) +
//	NumLayers(4)
type snapshotInfo struct {
	rate      float64
	numHashes uint32
	layerSize uint64
	setBits   uint64
	numLayers uint32
	hasher    string
}

func (si snapshotInfo) String() string {
	return fmt.Sprintf("Rate:%g, K:%d, LayerSize:%d, Layers:%d, SetBits:%d, Hasher:%s",
		si.rate, si.numHashes, si.layerSize, si.numLayers, si.setBits, si.hasher)
}

// inspectSnapshot parses the fixed header of a serialized filter without
// decoding the layer payloads. The per-filter CRC is not re-verified here;
// the store loader does that on startup. This is a structural peek only.
func inspectSnapshot(data []byte) (snapshotInfo, bool) {
	var si snapshotInfo

	// Magic(4) through SetBits ends at byte 48; NameLen adds 2 more.
	if len(data) < 50 || string(data[0:4]) != snapshotMagic {
		return si, false
	}

	si.rate = math.Float64frombits(binary.LittleEndian.Uint64(data[4:12]))
	si.numHashes = binary.LittleEndian.Uint32(data[12:16])
	si.layerSize = binary.LittleEndian.Uint64(data[16:24])
	// SliceSize (24:32) and TotalBits (32:40) are derivable; skip them in the report.
	si.setBits = binary.LittleEndian.Uint64(data[40:48])

	nameLen := int(binary.LittleEndian.Uint16(data[48:50]))
	if len(data) < 50+nameLen+4 {
		return si, false
	}
	si.hasher = string(data[50 : 50+nameLen])
	si.numLayers = binary.LittleEndian.Uint32(data[50+nameLen : 50+nameLen+4])

	return si, true
}

// die prints a fatal error message with the current file offset and exits.
// The offset helps users locate the exact byte position of corruption.
func die(offset int64, msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "[offset %d] Fatal: %s: %v\n", offset, msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "[offset %d] Fatal: %s\n", offset, msg)
	}
	os.Exit(1)
}
