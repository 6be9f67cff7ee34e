package main

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"strata.lopezb.com/internal/strata/bloom"
)

// TestAOFLog verifies that the logCommand helper writes correct RESP format.
func TestAOFLog(t *testing.T) {
	filename := "test_journal.aof"
	defer func() { _ = os.Remove(filename) }()

	aof, err := NewAOF(filename)
	if err != nil {
		t.Fatalf("failed to create AOF: %v", err)
	}

	app := &application{aof: aof}

	// Log a command
	app.logCommand("SBF.ADD", []string{"seen", "foo"})

	// Close to flush the buffer to disk
	_ = aof.Close()

	// Read file content
	content, _ := os.ReadFile(filename)

	expected := "*3\r\n$7\r\nSBF.ADD\r\n$4\r\nseen\r\n$3\r\nfoo\r\n"

	if string(content) != expected {
		t.Errorf("AOF content mismatch.\nGot: %q\nWant: %q", string(content), expected)
	}
}

// TestAOFReplay verifies text-only AOF loading.
func TestAOFReplay(t *testing.T) {
	filename := "test_replay.aof"
	defer func() { _ = os.Remove(filename) }()

	// 1. Create a text-based AOF: a reserve followed by two adds.
	var content bytes.Buffer
	content.Write(encodeCommand("SBF.RESERVE", []string{"replay_key", "0.01", "1024", "4", "crc32"}))
	content.Write(encodeCommand("SBF.ADD", []string{"replay_key", "foo"}))
	content.Write(encodeCommand("SBF.ADD", []string{"replay_key", "bar"}))

	if err := os.WriteFile(filename, content.Bytes(), 0o666); err != nil {
		t.Fatalf("failed to write dummy AOF: %v", err)
	}

	// 2. Setup App
	app := newTestApp(t)
	app.config.aofFilename = filename

	// 3. Action
	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed: %v", err)
	}

	// 4. Verify
	err := app.store.View("replay_key", func(f *bloom.Filter) error {
		if f == nil {
			t.Fatal("key not found in store after text replay")
		}
		if f.NumHashes() != 4 || f.LayerSize() != 1024 {
			t.Errorf("replayed filter has wrong geometry: k=%d m=%d", f.NumHashes(), f.LayerSize())
		}
		if !f.Exists([]byte("foo")) || !f.Exists([]byte("bar")) {
			t.Error("replayed filter lost tokens")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

// TestHybridAOFLoading verifies the smart loader (binary preamble + text tail).
func TestHybridAOFLoading(t *testing.T) {
	filename := "test_hybrid.aof"
	defer func() { _ = os.Remove(filename) }()

	// 1. Build the binary preamble from a populated store.
	seedStore := NewStore()
	seedStore.Create("snap_key", newTestFilter(t, "from-snapshot"))

	var file bytes.Buffer
	if err := seedStore.SaveSnapshotToWriter(&file); err != nil {
		t.Fatalf("SaveSnapshotToWriter failed: %v", err)
	}

	// 2. Append a text tail with commands that arrived after the snapshot.
	file.Write(encodeCommand("SBF.ADD", []string{"snap_key", "from-tail"}))

	if err := os.WriteFile(filename, file.Bytes(), 0o666); err != nil {
		t.Fatalf("failed to write hybrid AOF: %v", err)
	}

	// 3. Load it.
	app := newTestApp(t)
	app.config.aofFilename = filename

	if err := app.loadAOF(); err != nil {
		t.Fatalf("loadAOF failed: %v", err)
	}

	// 4. Both the snapshot data and the replayed tail must be present.
	_ = app.store.View("snap_key", func(f *bloom.Filter) error {
		if f == nil {
			t.Fatal("snapshot key missing after hybrid load")
		}
		if !f.Exists([]byte("from-snapshot")) {
			t.Error("token from the binary preamble was lost")
		}
		if !f.Exists([]byte("from-tail")) {
			t.Error("token from the text tail was not replayed")
		}
		return nil
	})
}

// TestTruncatedAOFRecovery verifies the crash-recovery path: a half-written
// last command is tolerated when -aof-load-truncated is enabled.
func TestTruncatedAOFRecovery(t *testing.T) {
	filename := "test_truncated.aof"
	defer func() { _ = os.Remove(filename) }()

	var content bytes.Buffer
	content.Write(encodeCommand("SBF.ADD", []string{"seen", "complete"}))
	full := encodeCommand("SBF.ADD", []string{"seen", "half-written"})
	content.Write(full[:len(full)-7]) // Simulate a crash mid-write

	if err := os.WriteFile(filename, content.Bytes(), 0o666); err != nil {
		t.Fatalf("failed to write truncated AOF: %v", err)
	}

	t.Run("recovery enabled", func(t *testing.T) {
		app := newTestApp(t)
		app.config.aofFilename = filename
		app.config.aofLoadTruncated = true

		if err := app.loadAOF(); err != nil {
			t.Fatalf("loadAOF should tolerate a truncated tail: %v", err)
		}
		if !app.needsCompaction {
			t.Error("truncation recovery should schedule a compaction")
		}

		_ = app.store.View("seen", func(f *bloom.Filter) error {
			if f == nil || !f.Exists([]byte("complete")) {
				t.Error("complete command before the truncation was lost")
			}
			return nil
		})
	})

	t.Run("strict mode", func(t *testing.T) {
		app := newTestApp(t)
		app.config.aofFilename = filename
		app.config.aofLoadTruncated = false

		if err := app.loadAOF(); err == nil {
			t.Fatal("strict mode should reject a truncated AOF")
		}
	})
}

// TestCompactAOFRoundTrip verifies that compaction collapses the text tail
// into a binary preamble without losing state.
func TestCompactAOFRoundTrip(t *testing.T) {
	filename := "test_compact_roundtrip.aof"
	defer func() {
		_ = os.Remove(filename)
		_ = os.Remove(filename + ".tmp")
	}()

	// 1. Build an app with an AOF full of text commands.
	app := newTestApp(t)
	app.config.aofFilename = filename

	var err error
	app.aof, err = NewAOF(filename)
	if err != nil {
		t.Fatal(err)
	}

	app.store.Mutate("seen", func(f *bloom.Filter) (*bloom.Filter, bool) {
		nf, err := bloom.New(app.filterConfig)
		if err != nil {
			t.Fatalf("filter create failed: %v", err)
		}
		for i := 0; i < 300; i++ {
			nf.Insert([]byte(fmt.Sprintf("token-%d", i)))
		}
		return nf, true
	})
	for i := 0; i < 300; i++ {
		app.logCommand("SBF.ADD", []string{"seen", fmt.Sprintf("token-%d", i)})
	}

	// 2. Compact.
	if err := app.CompactAOF(); err != nil {
		t.Fatalf("CompactAOF failed: %v", err)
	}
	_ = app.aof.Close()

	// 3. The compacted file must start with the binary magic.
	content, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) < 4 || string(content[:4]) != persistenceMagic {
		t.Fatalf("compacted AOF does not start with %q", persistenceMagic)
	}

	// 4. A fresh app loading the compacted file sees the same state.
	fresh := newTestApp(t)
	fresh.config.aofFilename = filename
	if err := fresh.loadAOF(); err != nil {
		t.Fatalf("loadAOF of compacted file failed: %v", err)
	}

	_ = fresh.store.View("seen", func(f *bloom.Filter) error {
		if f == nil {
			t.Fatal("key missing after compaction round trip")
		}
		for i := 0; i < 300; i++ {
			if !f.Exists([]byte(fmt.Sprintf("token-%d", i))) {
				t.Errorf("token-%d lost across compaction", i)
			}
		}
		return nil
	})
}

// TestReplayRebuildsIdenticalFilter verifies the determinism contract: a
// reserve plus the same adds in the same order reproduce a byte-identical
// snapshot.
func TestReplayRebuildsIdenticalFilter(t *testing.T) {
	build := func() []byte {
		f, err := bloom.New(bloom.Config{
			MaxFalsePositiveRate: 0.01,
			NumHashes:            4,
			LayerSize:            512,
		})
		if err != nil {
			t.Fatalf("filter create failed: %v", err)
		}
		for i := 0; i < 800; i++ {
			f.ExistsOrInsert([]byte(fmt.Sprintf("token-%d", i)))
		}
		return f.Snapshot()
	}

	first := build()
	second := build()

	if !bytes.Equal(first, second) {
		t.Error("identical command sequences must produce identical snapshots")
	}

	// And the snapshot survives a store-level round trip unchanged.
	restored, err := bloom.LoadSnapshot(first)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if !bytes.Equal(first, restored.Snapshot()) {
		t.Error("snapshot changed across a load/export cycle")
	}
}
