package main

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
	"testing"

	"strata.lopezb.com/internal/strata/bloom"
)

func newTestFilter(t *testing.T, tokens ...string) *bloom.Filter {
	t.Helper()

	f, err := bloom.New(bloom.Config{
		MaxFalsePositiveRate: 0.01,
		NumHashes:            4,
		LayerSize:            1024,
	})
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}
	for _, token := range tokens {
		f.Insert([]byte(token))
	}
	return f
}

func TestStoreCreateAndView(t *testing.T) {
	store := NewStore()

	if !store.Create("seen", newTestFilter(t, "foo")) {
		t.Fatal("Create on a fresh key should succeed")
	}
	if store.Create("seen", newTestFilter(t)) {
		t.Error("Create on a taken key should fail")
	}

	err := store.View("seen", func(f *bloom.Filter) error {
		if f == nil {
			t.Fatal("expected a filter for key 'seen'")
		}
		if !f.Exists([]byte("foo")) {
			t.Error("filter lost its token")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	// View on a missing key passes nil to the callback.
	_ = store.View("missing", func(f *bloom.Filter) error {
		if f != nil {
			t.Error("expected nil filter for missing key")
		}
		return nil
	})
}

func TestStoreMutateAutoCreate(t *testing.T) {
	store := NewStore()

	store.Mutate("seen", func(f *bloom.Filter) (*bloom.Filter, bool) {
		if f != nil {
			t.Fatal("expected nil filter on first Mutate")
		}
		fresh := newTestFilter(t, "foo")
		return fresh, true
	})

	// A second Mutate sees the created filter; pointer mutation needs no
	// map update.
	store.Mutate("seen", func(f *bloom.Filter) (*bloom.Filter, bool) {
		if f == nil {
			t.Fatal("expected filter created by previous Mutate")
		}
		f.Insert([]byte("bar"))
		return f, false
	})

	_ = store.View("seen", func(f *bloom.Filter) error {
		if !f.Exists([]byte("foo")) || !f.Exists([]byte("bar")) {
			t.Error("mutations were lost")
		}
		return nil
	})
}

func TestStoreDeleteAndLen(t *testing.T) {
	store := NewStore()

	for i := 0; i < 50; i++ {
		store.Create(fmt.Sprintf("key-%d", i), newTestFilter(t))
	}

	if got := store.Len(); got != 50 {
		t.Errorf("Len: got %d, want 50", got)
	}

	if !store.Delete("key-7") {
		t.Error("Delete of existing key should report true")
	}
	if store.Delete("key-7") {
		t.Error("Delete of missing key should report false")
	}
	if store.Exists("key-7") {
		t.Error("deleted key should not exist")
	}

	if got := store.Len(); got != 49 {
		t.Errorf("Len after delete: got %d, want 49", got)
	}
}

// TestStoreConcurrentAccess hammers the same keys from many goroutines.
// Run with -race to verify the shard locking contract.
func TestStoreConcurrentAccess(t *testing.T) {
	store := NewStore()

	const goroutines = 16
	const opsEach = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", g%4) // Force key collisions

			for i := 0; i < opsEach; i++ {
				token := []byte(fmt.Sprintf("g%d-t%d", g, i))

				store.Mutate(key, func(f *bloom.Filter) (*bloom.Filter, bool) {
					if f == nil {
						nf, err := bloom.New(bloom.Config{
							MaxFalsePositiveRate: 0.01,
							NumHashes:            4,
							LayerSize:            1024,
						})
						if err != nil {
							t.Errorf("filter create failed: %v", err)
							return nil, false
						}
						nf.Insert(token)
						return nf, true
					}
					f.Insert(token)
					return f, false
				})

				_ = store.View(key, func(f *bloom.Filter) error {
					if f != nil && !f.Exists(token) {
						t.Errorf("token %s lost after insert", token)
					}
					return nil
				})
			}
		}(g)
	}

	wg.Wait()
}

// TestStoreBinaryFormat verifies the STR1 snapshot round trip using memory
// buffers in place of the journal file.
func TestStoreBinaryFormat(t *testing.T) {
	// 1. Setup: Create a store and populate it to hit multiple shards.
	originalStore := NewStore()
	tokensByKey := make(map[string][]string)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		tokens := []string{
			fmt.Sprintf("alpha-%d", i),
			fmt.Sprintf("beta-%d", i),
		}
		tokensByKey[key] = tokens
		originalStore.Create(key, newTestFilter(t, tokens...))
	}

	// 2. Action: Write to Buffer (Simulate Disk)
	var buf bytes.Buffer
	if err := originalStore.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatalf("SaveSnapshotToWriter failed: %v", err)
	}

	// 3. Verification: Read from Buffer
	newStore := NewStore()
	reader := bufio.NewReader(&buf)
	if err := newStore.LoadSnapshotFromReader(reader); err != nil {
		t.Fatalf("LoadSnapshotFromReader failed: %v", err)
	}

	// 4. Assert Data Integrity
	if got := newStore.Len(); got != len(tokensByKey) {
		t.Fatalf("loaded store has %d filters, want %d", got, len(tokensByKey))
	}

	for key, tokens := range tokensByKey {
		err := newStore.View(key, func(f *bloom.Filter) error {
			if f == nil {
				t.Errorf("key %s missing from loaded store", key)
				return nil
			}
			for _, token := range tokens {
				if !f.Exists([]byte(token)) {
					t.Errorf("key %s lost token %s across the round trip", key, token)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
	}
}

// TestStoreSnapshotChecksum verifies that a flipped byte is detected.
func TestStoreSnapshotChecksum(t *testing.T) {
	store := NewStore()
	store.Create("seen", newTestFilter(t, "foo", "bar"))

	var buf bytes.Buffer
	if err := store.SaveSnapshotToWriter(&buf); err != nil {
		t.Fatalf("SaveSnapshotToWriter failed: %v", err)
	}

	data := buf.Bytes()
	data[len(data)/2] ^= 0xFF

	fresh := NewStore()
	err := fresh.LoadSnapshotFromReader(bufio.NewReader(bytes.NewReader(data)))
	if err == nil {
		t.Fatal("expected an error loading a corrupted snapshot")
	}
}
