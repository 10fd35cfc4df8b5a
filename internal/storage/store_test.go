package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftdb/drift/internal/dberr"
)

func openTestStore(t *testing.T, dir string, mutate func(*Options)) *Store {
	t.Helper()
	opts := Options{
		DataDir:        dir,
		WALEnabled:     true,
		SyncOnWrite:    true,
		WALSegmentSize: 1024 * 1024,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestStoreBasicOperations(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	if err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "value1" {
		t.Errorf("expected value1, got %s", v)
	}

	if err := s.Delete([]byte("key1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get([]byte("key1")); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("expected KeyNotFound, got %v", err)
	}
}

func TestStoreDurabilityAcrossCleanShutdown(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	if err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put([]byte("key2"), []byte("value2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete([]byte("key1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openTestStore(t, dir, nil)
	defer s2.Close()

	if _, err := s2.Get([]byte("key1")); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("deleted key resurrected: %v", err)
	}
	v, err := s2.Get([]byte("key2"))
	if err != nil || string(v) != "value2" {
		t.Errorf("key2 lost across restart: %v", err)
	}
	if s2.Len() != 1 {
		t.Errorf("expected 1 entry after restart, got %d", s2.Len())
	}
}

func TestStoreCrashRecoveryFromSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	for i := 0; i < 1000; i++ {
		if err := s.PutString(fmt.Sprintf("key_%d", i), []byte(fmt.Sprintf("value_%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := s.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for i := 1000; i < 1100; i++ {
		if err := s.PutString(fmt.Sprintf("key_%d", i), []byte(fmt.Sprintf("value_%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	// Crash: no Close. The WAL was synced on every write.

	info, err := os.Stat(filepath.Join(dir, "snapshot.json"))
	if err != nil || info.Size() == 0 {
		t.Fatalf("snapshot.json missing or empty: %v", err)
	}

	s2 := openTestStore(t, dir, nil)
	defer s2.Close()

	for i := 0; i < 1100; i++ {
		key := fmt.Sprintf("key_%d", i)
		v, err := s2.GetString(key)
		if err != nil {
			t.Fatalf("%s lost in crash: %v", key, err)
		}
		if string(v) != fmt.Sprintf("value_%d", i) {
			t.Fatalf("%s has wrong value after recovery", key)
		}
	}
}

func TestStoreReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, nil)
	s.PutString("a", []byte("1"))
	s.PutString("b", []byte("2"))
	s.DeleteString("a")
	// Crash without close; replay runs on each of the next two opens.

	s2 := openTestStore(t, dir, nil)
	len2 := s2.Len()
	vb2, _ := s2.GetString("b")

	s3 := openTestStore(t, dir, nil)
	defer s3.Close()
	if s3.Len() != len2 {
		t.Errorf("double replay changed entry count: %d vs %d", s3.Len(), len2)
	}
	vb3, err := s3.GetString("b")
	if err != nil || string(vb3) != string(vb2) {
		t.Errorf("double replay changed values: %v", err)
	}
	if _, err := s3.GetString("a"); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("deleted key returned after double replay: %v", err)
	}
}

func TestStoreDiskReadThrough(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, func(o *Options) {
		o.WALEnabled = false
		o.DiskBacked = true
		o.BufferPoolPages = 8
	})
	if err := s.PutString("cold", []byte("from-disk")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Drop the snapshot so the memory index starts empty and the read has
	// to fall through the secondary index to the page store.
	if err := os.Remove(filepath.Join(dir, "snapshot.json")); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	s2 := openTestStore(t, dir, func(o *Options) {
		o.WALEnabled = false
		o.DiskBacked = true
		o.BufferPoolPages = 8
	})
	defer s2.Close()

	v, err := s2.GetString("cold")
	if err != nil {
		t.Fatalf("read-through failed: %v", err)
	}
	if string(v) != "from-disk" {
		t.Errorf("read-through returned %s", v)
	}
	// The hit was promoted into the memory index.
	if s2.Len() != 1 {
		t.Error("disk hit not promoted")
	}
}

func TestStoreBatchPut(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	// Empty batch is a no-op.
	if err := s.BatchPut(nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	entries := make([]KV, 500)
	for i := range entries {
		entries[i] = KV{Key: fmt.Sprintf("batch_%d", i), Value: []byte(fmt.Sprintf("v%d", i))}
	}
	if err := s.BatchPut(entries); err != nil {
		t.Fatalf("batch put: %v", err)
	}
	for i := 0; i < 500; i += 37 {
		key := fmt.Sprintf("batch_%d", i)
		if v, err := s.GetString(key); err != nil || string(v) != fmt.Sprintf("v%d", i) {
			t.Fatalf("%s missing after batch: %v", key, err)
		}
	}

	got := s.BatchGet([]string{"batch_0", "absent", "batch_1"})
	if got[0] == nil || got[1] != nil || got[2] == nil {
		t.Errorf("batch get wrong shape: %v", got)
	}
}

func TestStoreTTL(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	if err := s.PutWithTTL("k", []byte("v"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, err := s.GetString("k"); err != nil || string(v) != "v" {
		t.Fatalf("fresh ttl entry unreadable: %v", err)
	}
	time.Sleep(2 * time.Second)
	if _, err := s.GetString("k"); !errors.Is(err, dberr.ErrKeyNotFound) {
		t.Errorf("expected KeyNotFound after ttl, got %v", err)
	}
}

func TestStoreScanPrefixOrdered(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	defer s.Close()

	s.PutString("b", []byte("2"))
	s.PutString("a", []byte("1"))
	s.PutString("c", []byte("3"))

	all := s.ScanPrefix("")
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Key != "a" || all[1].Key != "b" || all[2].Key != "c" {
		t.Errorf("scan not in key order: %v", all)
	}
}

func TestStoreCheckpointPrunesSegments(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, func(o *Options) {
		o.WALSegmentSize = 4096 // force rotations
	})
	defer s.Close()

	for i := 0; i < 200; i++ {
		s.PutString(fmt.Sprintf("key_%d", i), make([]byte, 64))
	}
	if err := s.Checkpoint(nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("read wal dir: %v", err)
	}
	// Superseded segments are gone; the current one (with the checkpoint
	// record) remains.
	if len(entries) > 2 {
		t.Errorf("expected old segments pruned, found %d files", len(entries))
	}
}

func TestStoreHealthCheck(t *testing.T) {
	s := openTestStore(t, t.TempDir(), nil)
	if err := s.HealthCheck(); err != nil {
		t.Fatalf("healthy store failed probe: %v", err)
	}
	s.Close()
	if err := s.HealthCheck(); err == nil {
		t.Error("closed store passed probe")
	}
}

func TestStoreMemoryOnly(t *testing.T) {
	s, err := Open(Options{})
	if err != nil {
		t.Fatalf("open memory-only: %v", err)
	}
	defer s.Close()

	if err := s.PutString("k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, err := s.GetString("k"); err != nil || string(v) != "v" {
		t.Fatalf("get: %v", err)
	}
	if err := s.Snapshot(); !errors.Is(err, dberr.ErrValidation) {
		t.Errorf("snapshot without data dir should fail validation, got %v", err)
	}
}
