package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestPageStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ps, err := OpenPageStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ps.Close()

	id1, err := ps.Write([]byte("value1"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	id2, err := ps.Write([]byte("value2"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("page ids not monotonic: %d then %d", id1, id2)
	}

	v, err := ps.Read(id1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(v) != "value1" {
		t.Errorf("expected value1, got %s", v)
	}
}

func TestPageStoreLargeValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ps, err := OpenPageStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ps.Close()

	big := bytes.Repeat([]byte("x"), 3*PageSize)
	id, err := ps.Write(big)
	if err != nil {
		t.Fatalf("write large: %v", err)
	}
	// The run claims contiguous pages; the next write lands past it.
	next, err := ps.Write([]byte("small"))
	if err != nil {
		t.Fatalf("write after large: %v", err)
	}
	if next < id+3 {
		t.Errorf("large value did not claim its page run: %d then %d", id, next)
	}

	got, err := ps.Read(id)
	if err != nil {
		t.Fatalf("read large: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Error("large value corrupted across pages")
	}
	if v, _ := ps.Read(next); string(v) != "small" {
		t.Error("write after large value corrupted")
	}
}

func TestPageStoreAllocatorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	ps, err := OpenPageStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id1, _ := ps.Write([]byte("before"))
	ps.Close()

	ps2, err := OpenPageStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ps2.Close()
	id2, err := ps2.Write([]byte("after"))
	if err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("allocator rewound after reopen: %d then %d", id1, id2)
	}
	if v, _ := ps2.Read(id1); string(v) != "before" {
		t.Error("pre-restart page unreadable")
	}
}

func TestKeyIndexPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.meta")

	ki := NewKeyIndex(path)
	ki.Set("user:1", 3)
	ki.Set("user:2", 7)
	ki.Set("item:1", 9)
	if err := ki.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	ki2 := NewKeyIndex(path)
	if err := ki2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if ki2.Len() != 3 {
		t.Fatalf("expected 3 keys after reload, got %d", ki2.Len())
	}
	if page, ok := ki2.Get("user:2"); !ok || page != 7 {
		t.Errorf("user:2 -> %d (%v), want 7", page, ok)
	}

	slots := ki2.ScanPrefix("user:")
	if len(slots) != 2 {
		t.Fatalf("expected 2 user keys, got %d", len(slots))
	}
	if slots[0].Key != "user:1" || slots[1].Key != "user:2" {
		t.Errorf("scan order wrong: %v", slots)
	}
}

func TestKeyIndexMissingFileIsFresh(t *testing.T) {
	ki := NewKeyIndex(filepath.Join(t.TempDir(), "absent.meta"))
	if err := ki.Load(); err != nil {
		t.Fatalf("missing metadata file should not error: %v", err)
	}
	if ki.Len() != 0 {
		t.Errorf("expected empty index, got %d", ki.Len())
	}
}

func TestKeyIndexRetarget(t *testing.T) {
	ki := NewKeyIndex(filepath.Join(t.TempDir(), "test.meta"))
	ki.Set("k", 1)
	ki.Set("k", 5) // new version, new page
	if page, _ := ki.Get("k"); page != 5 {
		t.Errorf("retarget failed: got page %d", page)
	}
	ki.Delete("k")
	if _, ok := ki.Get("k"); ok {
		t.Error("key still mapped after delete")
	}
}
