package storage

import (
	"errors"
	"testing"

	"github.com/driftdb/drift/internal/dberr"
)

func TestBufferPoolBasic(t *testing.T) {
	bp := NewBufferPool(3, nil)

	if err := bp.Put(1, []byte{1, 2, 3}, false); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := bp.Put(2, []byte{4, 5, 6}, true); err != nil {
		t.Fatalf("put: %v", err)
	}

	if v, ok := bp.Get(1); !ok || string(v) != string([]byte{1, 2, 3}) {
		t.Error("page 1 not cached")
	}
	if _, ok := bp.Get(999); ok {
		t.Error("phantom page in cache")
	}

	st := bp.Stats()
	if st.Used != 2 {
		t.Errorf("expected 2 pages, got %d", st.Used)
	}
	if st.Dirty != 1 {
		t.Errorf("expected 1 dirty page, got %d", st.Dirty)
	}
}

func TestBufferPoolCapacityBound(t *testing.T) {
	bp := NewBufferPool(4, nil)

	for i := PageID(0); i < 64; i++ {
		if err := bp.Put(i, []byte{byte(i)}, false); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if used := bp.Stats().Used; used > 4 {
			t.Fatalf("pool exceeded capacity: %d pages", used)
		}
	}
	if used := bp.Stats().Used; used != 4 {
		t.Errorf("expected full pool, got %d", used)
	}
}

func TestBufferPoolSecondChance(t *testing.T) {
	bp := NewBufferPool(2, nil)

	bp.Put(1, []byte("a"), false)
	bp.Put(2, []byte("b"), false)

	// Put sets the reference bit on insertion and the Get sets page 1's
	// again. Evicting for page 3 clears both bits on the first sweep and
	// takes the first clear frame (page 1) on the second.
	bp.Get(1)
	if err := bp.Put(3, []byte("c"), false); err != nil {
		t.Fatalf("put with eviction: %v", err)
	}

	if bp.Stats().Used != 2 {
		t.Fatalf("capacity violated after eviction")
	}
	if _, ok := bp.Get(3); !ok {
		t.Error("newly inserted page missing")
	}
}

func TestBufferPoolDirtyEvictionFlushes(t *testing.T) {
	flushed := map[PageID][]byte{}
	bp := NewBufferPool(1, func(id PageID, data []byte) error {
		flushed[id] = data
		return nil
	})

	bp.Put(1, []byte("dirty"), true)
	// Force eviction of the dirty page. Clock needs the hand to pass it
	// once to clear the reference bit.
	if err := bp.Put(2, []byte("next"), false); err != nil {
		t.Fatalf("put: %v", err)
	}

	if string(flushed[1]) != "dirty" {
		t.Error("dirty page evicted without flush")
	}
}

func TestBufferPoolDirtyEvictionRefusedWithoutFlusher(t *testing.T) {
	bp := NewBufferPool(1, nil)
	bp.Put(1, []byte("dirty"), true)

	err := bp.Put(2, []byte("next"), false)
	if !errors.Is(err, dberr.ErrCacheFull) {
		t.Errorf("expected CacheFull, got %v", err)
	}
	// The dirty page must survive the refused eviction.
	if _, ok := bp.Get(1); !ok {
		t.Error("dirty page lost")
	}
}

func TestBufferPoolFlushAll(t *testing.T) {
	var calls int
	bp := NewBufferPool(8, func(id PageID, data []byte) error {
		calls++
		return nil
	})

	bp.Put(1, []byte("a"), true)
	bp.Put(2, []byte("b"), false)
	bp.MarkDirty(2)
	bp.Put(3, []byte("c"), false)

	flushed, err := bp.FlushAll()
	if err != nil {
		t.Fatalf("flush all: %v", err)
	}
	if len(flushed) != 2 || calls != 2 {
		t.Errorf("expected 2 flushes, got %d (%d calls)", len(flushed), calls)
	}
	if bp.Stats().Dirty != 0 {
		t.Error("dirty bits not cleared")
	}
}

func TestBufferPoolClear(t *testing.T) {
	bp := NewBufferPool(8, func(PageID, []byte) error { return nil })
	bp.Put(1, []byte("a"), true)
	bp.Put(2, []byte("b"), false)

	if err := bp.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if bp.Stats().Used != 0 {
		t.Error("pool not empty after clear")
	}
	// Reusable after clear.
	if err := bp.Put(3, []byte("c"), false); err != nil {
		t.Fatalf("put after clear: %v", err)
	}
}
