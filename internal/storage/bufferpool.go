// Package storage - Page buffer pool
//
// What: Bounded page cache with clock/second-chance eviction and dirty
//      tracking.
// How: Frames live in a map keyed by page id; a ring of page ids carries
//      the clock hand. A hit sets the frame's reference bit; the evictor
//      clears set bits as it sweeps and takes the first frame it finds
//      clear. Dirty victims are handed to the flush callback before they
//      leave the pool.
// Why: Caps the memory the disk tier may consume while keeping the hot
//      working set resident.
package storage

import (
	"sync"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/metrics"
)

// FlushFunc writes a dirty page back to the page store. It is called with
// the pool lock held; it must not reenter the pool.
type FlushFunc func(id PageID, data []byte) error

// pageFrame is one cached page.
type pageFrame struct {
	data  []byte
	dirty bool
	ref   bool
}

// BufferPool is the bounded page cache.
type BufferPool struct {
	mu       sync.Mutex
	frames   map[PageID]*pageFrame
	ring     []PageID
	hand     int
	capacity int
	flush    FlushFunc

	hits      uint64
	misses    uint64
	evictions uint64
}

// BufferPoolStats is a point-in-time view of the pool.
type BufferPoolStats struct {
	Capacity  int
	Used      int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewBufferPool creates a pool bounded to capacity pages. flush may be nil
// for a pool that never holds dirty pages.
func NewBufferPool(capacity int, flush FlushFunc) *BufferPool {
	if capacity <= 0 {
		capacity = 1024
	}
	return &BufferPool{
		frames:   make(map[PageID]*pageFrame, capacity),
		ring:     make([]PageID, 0, capacity),
		capacity: capacity,
		flush:    flush,
	}
}

// Get returns the cached bytes for a page, setting its reference bit.
func (bp *BufferPool) Get(id PageID) ([]byte, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	f, ok := bp.frames[id]
	if !ok {
		bp.misses++
		return nil, false
	}
	f.ref = true
	bp.hits++
	return f.data, true
}

// Put caches a page. At capacity it evicts one frame first; a dirty victim
// is flushed before eviction, and a flush failure refuses the eviction and
// surfaces CacheFull.
func (bp *BufferPool) Put(id PageID, data []byte, dirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if f, ok := bp.frames[id]; ok {
		f.data = data
		f.dirty = f.dirty || dirty
		f.ref = true
		return nil
	}

	if len(bp.frames) >= bp.capacity {
		if err := bp.evictLocked(); err != nil {
			return err
		}
	}

	bp.frames[id] = &pageFrame{data: data, dirty: dirty, ref: true}
	bp.ring = append(bp.ring, id)
	metrics.BufferPoolPages.Set(float64(len(bp.frames)))
	return nil
}

// MarkDirty flags a cached page as modified.
func (bp *BufferPool) MarkDirty(id PageID) {
	bp.mu.Lock()
	if f, ok := bp.frames[id]; ok {
		f.dirty = true
	}
	bp.mu.Unlock()
}

// FlushAll writes every dirty page through the flush callback and clears
// the dirty bits. Returns the ids flushed.
func (bp *BufferPool) FlushAll() ([]PageID, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	var flushed []PageID
	for id, f := range bp.frames {
		if !f.dirty {
			continue
		}
		if bp.flush != nil {
			if err := bp.flush(id, f.data); err != nil {
				return flushed, err
			}
		}
		f.dirty = false
		flushed = append(flushed, id)
	}
	return flushed, nil
}

// Clear drops every frame. Dirty pages are flushed first.
func (bp *BufferPool) Clear() error {
	if _, err := bp.FlushAll(); err != nil {
		return err
	}
	bp.mu.Lock()
	bp.frames = make(map[PageID]*pageFrame, bp.capacity)
	bp.ring = bp.ring[:0]
	bp.hand = 0
	metrics.BufferPoolPages.Set(0)
	bp.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the pool counters.
func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	dirty := 0
	for _, f := range bp.frames {
		if f.dirty {
			dirty++
		}
	}
	return BufferPoolStats{
		Capacity:  bp.capacity,
		Used:      len(bp.frames),
		Dirty:     dirty,
		Hits:      bp.hits,
		Misses:    bp.misses,
		Evictions: bp.evictions,
	}
}

// evictLocked runs the clock sweep: a set reference bit buys the frame one
// more revolution; the first clear frame is evicted.
func (bp *BufferPool) evictLocked() error {
	if len(bp.ring) == 0 {
		return dberr.New(dberr.KindCacheFull, "bufferpool.evict", "no frames to evict")
	}

	// Two full revolutions always find a victim: the first clears bits,
	// the second takes the first clear frame.
	for sweep := 0; sweep < 2*len(bp.ring); sweep++ {
		if bp.hand >= len(bp.ring) {
			bp.hand = 0
		}
		id := bp.ring[bp.hand]
		f, ok := bp.frames[id]
		if !ok {
			bp.ring = append(bp.ring[:bp.hand], bp.ring[bp.hand+1:]...)
			continue
		}
		if f.ref {
			f.ref = false
			bp.hand++
			continue
		}

		if f.dirty {
			if bp.flush == nil {
				return dberr.New(dberr.KindCacheFull, "bufferpool.evict",
					"dirty page %d cannot be flushed", id)
			}
			if err := bp.flush(id, f.data); err != nil {
				return dberr.Wrap(dberr.KindCacheFull, "bufferpool.evict", err)
			}
		}
		delete(bp.frames, id)
		bp.ring = append(bp.ring[:bp.hand], bp.ring[bp.hand+1:]...)
		bp.evictions++
		metrics.BufferPoolEvictions.Inc()
		metrics.BufferPoolPages.Set(float64(len(bp.frames)))
		return nil
	}
	return dberr.New(dberr.KindCacheFull, "bufferpool.evict", "clock sweep found no victim")
}
