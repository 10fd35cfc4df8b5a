// Package storage - Concurrent ordered memory index
//
// What: Ordered mapping from string key to a versioned entry, with TTL and
//      MVCC visibility.
// How: A generic B-tree (tidwall/btree) carries the entries; the tree's
//      own read/write lock lets readers proceed together and serializes
//      each write against every other operation. Statistics are lock-free
//      atomics.
// Why: Every data model sits on this index; it must stay hot under mixed
//      read/write load.
package storage

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/metrics"
)

// MemIndex is the concurrent ordered index over live entries.
type MemIndex struct {
	tree  *btree.BTreeG[*Entry]
	clock *Clock

	reads   atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// IndexStats is a point-in-time snapshot of the lock-free counters.
type IndexStats struct {
	Reads   uint64
	Writes  uint64
	Deletes uint64
	Hits    uint64
	Misses  uint64
}

// HitRate returns hits / (hits + misses), 0 when no reads happened.
func (s IndexStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewMemIndex creates an empty index sharing the given logical clock.
func NewMemIndex(clock *Clock) *MemIndex {
	return &MemIndex{
		tree: btree.NewBTreeG(func(a, b *Entry) bool {
			return a.Key < b.Key
		}),
		clock: clock,
	}
}

// Put inserts or overwrites a key. Overwrites bump the version.
func (m *MemIndex) Put(key string, value []byte) {
	m.PutWithTTL(key, value, 0)
}

// PutWithTTL inserts a key that expires ttlSeconds after the write
// (0 = never).
func (m *MemIndex) PutWithTTL(key string, value []byte, ttlSeconds uint64) {
	e := &Entry{
		Key:        key,
		Value:      value,
		Timestamp:  uint64(time.Now().Unix()),
		Version:    1,
		TTLSeconds: ttlSeconds,
		CreatedAt:  m.clock.Tick(),
	}
	if prev, ok := m.tree.Set(e); ok {
		e.Version = prev.Version + 1
		e.prev = prev
	}
	m.writes.Add(1)
	metrics.IndexWrites.Inc()
	metrics.IndexEntries.Set(float64(m.tree.Len()))
}

// Get returns the live value for key. An expired entry is lazily removed
// and reads as absent.
func (m *MemIndex) Get(key string) ([]byte, error) {
	e, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry is Get but returns the full entry, for callers that need the
// version or MVCC timestamps.
func (m *MemIndex) GetEntry(key string) (*Entry, error) {
	return m.lookup(key)
}

// GetAt returns the value for key as of snapshot tick snap: the most
// recent version visible to the snapshot, walking the version chain when
// the head is too new.
func (m *MemIndex) GetAt(key string, snap uint64) ([]byte, error) {
	e, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	for v := e; v != nil; v = v.prev {
		if v.VisibleTo(snap) {
			return v.Value, nil
		}
	}
	m.misses.Add(1)
	return nil, dberr.KeyNotFound("memindex.get", key)
}

func (m *MemIndex) lookup(key string) (*Entry, error) {
	m.reads.Add(1)
	metrics.IndexReads.Inc()

	e, ok := m.tree.Get(&Entry{Key: key})
	if !ok {
		m.misses.Add(1)
		return nil, dberr.KeyNotFound("memindex.get", key)
	}
	if e.Expired() {
		m.misses.Add(1)
		// Lazy removal; the sweeper catches what reads never touch.
		m.tree.Delete(e)
		metrics.IndexEntries.Set(float64(m.tree.Len()))
		return nil, dberr.KeyNotFound("memindex.get", key)
	}
	m.hits.Add(1)
	return e, nil
}

// Delete removes a key. The tombstone tick is returned so the WAL and MVCC
// layers can record when the deletion happened; deleting an absent key
// still advances the clock and counts as a delete.
func (m *MemIndex) Delete(key string) uint64 {
	tick := m.clock.Tick()
	if e, ok := m.tree.Get(&Entry{Key: key}); ok {
		e.DeletedAt = tick
		m.tree.Delete(e)
	}
	m.deletes.Add(1)
	metrics.IndexEntries.Set(float64(m.tree.Len()))
	return tick
}

// Exists reports whether key is present and unexpired.
func (m *MemIndex) Exists(key string) bool {
	e, ok := m.tree.Get(&Entry{Key: key})
	return ok && !e.Expired()
}

// ScanPrefix returns live (key, value) pairs whose key starts with prefix,
// in key order. Expired entries are skipped. The empty prefix yields the
// full live contents.
func (m *MemIndex) ScanPrefix(prefix string) []KV {
	var out []KV
	m.tree.Ascend(&Entry{Key: prefix}, func(e *Entry) bool {
		if !strings.HasPrefix(e.Key, prefix) {
			return false
		}
		if !e.Expired() {
			out = append(out, KV{Key: e.Key, Value: e.Value})
		}
		return true
	})
	return out
}

// Len returns the number of resident entries, expired included until a
// read or sweep removes them.
func (m *MemIndex) Len() int { return m.tree.Len() }

// Clear drops every entry.
func (m *MemIndex) Clear() {
	m.tree.Clear()
	metrics.IndexEntries.Set(0)
}

// PruneVersions drops superseded versions created before the given tick;
// readers with older snapshots no longer exist, so the chain tail is dead
// weight. The current version always stays.
func (m *MemIndex) PruneVersions(before uint64) int {
	pruned := 0
	m.tree.Scan(func(e *Entry) bool {
		for v := e; v != nil; v = v.prev {
			if v.CreatedAt <= before {
				// v serves every surviving snapshot; anything older is dead.
				for p := v.prev; p != nil; p = p.prev {
					pruned++
				}
				v.prev = nil
				break
			}
		}
		return true
	})
	return pruned
}

// CleanupExpired removes entries whose TTL deadline has passed, at most
// max per call (0 = unbounded). Returns the number evicted.
func (m *MemIndex) CleanupExpired(max int) int {
	var victims []*Entry
	m.tree.Scan(func(e *Entry) bool {
		if e.Expired() {
			victims = append(victims, e)
			if max > 0 && len(victims) >= max {
				return false
			}
		}
		return true
	})
	for _, e := range victims {
		m.tree.Delete(e)
	}
	if len(victims) > 0 {
		metrics.ExpiredEvicted.Add(float64(len(victims)))
		metrics.IndexEntries.Set(float64(m.tree.Len()))
	}
	return len(victims)
}

// Stats returns a snapshot of the operation counters.
func (m *MemIndex) Stats() IndexStats {
	return IndexStats{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		Deletes: m.deletes.Load(),
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
	}
}

// KV is a scan result pair.
type KV struct {
	Key   string
	Value []byte
}
