package storage

import (
	"sync/atomic"
	"time"
)

// Entry is the unit of storage: a user key, opaque value bytes, and the
// metadata the MVCC and TTL machinery needs.
type Entry struct {
	Key   string
	Value []byte

	// Timestamp is the wall-clock second of the last write; TTL expiry is
	// measured against it.
	Timestamp  uint64
	Version    uint64
	TTLSeconds uint64

	// CreatedAt / DeletedAt are logical ticks, not wall clock. DeletedAt
	// zero means the entry is live.
	CreatedAt uint64
	DeletedAt uint64

	// prev chains superseded versions, newest first, so snapshot readers
	// keep seeing the version that was current when they began.
	prev *Entry
}

// Expired reports whether the entry's TTL deadline has passed.
func (e *Entry) Expired() bool {
	if e.TTLSeconds == 0 {
		return false
	}
	return uint64(time.Now().Unix()) > e.Timestamp+e.TTLSeconds
}

// VisibleTo reports whether a reader at snapshot tick snap observes this
// entry: created at or before the snapshot and not deleted at or before it.
func (e *Entry) VisibleTo(snap uint64) bool {
	if e.CreatedAt > snap {
		return false
	}
	if e.DeletedAt != 0 && e.DeletedAt <= snap {
		return false
	}
	return true
}

// Clock is the process-wide source of monotonic logical ticks used for
// MVCC timestamps. Writers consume a tick; readers snapshot the current
// value.
type Clock struct {
	ticks atomic.Uint64
}

// Tick advances the clock and returns the new tick.
func (c *Clock) Tick() uint64 { return c.ticks.Add(1) }

// Now returns the current tick without advancing.
func (c *Clock) Now() uint64 { return c.ticks.Load() }
