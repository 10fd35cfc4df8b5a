// Package cdc - Change data capture
//
// What: Named streams of committed mutations with per-consumer offsets,
//      bounded buffers, and age-based retention.
// How: One process-global offset counter; each stream keeps a FIFO of
//      events under its own lock plus a consumer -> next-offset map.
//      Reads are non-destructive; acknowledge moves the consumer cursor.
// Why: Replication, event sourcing, and cache invalidation all tail the
//      same committed-change feed without touching the write path.
package cdc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
)

// Operation labels a change event.
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one committed mutation.
type Event struct {
	Offset    uint64
	Timestamp time.Time
	Op        Operation
	Table     string
	Key       string
	Before    []byte
	After     []byte
	Metadata  map[string]string
}

// StreamConfig sizes a stream.
type StreamConfig struct {
	Name      string
	MaxBuffer int
	Retention time.Duration
}

// DefaultStreamConfig mirrors the built-in sizing.
func DefaultStreamConfig(name string) StreamConfig {
	return StreamConfig{
		Name:      name,
		MaxBuffer: 10000,
		Retention: time.Hour,
	}
}

type consumerState struct {
	id      string
	offset  uint64 // next offset to deliver
	ackedAt time.Time
}

type stream struct {
	mu        sync.RWMutex
	name      string
	events    []Event
	consumers map[string]*consumerState
	maxBuffer int
	retention time.Duration
}

// Streams is the stream manager. Offsets are process-global and
// monotonic across streams.
type Streams struct {
	mu      sync.RWMutex
	streams map[string]*stream
	offset  atomic.Uint64
	log     zerolog.Logger
}

// NewStreams creates an empty manager.
func NewStreams() *Streams {
	return &Streams{
		streams: make(map[string]*stream),
		log:     logx.WithComponent("cdc"),
	}
}

// CreateStream registers a named stream. Creating an existing name fails.
func (s *Streams) CreateStream(cfg StreamConfig) error {
	if cfg.Name == "" {
		return dberr.New(dberr.KindValidation, "cdc.create", "stream name must not be empty")
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[cfg.Name]; ok {
		return dberr.New(dberr.KindConstraintViolation, "cdc.create", "stream %q already exists", cfg.Name)
	}
	s.streams[cfg.Name] = &stream{
		name:      cfg.Name,
		consumers: make(map[string]*consumerState),
		maxBuffer: cfg.MaxBuffer,
		retention: cfg.Retention,
	}
	return nil
}

func (s *Streams) get(name string) (*stream, error) {
	s.mu.RLock()
	st, ok := s.streams[name]
	s.mu.RUnlock()
	if !ok {
		return nil, dberr.New(dberr.KindValidation, "cdc", "stream %q not found", name)
	}
	return st, nil
}

// Capture assigns the event a global offset and appends it; the oldest
// event drops when the buffer is over its max. Returns the offset.
func (s *Streams) Capture(streamName string, ev Event) (uint64, error) {
	st, err := s.get(streamName)
	if err != nil {
		return 0, err
	}

	ev.Offset = s.offset.Add(1) - 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	st.mu.Lock()
	st.events = append(st.events, ev)
	for len(st.events) > st.maxBuffer {
		st.events = st.events[1:]
	}
	st.mu.Unlock()
	return ev.Offset, nil
}

// RegisterConsumer creates a consumer starting at offset 0. Registering a
// duplicate id fails.
func (s *Streams) RegisterConsumer(streamName, consumerID string) error {
	st, err := s.get(streamName)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.consumers[consumerID]; ok {
		return dberr.New(dberr.KindConstraintViolation, "cdc.register",
			"consumer %q already registered on %q", consumerID, streamName)
	}
	st.consumers[consumerID] = &consumerState{id: consumerID}
	return nil
}

// Read returns up to limit events with offset >= the consumer's cursor,
// oldest first. Reading does not advance the cursor.
func (s *Streams) Read(streamName, consumerID string, limit int) ([]Event, error) {
	st, err := s.get(streamName)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	c, ok := st.consumers[consumerID]
	if !ok {
		return nil, dberr.New(dberr.KindValidation, "cdc.read",
			"consumer %q not registered on %q", consumerID, streamName)
	}

	var out []Event
	for _, ev := range st.events {
		if ev.Offset < c.offset {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Acknowledge advances the consumer cursor to offset+1 when that moves it
// forward; stale acknowledgements are no-ops.
func (s *Streams) Acknowledge(streamName, consumerID string, offset uint64) error {
	st, err := s.get(streamName)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	c, ok := st.consumers[consumerID]
	if !ok {
		return dberr.New(dberr.KindValidation, "cdc.ack",
			"consumer %q not registered on %q", consumerID, streamName)
	}
	if offset+1 > c.offset {
		c.offset = offset + 1
		c.ackedAt = time.Now()
	}
	return nil
}

// ApplyRetention evicts events older than age and returns how many fell.
func (s *Streams) ApplyRetention(streamName string, age time.Duration) (int, error) {
	st, err := s.get(streamName)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)

	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for len(st.events) > 0 && st.events[0].Timestamp.Before(cutoff) {
		st.events = st.events[1:]
		removed++
	}
	return removed, nil
}

// ApplyAllRetention runs each stream's configured retention; the
// maintenance loop calls it.
func (s *Streams) ApplyAllRetention() int {
	s.mu.RLock()
	names := make([]string, 0, len(s.streams))
	retentions := make(map[string]time.Duration, len(s.streams))
	for n, st := range s.streams {
		if st.retention > 0 {
			names = append(names, n)
			retentions[n] = st.retention
		}
	}
	s.mu.RUnlock()

	total := 0
	for _, n := range names {
		removed, err := s.ApplyRetention(n, retentions[n])
		if err != nil {
			s.log.Warn().Err(err).Str("stream", n).Msg("retention pass failed")
			continue
		}
		total += removed
	}
	return total
}

// StreamStats is the observable state of one stream.
type StreamStats struct {
	Events       int
	Consumers    int
	OldestOffset uint64
	NewestOffset uint64
}

// Stats returns stream statistics.
func (s *Streams) Stats(streamName string) (StreamStats, error) {
	st, err := s.get(streamName)
	if err != nil {
		return StreamStats{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	stats := StreamStats{
		Events:    len(st.events),
		Consumers: len(st.consumers),
	}
	if len(st.events) > 0 {
		stats.OldestOffset = st.events[0].Offset
		stats.NewestOffset = st.events[len(st.events)-1].Offset
	}
	return stats, nil
}

// HasStream reports whether name exists.
func (s *Streams) HasStream(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[name]
	return ok
}
