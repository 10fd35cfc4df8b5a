// Package storage - Storage core
//
// What: Composes the memory index, the disk tier (page store + secondary
//      index + buffer pool), and the segmented WAL into put/get/delete/
//      scan with read-through and write-through.
// How: Writes hit the WAL first, then the memory index, then (when disk
//      backing is on) the page store and secondary index. Reads fall from
//      the memory index through the secondary index and buffer pool to the
//      page file, promoting on the way back up. Open replays snapshot,
//      legacy log, and segmented WAL, in that order.
// Why: Every data model above - key-value, document, columnar, and
//      time-series - shares this one substrate.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/wal"
)

// batchWorkers caps the BatchPut fan-out.
const batchWorkers = 16

// Options configure a Store.
type Options struct {
	// DataDir roots the on-disk footprint. Empty means fully ephemeral
	// (no WAL, no snapshot, no disk tier).
	DataDir string
	// Name prefixes the page file and metadata file (<name>.db, <name>.meta).
	Name string
	// WALEnabled turns the segmented WAL on.
	WALEnabled bool
	// SyncOnWrite fsyncs autocommit writes (commit records always obey the
	// WAL manager's own SyncOnCommit).
	SyncOnWrite bool
	// DiskBacked enables the page store tier.
	DiskBacked bool
	// WALSegmentSize is the segment rotation threshold.
	WALSegmentSize int64
	// BufferPoolPages bounds the page cache.
	BufferPoolPages int
}

// Store is the storage core.
type Store struct {
	opts  Options
	clock *Clock
	mem   *MemIndex
	log   zerolog.Logger

	wal *wal.Manager // nil when disabled

	// Disk tier, nil unless DiskBacked.
	pages      *PageStore
	keys       *KeyIndex
	bufferPool *BufferPool

	// diskMu serializes the page-write + index-retarget pair so two
	// writers to the same key cannot interleave their retargets.
	diskMu sync.Mutex

	closed atomic.Bool
}

// Open creates or reopens a store. Recovery order: snapshot.json, legacy
// wal.log, segmented WAL from the last checkpoint.
func Open(opts Options) (*Store, error) {
	if opts.Name == "" {
		opts.Name = "drift"
	}

	s := &Store{
		opts:  opts,
		clock: &Clock{},
		log:   logx.WithComponent("storage"),
	}
	s.mem = NewMemIndex(s.clock)

	if opts.DataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	// 1. Snapshot image.
	pairs, err := readSnapshot(opts.DataDir)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		s.mem.Put(p.Key, p.Value)
	}

	// 2. Legacy single-file log (migration path).
	err = replayLegacyWAL(opts.DataDir, func(e legacyWALEntry) {
		switch e.Op {
		case "put":
			s.mem.Put(e.Key, e.Value)
		case "delete":
			s.mem.Delete(e.Key)
		}
	})
	if err != nil {
		return nil, err
	}

	// 3. Disk tier.
	if opts.DiskBacked {
		pagePath := filepath.Join(opts.DataDir, opts.Name+".db")
		metaPath := filepath.Join(opts.DataDir, opts.Name+".meta")

		s.pages, err = OpenPageStore(pagePath)
		if err != nil {
			return nil, err
		}
		s.keys = NewKeyIndex(metaPath)
		if err := s.keys.Load(); err != nil {
			return nil, err
		}
		s.bufferPool = NewBufferPool(opts.BufferPoolPages, s.pages.Rewrite)
	}

	// 4. Segmented WAL: restore the LSN counter, then replay.
	if opts.WALEnabled {
		s.wal, err = wal.Open(wal.Options{
			Dir:          filepath.Join(opts.DataDir, "wal"),
			SegmentSize:  opts.WALSegmentSize,
			SyncOnCommit: opts.SyncOnWrite,
		})
		if err != nil {
			return nil, err
		}
		if err := s.replayWAL(); err != nil {
			return nil, err
		}
	}

	s.log.Info().
		Str("data_dir", opts.DataDir).
		Bool("wal", opts.WALEnabled).
		Bool("disk_backed", opts.DiskBacked).
		Int("entries", s.mem.Len()).
		Msg("store opened")
	return s, nil
}

// replayWAL applies committed mutations from the segmented log. Records
// from autocommit writes (txn id 0) apply immediately; transactional
// records buffer until their COMMIT. Transactions with no fate on record
// are implicitly aborted.
func (s *Store) replayWAL() error {
	start := wal.LSN(0)
	if ckpt, err := s.wal.LastCheckpoint(); err == nil && ckpt != nil {
		start = ckpt.CheckpointLSN
	} else if err != nil {
		return err
	}

	records, err := s.wal.ReadFrom(start)
	if err != nil {
		return err
	}

	pending := make(map[uint64][]*wal.Record)
	applied := 0
	for _, rec := range records {
		switch rec.Type {
		case wal.RecordBegin:
			pending[rec.TxnID] = nil

		case wal.RecordPut, wal.RecordDelete:
			if rec.TxnID == 0 {
				s.applyRecord(rec)
				applied++
				continue
			}
			pending[rec.TxnID] = append(pending[rec.TxnID], rec)

		case wal.RecordCommit:
			for _, op := range pending[rec.TxnID] {
				s.applyRecord(op)
				applied++
			}
			delete(pending, rec.TxnID)

		case wal.RecordAbort:
			delete(pending, rec.TxnID)

		case wal.RecordCheckpoint:
			// Marker only; replay continues.
		}
	}

	if applied > 0 || len(pending) > 0 {
		s.log.Info().
			Int("applied", applied).
			Int("implicitly_aborted", len(pending)).
			Uint64("from_lsn", uint64(start)).
			Msg("wal replay complete")
	}
	return nil
}

func (s *Store) applyRecord(rec *wal.Record) {
	switch rec.Type {
	case wal.RecordPut:
		s.mem.PutWithTTL(rec.Key, rec.Value, rec.TTLSeconds)
		if s.opts.DiskBacked {
			if err := s.writeDisk(rec.Key, rec.Value); err != nil {
				s.log.Warn().Err(err).Str("key", rec.Key).Msg("replay disk write failed")
			}
		}
	case wal.RecordDelete:
		s.mem.Delete(rec.Key)
		if s.opts.DiskBacked {
			s.deleteDisk(rec.Key)
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Write path
// ───────────────────────────────────────────────────────────────────────────

// Put stores key -> value (autocommit).
func (s *Store) Put(key, value []byte) error {
	return s.PutString(string(key), value)
}

// PutString stores key -> value with a string key.
func (s *Store) PutString(key string, value []byte) error {
	return s.PutWithTTL(key, value, 0)
}

// PutWithTTL stores a key that expires ttlSeconds after the write. The WAL
// record lands first; when disk backing is on, a failed disk write rolls
// the memory write back and surfaces the error (replay retries the disk
// tier on next open).
func (s *Store) PutWithTTL(key string, value []byte, ttlSeconds uint64) error {
	if s.closed.Load() {
		return dberr.New(dberr.KindInternal, "store.put", "store is closed")
	}

	if s.wal != nil {
		rec := &wal.Record{TxnID: 0, Type: wal.RecordPut, Key: key, Value: value, TTLSeconds: ttlSeconds}
		if _, err := s.wal.Append(rec); err != nil {
			return err
		}
		if s.opts.SyncOnWrite {
			if err := s.wal.Sync(); err != nil {
				return err
			}
		}
	}

	s.mem.PutWithTTL(key, value, ttlSeconds)

	if s.opts.DiskBacked {
		if err := s.writeDisk(key, value); err != nil {
			s.mem.Delete(key)
			return err
		}
	}
	return nil
}

// writeDisk allocates a page for the value and retargets the secondary
// index, then persists the index metadata.
func (s *Store) writeDisk(key string, value []byte) error {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()

	id, err := s.pages.Write(value)
	if err != nil {
		return err
	}
	if err := s.bufferPool.Put(id, value, false); err != nil {
		// Cache admission failure is not a write failure.
		s.log.Debug().Err(err).Uint64("page", uint64(id)).Msg("buffer pool admission failed")
	}
	s.keys.Set(key, id)
	return s.keys.Save()
}

func (s *Store) deleteDisk(key string) {
	s.diskMu.Lock()
	defer s.diskMu.Unlock()
	s.keys.Delete(key)
	if err := s.keys.Save(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("secondary index save failed")
	}
}

// Delete removes a key from both tiers. The tombstone is logged so crash
// recovery reproduces the removal.
func (s *Store) Delete(key []byte) error {
	return s.DeleteString(string(key))
}

// DeleteString removes a key given as a string.
func (s *Store) DeleteString(key string) error {
	if s.closed.Load() {
		return dberr.New(dberr.KindInternal, "store.delete", "store is closed")
	}

	if s.wal != nil {
		if _, err := s.wal.Append(&wal.Record{TxnID: 0, Type: wal.RecordDelete, Key: key}); err != nil {
			return err
		}
		if s.opts.SyncOnWrite {
			if err := s.wal.Sync(); err != nil {
				return err
			}
		}
	}

	s.mem.Delete(key)
	if s.opts.DiskBacked {
		s.deleteDisk(key)
	}
	return nil
}

// BatchPut writes entries with bounded fan-out. Atomicity is per entry,
// not whole-batch; the first error is reported after every worker drains.
func (s *Store) BatchPut(entries []KV) error {
	if len(entries) == 0 {
		return nil
	}

	workers := batchWorkers
	if len(entries) < workers {
		workers = len(entries)
	}
	chunk := (len(entries) + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	var failed atomic.Uint64
	for i := 0; i < len(entries); i += chunk {
		part := entries[i:min(i+chunk, len(entries))]
		g.Go(func() error {
			for _, e := range part {
				if err := s.PutString(e.Key, e.Value); err != nil {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return dberr.New(dberr.KindInternal, "store.batch_put", "%d of %d writes failed", n, len(entries))
	}
	return nil
}

// BatchGet returns one value (or nil) per key.
func (s *Store) BatchGet(keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, err := s.GetString(k); err == nil {
			out[i] = v
		}
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Read path
// ───────────────────────────────────────────────────────────────────────────

// Get reads a key (byte form).
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.GetString(string(key))
}

// GetString reads a key: memory index, then secondary index -> buffer
// pool -> page store, promoting a disk hit into both caches.
func (s *Store) GetString(key string) ([]byte, error) {
	v, err := s.mem.Get(key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, dberr.ErrKeyNotFound) || !s.opts.DiskBacked {
		return nil, err
	}

	id, ok := s.keys.Get(key)
	if !ok {
		return nil, dberr.KeyNotFound("store.get", key)
	}

	if data, ok := s.bufferPool.Get(id); ok {
		s.mem.Put(key, data)
		return data, nil
	}

	data, err := s.pages.Read(id)
	if err != nil {
		return nil, err
	}
	if err := s.bufferPool.Put(id, data, false); err != nil {
		s.log.Debug().Err(err).Uint64("page", uint64(id)).Msg("promotion skipped")
	}
	s.mem.Put(key, data)
	return data, nil
}

// GetVersion returns the value and current version of a key, for
// transactional read-set tracking.
func (s *Store) GetVersion(key string) ([]byte, uint64, error) {
	e, err := s.mem.GetEntry(key)
	if err != nil {
		return nil, 0, err
	}
	return e.Value, e.Version, nil
}

// GetAt reads a key at a snapshot tick (MVCC visibility).
func (s *Store) GetAt(key string, snap uint64) ([]byte, error) {
	return s.mem.GetAt(key, snap)
}

// Exists reports whether key is live.
func (s *Store) Exists(key string) bool {
	if s.mem.Exists(key) {
		return true
	}
	if s.opts.DiskBacked {
		_, ok := s.keys.Get(key)
		return ok
	}
	return false
}

// ScanPrefix iterates the ordered index over a prefix range, skipping
// expired entries.
func (s *Store) ScanPrefix(prefix string) []KV {
	return s.mem.ScanPrefix(prefix)
}

// ───────────────────────────────────────────────────────────────────────────
// Maintenance and lifecycle
// ───────────────────────────────────────────────────────────────────────────

// CleanupExpired sweeps expired entries, at most max per call (0 =
// unbounded). Returns the number evicted.
func (s *Store) CleanupExpired(max int) int {
	return s.mem.CleanupExpired(max)
}

// PruneVersions drops superseded MVCC versions created at or before the
// given tick. The sweeper calls it with the tick of its previous pass.
func (s *Store) PruneVersions(before uint64) int {
	return s.mem.PruneVersions(before)
}

// HealthCheck is the cheap self-test used by the connection pool.
func (s *Store) HealthCheck() error {
	if s.closed.Load() {
		return dberr.New(dberr.KindInternal, "store.health", "store is closed")
	}
	if s.opts.DiskBacked {
		if err := s.pages.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of resident entries.
func (s *Store) Len() int { return s.mem.Len() }

// Clear drops every entry from both tiers. The disk pages stay until GC.
func (s *Store) Clear() {
	s.mem.Clear()
	if s.opts.DiskBacked {
		s.diskMu.Lock()
		for _, slot := range s.keys.ScanPrefix("") {
			s.keys.Delete(slot.Key)
		}
		if err := s.keys.Save(); err != nil {
			s.log.Warn().Err(err).Msg("secondary index save failed")
		}
		s.diskMu.Unlock()
	}
}

// Stats returns the memory-index counters.
func (s *Store) Stats() IndexStats { return s.mem.Stats() }

// Clock exposes the logical tick source shared with the transaction layer.
func (s *Store) Clock() *Clock { return s.clock }

// WAL exposes the log manager (nil when disabled); the transaction layer
// appends its records through it.
func (s *Store) WAL() *wal.Manager { return s.wal }

// Snapshot writes the live index to snapshot.json and removes the legacy
// single-file log it supersedes.
func (s *Store) Snapshot() error {
	if s.opts.DataDir == "" {
		return dberr.New(dberr.KindValidation, "store.snapshot", "no data dir configured")
	}
	if err := writeSnapshot(s.opts.DataDir, s.mem.ScanPrefix("")); err != nil {
		return err
	}
	removeLegacyWAL(s.opts.DataDir)
	s.log.Info().Int("entries", s.mem.Len()).Msg("snapshot written")
	return nil
}

// Checkpoint snapshots the index, appends a WAL checkpoint record, and
// drops segments the checkpoint supersedes.
func (s *Store) Checkpoint(activeTxns []uint64) error {
	if s.wal == nil {
		return nil
	}
	if err := s.Snapshot(); err != nil {
		return err
	}
	lsn, err := s.wal.Checkpoint(activeTxns)
	if err != nil {
		return err
	}
	return s.wal.RemoveSegmentsBelow(lsn)
}

// ApplyPut writes both tiers without logging; the transaction manager has
// already put the records on the WAL.
func (s *Store) ApplyPut(key string, value []byte) error {
	s.mem.Put(key, value)
	if s.opts.DiskBacked {
		return s.writeDisk(key, value)
	}
	return nil
}

// ApplyDelete is ApplyPut's counterpart for tombstones.
func (s *Store) ApplyDelete(key string) {
	s.mem.Delete(key)
	if s.opts.DiskBacked {
		s.deleteDisk(key)
	}
}

// Close flushes the disk tier, snapshots, and closes the WAL. A closed
// store rejects further mutations.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if s.opts.DataDir != "" {
		if err := s.Snapshot(); err != nil {
			firstErr = err
		}
	}
	if s.opts.DiskBacked {
		if _, err := s.bufferPool.FlushAll(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.keys.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.pages.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.wal != nil {
		if err := s.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info().Msg("store closed")
	return firstErr
}
