// Package wal - Segmented write-ahead log
//
// What: Length-framed, append-only log split into fixed-size segments, with
//      LSN assignment, commit-time fsync, checkpoints, and replay.
// How: A single mutex serializes appends to the current segment, which
//      preserves both LSN monotonicity and record framing. A writer that
//      would cross the segment boundary rotates first, so records never
//      span segments. Open scans existing segments to restore the max
//      segment id and max LSN.
// Why: Durability before visibility - a mutation is observable only after
//      its commit record is on disk.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/metrics"
)

const segmentPrefix = "wal-"
const segmentSuffix = ".log"

// Options configure a Manager.
type Options struct {
	// Dir is the WAL directory (segments live directly inside).
	Dir string
	// SegmentSize is the rotation threshold in bytes.
	SegmentSize int64
	// SyncOnCommit forces an fsync after every commit record.
	SyncOnCommit bool
}

// Manager owns the current segment and the process-global LSN counter.
type Manager struct {
	dir          string
	segmentSize  int64
	syncOnCommit bool
	log          zerolog.Logger

	nextLSN atomic.Uint64

	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	segID   uint64
	segSize int64
	closed  bool
}

// Open creates or reopens a segmented WAL. Existing segments are scanned to
// restore the max segment id and the LSN counter; the latest segment is
// opened in append mode. If no segments exist, segment 0 is created.
func Open(opts Options) (*Manager, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 * 1024 * 1024
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	segID, maxLSN, validBytes, err := scanSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	path := segmentPath(opts.Dir, segID)
	// A torn trailing record from a crash is end-of-log; drop it so new
	// appends land after the last intact record.
	if info, err := os.Stat(path); err == nil && info.Size() > validBytes {
		if err := os.Truncate(path, validBytes); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat segment: %w", err)
	}

	m := &Manager{
		dir:          opts.Dir,
		segmentSize:  opts.SegmentSize,
		syncOnCommit: opts.SyncOnCommit,
		log:          logx.WithComponent("wal"),
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		segID:        segID,
		segSize:      info.Size(),
	}
	m.nextLSN.Store(uint64(maxLSN) + 1)

	m.log.Debug().Uint64("segment", segID).Uint64("next_lsn", m.nextLSN.Load()).Msg("wal opened")
	return m, nil
}

// Append frames and writes one record, assigning it the next LSN. The
// record is buffered; call Sync (or use Commit) for durability.
func (m *Manager) Append(rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, dberr.New(dberr.KindInternal, "wal.append", "log is closed")
	}

	rec.LSN = LSN(m.nextLSN.Add(1) - 1)

	data, err := rec.encode()
	if err != nil {
		return 0, err
	}

	// Records never cross segment boundaries: rotate first if this one
	// would.
	if m.segSize > 0 && m.segSize+int64(4+len(data)) > m.segmentSize {
		if err := m.rotateLocked(); err != nil {
			return 0, err
		}
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := m.writer.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("wal: write length: %w", err)
	}
	if _, err := m.writer.Write(data); err != nil {
		return 0, fmt.Errorf("wal: write record: %w", err)
	}
	m.segSize += int64(4 + len(data))
	metrics.WALCurrentLSN.Set(float64(rec.LSN))

	return rec.LSN, nil
}

// Sync flushes the buffer and fsyncs the current segment.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked()
}

func (m *Manager) syncLocked() error {
	if err := m.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Commit appends a COMMIT record for the transaction and, when configured,
// fsyncs. A commit whose sync failed is not committed: the error is
// surfaced and the caller must treat the transaction as aborted.
func (m *Manager) Commit(txnID uint64) (LSN, error) {
	lsn, err := m.Append(&Record{TxnID: txnID, Type: RecordCommit, Timestamp: nowUTC()})
	if err != nil {
		return 0, err
	}
	if m.syncOnCommit {
		if err := m.Sync(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// Abort appends an ABORT record. Aborts need no fsync; a lost abort is
// replayed as an implicit abort anyway.
func (m *Manager) Abort(txnID uint64) (LSN, error) {
	return m.Append(&Record{TxnID: txnID, Type: RecordAbort, Timestamp: nowUTC()})
}

// Checkpoint appends a CHECKPOINT record naming the transactions active at
// the time and fsyncs. Recovery only needs to scan records with LSN >= the
// returned LSN, replaying the fates of the named transactions from later
// records.
func (m *Manager) Checkpoint(activeTxns []uint64) (LSN, error) {
	rec := &Record{
		TxnID:         0,
		Type:          RecordCheckpoint,
		CheckpointLSN: LSN(m.nextLSN.Load()),
		ActiveTxns:    activeTxns,
		Timestamp:     nowUTC(),
	}
	lsn, err := m.Append(rec)
	if err != nil {
		return 0, err
	}
	if err := m.Sync(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// ReadFrom iterates segments in id order and returns every record with
// LSN >= start. A truncated trailing record in the last segment (a partial
// write from a crash) is treated as end-of-log, not corruption.
func (m *Manager) ReadFrom(start LSN) ([]*Record, error) {
	// Flush buffered appends so the reader sees them.
	m.mu.Lock()
	if !m.closed {
		if err := m.writer.Flush(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("wal: flush before read: %w", err)
		}
	}
	lastSeg := m.segID
	m.mu.Unlock()

	ids, err := listSegmentIDs(m.dir)
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, id := range ids {
		recs, _, err := readSegment(segmentPath(m.dir, id), id == lastSeg)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.LSN >= start {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// LastCheckpoint returns the most recent checkpoint record, or nil.
func (m *Manager) LastCheckpoint() (*Record, error) {
	recs, err := m.ReadFrom(0)
	if err != nil {
		return nil, err
	}
	var last *Record
	for _, r := range recs {
		if r.Type == RecordCheckpoint {
			last = r
		}
	}
	return last, nil
}

// NextLSN returns the next LSN to be assigned.
func (m *Manager) NextLSN() LSN {
	return LSN(m.nextLSN.Load())
}

// Close flushes, fsyncs, and closes the current segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.syncLocked(); err != nil {
		return err
	}
	return m.file.Close()
}

// RemoveSegmentsBelow deletes whole segments whose every record predates
// the given LSN. Called after a checkpoint supersedes them.
func (m *Manager) RemoveSegmentsBelow(lsn LSN) error {
	ids, err := listSegmentIDs(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	current := m.segID
	m.mu.Unlock()

	for _, id := range ids {
		if id == current {
			continue
		}
		recs, _, err := readSegment(segmentPath(m.dir, id), false)
		if err != nil {
			return err
		}
		drop := true
		for _, r := range recs {
			if r.LSN >= lsn {
				drop = false
				break
			}
		}
		if drop {
			if err := os.Remove(segmentPath(m.dir, id)); err != nil {
				return fmt.Errorf("wal: remove segment %016x: %w", id, err)
			}
			m.log.Debug().Uint64("segment", id).Msg("segment removed after checkpoint")
		}
	}
	return nil
}

// rotateLocked flushes and fsyncs the current segment, then opens the next.
func (m *Manager) rotateLocked() error {
	if err := m.syncLocked(); err != nil {
		return err
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment: %w", err)
	}

	m.segID++
	path := segmentPath(m.dir, m.segID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %016x: %w", m.segID, err)
	}
	m.file = file
	m.writer = bufio.NewWriterSize(file, 64*1024)
	m.segSize = 0
	metrics.WALSegmentRotations.Inc()
	m.log.Debug().Uint64("segment", m.segID).Msg("wal segment rotated")
	return nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%016x%s", segmentPrefix, id, segmentSuffix))
}

// listSegmentIDs returns segment ids in ascending order.
func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if len(name) != len(segmentPrefix)+16+len(segmentSuffix) {
			continue
		}
		if name[:len(segmentPrefix)] != segmentPrefix || name[len(name)-len(segmentSuffix):] != segmentSuffix {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name[len(segmentPrefix):len(segmentPrefix)+16], "%016x", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	// Filenames encode ascending hex ids; ReadDir already sorts
	// lexicographically, which for fixed-width hex is numeric order.
	return ids, nil
}

// scanSegments finds the latest segment, the max LSN stored in it, and
// the length of its intact prefix.
func scanSegments(dir string) (segID uint64, maxLSN LSN, validBytes int64, err error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, 0, nil
	}
	segID = ids[len(ids)-1]

	recs, valid, err := readSegment(segmentPath(dir, segID), true)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, r := range recs {
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
	}
	return segID, maxLSN, valid, nil
}

// readSegment decodes every framed record in one segment file, returning
// the records and the byte length of the intact prefix. When tolerateTail
// is set (the last segment), a truncated final record is end-of-log;
// anywhere else it is corruption.
func readSegment(path string, tolerateTail bool) ([]*Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var out []*Record
	var valid int64
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, valid, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) && tolerateTail {
				return out, valid, nil
			}
			return nil, valid, dberr.Wrap(dberr.KindCorruptedData, "wal.read", err).WithKey(path)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])

		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && tolerateTail {
				return out, valid, nil
			}
			return nil, valid, dberr.Wrap(dberr.KindCorruptedData, "wal.read", err).WithKey(path)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			if tolerateTail {
				// A garbled final record after a crash reads as end-of-log.
				return out, valid, nil
			}
			return nil, valid, err
		}
		out = append(out, rec)
		valid += int64(4 + n)
	}
}
