// Package txn - Transaction manager
//
// What: Creates transactions, tracks read/write sets, runs the commit
//      protocol, and coordinates the WAL, lock manager, and CDC.
// How: Writes take exclusive locks before staging intents; commit checks
//      read/write-set overlap against concurrently active and recently
//      committed transactions, appends the write set plus a COMMIT record
//      to the WAL (fsynced when configured), applies the intents to the storage core,
//      captures CDC events, and releases locks last.
// Why: Durability before visibility, and no lost updates under concurrent
//      commit.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/cdc"
	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/storage"
	"github.com/driftdb/drift/internal/wal"
)

// recentCommitWindow bounds how many finished transactions stay around for
// conflict checks.
const recentCommitWindow = 1024

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// Table names the lock namespace and CDC table for key-value traffic.
	Table string
	// LockTimeout bounds every lock acquisition.
	LockTimeout time.Duration
	// DeadlockInterval is the wait-for graph recheck cadence.
	DeadlockInterval time.Duration
	// Stream routes committed mutations into CDC; empty disables capture.
	Stream string
}

type committedTxn struct {
	id         uint64
	commitTick uint64
	reads      map[string]uint64
	writes     map[string]WriteIntent
}

// Manager owns transaction lifecycle for one store.
type Manager struct {
	store   *storage.Store
	locks   *LockManager
	streams *cdc.Streams
	opts    ManagerOptions
	log     zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	active    map[uint64]*Transaction
	committed []committedTxn
}

// NewManager wires a transaction manager over a store. streams may be nil.
func NewManager(store *storage.Store, streams *cdc.Streams, opts ManagerOptions) *Manager {
	if opts.Table == "" {
		opts.Table = "kv"
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	return &Manager{
		store:   store,
		locks:   NewLockManager(opts.DeadlockInterval),
		streams: streams,
		opts:    opts,
		log:     logx.WithComponent("txn"),
		active:  make(map[uint64]*Transaction),
	}
}

// Locks exposes the lock manager (tests and admin tooling).
func (m *Manager) Locks() *LockManager { return m.locks }

// Begin opens a transaction at the given isolation level.
func (m *Manager) Begin(level IsolationLevel) *Transaction {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	now := m.store.Clock().Now()
	t := &Transaction{
		ID:        id,
		Isolation: level,
		StartedAt: time.Now(),
		ReadTS:    now,
		WriteTS:   now,
		state:     StateActive,
		readSet:   make(map[string]uint64),
		writeSet:  make(map[string]WriteIntent),
	}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t
}

// Get reads a key inside the transaction. The transaction sees its own
// pending writes; otherwise visibility follows the isolation level.
// The observed version lands in the read set either way.
func (m *Manager) Get(t *Transaction, key string) ([]byte, error) {
	if t.State() != StateActive {
		return nil, dberr.New(dberr.KindInternal, "txn.get", "transaction %d is %s", t.ID, t.State())
	}

	if w, ok := t.pendingWrite(key); ok {
		if w.Tombstone {
			return nil, dberr.KeyNotFound("txn.get", key)
		}
		return w.Value, nil
	}

	// Serializable readers hold shared locks to commit.
	if t.Isolation == Serializable {
		lk := LockKey{Table: m.opts.Table, Key: key}
		if err := m.locks.Acquire(t.ID, lk, LockShared, m.opts.LockTimeout); err != nil {
			return nil, err
		}
	}

	switch t.Isolation {
	case ReadCommitted:
		value, version, err := m.store.GetVersion(key)
		if err != nil {
			t.recordRead(key, 0)
			return nil, err
		}
		t.recordRead(key, version)
		return value, nil
	default:
		value, err := m.store.GetAt(key, t.ReadTS)
		if err != nil {
			t.recordRead(key, 0)
			return nil, err
		}
		_, version, verr := m.store.GetVersion(key)
		if verr != nil {
			version = 0
		}
		t.recordRead(key, version)
		return value, nil
	}
}

// Put stages a write. The exclusive lock is taken before the intent lands
// in the write set and is held until commit or abort.
func (m *Manager) Put(t *Transaction, key string, value []byte) error {
	return m.stage(t, key, WriteIntent{Value: value, Timestamp: t.WriteTS})
}

// Delete stages a tombstone.
func (m *Manager) Delete(t *Transaction, key string) error {
	return m.stage(t, key, WriteIntent{Tombstone: true, Timestamp: t.WriteTS})
}

func (m *Manager) stage(t *Transaction, key string, intent WriteIntent) error {
	if t.State() != StateActive {
		return dberr.New(dberr.KindInternal, "txn.put", "transaction %d is %s", t.ID, t.State())
	}
	lk := LockKey{Table: m.opts.Table, Key: key}
	if err := m.locks.Acquire(t.ID, lk, LockExclusive, m.opts.LockTimeout); err != nil {
		return err
	}
	t.recordWrite(key, intent)
	return nil
}

// Commit runs the protocol: prepare (conflict check), WAL append + fsync,
// apply, CDC capture, lock release. Any failure before the commit record
// is durable aborts the transaction instead.
func (m *Manager) Commit(t *Transaction) error {
	if !t.transition(StateActive, StatePreparing) {
		return dberr.New(dberr.KindInternal, "txn.commit", "transaction %d is %s", t.ID, t.State())
	}

	reads, writes := t.snapshotSets()

	if err := m.conflictCheck(t, reads, writes); err != nil {
		m.abortPrepared(t)
		return err
	}
	t.setState(StatePrepared)

	// Read-only transactions need no log traffic.
	if len(writes) == 0 {
		t.setState(StateCommitted)
		m.retire(t, reads, writes)
		return nil
	}

	if w := m.store.WAL(); w != nil {
		if err := m.logWrites(w, t, writes); err != nil {
			m.abortPrepared(t)
			return err
		}
	}

	t.setState(StateCommitting)
	m.apply(t, writes)
	t.setState(StateCommitted)
	m.retire(t, reads, writes)
	return nil
}

// logWrites appends BEGIN, the write set, and COMMIT. The commit record is
// fsynced when the log syncs on commit; a sync failure means the
// transaction did not commit.
func (m *Manager) logWrites(w *wal.Manager, t *Transaction, writes map[string]WriteIntent) error {
	if _, err := w.Append(&wal.Record{TxnID: t.ID, Type: wal.RecordBegin}); err != nil {
		return err
	}
	for key, intent := range writes {
		rec := &wal.Record{TxnID: t.ID, Key: key}
		if intent.Tombstone {
			rec.Type = wal.RecordDelete
		} else {
			rec.Type = wal.RecordPut
			rec.Value = intent.Value
		}
		if _, err := w.Append(rec); err != nil {
			return err
		}
	}
	if _, err := w.Commit(t.ID); err != nil {
		return err
	}
	return nil
}

// apply copies the write set into the storage core and captures CDC
// events. The WAL already holds the records, so the core paths skip
// logging.
func (m *Manager) apply(t *Transaction, writes map[string]WriteIntent) {
	for key, intent := range writes {
		var before []byte
		if b, err := m.store.GetString(key); err == nil {
			before = b
		}

		if intent.Tombstone {
			m.store.ApplyDelete(key)
		} else if err := m.store.ApplyPut(key, intent.Value); err != nil {
			m.log.Error().Err(err).Str("key", key).Uint64("txn", t.ID).
				Msg("disk apply failed; wal replay will retry")
		}

		m.capture(t, key, before, intent)
	}
}

func (m *Manager) capture(t *Transaction, key string, before []byte, intent WriteIntent) {
	if m.streams == nil || m.opts.Stream == "" || !m.streams.HasStream(m.opts.Stream) {
		return
	}
	ev := cdc.Event{
		Table:  m.opts.Table,
		Key:    key,
		Before: before,
		Metadata: map[string]string{
			"txn_id": fmt.Sprintf("%d", t.ID),
		},
	}
	switch {
	case intent.Tombstone:
		ev.Op = cdc.OpDelete
	case before != nil:
		ev.Op = cdc.OpUpdate
		ev.After = intent.Value
	default:
		ev.Op = cdc.OpInsert
		ev.After = intent.Value
	}
	if _, err := m.streams.Capture(m.opts.Stream, ev); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cdc capture failed")
	}
}

// Abort discards the write set, logs the abort, and releases locks.
func (m *Manager) Abort(t *Transaction) error {
	st := t.State()
	if st == StateCommitted {
		return dberr.New(dberr.KindInternal, "txn.abort", "transaction %d already committed", t.ID)
	}
	if st == StateAborted {
		return nil
	}
	t.setState(StateAborting)

	if w := m.store.WAL(); w != nil {
		if _, err := w.Abort(t.ID); err != nil {
			m.log.Warn().Err(err).Uint64("txn", t.ID).Msg("abort record append failed")
		}
	}

	m.locks.ReleaseAll(t.ID)
	t.setState(StateAborted)

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

// conflictCheck fails when the candidate's sets overlap another active
// transaction's, or a transaction that committed after the candidate
// started.
func (m *Manager) conflictCheck(t *Transaction, reads map[string]uint64, writes map[string]WriteIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.active {
		if id == t.ID {
			continue
		}
		oReads, oWrites := other.snapshotSets()
		if overlaps(reads, writes, oReads, oWrites) {
			return dberr.New(dberr.KindTxnConflict, "txn.commit",
				"transaction %d conflicts with active transaction %d", t.ID, id)
		}
	}
	for _, c := range m.committed {
		if c.commitTick <= t.ReadTS {
			continue
		}
		if overlaps(reads, writes, c.reads, c.writes) {
			return dberr.New(dberr.KindTxnConflict, "txn.commit",
				"transaction %d conflicts with committed transaction %d", t.ID, c.id)
		}
	}
	return nil
}

// retire records a committed transaction for future conflict checks and
// releases its locks.
func (m *Manager) retire(t *Transaction, reads map[string]uint64, writes map[string]WriteIntent) {
	tick := m.store.Clock().Tick()

	m.mu.Lock()
	m.committed = append(m.committed, committedTxn{
		id:         t.ID,
		commitTick: tick,
		reads:      reads,
		writes:     writes,
	})
	if len(m.committed) > recentCommitWindow {
		m.committed = m.committed[len(m.committed)-recentCommitWindow:]
	}
	delete(m.active, t.ID)
	m.mu.Unlock()

	m.locks.ReleaseAll(t.ID)
}

// abortPrepared is the failure path out of Preparing/Prepared.
func (m *Manager) abortPrepared(t *Transaction) {
	t.setState(StateAborting)
	if w := m.store.WAL(); w != nil {
		if _, err := w.Abort(t.ID); err != nil {
			m.log.Warn().Err(err).Uint64("txn", t.ID).Msg("abort record append failed")
		}
	}
	m.locks.ReleaseAll(t.ID)
	t.setState(StateAborted)

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
}

// ActiveIDs lists transactions currently in flight (checkpoints record
// them).
func (m *Manager) ActiveIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown aborts every active transaction; called on clean close.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	txns := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		txns = append(txns, t)
	}
	m.mu.Unlock()

	for _, t := range txns {
		if err := m.Abort(t); err != nil {
			m.log.Warn().Err(err).Uint64("txn", t.ID).Msg("shutdown abort failed")
		}
	}
}
