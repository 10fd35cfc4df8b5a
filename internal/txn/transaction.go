package txn

import (
	"sync"
	"time"
)

// Transaction tracks one unit of isolated work: its snapshot timestamps,
// read and write sets, and the locks it holds. A transaction is owned by
// one caller; the internal mutex only guards against the manager touching
// state concurrently (deadlock aborts, shutdown sweeps).
type Transaction struct {
	ID        uint64
	Isolation IsolationLevel
	StartedAt time.Time

	// ReadTS is the snapshot tick reads use under RepeatableRead and
	// Serializable; WriteTS stamps write intents.
	ReadTS  uint64
	WriteTS uint64

	mu       sync.Mutex
	state    State
	readSet  map[string]uint64      // key -> observed version
	writeSet map[string]WriteIntent // key -> pending value or tombstone
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// transition moves from one expected state to the next, reporting whether
// the move was legal.
func (t *Transaction) transition(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// recordRead notes the version observed for a key (0 = absent).
func (t *Transaction) recordRead(key string, version uint64) {
	t.mu.Lock()
	t.readSet[key] = version
	t.mu.Unlock()
}

// recordWrite stages an intent; the storage core is untouched until
// commit.
func (t *Transaction) recordWrite(key string, intent WriteIntent) {
	t.mu.Lock()
	t.writeSet[key] = intent
	t.mu.Unlock()
}

// pendingWrite returns the staged intent for key, so a transaction reads
// its own writes.
func (t *Transaction) pendingWrite(key string) (WriteIntent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writeSet[key]
	return w, ok
}

// snapshotSets copies both sets for conflict checking.
func (t *Transaction) snapshotSets() (reads map[string]uint64, writes map[string]WriteIntent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reads = make(map[string]uint64, len(t.readSet))
	for k, v := range t.readSet {
		reads[k] = v
	}
	writes = make(map[string]WriteIntent, len(t.writeSet))
	for k, v := range t.writeSet {
		writes[k] = v
	}
	return reads, writes
}

// overlaps reports whether two transactions' sets collide on any key in
// any of the lost-update combinations: my reads x their writes, my writes
// x their reads, my writes x their writes.
func overlaps(myReads map[string]uint64, myWrites map[string]WriteIntent,
	theirReads map[string]uint64, theirWrites map[string]WriteIntent) bool {
	for k := range myReads {
		if _, ok := theirWrites[k]; ok {
			return true
		}
	}
	for k := range myWrites {
		if _, ok := theirReads[k]; ok {
			return true
		}
		if _, ok := theirWrites[k]; ok {
			return true
		}
	}
	return false
}
