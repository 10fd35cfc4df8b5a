// Package txn - Lock manager
//
// What: Per-key shared/exclusive locks with FIFO wait queues and deadlock
//      detection over a wait-for graph.
// How: Lock entries live in hash shards. A blocked acquire parks on a
//      per-waiter channel that promoteLocked closes when it promotes the
//      waiter; no busy-waiting. While parked, the waiter rechecks the
//      wait-for graph at a fixed cadence and fails itself when it is the
//      chosen victim of a cycle.
// Why: Writer starvation is prevented by strict FIFO (a compatible
//      request still queues behind earlier waiters), and deadlocks resolve
//      deterministically by aborting the youngest transaction.
package txn

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/driftdb/drift/internal/dberr"
)

const lockShards = 16

type lockHolder struct {
	txnID uint64
	mode  LockMode
}

type lockWaiter struct {
	txnID       uint64
	mode        LockMode
	grant       chan struct{}
	requestedAt time.Time
}

type lockEntry struct {
	holders []lockHolder
	waiters []*lockWaiter
}

type lockShard struct {
	mu    sync.Mutex
	locks map[LockKey]*lockEntry
}

// LockManager owns every lock table shard plus the per-transaction index
// used by ReleaseAll.
type LockManager struct {
	shards [lockShards]*lockShard

	txnMu    sync.Mutex
	txnLocks map[uint64]map[LockKey]struct{}

	// deadlockInterval is how often a parked waiter rechecks the wait-for
	// graph.
	deadlockInterval time.Duration
}

// NewLockManager creates an empty lock manager. checkInterval controls the
// deadlock detection cadence (0 = 1s).
func NewLockManager(checkInterval time.Duration) *LockManager {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	lm := &LockManager{
		txnLocks:         make(map[uint64]map[LockKey]struct{}),
		deadlockInterval: checkInterval,
	}
	for i := range lm.shards {
		lm.shards[i] = &lockShard{locks: make(map[LockKey]*lockEntry)}
	}
	return lm
}

func (lm *LockManager) shard(key LockKey) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key.Table))
	h.Write([]byte{0})
	h.Write([]byte(key.Key))
	return lm.shards[h.Sum32()%lockShards]
}

// Acquire takes key in the given mode for txnID, waiting up to timeout.
// Re-acquiring a held lock succeeds immediately. Returns LockTimeout or
// DeadlockDetected; either way no waiter entry is left behind.
func (lm *LockManager) Acquire(txnID uint64, key LockKey, mode LockMode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	sh := lm.shard(key)
	sh.mu.Lock()
	e := sh.locks[key]
	if e == nil {
		e = &lockEntry{}
		sh.locks[key] = e
	}

	for _, h := range e.holders {
		if h.txnID == txnID {
			sh.mu.Unlock()
			return nil
		}
	}

	if len(e.waiters) == 0 && compatibleWithAll(e.holders, mode) {
		e.holders = append(e.holders, lockHolder{txnID: txnID, mode: mode})
		sh.mu.Unlock()
		lm.trackLock(txnID, key)
		return nil
	}

	// Queue FIFO, idempotently by txn id.
	var w *lockWaiter
	for _, q := range e.waiters {
		if q.txnID == txnID {
			w = q
			break
		}
	}
	if w == nil {
		w = &lockWaiter{txnID: txnID, mode: mode, grant: make(chan struct{}), requestedAt: time.Now()}
		e.waiters = append(e.waiters, w)
	}
	sh.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(lm.deadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.grant:
			lm.trackLock(txnID, key)
			return nil

		case <-timer.C:
			if !lm.removeWaiter(key, txnID) {
				// Granted concurrently with the timeout firing.
				<-w.grant
				lm.trackLock(txnID, key)
				return nil
			}
			return dberr.New(dberr.KindLockTimeout, "lock.acquire",
				"lock on %s/%s not granted within %s", key.Table, key.Key, timeout).WithKey(key.Key)

		case <-ticker.C:
			victim, found := lm.detectDeadlock(txnID)
			if found && victim == txnID {
				if !lm.removeWaiter(key, txnID) {
					<-w.grant
					lm.trackLock(txnID, key)
					return nil
				}
				return dberr.New(dberr.KindDeadlockDetected, "lock.acquire",
					"transaction %d chosen as deadlock victim", txnID).WithKey(key.Key)
			}
		}
	}
}

// Release drops txnID's hold on key and promotes head-of-queue waiters
// while their mode stays compatible with the remaining holders.
func (lm *LockManager) Release(txnID uint64, key LockKey) {
	sh := lm.shard(key)
	sh.mu.Lock()
	if e, ok := sh.locks[key]; ok {
		out := e.holders[:0]
		for _, h := range e.holders {
			if h.txnID != txnID {
				out = append(out, h)
			}
		}
		e.holders = out
		promoteLocked(e)
		if len(e.holders) == 0 && len(e.waiters) == 0 {
			delete(sh.locks, key)
		}
	}
	sh.mu.Unlock()

	lm.txnMu.Lock()
	if keys := lm.txnLocks[txnID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(lm.txnLocks, txnID)
		}
	}
	lm.txnMu.Unlock()
}

// ReleaseAll drops every lock held by txnID (commit and abort both end
// here).
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.txnMu.Lock()
	keys := make([]LockKey, 0, len(lm.txnLocks[txnID]))
	for k := range lm.txnLocks[txnID] {
		keys = append(keys, k)
	}
	delete(lm.txnLocks, txnID)
	lm.txnMu.Unlock()

	for _, k := range keys {
		sh := lm.shard(k)
		sh.mu.Lock()
		if e, ok := sh.locks[k]; ok {
			out := e.holders[:0]
			for _, h := range e.holders {
				if h.txnID != txnID {
					out = append(out, h)
				}
			}
			e.holders = out
			promoteLocked(e)
			if len(e.holders) == 0 && len(e.waiters) == 0 {
				delete(sh.locks, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Held reports whether txnID currently holds key in any mode.
func (lm *LockManager) Held(txnID uint64, key LockKey) bool {
	sh := lm.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.locks[key]; ok {
		for _, h := range e.holders {
			if h.txnID == txnID {
				return true
			}
		}
	}
	return false
}

func (lm *LockManager) trackLock(txnID uint64, key LockKey) {
	lm.txnMu.Lock()
	if lm.txnLocks[txnID] == nil {
		lm.txnLocks[txnID] = make(map[LockKey]struct{})
	}
	lm.txnLocks[txnID][key] = struct{}{}
	lm.txnMu.Unlock()
}

// removeWaiter drops txnID's queued wait on key. False means the waiter
// was already promoted to holder.
func (lm *LockManager) removeWaiter(key LockKey, txnID uint64) bool {
	sh := lm.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.locks[key]
	if !ok {
		return false
	}
	for i, w := range e.waiters {
		if w.txnID == txnID {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			// The departed waiter may have been the only thing blocking
			// those behind it.
			promoteLocked(e)
			if len(e.holders) == 0 && len(e.waiters) == 0 {
				delete(sh.locks, key)
			}
			return true
		}
	}
	return false
}

// promoteLocked grants head-of-queue waiters while compatible with the
// remaining holders. Called with the shard lock held.
func promoteLocked(e *lockEntry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !compatibleWithAll(e.holders, w.mode) {
			return
		}
		e.waiters = e.waiters[1:]
		e.holders = append(e.holders, lockHolder{txnID: w.txnID, mode: w.mode})
		close(w.grant)
	}
}

func compatibleWithAll(holders []lockHolder, mode LockMode) bool {
	for _, h := range holders {
		if !mode.Compatible(h.mode) {
			return false
		}
	}
	return true
}

// detectDeadlock looks for a wait-for cycle through start: edges run from
// each waiter to every holder of the contested lock. The victim is the
// youngest (highest id) transaction on the cycle.
func (lm *LockManager) detectDeadlock(start uint64) (victim uint64, found bool) {
	graph := lm.waitForGraph()

	var path []uint64
	onPath := make(map[uint64]bool)
	visited := make(map[uint64]bool)

	var dfs func(node uint64) bool
	dfs = func(node uint64) bool {
		path = append(path, node)
		onPath[node] = true
		visited[node] = true
		for _, next := range graph[node] {
			if next == start {
				return true // cycle closes back on the caller
			}
			if onPath[next] {
				continue // a cycle not involving the caller
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		onPath[node] = false
		return false
	}

	if !dfs(start) {
		return 0, false
	}
	for _, id := range path {
		if id > victim {
			victim = id
		}
	}
	return victim, true
}

// waitForGraph snapshots waiter -> holder edges across all shards.
func (lm *LockManager) waitForGraph() map[uint64][]uint64 {
	graph := make(map[uint64][]uint64)
	for _, sh := range lm.shards {
		sh.mu.Lock()
		for _, e := range sh.locks {
			for _, w := range e.waiters {
				for _, h := range e.holders {
					if h.txnID != w.txnID {
						graph[w.txnID] = append(graph[w.txnID], h.txnID)
					}
				}
			}
		}
		sh.mu.Unlock()
	}
	return graph
}
