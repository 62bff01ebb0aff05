package heapdb

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LockTable maps page ids to their locks and owns the wait-for graph the
// locks record blocking into.  The table mutex guards only the maps; each
// pageLock synchronizes itself, so acquisitions on different pages never
// serialize on the table.
//
// Lock ordering: table mutex, then one pageLock mutex, then the graph mutex.
// Two pageLock mutexes are never held at once.
type LockTable struct {
	mu    sync.Mutex
	locks map[PageID]*pageLock
	graph *WaitGraph
}

func NewLockTable() *LockTable {
	return &LockTable{
		locks: make(map[PageID]*pageLock),
		graph: NewWaitGraph(),
	}
}

// WaitGraph exposes the graph for the engine and for tests.
func (lt *LockTable) WaitGraph() *WaitGraph {
	return lt.graph
}

// getLock returns the lock for pid, creating it on first use.  The table
// mutex is released before the caller blocks on the page lock.
func (lt *LockTable) getLock(pid PageID) *pageLock {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.locks[pid]
	if !ok {
		l = newPageLock(pid, lt.graph)
		lt.locks[pid] = l
	}
	return l
}

// AcquireShared takes a shared lock on pid for tid, blocking until granted or
// failing with a deadlock abort.
func (lt *LockTable) AcquireShared(tid TransactionID, pid PageID) error {
	if tid == nil {
		return HeapDBError{IllegalTransactionError, "nil transaction id"}
	}
	err := lt.getLock(pid).sharedLock(tid)
	if err != nil && IsDeadlock(err) {
		log.WithFields(log.Fields{"tid": tidID(tid), "page": pid}).Warn("deadlock detected acquiring shared lock")
	}
	return err
}

// AcquireExclusive takes an exclusive lock on pid for tid, blocking until
// granted or failing with a deadlock abort.
func (lt *LockTable) AcquireExclusive(tid TransactionID, pid PageID) error {
	if tid == nil {
		return HeapDBError{IllegalTransactionError, "nil transaction id"}
	}
	err := lt.getLock(pid).exclusiveLock(tid)
	if err != nil && IsDeadlock(err) {
		log.WithFields(log.Fields{"tid": tidID(tid), "page": pid}).Warn("deadlock detected acquiring exclusive lock")
	}
	return err
}

func (lt *LockTable) lookup(pid PageID) (*pageLock, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	l, ok := lt.locks[pid]
	if !ok {
		return nil, HeapDBError{LockNotHeldError, fmt.Sprintf("no lock exists for page %v", pid)}
	}
	return l, nil
}

// ReleaseShared releases tid's shared lock on pid; fails with LockNotHeldError
// if tid does not hold it in shared mode.
func (lt *LockTable) ReleaseShared(tid TransactionID, pid PageID) error {
	l, err := lt.lookup(pid)
	if err != nil {
		return err
	}
	return l.releaseShared(tid)
}

// ReleaseExclusive releases tid's exclusive lock on pid; fails with
// LockNotHeldError if tid does not hold it in exclusive mode.
func (lt *LockTable) ReleaseExclusive(tid TransactionID, pid PageID) error {
	l, err := lt.lookup(pid)
	if err != nil {
		return err
	}
	return l.releaseExclusive(tid)
}

// IsLocked reports whether tid holds pid in either mode.
func (lt *LockTable) IsLocked(tid TransactionID, pid PageID) bool {
	lt.mu.Lock()
	l, ok := lt.locks[pid]
	lt.mu.Unlock()
	if !ok {
		return false
	}
	return l.isLocked(tid)
}

// TryRelease releases whatever tid holds on pid, if anything.
func (lt *LockTable) TryRelease(tid TransactionID, pid PageID) {
	lt.mu.Lock()
	l, ok := lt.locks[pid]
	lt.mu.Unlock()
	if !ok {
		return
	}
	l.tryRelease(tid)
}

// ReleaseAll releases every lock tid holds and removes its wait-graph node.
// The table mutex is held across the sweep; releases are short critical
// sections and the sweep runs once per transaction.
func (lt *LockTable) ReleaseAll(tid TransactionID) {
	lt.mu.Lock()
	for _, l := range lt.locks {
		l.tryRelease(tid)
	}
	lt.mu.Unlock()
	// A transaction that aborted out of a lock wait may never have released
	// its edges through a lock it held.
	lt.graph.GetNode(tid).ReleaseThis()
	lt.graph.mu.Lock()
	delete(lt.graph.nodes, tid)
	lt.graph.mu.Unlock()
}
