package heapdb

import (
	"fmt"
	"sync"
)

// pageLock is the shared/exclusive lock protecting one page.  All state lives
// behind mu; cond.Wait is the only suspension point in the engine.
//
// The exclusive slot doubles as a reservation: a writer claims it before the
// remaining shared holders have drained, which blocks new readers and keeps
// writers from starving.  An upgrading writer stays in shared while it waits
// for the slot and removes itself as soon as it claims it, before draining.
type pageLock struct {
	mu        sync.Mutex
	cond      *sync.Cond
	shared    map[TransactionID]struct{}
	exclusive TransactionID
	graph     *WaitGraph
	pid       PageID
}

func newPageLock(pid PageID, graph *WaitGraph) *pageLock {
	l := &pageLock{
		shared: make(map[TransactionID]struct{}),
		graph:  graph,
		pid:    pid,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// waitOrAbort checks whether the wait edges just recorded for tid close a
// cycle, failing with a deadlock error instead of sleeping if they do.
// Called with l.mu held; the cond releases and reacquires it across the wait.
func (l *pageLock) waitOrAbort(tid TransactionID, node *WaitNode) error {
	if node.CheckCycle() {
		return deadlockError(tid)
	}
	l.cond.Wait()
	return nil
}

// sharedLock acquires a shared lock for tid, blocking while another
// transaction holds or has claimed exclusive access.  Re-entrant; an
// exclusive holder may take it as a no-op.
func (l *pageLock) sharedLock(tid TransactionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// An exclusive lock subsumes a shared one.
	if l.exclusive == tid {
		return nil
	}
	if _, ok := l.shared[tid]; ok {
		return nil
	}
	for l.exclusive != nil {
		node := l.graph.GetNode(tid)
		node.AddWait(l.exclusive)
		if err := l.waitOrAbort(tid, node); err != nil {
			return err
		}
	}
	l.shared[tid] = struct{}{}
	return nil
}

// exclusiveLock acquires an exclusive lock for tid.  The protocol runs in two
// stages: first claim the exclusive slot (waiting out any predecessor), then
// drain the remaining shared holders.  If tid held a shared lock, removing it
// between the stages performs the upgrade.
func (l *pageLock) exclusiveLock(tid TransactionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.exclusive != tid {
		for l.exclusive != nil {
			node := l.graph.GetNode(tid)
			node.AddWait(l.exclusive)
			if err := l.waitOrAbort(tid, node); err != nil {
				return err
			}
		}
		l.exclusive = tid
	}
	delete(l.shared, tid)
	for len(l.shared) > 0 {
		node := l.graph.GetNode(tid)
		node.AddWaitAll(l.shared)
		if err := l.waitOrAbort(tid, node); err != nil {
			return err
		}
	}
	return nil
}

// releaseShared drops tid's shared lock.  Waiting writers are woken only when
// the last shared holder leaves; nothing else can make progress sooner.
func (l *pageLock) releaseShared(tid TransactionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.shared[tid]; !ok {
		return HeapDBError{LockNotHeldError, fmt.Sprintf("transaction %d releasing shared lock on %v without acquiring", tidID(tid), l.pid)}
	}
	delete(l.shared, tid)
	l.graph.GetNode(tid).ReleaseThis()
	if len(l.shared) == 0 {
		l.cond.Broadcast()
	}
	return nil
}

// releaseExclusive drops tid's exclusive lock (or claim).
func (l *pageLock) releaseExclusive(tid TransactionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exclusive != tid || tid == nil {
		return HeapDBError{LockNotHeldError, fmt.Sprintf("transaction %d releasing exclusive lock on %v without acquiring", tidID(tid), l.pid)}
	}
	l.graph.GetNode(tid).ReleaseThis()
	l.exclusive = nil
	l.cond.Broadcast()
	return nil
}

// isLocked reports whether tid holds this lock in either mode.
func (l *pageLock) isLocked(tid TransactionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.shared[tid]; ok {
		return true
	}
	return l.exclusive == tid && tid != nil
}

// tryRelease releases whatever tid holds here, if anything.  Used during
// transaction cleanup, where holding nothing is not an error.
func (l *pageLock) tryRelease(tid TransactionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.shared[tid]; ok {
		delete(l.shared, tid)
		l.graph.GetNode(tid).ReleaseThis()
		if len(l.shared) == 0 {
			l.cond.Broadcast()
		}
	} else if l.exclusive == tid && tid != nil {
		l.graph.GetNode(tid).ReleaseThis()
		l.exclusive = nil
		l.cond.Broadcast()
	}
}
