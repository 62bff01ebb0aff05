package heapdb

// BufferPool caches pages read from disk, bounded by a fixed capacity, and is
// the point where the lock discipline is enforced: every page request
// acquires the matching page lock before the cache is consulted.  Eviction is
// LRU over clean pages only (NO-STEAL), so a dirty page stays resident until
// its transaction commits or aborts.

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultPages is the buffer pool capacity used when no configuration says
// otherwise.
const DefaultPages = 50

type BufferPool struct {
	mu        sync.Mutex
	pages     map[PageID]Page
	lru       []PageID // head is the least recently used page
	numPages  int
	lockTable *LockTable
	catalog   *Catalog // set when the pool is wired into an Engine
	running   map[TransactionID]struct{}
}

// Create a new BufferPool that caches up to numPages pages, acquiring page
// locks through the supplied lock table.
func NewBufferPool(numPages int, lt *LockTable) *BufferPool {
	return &BufferPool{
		pages:     make(map[PageID]Page),
		numPages:  numPages,
		lockTable: lt,
		running:   make(map[TransactionID]struct{}),
	}
}

// LockTable returns the lock table this pool acquires page locks through.
func (bp *BufferPool) LockTable() *LockTable {
	return bp.lockTable
}

// Begin a new transaction.  Returns an error if the transaction is already
// running.
func (bp *BufferPool) BeginTransaction(tid TransactionID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if _, ok := bp.running[tid]; ok {
		return HeapDBError{IllegalTransactionError, fmt.Sprintf("transaction %d already running", tidID(tid))}
	}
	bp.running[tid] = struct{}{}
	return nil
}

// touchLocked moves pid to the most-recently-used end of the LRU list,
// appending it if absent.  Caller holds bp.mu.
func (bp *BufferPool) touchLocked(pid PageID) {
	for i, p := range bp.lru {
		if p == pid {
			bp.lru = append(bp.lru[:i], bp.lru[i+1:]...)
			break
		}
	}
	bp.lru = append(bp.lru, pid)
}

// evictLocked removes the least recently used clean page.  Under NO-STEAL a
// dirty page may not be written out early, so if every cached page is dirty
// the pool is stuck and the caller's transaction must abort.  Caller holds
// bp.mu.
func (bp *BufferPool) evictLocked() error {
	for i, pid := range bp.lru {
		page, ok := bp.pages[pid]
		if !ok || page.isDirty() {
			continue
		}
		// Clean by construction, so there is nothing to write back.
		delete(bp.pages, pid)
		bp.lru = append(bp.lru[:i], bp.lru[i+1:]...)
		log.WithFields(log.Fields{"page": pid}).Debug("evicted page")
		return nil
	}
	return HeapDBError{BufferPoolFullError, "buffer pool full: all cached pages are dirty"}
}

// Retrieve the specified page from the specified DBFile on behalf of the
// transaction, acquiring a shared lock for ReadPerm and an exclusive lock for
// WritePerm.  Blocks until the lock is granted; a deadlock surfaces as a
// DeadlockError, after which the caller must abort the transaction.  A full
// pool of dirty pages surfaces as BufferPoolFullError with the same
// expectation.
func (bp *BufferPool) GetPage(file DBFile, pageNo int, tid TransactionID, perm RWPerm) (Page, error) {
	bp.mu.Lock()
	_, alive := bp.running[tid]
	bp.mu.Unlock()
	if !alive {
		return nil, HeapDBError{IllegalTransactionError, fmt.Sprintf("transaction %d is not running", tidID(tid))}
	}

	pid := file.pageKey(pageNo)
	switch perm {
	case ReadPerm:
		if err := bp.lockTable.AcquireShared(tid, pid); err != nil {
			return nil, err
		}
	case WritePerm:
		if err := bp.lockTable.AcquireExclusive(tid, pid); err != nil {
			return nil, err
		}
	default:
		return nil, HeapDBError{BadPermissionError, fmt.Sprintf("unknown permission %d", perm)}
	}

	bp.mu.Lock()
	if page, ok := bp.pages[pid]; ok {
		bp.touchLocked(pid)
		bp.mu.Unlock()
		return page, nil
	}
	if len(bp.pages) >= bp.numPages {
		if err := bp.evictLocked(); err != nil {
			bp.mu.Unlock()
			return nil, err
		}
	}
	bp.mu.Unlock()

	// Disk read happens outside the pool mutex.  The page lock we hold does
	// not make the read exclusive: two readers may both miss and both load,
	// so recheck the cache before inserting.
	page, err := file.readPage(pageNo)
	if err != nil {
		return nil, err
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if existing, ok := bp.pages[pid]; ok {
		bp.touchLocked(pid)
		return existing, nil
	}
	if len(bp.pages) >= bp.numPages {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}
	bp.pages[pid] = page
	bp.touchLocked(pid)
	return page, nil
}

// Release the lock on a page without ending the transaction.  Breaks strict
// two-phase locking and may produce wrong answers under concurrency; exposed
// for tests.
func (bp *BufferPool) ReleasePage(tid TransactionID, pid PageID) {
	bp.lockTable.TryRelease(tid, pid)
}

// HoldsLock reports whether the transaction holds a lock on the page in
// either mode.
func (bp *BufferPool) HoldsLock(tid TransactionID, pid PageID) bool {
	return bp.lockTable.IsLocked(tid, pid)
}

// Commit the transaction: flush every page it dirtied, then release its
// locks.  The engine assumes the system does not crash mid-flush (NO-STEAL /
// FORCE, no write-ahead log).
func (bp *BufferPool) CommitTransaction(tid TransactionID) error {
	return bp.transactionComplete(tid, true)
}

// Abort the transaction: restore the before-image of every page it dirtied,
// then release its locks.  Pages stay resident.
func (bp *BufferPool) AbortTransaction(tid TransactionID) error {
	return bp.transactionComplete(tid, false)
}

func (bp *BufferPool) transactionComplete(tid TransactionID, commit bool) error {
	bp.mu.Lock()
	if _, ok := bp.running[tid]; !ok {
		bp.mu.Unlock()
		return HeapDBError{IllegalTransactionError, fmt.Sprintf("transaction %d is not running", tidID(tid))}
	}
	delete(bp.running, tid)
	var touched []Page
	for _, page := range bp.pages {
		if page.dirtier() == tid {
			touched = append(touched, page)
		}
	}
	bp.mu.Unlock()

	var firstErr error
	for _, page := range touched {
		if commit {
			if err := page.getFile().flushPage(page); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			page.setDirty(nil, false)
			page.setBeforeImage()
		} else {
			page.restoreBeforeImage()
			page.setDirty(nil, false)
		}
	}

	bp.lockTable.ReleaseAll(tid)
	log.WithFields(log.Fields{"tid": tidID(tid), "commit": commit, "pages": len(touched)}).Debug("transaction complete")
	return firstErr
}

// Add a tuple to the specified table on behalf of the transaction.  The
// file's insert reports the pages it touched; they are marked dirty here so
// the NO-STEAL machinery sees them.
func (bp *BufferPool) InsertTuple(tid TransactionID, tableID int, t *Tuple) error {
	if bp.catalog == nil {
		return HeapDBError{IllegalOperationError, "buffer pool has no catalog"}
	}
	file, err := bp.catalog.GetDBFile(tableID)
	if err != nil {
		return err
	}
	pages, err := file.insertTuple(t, tid)
	if err != nil {
		return err
	}
	for _, p := range pages {
		p.setDirty(tid, true)
	}
	return nil
}

// Remove the specified tuple, located through its record id, on behalf of the
// transaction.
func (bp *BufferPool) DeleteTuple(tid TransactionID, t *Tuple) error {
	if bp.catalog == nil {
		return HeapDBError{IllegalOperationError, "buffer pool has no catalog"}
	}
	rid, ok := t.Rid.(RecordID)
	if !ok {
		return HeapDBError{TupleNotFoundError, fmt.Sprintf("tuple has no record id (%T)", t.Rid)}
	}
	file, err := bp.catalog.GetDBFile(rid.PID.TableID)
	if err != nil {
		return err
	}
	pages, err := file.deleteTuple(t, tid)
	if err != nil {
		return err
	}
	for _, p := range pages {
		p.setDirty(tid, true)
	}
	return nil
}

// Flush every dirty page to disk.  Breaks NO-STEAL if used while
// transactions are running; maintenance and test use only.
func (bp *BufferPool) FlushAllPages() {
	bp.mu.Lock()
	var dirty []Page
	for _, page := range bp.pages {
		if page.isDirty() {
			dirty = append(dirty, page)
		}
	}
	bp.mu.Unlock()
	for _, page := range dirty {
		if err := page.getFile().flushPage(page); err != nil {
			log.WithFields(log.Fields{"page": page.pageID(), "err": err}).Warn("flush failed")
			continue
		}
		page.setDirty(nil, false)
		page.setBeforeImage()
	}
}

// DiscardPage drops the page from the cache without flushing it.  Used by
// tests and by callers that have invalidated the page out of band.
func (bp *BufferPool) DiscardPage(pid PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.pages, pid)
	for i, p := range bp.lru {
		if p == pid {
			bp.lru = append(bp.lru[:i], bp.lru[i+1:]...)
			break
		}
	}
}

// cachedPages reports how many pages are resident; for tests.
func (bp *BufferPool) cachedPages() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pages)
}
