package heapdb

import log "github.com/sirupsen/logrus"

// Engine bundles the process-wide pieces of the storage engine: the lock
// table (which owns the wait-for graph), the buffer pool, and the catalog.
// It is an explicit value threaded through callers rather than package-level
// state, so tests and embedders can run several engines side by side.
type Engine struct {
	lockTable *LockTable
	bufPool   *BufferPool
	catalog   *Catalog
}

// NewEngine wires up an engine with a buffer pool of numPages pages.
func NewEngine(numPages int) *Engine {
	lt := NewLockTable()
	bp := NewBufferPool(numPages, lt)
	c := NewCatalog(bp)
	bp.catalog = c
	log.WithFields(log.Fields{"buffer_pages": numPages, "page_size": PageSize}).Info("engine started")
	return &Engine{lockTable: lt, bufPool: bp, catalog: c}
}

func (e *Engine) BufferPool() *BufferPool {
	return e.bufPool
}

func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

func (e *Engine) LockTable() *LockTable {
	return e.lockTable
}
