package heapdb

// Core types shared across the storage engine: page identifiers, the Page and
// DBFile abstractions, permissions, and the iterator-based Operator interface
// that query operators and DBFiles implement.

// PageSize is the number of bytes in a page, including the slot bitmap
// header.  It is a variable rather than a constant so tests can shrink pages
// to force eviction with small data sets.
var PageSize = 4096

// StringLength is the fixed width, in bytes, of the payload of a string field
// on disk.  Longer strings are truncated when a tuple is serialized.
var StringLength = 32

// RWPerm is the permission with which a transaction requests a page through
// the buffer pool.  ReadPerm acquires a shared lock, WritePerm an exclusive
// lock.
type RWPerm int

const (
	ReadPerm  RWPerm = iota
	WritePerm RWPerm = iota
)

// PageID identifies a page as (table, page number).  It is a value type so it
// can key the buffer pool cache and the lock table directly.
type PageID struct {
	TableID int
	PageNo  int
}

// RecordID identifies a tuple as (page, slot).  Set on tuples returned by
// iterators so that deletes can find the slot they came from.
type RecordID struct {
	PID  PageID
	Slot int
}

// Page is the unit of caching in the buffer pool.  Pages track which
// transaction dirtied them and keep a byte-exact before-image so an abort can
// revert in memory without re-reading disk.
type Page interface {
	isDirty() bool
	dirtier() TransactionID
	setDirty(tid TransactionID, dirty bool)
	getFile() DBFile
	pageID() PageID
	setBeforeImage()
	restoreBeforeImage()
}

// Operator is the iterator interface implemented by query operators and by
// DBFiles (a DBFile iterates as a sequential scan).  Iterator returns a
// function that returns tuples one at a time, and nil when exhausted.
type Operator interface {
	Descriptor() *TupleDesc
	Iterator(tid TransactionID) (func() (*Tuple, error), error)
}

// DBFile is the interface for database files backing tables.  insertTuple and
// deleteTuple return the pages they modified; the buffer pool is responsible
// for marking those pages dirty.
type DBFile interface {
	Operator
	insertTuple(t *Tuple, tid TransactionID) ([]Page, error)
	deleteTuple(t *Tuple, tid TransactionID) ([]Page, error)
	readPage(pageNo int) (Page, error)
	flushPage(p Page) error
	NumPages() int
	TableID() int
	pageKey(pgNo int) PageID
}

// BoolOp is a comparison operator used by predicates and expressions.
type BoolOp int

const (
	OpGt BoolOp = iota
	OpLt
	OpGe
	OpLe
	OpEq
	OpNeq
	OpLike
)

var opNames = map[BoolOp]string{
	OpGt: ">", OpLt: "<", OpGe: ">=", OpLe: "<=", OpEq: "=", OpNeq: "<>", OpLike: "like",
}

func (op BoolOp) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "??"
}
