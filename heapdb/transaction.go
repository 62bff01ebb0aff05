package heapdb

import "sync"

// TransactionID identifies a running transaction.  It is a pointer so that a
// nil TransactionID can mean "no transaction" (an undirtied page, a free
// exclusive slot) and so every call to NewTID yields a distinct, hashable id
// even if the counter were ever to wrap.
type TransactionID *int

var (
	tidMutex sync.Mutex
	nextTID  = 0
)

// NewTID returns a fresh transaction id.
func NewTID() TransactionID {
	tidMutex.Lock()
	defer tidMutex.Unlock()
	id := nextTID
	nextTID++
	return &id
}

// tidID returns the numeric value of a transaction id for log and error
// messages.  Returns -1 for a nil id.
func tidID(tid TransactionID) int {
	if tid == nil {
		return -1
	}
	return *tid
}
