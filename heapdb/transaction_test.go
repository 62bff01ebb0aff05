package heapdb

import (
	"sync"
	"testing"
	"time"
)

// Two transactions each hold one page exclusively and then request the
// other's page through the buffer pool.  One must be aborted with a deadlock
// error; after rolling it back, the other must run to completion.
func TestBufferPoolDeadlockAbort(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 10)
	fillPages(t, e, hf, 2)
	bp := e.BufferPool()

	tid1, tid2 := NewTID(), NewTID()
	bp.BeginTransaction(tid1)
	bp.BeginTransaction(tid2)
	if _, err := bp.GetPage(hf, 0, tid1, WritePerm); err != nil {
		t.Fatalf("tid1 GetPage(0): %v", err)
	}
	if _, err := bp.GetPage(hf, 1, tid2, WritePerm); err != nil {
		t.Fatalf("tid2 GetPage(1): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := bp.GetPage(hf, 1, tid1, WritePerm)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := bp.GetPage(hf, 0, tid2, WritePerm)
	if err == nil || !IsDeadlock(err) {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	if err := bp.AbortTransaction(tid2); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("surviving transaction failed: %v", err)
	}
	if err := bp.CommitTransaction(tid1); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// Concurrent single-insert transactions must all land exactly once: the page
// locks serialize slot allocation and commits flush every page.
func TestConcurrentInsertTransactions(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 50)
	bp := e.BufferPool()

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				val := int64(w*perWorker + i)
				for {
					tid := NewTID()
					if err := bp.BeginTransaction(tid); err != nil {
						t.Errorf("begin: %v", err)
						return
					}
					err := bp.InsertTuple(tid, hf.TableID(), testTuple("w", val))
					if err == nil {
						if err := bp.CommitTransaction(tid); err != nil {
							t.Errorf("commit: %v", err)
						}
						break
					}
					bp.AbortTransaction(tid)
					if !IsDeadlock(err) {
						t.Errorf("insert: %v", err)
						return
					}
					// deadlock victim: retry the whole transaction
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	wg.Wait()

	tid := NewTID()
	bp.BeginTransaction(tid)
	iter, err := hf.Iterator(tid)
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	seen := map[int64]int{}
	for {
		tup, err := iter()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if tup == nil {
			break
		}
		seen[tup.Fields[1].(IntField).Value]++
	}
	bp.CommitTransaction(tid)
	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d distinct tuples, saw %d", workers*perWorker, len(seen))
	}
	for val, n := range seen {
		if n != 1 {
			t.Fatalf("tuple %d inserted %d times", val, n)
		}
	}
}

// A scan started by one transaction must not observe another transaction's
// uncommitted insert once that transaction aborts.
func TestAbortedInsertInvisible(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 10)
	fillPages(t, e, hf, 1)
	bp := e.BufferPool()

	writer := NewTID()
	bp.BeginTransaction(writer)
	if err := bp.InsertTuple(writer, hf.TableID(), testTuple("phantom", 999)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	bp.AbortTransaction(writer)

	reader := NewTID()
	bp.BeginTransaction(reader)
	iter, _ := hf.Iterator(reader)
	for {
		tup, err := iter()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if tup == nil {
			break
		}
		if tup.Fields[1].(IntField).Value == 999 {
			t.Fatalf("aborted insert is visible to a later reader")
		}
	}
	bp.CommitTransaction(reader)
}
