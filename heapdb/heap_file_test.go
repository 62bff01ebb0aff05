package heapdb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHeapFileInsertAndIterate(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 10)
	bp := e.BufferPool()

	tid := NewTID()
	bp.BeginTransaction(tid)
	const n = 20
	for i := 0; i < n; i++ {
		if err := bp.InsertTuple(tid, hf.TableID(), testTuple("sam", int64(i))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	bp.CommitTransaction(tid)

	perPage := slotsPerPage(hf.Descriptor())
	wantPages := (n + perPage - 1) / perPage
	if hf.NumPages() != wantPages {
		t.Fatalf("expected %d pages for %d tuples, got %d", wantPages, n, hf.NumPages())
	}

	tid2 := NewTID()
	bp.BeginTransaction(tid2)
	iter, err := hf.Iterator(tid2)
	if err != nil {
		t.Fatalf("iterator: %v", err)
	}
	seen := map[int64]bool{}
	for {
		tup, err := iter()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if tup == nil {
			break
		}
		if _, ok := tup.Rid.(RecordID); !ok {
			t.Fatalf("tuple missing record id: %v", tup)
		}
		age := tup.Fields[1].(IntField).Value
		if seen[age] {
			t.Fatalf("tuple %d returned twice", age)
		}
		seen[age] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d tuples, saw %d", n, len(seen))
	}
	// the scan should have taken shared locks page by page
	for pageNo := 0; pageNo < hf.NumPages(); pageNo++ {
		if !bp.HoldsLock(tid2, hf.pageKey(pageNo)) {
			t.Fatalf("scan did not lock page %d", pageNo)
		}
	}
	bp.CommitTransaction(tid2)
}

func TestHeapFileDelete(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 10)
	bp := e.BufferPool()
	fillPages(t, e, hf, 1)

	tid := NewTID()
	bp.BeginTransaction(tid)
	iter, _ := hf.Iterator(tid)
	victim, err := iter()
	if err != nil || victim == nil {
		t.Fatalf("no tuple to delete: %v", err)
	}
	if err := bp.DeleteTuple(tid, victim); err != nil {
		t.Fatalf("delete: %v", err)
	}
	bp.CommitTransaction(tid)

	tid2 := NewTID()
	bp.BeginTransaction(tid2)
	iter2, _ := hf.Iterator(tid2)
	count := 0
	for {
		tup, err := iter2()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if tup == nil {
			break
		}
		if tup.equals(victim) {
			t.Fatalf("deleted tuple still present")
		}
		count++
	}
	if count != slotsPerPage(hf.Descriptor())-1 {
		t.Fatalf("expected %d tuples, got %d", slotsPerPage(hf.Descriptor())-1, count)
	}
	bp.CommitTransaction(tid2)
}

func TestHeapFileDeleteWithoutRid(t *testing.T) {
	withPageSize(t, 256)
	e, _ := testEngine(t, 10)
	bp := e.BufferPool()
	tid := NewTID()
	bp.BeginTransaction(tid)
	err := bp.DeleteTuple(tid, testTuple("norid", 0))
	if code, ok := errCodeOf(err); !ok || code != TupleNotFoundError {
		t.Fatalf("expected TupleNotFoundError, got %v", err)
	}
	bp.AbortTransaction(tid)
}

func TestHeapFileReadPageOutOfRange(t *testing.T) {
	withPageSize(t, 256)
	_, hf := testEngine(t, 10)
	if _, err := hf.readPage(0); err == nil {
		t.Fatalf("reading a page of an empty file did not fail")
	}
	if _, err := hf.readPage(-1); err == nil {
		t.Fatalf("reading a negative page did not fail")
	}
}

func TestHeapFileStableTableID(t *testing.T) {
	e, _ := testEngine(t, 10)
	path := filepath.Join(t.TempDir(), "t.dat")
	f1, _ := NewHeapFile(path, testDesc(), e.BufferPool())
	f2, _ := NewHeapFile(path, testDesc(), e.BufferPool())
	if f1.TableID() != f2.TableID() {
		t.Fatalf("same backing file produced different table ids")
	}
	if f1.pageKey(3) != (PageID{TableID: f1.TableID(), PageNo: 3}) {
		t.Fatalf("unexpected page key %v", f1.pageKey(3))
	}
}

// Loading a CSV and summing a column exercises load, scan, and field access
// together.
func TestHeapFileLoadFromCSV(t *testing.T) {
	withPageSize(t, 256)
	e, hf := testEngine(t, 10)

	csvPath := filepath.Join(t.TempDir(), "people.csv")
	csv := "name,age\nsam,25\ntim,30\njane,45\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0666); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	if err := hf.LoadFromCSV(f, true, ",", false); err != nil {
		t.Fatalf("LoadFromCSV: %v", err)
	}

	tid := NewTID()
	bp := e.BufferPool()
	bp.BeginTransaction(tid)
	iter, _ := hf.Iterator(tid)
	sum := int64(0)
	for {
		tup, err := iter()
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		if tup == nil {
			break
		}
		sum += tup.Fields[1].(IntField).Value
	}
	if sum != 100 {
		t.Fatalf("expected age sum 100, got %d", sum)
	}
	bp.CommitTransaction(tid)
}
