package heapdb

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// A HeapFile is an unordered collection of tuples stored as a sequence of
// PageSize pages in a single backing file; page n lives at byte offset
// n*PageSize.  All page access goes through the buffer pool so that the lock
// discipline and the cache see every read and write.
//
// HeapFile is public because external callers may wish to populate tables
// with LoadFromCSV.
type HeapFile struct {
	backingFile string
	tupleDesc   *TupleDesc
	bufPool     *BufferPool
	id          int
	// guards file growth; two inserters must not both append page n.
	growMutex sync.Mutex
}

// Create a HeapFile backed by fromFile, which may be empty or a previously
// created heap file.  The table id is derived from the backing file name, so
// the same file always produces the same page ids.
func NewHeapFile(fromFile string, td *TupleDesc, bp *BufferPool) (*HeapFile, error) {
	if td == nil || len(td.Fields) == 0 {
		return nil, HeapDBError{MalformedDataError, "heap file requires a tuple descriptor"}
	}
	h := fnv.New32a()
	h.Write([]byte(fromFile))
	return &HeapFile{
		backingFile: fromFile,
		tupleDesc:   td,
		bufPool:     bp,
		id:          int(h.Sum32()),
	}, nil
}

// Return the name of the backing file.
func (f *HeapFile) BackingFile() string {
	return f.backingFile
}

// TableID returns the identifier used as the table component of this file's
// page ids.
func (f *HeapFile) TableID() int {
	return f.id
}

// pageKey returns the PageID for the given page of this file.
func (f *HeapFile) pageKey(pgNo int) PageID {
	return PageID{TableID: f.id, PageNo: pgNo}
}

// Return the number of pages in the heap file.
func (f *HeapFile) NumPages() int {
	fileInfo, err := os.Stat(f.backingFile)
	if err != nil {
		return 0
	}
	numPages := int(fileInfo.Size() / int64(PageSize))
	if fileInfo.Size()%int64(PageSize) != 0 {
		numPages++
	}
	return numPages
}

// Read the specified page number from the file on disk.  Called by
// BufferPool.GetPage when the page is not cached; everyone else should go
// through the buffer pool.
func (f *HeapFile) readPage(pageNo int) (Page, error) {
	if pageNo < 0 || pageNo >= f.NumPages() {
		return nil, HeapDBError{BadPageIDError, fmt.Sprintf("page %d does not exist in %s (%d pages)", pageNo, f.backingFile, f.NumPages())}
	}
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, HeapDBError{IOError, fmt.Sprintf("failed to open %s: %v", f.backingFile, err)}
	}
	defer file.Close()

	data := make([]byte, PageSize)
	if _, err := file.ReadAt(data, int64(pageNo*PageSize)); err != nil && err != io.EOF {
		return nil, HeapDBError{IOError, fmt.Sprintf("failed to read page %d of %s: %v", pageNo, f.backingFile, err)}
	}
	page, err := newHeapPage(f.tupleDesc, pageNo, f)
	if err != nil {
		return nil, err
	}
	if err := page.initFromBuffer(bytes.NewBuffer(data)); err != nil {
		return nil, HeapDBError{MalformedDataError, fmt.Sprintf("failed to decode page %d of %s: %v", pageNo, f.backingFile, err)}
	}
	page.setBeforeImage()
	return page, nil
}

// Force the specified page back to the backing file at its offset.  Called by
// the buffer pool when committing; dirty-flag bookkeeping stays with the
// caller.
func (f *HeapFile) flushPage(p Page) error {
	page, ok := p.(*heapPage)
	if !ok {
		return HeapDBError{TypeMismatchError, fmt.Sprintf("heap file cannot flush a %T", p)}
	}
	buf, err := page.toBuffer()
	if err != nil {
		return err
	}
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return HeapDBError{IOError, fmt.Sprintf("failed to open %s: %v", f.backingFile, err)}
	}
	defer file.Close()
	if _, err := file.WriteAt(buf.Bytes(), int64(page.pageNo*PageSize)); err != nil {
		return HeapDBError{IOError, fmt.Sprintf("failed to write page %d of %s: %v", page.pageNo, f.backingFile, err)}
	}
	return nil
}

// appendEmptyPage grows the file by one zero-initialized page and returns its
// page number.  Caller must hold growMutex.
func (f *HeapFile) appendEmptyPage() (int, error) {
	pageNo := f.NumPages()
	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return 0, HeapDBError{IOError, fmt.Sprintf("failed to open %s: %v", f.backingFile, err)}
	}
	defer file.Close()
	if _, err := file.WriteAt(make([]byte, PageSize), int64(pageNo*PageSize)); err != nil {
		return 0, HeapDBError{IOError, fmt.Sprintf("failed to grow %s: %v", f.backingFile, err)}
	}
	log.WithFields(log.Fields{"table": f.id, "page": pageNo}).Debug("heap file grown by one page")
	return pageNo, nil
}

// Add the tuple to the heap file: scan pages in order for a free slot under a
// write lock, and if every page is full, extend the file by one empty page
// and place the tuple there.  Returns the pages modified; the buffer pool
// marks them dirty.
func (f *HeapFile) insertTuple(t *Tuple, tid TransactionID) ([]Page, error) {
	if len(t.Fields) != len(f.tupleDesc.Fields) {
		return nil, HeapDBError{TypeMismatchError, fmt.Sprintf("tuple with %d fields does not match table with %d", len(t.Fields), len(f.tupleDesc.Fields))}
	}
	for {
		for pageNo := 0; pageNo < f.NumPages(); pageNo++ {
			p, err := f.bufPool.GetPage(f, pageNo, tid, WritePerm)
			if err != nil {
				return nil, err
			}
			hp := p.(*heapPage)
			if hp.getNumEmptySlots() == 0 {
				continue
			}
			if _, err := hp.insertTuple(t); err != nil {
				return nil, err
			}
			return []Page{p}, nil
		}

		// The grow mutex covers only the append.  It must be released before
		// the page lock is taken: holding it across GetPage could deadlock
		// with another inserter through an edge the wait graph cannot see.
		f.growMutex.Lock()
		pageNo, err := f.appendEmptyPage()
		f.growMutex.Unlock()
		if err != nil {
			return nil, err
		}
		p, err := f.bufPool.GetPage(f, pageNo, tid, WritePerm)
		if err != nil {
			return nil, err
		}
		hp := p.(*heapPage)
		if _, err := hp.insertTuple(t); err == nil {
			return []Page{p}, nil
		}
		// A competing transaction filled the fresh page first; rescan.
	}
}

// Remove the tuple identified by t.Rid from the heap file.  Returns the page
// modified; the buffer pool marks it dirty.
func (f *HeapFile) deleteTuple(t *Tuple, tid TransactionID) ([]Page, error) {
	rid, ok := t.Rid.(RecordID)
	if !ok {
		return nil, HeapDBError{TupleNotFoundError, fmt.Sprintf("tuple has no record id (%T)", t.Rid)}
	}
	if rid.PID.TableID != f.id {
		return nil, HeapDBError{TupleNotFoundError, fmt.Sprintf("record %v does not belong to table %d", rid, f.id)}
	}
	p, err := f.bufPool.GetPage(f, rid.PID.PageNo, tid, WritePerm)
	if err != nil {
		return nil, err
	}
	hp := p.(*heapPage)
	if err := hp.deleteTuple(rid); err != nil {
		return nil, err
	}
	return []Page{p}, nil
}

// Operator descriptor method.
func (f *HeapFile) Descriptor() *TupleDesc {
	return f.tupleDesc
}

// Operator iterator method: walk the pages of the file in order through the
// buffer pool, acquiring a shared lock page by page, and yield the tuples of
// each page.
func (f *HeapFile) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	pageNo := 0
	var pageIter func() (*Tuple, error)
	return func() (*Tuple, error) {
		for {
			if pageIter == nil {
				if pageNo >= f.NumPages() {
					return nil, nil
				}
				p, err := f.bufPool.GetPage(f, pageNo, tid, ReadPerm)
				if err != nil {
					return nil, err
				}
				pageIter = p.(*heapPage).tupleIter()
			}
			t, err := pageIter()
			if err != nil {
				return nil, err
			}
			if t != nil {
				t.Desc = *f.tupleDesc
				return t, nil
			}
			pageIter = nil
			pageNo++
		}
	}, nil
}

// Load the contents of a heap file from a CSV file.  hasHeader indicates
// whether to skip the first line, sep is the field separator, and
// skipLastField drops the final field (some TPC data sets carry a trailing
// separator on each line).  Each line is inserted under its own transaction.
func (f *HeapFile) LoadFromCSV(file *os.File, hasHeader bool, sep string, skipLastField bool) error {
	scanner := bufio.NewScanner(file)
	cnt := 0
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, sep)
		if skipLastField {
			fields = fields[0 : len(fields)-1]
		}
		numFields := len(fields)
		cnt++
		desc := f.Descriptor()
		if desc == nil || desc.Fields == nil {
			return HeapDBError{MalformedDataError, "descriptor was nil"}
		}
		if numFields != len(desc.Fields) {
			return HeapDBError{MalformedDataError, fmt.Sprintf("LoadFromCSV: line %d (%s) does not have expected number of fields (expected %d, got %d)", cnt, line, len(desc.Fields), numFields)}
		}
		if cnt == 1 && hasHeader {
			continue
		}
		var newFields []DBValue
		for fno, field := range fields {
			switch desc.Fields[fno].Ftype {
			case IntType:
				field = strings.TrimSpace(field)
				intValue, err := strconv.ParseInt(field, 10, 64)
				if err != nil {
					return HeapDBError{TypeMismatchError, fmt.Sprintf("LoadFromCSV: couldn't convert value %s to int, tuple %d", field, cnt)}
				}
				newFields = append(newFields, IntField{intValue})
			case StringType:
				if len(field) > StringLength {
					field = field[0:StringLength]
				}
				newFields = append(newFields, StringField{field})
			}
		}
		newT := Tuple{*desc, newFields, nil}

		tid := NewTID()
		bp := f.bufPool
		if err := bp.BeginTransaction(tid); err != nil {
			return err
		}
		pages, err := f.insertTuple(&newT, tid)
		if err != nil {
			bp.AbortTransaction(tid)
			return err
		}
		for _, p := range pages {
			p.setDirty(tid, true)
		}
		if err := bp.CommitTransaction(tid); err != nil {
			return err
		}
	}
	return nil
}
