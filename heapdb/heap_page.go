package heapdb

import (
	"bytes"
	"fmt"
)

// heapPage implements Page for pages of HeapFiles.
//
// On disk a page is PageSize bytes: a header of ceil(numSlots/8) bytes where
// bit i is set iff slot i holds a tuple, followed by numSlots fixed-width
// tuple slots, followed by zero padding.  With tupleSize bytes per tuple,
//
//	numSlots = (PageSize * 8) / (tupleSize*8 + 1)
//
// since each tuple costs its own bytes plus one header bit.  Slots live at
// fixed offsets, so a tuple keeps its slot (and therefore its RecordID) for
// as long as it lives on the page.
type heapPage struct {
	pageNo      int
	numSlots    int
	numUsed     int
	desc        *TupleDesc
	file        *HeapFile
	tuples      []*Tuple
	dirty       bool
	dirtiedBy   TransactionID
	beforeImage []byte
}

// slotsPerPage computes the slot count for a page holding tuples of the
// given descriptor.
func slotsPerPage(desc *TupleDesc) int {
	return (PageSize * 8) / (desc.bytesPerTuple()*8 + 1)
}

// headerSize is the number of bitmap bytes at the front of the page.
func headerSize(numSlots int) int {
	return (numSlots + 7) / 8
}

// Construct a new, empty heap page.
func newHeapPage(desc *TupleDesc, pageNo int, f *HeapFile) (*heapPage, error) {
	numSlots := slotsPerPage(desc)
	if numSlots <= 0 {
		return nil, HeapDBError{MalformedDataError, fmt.Sprintf("tuples of %d bytes do not fit in a %d byte page", desc.bytesPerTuple(), PageSize)}
	}
	p := &heapPage{
		pageNo:   pageNo,
		numSlots: numSlots,
		desc:     desc,
		file:     f,
		tuples:   make([]*Tuple, numSlots),
	}
	return p, nil
}

func (h *heapPage) getNumSlots() int {
	return h.numSlots
}

func (h *heapPage) getNumEmptySlots() int {
	return h.numSlots - h.numUsed
}

func (h *heapPage) pageID() PageID {
	return PageID{TableID: h.file.TableID(), PageNo: h.pageNo}
}

// Insert the tuple into the first free slot on the page, or return an error
// if the page is full.  Sets the tuple's rid and returns it.
func (h *heapPage) insertTuple(t *Tuple) (RecordID, error) {
	for slot, tup := range h.tuples {
		if tup != nil {
			continue
		}
		rid := RecordID{PID: h.pageID(), Slot: slot}
		h.tuples[slot] = &Tuple{
			Desc:   *h.desc,
			Fields: t.Fields,
			Rid:    rid,
		}
		h.numUsed++
		t.Rid = rid
		// Dirty immediately so the page cannot be evicted before the buffer
		// pool attributes the mutation to a transaction.
		h.dirty = true
		return rid, nil
	}
	return RecordID{}, HeapDBError{PageFullError, fmt.Sprintf("no free slots on page %v", h.pageID())}
}

// Delete the tuple at the specified record id, or return an error if the id
// does not name an occupied slot on this page.
func (h *heapPage) deleteTuple(rid recordID) error {
	r, ok := rid.(RecordID)
	if !ok {
		return HeapDBError{TupleNotFoundError, fmt.Sprintf("invalid record id type %T", rid)}
	}
	if r.PID != h.pageID() {
		return HeapDBError{TupleNotFoundError, fmt.Sprintf("record %v does not belong to page %v", r, h.pageID())}
	}
	if r.Slot < 0 || r.Slot >= len(h.tuples) || h.tuples[r.Slot] == nil {
		return HeapDBError{TupleNotFoundError, fmt.Sprintf("no tuple in slot %d of page %v", r.Slot, h.pageID())}
	}
	h.tuples[r.Slot] = nil
	h.numUsed--
	h.dirty = true
	return nil
}

func (h *heapPage) isDirty() bool {
	return h.dirty
}

func (h *heapPage) dirtier() TransactionID {
	return h.dirtiedBy
}

func (h *heapPage) setDirty(tid TransactionID, dirty bool) {
	h.dirty = dirty
	if dirty {
		h.dirtiedBy = tid
	} else {
		h.dirtiedBy = nil
	}
}

func (h *heapPage) getFile() DBFile {
	return h.file
}

// setBeforeImage snapshots the current page bytes.  Taken when the page is
// loaded and again after a committing flush, so an abort can always fall back
// to the last durable state.
func (h *heapPage) setBeforeImage() {
	buf, err := h.toBuffer()
	if err != nil {
		return
	}
	h.beforeImage = buf.Bytes()
}

// restoreBeforeImage rewinds the in-memory page to its snapshot.  The
// snapshot always matches the on-disk bytes under NO-STEAL, so this is
// equivalent to re-reading the page from disk.
func (h *heapPage) restoreBeforeImage() {
	if h.beforeImage == nil {
		return
	}
	img := make([]byte, len(h.beforeImage))
	copy(img, h.beforeImage)
	h.initFromBuffer(bytes.NewBuffer(img))
}

// Serialize the page: bitmap header, then every slot at its fixed offset
// (zero bytes for free slots), then padding out to PageSize.
func (h *heapPage) toBuffer() (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	header := make([]byte, headerSize(h.numSlots))
	for slot, tup := range h.tuples {
		if tup != nil {
			header[slot/8] |= 1 << uint(slot%8)
		}
	}
	if _, err := buf.Write(header); err != nil {
		return nil, err
	}
	tupleSize := h.desc.bytesPerTuple()
	empty := make([]byte, tupleSize)
	for _, tup := range h.tuples {
		if tup == nil {
			if _, err := buf.Write(empty); err != nil {
				return nil, err
			}
			continue
		}
		if err := tup.writeTo(buf); err != nil {
			return nil, err
		}
	}
	if buf.Len() > PageSize {
		return nil, HeapDBError{MalformedDataError, fmt.Sprintf("page %v serialized to %d bytes", h.pageID(), buf.Len())}
	}
	if _, err := buf.Write(make([]byte, PageSize-buf.Len())); err != nil {
		return nil, err
	}
	return buf, nil
}

// Read the page contents from the supplied buffer, the inverse of toBuffer.
func (h *heapPage) initFromBuffer(buf *bytes.Buffer) error {
	header := make([]byte, headerSize(h.numSlots))
	if _, err := buf.Read(header); err != nil {
		return err
	}
	tupleSize := h.desc.bytesPerTuple()
	h.tuples = make([]*Tuple, h.numSlots)
	h.numUsed = 0
	for slot := 0; slot < h.numSlots; slot++ {
		used := header[slot/8]&(1<<uint(slot%8)) != 0
		if !used {
			buf.Next(tupleSize)
			continue
		}
		tup, err := readTupleFrom(buf, h.desc)
		if err != nil {
			return err
		}
		tup.Rid = RecordID{PID: h.pageID(), Slot: slot}
		h.tuples[slot] = tup
		h.numUsed++
	}
	return nil
}

// Return a function that iterates through the occupied slots of the page in
// slot order.  Returns nil, nil once exhausted.
func (h *heapPage) tupleIter() func() (*Tuple, error) {
	slot := 0
	return func() (*Tuple, error) {
		for slot < len(h.tuples) {
			t := h.tuples[slot]
			slot++
			if t != nil {
				return t, nil
			}
		}
		return nil, nil
	}
}
