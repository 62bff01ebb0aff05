package heapdb

type InsertOp struct {
	bufPool    *BufferPool
	insertFile DBFile
	child      Operator
	res        *TupleDesc
}

// Construct an insert operator that inserts the records in the child Operator
// into the specified DBFile through the buffer pool.
func NewInsertOp(bp *BufferPool, insertFile DBFile, child Operator) *InsertOp {
	return &InsertOp{
		bufPool:    bp,
		insertFile: insertFile,
		child:      child,
		res: &TupleDesc{[]FieldType{{
			Fname: "count",
			Ftype: IntType,
		}}},
	}
}

// The insert TupleDesc is a one column descriptor with an integer field named
// "count".
func (i *InsertOp) Descriptor() *TupleDesc {
	return i.res
}

// Return an iterator function that inserts all of the tuples from the child
// iterator into the DBFile passed to the constructor and then returns a
// one-field tuple with a "count" field indicating the number of tuples that
// were inserted.
func (iop *InsertOp) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := iop.child.Iterator(tid)
	if err != nil {
		return nil, err
	}
	done := false
	return func() (*Tuple, error) {
		if done {
			return nil, nil
		}
		count := int64(0)
		for {
			t, err := childIter()
			if err != nil {
				return nil, err
			}
			if t == nil {
				break
			}
			if err := iop.bufPool.InsertTuple(tid, iop.insertFile.TableID(), t); err != nil {
				return nil, err
			}
			count++
		}
		done = true
		return &Tuple{
			Desc:   *iop.Descriptor(),
			Fields: []DBValue{IntField{count}},
		}, nil
	}, nil
}
