package heapdb

type DeleteOp struct {
	bufPool    *BufferPool
	deleteFile DBFile
	child      Operator
	res        *TupleDesc
}

// Construct a delete operator.  The delete operator deletes the records in
// the child Operator from the specified DBFile through the buffer pool.
func NewDeleteOp(bp *BufferPool, deleteFile DBFile, child Operator) *DeleteOp {
	return &DeleteOp{
		bufPool:    bp,
		deleteFile: deleteFile,
		child:      child,
		res: &TupleDesc{[]FieldType{{
			Fname: "count",
			Ftype: IntType,
		}}},
	}
}

// The delete TupleDesc is a one column descriptor with an integer field named
// "count".
func (d *DeleteOp) Descriptor() *TupleDesc {
	return d.res
}

// Return an iterator that deletes all of the tuples from the child iterator
// from the DBFile passed to the constructor and then returns a one-field
// tuple with a "count" field indicating the number of tuples that were
// deleted.
func (dop *DeleteOp) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := dop.child.Iterator(tid)
	if err != nil {
		return nil, err
	}
	done := false
	return func() (*Tuple, error) {
		if done {
			return nil, nil
		}
		// Materialize before deleting so the scan underneath is not mutated
		// while it runs.
		var victims []*Tuple
		for {
			t, err := childIter()
			if err != nil {
				return nil, err
			}
			if t == nil {
				break
			}
			victims = append(victims, t)
		}
		count := int64(0)
		for _, t := range victims {
			if err := dop.bufPool.DeleteTuple(tid, t); err != nil {
				return nil, err
			}
			count++
		}
		done = true
		return &Tuple{
			Desc:   *dop.Descriptor(),
			Fields: []DBValue{IntField{count}},
		}, nil
	}, nil
}
