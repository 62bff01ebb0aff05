package heapdb

import (
	"sort"
)

// EqualityJoin joins two child operators on equality of the left and right
// key expressions, using a sort-merge strategy: both inputs are drained,
// sorted on their keys, and merged.
type EqualityJoin struct {
	leftField, rightField Expr
	left, right           *Operator

	// Recorded from the constructor but not consulted: Iterator buffers both
	// inputs in full whatever its value.
	maxBufferSize int
}

// Constructor for a join of int or string key expressions.  Returns an error
// if the key types disagree.
func NewJoin(left Operator, leftField Expr, right Operator, rightField Expr, maxBufferSize int) (*EqualityJoin, error) {
	if leftField.GetExprType().Ftype != rightField.GetExprType().Ftype {
		return nil, HeapDBError{TypeMismatchError, "join key types do not match"}
	}
	switch leftField.GetExprType().Ftype {
	case IntType, StringType:
		return &EqualityJoin{leftField, rightField, &left, &right, maxBufferSize}, nil
	}
	return nil, HeapDBError{TypeMismatchError, "join keys must be int or string"}
}

// Return a TupleDesc for this join: the fields of the left descriptor
// followed by the fields of the right.
func (hj *EqualityJoin) Descriptor() *TupleDesc {
	return (*hj.left).Descriptor().merge((*hj.right).Descriptor())
}

// Join operator implementation: sort both inputs on their keys, then merge,
// emitting the cross product of each run of equal keys.
func (joinOp *EqualityJoin) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	leftIter, err := (*joinOp.left).Iterator(tid)
	if err != nil {
		return nil, err
	}
	leftTuples, err := fetchAllTuples(leftIter)
	if err != nil {
		return nil, err
	}
	rightIter, err := (*joinOp.right).Iterator(tid)
	if err != nil {
		return nil, err
	}
	rightTuples, err := fetchAllTuples(rightIter)
	if err != nil {
		return nil, err
	}

	if err := sortTupleList(leftTuples, joinOp.leftField); err != nil {
		return nil, err
	}
	if err := sortTupleList(rightTuples, joinOp.rightField); err != nil {
		return nil, err
	}

	li, ri := 0, 0
	var pending []*Tuple
	return func() (*Tuple, error) {
		for {
			if len(pending) > 0 {
				t := pending[0]
				pending = pending[1:]
				return t, nil
			}
			if li >= len(leftTuples) || ri >= len(rightTuples) {
				return nil, nil
			}
			lv, err := joinOp.leftField.EvalExpr(leftTuples[li])
			if err != nil {
				return nil, err
			}
			rv, err := joinOp.rightField.EvalExpr(rightTuples[ri])
			if err != nil {
				return nil, err
			}
			ord, err := compareFields(lv, rv)
			if err != nil {
				return nil, err
			}
			switch ord {
			case OrderedLessThan:
				li++
			case OrderedGreaterThan:
				ri++
			case OrderedEqual:
				lEnd, err := equalRunEnd(leftTuples, li, joinOp.leftField)
				if err != nil {
					return nil, err
				}
				rEnd, err := equalRunEnd(rightTuples, ri, joinOp.rightField)
				if err != nil {
					return nil, err
				}
				for i := li; i < lEnd; i++ {
					for j := ri; j < rEnd; j++ {
						pending = append(pending, joinTuples(leftTuples[i], rightTuples[j]))
					}
				}
				li, ri = lEnd, rEnd
			}
		}
	}, nil
}

func fetchAllTuples(iter func() (*Tuple, error)) ([]*Tuple, error) {
	var tuples []*Tuple
	for {
		t, err := iter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			return tuples, nil
		}
		tuples = append(tuples, t)
	}
}

func sortTupleList(tuples []*Tuple, field Expr) error {
	var sortErr error
	sort.SliceStable(tuples, func(i, j int) bool {
		ord, err := tuples[i].compareField(tuples[j], field)
		if err != nil {
			sortErr = err
			return false
		}
		return ord == OrderedLessThan
	})
	return sortErr
}

// equalRunEnd returns the index one past the run of tuples whose key equals
// the key at start.
func equalRunEnd(tuples []*Tuple, start int, field Expr) (int, error) {
	end := start + 1
	for end < len(tuples) {
		ord, err := tuples[start].compareField(tuples[end], field)
		if err != nil {
			return 0, err
		}
		if ord != OrderedEqual {
			break
		}
		end++
	}
	return end, nil
}
