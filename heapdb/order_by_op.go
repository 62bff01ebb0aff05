package heapdb

import (
	"sort"
)

type OrderBy struct {
	orderBy   []Expr
	child     Operator
	ascending []bool
}

// Construct an order by operator.  orderByFields is a list of expressions
// extracted from the child operator's tuples, and the ascending list
// indicates whether the ith field should sort ascending (true) or descending
// (false).
func NewOrderBy(orderByFields []Expr, child Operator, ascending []bool) (*OrderBy, error) {
	if len(orderByFields) != len(ascending) {
		return nil, HeapDBError{IllegalOperationError, "order by requires one direction per key"}
	}
	return &OrderBy{
		orderBy:   orderByFields,
		child:     child,
		ascending: ascending,
	}, nil
}

// Return the tuple descriptor.  Order by changes only the order of the child
// tuples, not the fields that are emitted.
func (o *OrderBy) Descriptor() *TupleDesc {
	return o.child.Descriptor()
}

// Return a function that iterates through the results of the child iterator
// in the order specified in the constructor.  The sort is blocking: the
// child is drained and sorted up front, then results stream out one by one.
func (o *OrderBy) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := o.child.Iterator(tid)
	if err != nil {
		return nil, err
	}
	var all []*Tuple
	for {
		t, err := childIter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			break
		}
		all = append(all, t)
	}
	var sortErr error
	sort.SliceStable(all, func(i, j int) bool {
		for k, expr := range o.orderBy {
			ord, err := all[i].compareField(all[j], expr)
			if err != nil {
				sortErr = err
				return false
			}
			if ord == OrderedEqual {
				continue
			}
			if o.ascending[k] {
				return ord == OrderedLessThan
			}
			return ord == OrderedGreaterThan
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}
	count := 0
	return func() (*Tuple, error) {
		if count >= len(all) {
			return nil, nil
		}
		t := all[count]
		count++
		return t, nil
	}, nil
}
