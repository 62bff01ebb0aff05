package heapdb

// Filter is a selection operator: it passes through the tuples of its child
// for which `left op right` evaluates to true.
type Filter struct {
	op    BoolOp
	left  Expr
	right Expr
	child Operator
}

// Construct a filter operator over the child.
func NewFilter(constExpr Expr, op BoolOp, field Expr, child Operator) (*Filter, error) {
	return &Filter{op, field, constExpr, child}, nil
}

// Return a TupleDesc for this filter; the schema is unchanged from the child.
func (f *Filter) Descriptor() *TupleDesc {
	return f.child.Descriptor()
}

// Filter operator implementation.  Iterates over the results of the child
// iterator and returns the tuples that satisfy the predicate.
func (f *Filter) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := f.child.Iterator(tid)
	if err != nil {
		return nil, err
	}
	return func() (*Tuple, error) {
		for {
			t, err := childIter()
			if err != nil {
				return nil, err
			}
			if t == nil {
				return nil, nil
			}
			v1, err := f.left.EvalExpr(t)
			if err != nil {
				return nil, err
			}
			v2, err := f.right.EvalExpr(t)
			if err != nil {
				return nil, err
			}
			if v1.EvalPred(v2, f.op) {
				return t, nil
			}
		}
	}, nil
}
