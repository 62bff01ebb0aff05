package heapdb

type Project struct {
	selectFields []Expr
	outputNames  []string
	child        Operator
	distinct     bool
}

// Construct a projection operator.  selectFields is a list of expressions
// that represent the fields to be selected, outputNames are the names by
// which the selected fields are emitted (must be the same length as
// selectFields), distinct notes whether the projection reports only distinct
// results, and child is the child operator.
func NewProjectOp(selectFields []Expr, outputNames []string, distinct bool, child Operator) (Operator, error) {
	if len(selectFields) != len(outputNames) {
		return nil, HeapDBError{IllegalOperationError, "project requires one output name per selected field"}
	}
	return &Project{
		selectFields: selectFields,
		outputNames:  outputNames,
		distinct:     distinct,
		child:        child,
	}, nil
}

// Return a TupleDescriptor for this projection: one field per selected
// expression, renamed to the output names.
func (p *Project) Descriptor() *TupleDesc {
	desc := &TupleDesc{
		Fields: make([]FieldType, len(p.selectFields)),
	}
	for i := range p.selectFields {
		ft := p.selectFields[i].GetExprType()
		ft.Fname = p.outputNames[i]
		desc.Fields[i] = ft
	}
	return desc
}

// Project operator implementation.  Iterates over the results of the child,
// projecting out the fields from each tuple.  For a distinct projection,
// duplicate result tuples are dropped.
func (p *Project) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := p.child.Iterator(tid)
	if err != nil {
		return nil, err
	}
	desc := *p.Descriptor()
	var seenKeys map[any]struct{}
	if p.distinct {
		seenKeys = make(map[any]struct{})
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
			out := &Tuple{
				Desc:   desc,
				Fields: make([]DBValue, len(p.selectFields)),
			}
			for i, field := range p.selectFields {
				v, err := field.EvalExpr(t)
				if err != nil {
					return nil, err
				}
				out.Fields[i] = v
			}
			if p.distinct {
				key := out.tupleKey()
				if _, exists := seenKeys[key]; exists {
					continue
				}
				seenKeys[key] = struct{}{}
			}
			return out, nil
		}
	}, nil
}
