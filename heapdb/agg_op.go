package heapdb

// Aggregation states and the aggregation operator.  Each AggState accumulates
// one aggregate (count, sum, ...) over the tuples fed to it; the Aggregator
// operator drives one set of states per group.

// AggState is the interface for an aggregation state.
type AggState interface {
	// Initializes an aggregation state, supplied with an output alias and an
	// expression evaluating an input tuple to the aggregated value.
	Init(alias string, expr Expr) error

	// Makes a copy of the aggregation state.
	Copy() AggState

	// Adds a tuple to the aggregation state.
	AddTuple(*Tuple)

	// Returns the final result of the aggregation as a tuple.
	Finalize() *Tuple

	// Gets the tuple description of the tuple that Finalize() returns.
	GetTupleDesc() *TupleDesc
}

// CountAggState implements the aggregation state for COUNT.
type CountAggState struct {
	alias string
	expr  Expr
	count int
}

func (a *CountAggState) Copy() AggState {
	return &CountAggState{a.alias, a.expr, a.count}
}

func (a *CountAggState) Init(alias string, expr Expr) error {
	a.count = 0
	a.expr = expr
	a.alias = alias
	return nil
}

func (a *CountAggState) AddTuple(t *Tuple) {
	a.count++
}

func (a *CountAggState) Finalize() *Tuple {
	return &Tuple{*a.GetTupleDesc(), []DBValue{IntField{int64(a.count)}}, nil}
}

func (a *CountAggState) GetTupleDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{a.alias, "", IntType}}}
}

// SumAggState implements the aggregation state for SUM over int fields.
type SumAggState struct {
	sum   int64
	alias string
	expr  Expr
}

func (a *SumAggState) Copy() AggState {
	return &SumAggState{a.sum, a.alias, a.expr}
}

func (a *SumAggState) Init(alias string, expr Expr) error {
	a.sum = 0
	a.alias = alias
	a.expr = expr
	return nil
}

func (a *SumAggState) AddTuple(t *Tuple) {
	v, err := a.expr.EvalExpr(t)
	if err != nil {
		return
	}
	if f, ok := v.(IntField); ok {
		a.sum += f.Value
	}
}

func (a *SumAggState) GetTupleDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{a.alias, "", IntType}}}
}

func (a *SumAggState) Finalize() *Tuple {
	return &Tuple{*a.GetTupleDesc(), []DBValue{IntField{a.sum}}, nil}
}

// AvgAggState implements the aggregation state for AVG over int fields,
// reported as the integer quotient of sum and count.
type AvgAggState struct {
	alias string
	expr  Expr
	count int64
	sum   int64
}

func (a *AvgAggState) Copy() AggState {
	return &AvgAggState{a.alias, a.expr, a.count, a.sum}
}

func (a *AvgAggState) Init(alias string, expr Expr) error {
	a.alias = alias
	a.expr = expr
	a.sum = 0
	a.count = 0
	return nil
}

func (a *AvgAggState) AddTuple(t *Tuple) {
	v, err := a.expr.EvalExpr(t)
	if err != nil {
		return
	}
	if f, ok := v.(IntField); ok {
		a.sum += f.Value
		a.count++
	}
}

func (a *AvgAggState) GetTupleDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{a.alias, "", IntType}}}
}

func (a *AvgAggState) Finalize() *Tuple {
	avg := int64(0)
	if a.count > 0 {
		avg = a.sum / a.count
	}
	return &Tuple{*a.GetTupleDesc(), []DBValue{IntField{avg}}, nil}
}

// MaxAggState implements the aggregation state for MAX over int or string
// fields.
type MaxAggState struct {
	maximum DBValue
	alias   string
	expr    Expr
}

func (a *MaxAggState) Copy() AggState {
	return &MaxAggState{a.maximum, a.alias, a.expr}
}

func (a *MaxAggState) Init(alias string, expr Expr) error {
	a.maximum = nil
	a.alias = alias
	a.expr = expr
	return nil
}

func (a *MaxAggState) AddTuple(t *Tuple) {
	v, err := a.expr.EvalExpr(t)
	if err != nil {
		return
	}
	if a.maximum == nil || v.EvalPred(a.maximum, OpGt) {
		a.maximum = v
	}
}

func (a *MaxAggState) GetTupleDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{a.alias, "", a.expr.GetExprType().Ftype}}}
}

func (a *MaxAggState) Finalize() *Tuple {
	return &Tuple{*a.GetTupleDesc(), []DBValue{a.maximum}, nil}
}

// MinAggState implements the aggregation state for MIN over int or string
// fields.
type MinAggState struct {
	minimum DBValue
	alias   string
	expr    Expr
}

func (a *MinAggState) Copy() AggState {
	return &MinAggState{a.minimum, a.alias, a.expr}
}

func (a *MinAggState) Init(alias string, expr Expr) error {
	a.minimum = nil
	a.alias = alias
	a.expr = expr
	return nil
}

func (a *MinAggState) AddTuple(t *Tuple) {
	v, err := a.expr.EvalExpr(t)
	if err != nil {
		return
	}
	if a.minimum == nil || v.EvalPred(a.minimum, OpLt) {
		a.minimum = v
	}
}

func (a *MinAggState) GetTupleDesc() *TupleDesc {
	return &TupleDesc{Fields: []FieldType{{a.alias, "", a.expr.GetExprType().Ftype}}}
}

func (a *MinAggState) Finalize() *Tuple {
	return &Tuple{*a.GetTupleDesc(), []DBValue{a.minimum}, nil}
}

// Aggregator runs a set of aggregation states over its child, optionally
// partitioned by a list of group-by expressions.
type Aggregator struct {
	groupByFields []Expr
	newAggState   []AggState
	child         Operator
}

// Construct an ungrouped aggregator over the child.
func NewAggregator(emptyAggState []AggState, child Operator) *Aggregator {
	return &Aggregator{nil, emptyAggState, child}
}

// Construct a grouped aggregator; one output tuple is produced per distinct
// combination of the group-by expressions.
func NewGroupedAggregator(emptyAggState []AggState, groupByFields []Expr, child Operator) *Aggregator {
	return &Aggregator{groupByFields, emptyAggState, child}
}

// Return a TupleDesc for this aggregator: the group-by fields, if any,
// followed by one field per aggregation state.
func (a *Aggregator) Descriptor() *TupleDesc {
	desc := &TupleDesc{}
	for _, g := range a.groupByFields {
		desc.Fields = append(desc.Fields, g.GetExprType())
	}
	for _, agg := range a.newAggState {
		desc = desc.merge(agg.GetTupleDesc())
	}
	return desc
}

// groupKey evaluates the group-by expressions on t and returns a comparable
// key plus the projected group tuple for output.
func (a *Aggregator) groupKey(t *Tuple) (any, *Tuple, error) {
	fields := make([]FieldType, len(a.groupByFields))
	vals := make([]DBValue, len(a.groupByFields))
	for i, g := range a.groupByFields {
		v, err := g.EvalExpr(t)
		if err != nil {
			return nil, nil, err
		}
		vals[i] = v
		fields[i] = g.GetExprType()
	}
	group := &Tuple{Desc: TupleDesc{Fields: fields}, Fields: vals}
	return group.tupleKey(), group, nil
}

// Aggregator implementation.  The child is drained eagerly; results stream
// out one group at a time.
func (a *Aggregator) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	childIter, err := a.child.Iterator(tid)
	if err != nil {
		return nil, err
	}

	states := make(map[any][]AggState)
	groups := make(map[any]*Tuple)
	var order []any
	for {
		t, err := childIter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			break
		}
		key := any("")
		var group *Tuple
		if len(a.groupByFields) > 0 {
			key, group, err = a.groupKey(t)
			if err != nil {
				return nil, err
			}
		}
		sts, ok := states[key]
		if !ok {
			sts = make([]AggState, len(a.newAggState))
			for i, proto := range a.newAggState {
				sts[i] = proto.Copy()
			}
			states[key] = sts
			groups[key] = group
			order = append(order, key)
		}
		for _, st := range sts {
			st.AddTuple(t)
		}
	}

	// An ungrouped aggregate over no rows still emits one tuple.
	if len(a.groupByFields) == 0 && len(order) == 0 {
		sts := make([]AggState, len(a.newAggState))
		for i, proto := range a.newAggState {
			sts[i] = proto.Copy()
		}
		states[""] = sts
		groups[""] = nil
		order = append(order, any(""))
	}

	i := 0
	return func() (*Tuple, error) {
		if i >= len(order) {
			return nil, nil
		}
		key := order[i]
		i++
		out := groups[key]
		for _, st := range states[key] {
			out = joinTuples(out, st.Finalize())
		}
		return out, nil
	}, nil
}
