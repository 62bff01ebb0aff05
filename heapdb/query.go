package heapdb

// SQL front end: translates a supported subset of SQL into the operator
// tree.  Supported statements are single-table SELECT (WHERE conjunctions of
// comparisons, aggregates with an optional single GROUP BY column, ORDER BY,
// LIMIT), INSERT ... VALUES, and DELETE ... WHERE.

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/xwb1989/sqlparser"
)

// maxDeadlockRetries bounds how often RunStatement restarts a transaction
// that lost a deadlock.
const maxDeadlockRetries = 5

// ParseStatement translates one SQL statement into an operator tree rooted
// at the returned Operator.  The plan is not bound to a transaction; running
// its Iterator with a tid executes it.
func (e *Engine) ParseStatement(query string) (Operator, error) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, HeapDBError{ParseError, fmt.Sprintf("parse error: %v", err)}
	}
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return e.buildSelect(s)
	case *sqlparser.Insert:
		return e.buildInsert(s)
	case *sqlparser.Delete:
		return e.buildDelete(s)
	default:
		return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported statement type %T", stmt)}
	}
}

// RunStatement parses and executes one statement under its own transaction,
// returning the result schema and tuples.  A transaction aborted by deadlock
// detection is retried from the beginning, which is the contract deadlock
// aborts are designed for.
func (e *Engine) RunStatement(query string) (*TupleDesc, []*Tuple, error) {
	plan, err := e.ParseStatement(query)
	if err != nil {
		return nil, nil, err
	}
	var lastErr error
	for attempt := 0; attempt < maxDeadlockRetries; attempt++ {
		tid := NewTID()
		if err := e.bufPool.BeginTransaction(tid); err != nil {
			return nil, nil, err
		}
		tuples, err := runPlan(plan, tid)
		if err != nil {
			e.bufPool.AbortTransaction(tid)
			if IsDeadlock(err) || isCacheFull(err) {
				log.WithFields(log.Fields{"tid": tidID(tid), "attempt": attempt}).Warn("statement aborted, retrying")
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		if err := e.bufPool.CommitTransaction(tid); err != nil {
			return nil, nil, err
		}
		return plan.Descriptor(), tuples, nil
	}
	return nil, nil, lastErr
}

func isCacheFull(err error) bool {
	code, ok := errCodeOf(err)
	return ok && code == BufferPoolFullError
}

func runPlan(plan Operator, tid TransactionID) ([]*Tuple, error) {
	iter, err := plan.Iterator(tid)
	if err != nil {
		return nil, err
	}
	var out []*Tuple
	for {
		t, err := iter()
		if err != nil {
			return nil, err
		}
		if t == nil {
			return out, nil
		}
		out = append(out, t)
	}
}

// scanFromTableExprs resolves a single-table FROM clause to its DBFile.
func (e *Engine) scanFromTableExprs(exprs sqlparser.TableExprs) (DBFile, error) {
	if len(exprs) != 1 {
		return nil, HeapDBError{ParseError, "exactly one table expected in FROM"}
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported FROM clause %T", exprs[0])}
	}
	tableName, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, HeapDBError{ParseError, "subqueries are not supported"}
	}
	return e.catalog.GetTableFile(tableName.Name.String())
}

func boolOpFromString(op string) (BoolOp, error) {
	switch op {
	case sqlparser.EqualStr:
		return OpEq, nil
	case sqlparser.NotEqualStr:
		return OpNeq, nil
	case sqlparser.LessThanStr:
		return OpLt, nil
	case sqlparser.LessEqualStr:
		return OpLe, nil
	case sqlparser.GreaterThanStr:
		return OpGt, nil
	case sqlparser.GreaterEqualStr:
		return OpGe, nil
	case sqlparser.LikeStr:
		return OpLike, nil
	}
	return 0, HeapDBError{ParseError, fmt.Sprintf("unsupported comparison operator %s", op)}
}

func (e *Engine) fieldExprFor(desc *TupleDesc, col *sqlparser.ColName) (*FieldExpr, error) {
	want := FieldType{
		Fname:          col.Name.Lowered(),
		TableQualifier: col.Qualifier.Name.String(),
		Ftype:          UnknownType,
	}
	i, err := findFieldInTd(want, desc)
	if err != nil {
		return nil, err
	}
	return NewFieldExpr(desc.Fields[i]), nil
}

func constExprFromVal(val *sqlparser.SQLVal) (*ConstExpr, error) {
	switch val.Type {
	case sqlparser.IntVal:
		v, err := strconv.ParseInt(string(val.Val), 10, 64)
		if err != nil {
			return nil, HeapDBError{ParseError, fmt.Sprintf("bad integer literal %s", val.Val)}
		}
		return NewConstExpr(IntField{v}, IntType), nil
	case sqlparser.StrVal:
		return NewConstExpr(StringField{string(val.Val)}, StringType), nil
	}
	return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported literal type %v", val.Type)}
}

// applyWhere wraps child in one Filter per conjunct of the WHERE expression.
func (e *Engine) applyWhere(child Operator, desc *TupleDesc, expr sqlparser.Expr) (Operator, error) {
	switch cond := expr.(type) {
	case *sqlparser.AndExpr:
		left, err := e.applyWhere(child, desc, cond.Left)
		if err != nil {
			return nil, err
		}
		return e.applyWhere(left, desc, cond.Right)
	case *sqlparser.ParenExpr:
		return e.applyWhere(child, desc, cond.Expr)
	case *sqlparser.ComparisonExpr:
		col, ok := cond.Left.(*sqlparser.ColName)
		val, vok := cond.Right.(*sqlparser.SQLVal)
		op := cond.Operator
		if !ok || !vok {
			// allow the reversed `const op col` form
			col, ok = cond.Right.(*sqlparser.ColName)
			val, vok = cond.Left.(*sqlparser.SQLVal)
			if !ok || !vok {
				return nil, HeapDBError{ParseError, "WHERE comparisons must be between a column and a literal"}
			}
			op = reverseOp(op)
		}
		boolOp, err := boolOpFromString(op)
		if err != nil {
			return nil, err
		}
		field, err := e.fieldExprFor(desc, col)
		if err != nil {
			return nil, err
		}
		constant, err := constExprFromVal(val)
		if err != nil {
			return nil, err
		}
		return NewFilter(constant, boolOp, field, child)
	}
	return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported WHERE expression %T", expr)}
}

func reverseOp(op string) string {
	switch op {
	case sqlparser.LessThanStr:
		return sqlparser.GreaterThanStr
	case sqlparser.GreaterThanStr:
		return sqlparser.LessThanStr
	case sqlparser.LessEqualStr:
		return sqlparser.GreaterEqualStr
	case sqlparser.GreaterEqualStr:
		return sqlparser.LessEqualStr
	}
	return op
}

func aggStateFor(name string) (AggState, error) {
	switch strings.ToLower(name) {
	case "count":
		return &CountAggState{}, nil
	case "sum":
		return &SumAggState{}, nil
	case "avg":
		return &AvgAggState{}, nil
	case "min":
		return &MinAggState{}, nil
	case "max":
		return &MaxAggState{}, nil
	}
	return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported aggregate %s", name)}
}

func (e *Engine) buildSelect(sel *sqlparser.Select) (Operator, error) {
	file, err := e.scanFromTableExprs(sel.From)
	if err != nil {
		return nil, err
	}
	desc := file.Descriptor()
	var plan Operator = file

	if sel.Where != nil {
		plan, err = e.applyWhere(plan, desc, sel.Where.Expr)
		if err != nil {
			return nil, err
		}
	}

	var groupBy []Expr
	if len(sel.GroupBy) > 1 {
		return nil, HeapDBError{ParseError, "at most one GROUP BY column is supported"}
	}
	for _, g := range sel.GroupBy {
		col, ok := g.(*sqlparser.ColName)
		if !ok {
			return nil, HeapDBError{ParseError, "GROUP BY supports plain columns only"}
		}
		fe, err := e.fieldExprFor(desc, col)
		if err != nil {
			return nil, err
		}
		groupBy = append(groupBy, fe)
	}

	var aggStates []AggState
	var selectExprs []Expr
	var outputNames []string
	for _, se := range sel.SelectExprs {
		switch sexpr := se.(type) {
		case *sqlparser.StarExpr:
			for _, f := range desc.Fields {
				selectExprs = append(selectExprs, NewFieldExpr(f))
				outputNames = append(outputNames, f.Fname)
			}
		case *sqlparser.AliasedExpr:
			switch inner := sexpr.Expr.(type) {
			case *sqlparser.ColName:
				fe, err := e.fieldExprFor(desc, inner)
				if err != nil {
					return nil, err
				}
				selectExprs = append(selectExprs, fe)
				name := sexpr.As.String()
				if name == "" {
					name = inner.Name.Lowered()
				}
				outputNames = append(outputNames, name)
			case *sqlparser.FuncExpr:
				agg, err := aggStateFor(inner.Name.String())
				if err != nil {
					return nil, err
				}
				var argExpr Expr
				alias := sexpr.As.String()
				if len(inner.Exprs) != 1 {
					return nil, HeapDBError{ParseError, "aggregates take exactly one argument"}
				}
				switch arg := inner.Exprs[0].(type) {
				case *sqlparser.StarExpr:
					if strings.ToLower(inner.Name.String()) != "count" {
						return nil, HeapDBError{ParseError, "only count(*) may aggregate over *"}
					}
					argExpr = NewFieldExpr(desc.Fields[0])
					if alias == "" {
						alias = "count"
					}
				case *sqlparser.AliasedExpr:
					col, ok := arg.Expr.(*sqlparser.ColName)
					if !ok {
						return nil, HeapDBError{ParseError, "aggregate arguments must be plain columns"}
					}
					fe, err := e.fieldExprFor(desc, col)
					if err != nil {
						return nil, err
					}
					argExpr = fe
					if alias == "" {
						alias = fmt.Sprintf("%s(%s)", strings.ToLower(inner.Name.String()), col.Name.Lowered())
					}
				default:
					return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported aggregate argument %T", arg)}
				}
				if err := agg.Init(alias, argExpr); err != nil {
					return nil, err
				}
				aggStates = append(aggStates, agg)
			default:
				return nil, HeapDBError{ParseError, fmt.Sprintf("unsupported select expression %T", sexpr.Expr)}
			}
		}
	}

	switch {
	case len(aggStates) > 0:
		if len(selectExprs) > 0 && len(groupBy) == 0 {
			return nil, HeapDBError{ParseError, "mixing aggregates and plain columns requires GROUP BY"}
		}
		if len(groupBy) > 0 {
			plan = NewGroupedAggregator(aggStates, groupBy, plan)
		} else {
			plan = NewAggregator(aggStates, plan)
		}
	case len(selectExprs) > 0:
		plan, err = NewProjectOp(selectExprs, outputNames, sel.Distinct != "", plan)
		if err != nil {
			return nil, err
		}
	}

	if len(sel.OrderBy) > 0 {
		outDesc := plan.Descriptor()
		var keys []Expr
		var ascending []bool
		for _, order := range sel.OrderBy {
			col, ok := order.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, HeapDBError{ParseError, "ORDER BY supports plain columns only"}
			}
			fe, err := e.fieldExprFor(outDesc, col)
			if err != nil {
				return nil, err
			}
			keys = append(keys, fe)
			ascending = append(ascending, order.Direction != sqlparser.DescScr)
		}
		plan, err = NewOrderBy(keys, plan, ascending)
		if err != nil {
			return nil, err
		}
	}

	if sel.Limit != nil {
		val, ok := sel.Limit.Rowcount.(*sqlparser.SQLVal)
		if !ok || val.Type != sqlparser.IntVal {
			return nil, HeapDBError{ParseError, "LIMIT requires an integer literal"}
		}
		constant, err := constExprFromVal(val)
		if err != nil {
			return nil, err
		}
		plan = NewLimitOp(constant, plan)
	}
	return plan, nil
}

// tupleListOp is a leaf operator over an in-memory list of tuples, used as
// the child of InsertOp for VALUES clauses.
type tupleListOp struct {
	desc   *TupleDesc
	tuples []*Tuple
}

func (o *tupleListOp) Descriptor() *TupleDesc {
	return o.desc
}

func (o *tupleListOp) Iterator(tid TransactionID) (func() (*Tuple, error), error) {
	i := 0
	return func() (*Tuple, error) {
		if i >= len(o.tuples) {
			return nil, nil
		}
		t := o.tuples[i]
		i++
		return t, nil
	}, nil
}

func (e *Engine) buildInsert(ins *sqlparser.Insert) (Operator, error) {
	file, err := e.catalog.GetTableFile(ins.Table.Name.String())
	if err != nil {
		return nil, err
	}
	desc := file.Descriptor()
	rows, ok := ins.Rows.(sqlparser.Values)
	if !ok {
		return nil, HeapDBError{ParseError, "INSERT supports VALUES lists only"}
	}
	list := &tupleListOp{desc: desc}
	for _, row := range rows {
		if len(row) != len(desc.Fields) {
			return nil, HeapDBError{TypeMismatchError, fmt.Sprintf("INSERT row has %d values, table %s has %d columns", len(row), ins.Table.Name.String(), len(desc.Fields))}
		}
		t := &Tuple{Desc: *desc}
		for i, valExpr := range row {
			val, ok := valExpr.(*sqlparser.SQLVal)
			if !ok {
				return nil, HeapDBError{ParseError, "INSERT values must be literals"}
			}
			constant, err := constExprFromVal(val)
			if err != nil {
				return nil, err
			}
			v, _ := constant.EvalExpr(nil)
			switch desc.Fields[i].Ftype {
			case IntType:
				if _, ok := v.(IntField); !ok {
					return nil, HeapDBError{TypeMismatchError, fmt.Sprintf("column %s expects int", desc.Fields[i].Fname)}
				}
			case StringType:
				if _, ok := v.(StringField); !ok {
					return nil, HeapDBError{TypeMismatchError, fmt.Sprintf("column %s expects string", desc.Fields[i].Fname)}
				}
			}
			t.Fields = append(t.Fields, v)
		}
		list.tuples = append(list.tuples, t)
	}
	return NewInsertOp(e.bufPool, file, list), nil
}

func (e *Engine) buildDelete(del *sqlparser.Delete) (Operator, error) {
	file, err := e.scanFromTableExprs(del.TableExprs)
	if err != nil {
		return nil, err
	}
	var plan Operator = file
	if del.Where != nil {
		plan, err = e.applyWhere(plan, file.Descriptor(), del.Where.Expr)
		if err != nil {
			return nil, err
		}
	}
	return NewDeleteOp(e.bufPool, file, plan), nil
}
