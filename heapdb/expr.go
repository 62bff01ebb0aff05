package heapdb

import (
	"fmt"
	"strings"
)

// Expr is an expression that can be evaluated against a tuple, e.g., a field
// reference or a constant.  Operators take Exprs rather than field names so
// that predicates, order-by keys, and projections share one representation.
type Expr interface {
	EvalExpr(t *Tuple) (DBValue, error)
	GetExprType() FieldType
}

// FieldExpr extracts a named field from a tuple.
type FieldExpr struct {
	selectField FieldType
}

func NewFieldExpr(field FieldType) *FieldExpr {
	return &FieldExpr{field}
}

func (f *FieldExpr) EvalExpr(t *Tuple) (DBValue, error) {
	outTup, err := t.project([]FieldType{f.selectField})
	if err != nil {
		return nil, err
	}
	if len(outTup.Fields) != 1 {
		return nil, HeapDBError{IncompatibleTypesError, fmt.Sprintf("field %s not found", f.selectField.Fname)}
	}
	return outTup.Fields[0], nil
}

func (f *FieldExpr) GetExprType() FieldType {
	return f.selectField
}

// ConstExpr evaluates to a constant value regardless of the input tuple.
type ConstExpr struct {
	val       DBValue
	constType DBType
}

func NewConstExpr(val DBValue, constType DBType) *ConstExpr {
	return &ConstExpr{val, constType}
}

func (c *ConstExpr) EvalExpr(t *Tuple) (DBValue, error) {
	return c.val, nil
}

func (c *ConstExpr) GetExprType() FieldType {
	return FieldType{"const", "", c.constType}
}

// EvalPred compares an int field against v with the supplied operator.
func (i IntField) EvalPred(v DBValue, op BoolOp) bool {
	v2, ok := v.(IntField)
	if !ok {
		return false
	}
	x1, x2 := i.Value, v2.Value
	switch op {
	case OpEq:
		return x1 == x2
	case OpNeq:
		return x1 != x2
	case OpGt:
		return x1 > x2
	case OpGe:
		return x1 >= x2
	case OpLt:
		return x1 < x2
	case OpLe:
		return x1 <= x2
	default:
		return false
	}
}

// EvalPred compares a string field against v with the supplied operator.
// OpLike treats v as a substring pattern.
func (s StringField) EvalPred(v DBValue, op BoolOp) bool {
	v2, ok := v.(StringField)
	if !ok {
		return false
	}
	x1, x2 := s.Value, v2.Value
	switch op {
	case OpEq:
		return x1 == x2
	case OpNeq:
		return x1 != x2
	case OpGt:
		return x1 > x2
	case OpGe:
		return x1 >= x2
	case OpLt:
		return x1 < x2
	case OpLe:
		return x1 <= x2
	case OpLike:
		return strings.Contains(x1, x2)
	default:
		return false
	}
}
