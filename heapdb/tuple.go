package heapdb

// This file defines methods for working with tuples, including the types
// DBType, FieldType, TupleDesc, DBValue, and Tuple.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// DBType is the type of a tuple field, e.g., IntType or StringType.
type DBType int

const (
	IntType     DBType = iota
	StringType  DBType = iota
	UnknownType DBType = iota // used during parsing, when the type is not known yet
)

func (t DBType) String() string {
	switch t {
	case IntType:
		return "int"
	case StringType:
		return "string"
	}
	return "unknown"
}

// FieldType is the type of a field in a tuple: its name, table qualifier, and
// DBType.  TableQualifier may be empty, depending on whether the table was
// specified in the query.
type FieldType struct {
	Fname          string
	TableQualifier string
	Ftype          DBType
}

// TupleDesc is the "type" of a tuple: the field names and types.
type TupleDesc struct {
	Fields []FieldType
}

// Compare two tuple descs; true iff they have the same length and all field
// names and types match.
func (d1 *TupleDesc) equals(d2 *TupleDesc) bool {
	if len(d1.Fields) != len(d2.Fields) {
		return false
	}
	for i := range d1.Fields {
		if d1.Fields[i].Fname != d2.Fields[i].Fname {
			return false
		}
		if d1.Fields[i].Ftype != d2.Fields[i].Ftype {
			return false
		}
	}
	return true
}

// Given a FieldType f and a TupleDesc desc, find the best matching field in
// desc for f.  A match must agree on Ftype and name, preferring a match with
// the same TableQualifier when f has one.
func findFieldInTd(field FieldType, desc *TupleDesc) (int, error) {
	best := -1
	for i, f := range desc.Fields {
		if f.Fname == field.Fname && (f.Ftype == field.Ftype || field.Ftype == UnknownType) {
			if field.TableQualifier == "" && best != -1 {
				return 0, HeapDBError{AmbiguousNameError, fmt.Sprintf("select name %s is ambiguous", f.Fname)}
			}
			if f.TableQualifier == field.TableQualifier || best == -1 {
				best = i
			}
		}
	}
	if best != -1 {
		return best, nil
	}
	return -1, HeapDBError{IncompatibleTypesError, fmt.Sprintf("field %s.%s not found", field.TableQualifier, field.Fname)}
}

// Make a copy of a tuple desc.  The Fields slice is copied, not aliased.
func (td *TupleDesc) copy() *TupleDesc {
	fields := make([]FieldType, len(td.Fields))
	copy(fields, td.Fields)
	return &TupleDesc{Fields: fields}
}

// Assign the TableQualifier of every field in the TupleDesc to be the
// supplied alias.
func (td *TupleDesc) setTableAlias(alias string) {
	fields := make([]FieldType, len(td.Fields))
	copy(fields, td.Fields)
	for i := range fields {
		fields[i].TableQualifier = alias
	}
	td.Fields = fields
}

// Merge two TupleDescs; the result consists of the fields of desc2 appended
// onto the fields of desc.
func (desc *TupleDesc) merge(desc2 *TupleDesc) *TupleDesc {
	fields := make([]FieldType, 0, len(desc.Fields)+len(desc2.Fields))
	fields = append(fields, desc.Fields...)
	fields = append(fields, desc2.Fields...)
	return &TupleDesc{Fields: fields}
}

// bytesPerField is the on-disk size of one field: ints are 4 bytes, strings
// are a 4-byte length prefix followed by StringLength payload bytes.
func bytesPerField(ft DBType) int {
	if ft == StringType {
		return 4 + StringLength
	}
	return 4
}

// bytesPerTuple is the on-disk size of a tuple with the given descriptor.
func (td *TupleDesc) bytesPerTuple() int {
	size := 0
	for _, f := range td.Fields {
		size += bytesPerField(f.Ftype)
	}
	return size
}

// ================== Tuple Methods ======================

// DBValue is the interface for tuple field values.
type DBValue interface {
	EvalPred(v DBValue, op BoolOp) bool
}

// IntField is an integer field value.  Held as int64 in memory; serialized as
// a 4-byte two's-complement integer.
type IntField struct {
	Value int64
}

// StringField is a string field value.
type StringField struct {
	Value string
}

// Tuple represents the contents of a tuple read from a table: the descriptor
// and the field values.  Rid records the page and slot the tuple was read
// from so deletes can find it again.
type Tuple struct {
	Desc   TupleDesc
	Fields []DBValue
	Rid    recordID
}

type recordID interface {
}

func writeStringField(b *bytes.Buffer, f StringField) error {
	s := f.Value
	if len(s) > StringLength {
		s = s[:StringLength]
	}
	payload := make([]byte, StringLength)
	copy(payload, s)
	if err := binary.Write(b, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	return binary.Write(b, binary.LittleEndian, payload)
}

func writeIntField(b *bytes.Buffer, f IntField) error {
	return binary.Write(b, binary.LittleEndian, int32(f.Value))
}

// Serialize the contents of the tuple into the buffer.  All tuples of a given
// descriptor serialize to the same number of bytes, so pages can place them
// at fixed slot offsets.
func (t *Tuple) writeTo(b *bytes.Buffer) error {
	for _, field := range t.Fields {
		switch v := field.(type) {
		case StringField:
			if err := writeStringField(b, v); err != nil {
				return err
			}
		case IntField:
			if err := writeIntField(b, v); err != nil {
				return err
			}
		default:
			return HeapDBError{TypeMismatchError, fmt.Sprintf("unsupported field type: %T", field)}
		}
	}
	return nil
}

func readStringField(b *bytes.Buffer) (StringField, error) {
	var length int32
	if err := binary.Read(b, binary.LittleEndian, &length); err != nil {
		return StringField{}, err
	}
	payload := make([]byte, StringLength)
	if err := binary.Read(b, binary.LittleEndian, payload); err != nil {
		return StringField{}, err
	}
	if length < 0 || int(length) > StringLength {
		return StringField{}, HeapDBError{MalformedDataError, fmt.Sprintf("string field length %d out of range", length)}
	}
	return StringField{Value: string(payload[:length])}, nil
}

func readIntField(b *bytes.Buffer) (IntField, error) {
	var v int32
	if err := binary.Read(b, binary.LittleEndian, &v); err != nil {
		return IntField{}, err
	}
	return IntField{Value: int64(v)}, nil
}

// Read a tuple with the specified descriptor from the buffer.
func readTupleFrom(b *bytes.Buffer, desc *TupleDesc) (*Tuple, error) {
	tuple := &Tuple{Desc: *desc}
	for _, fieldDesc := range desc.Fields {
		switch fieldDesc.Ftype {
		case StringType:
			f, err := readStringField(b)
			if err != nil {
				return nil, err
			}
			tuple.Fields = append(tuple.Fields, f)
		default:
			f, err := readIntField(b)
			if err != nil {
				return nil, err
			}
			tuple.Fields = append(tuple.Fields, f)
		}
	}
	return tuple, nil
}

// Compare two tuples for equality: equal descriptors and equal fields.
func (t1 *Tuple) equals(t2 *Tuple) bool {
	if t1 == nil && t2 == nil {
		return true
	}
	if t1 == nil || t2 == nil {
		return false
	}
	if len(t1.Fields) != len(t2.Fields) {
		return false
	}
	if !t1.Desc.equals(&t2.Desc) {
		return false
	}
	for i := range t1.Fields {
		if t1.Fields[i] != t2.Fields[i] {
			return false
		}
	}
	return true
}

// Merge two tuples together, producing a new tuple with the fields of t2
// appended to t1 and a merged descriptor.
func joinTuples(t1 *Tuple, t2 *Tuple) *Tuple {
	if t1 == nil {
		return t2
	}
	if t2 == nil {
		return t1
	}
	desc := t1.Desc.merge(&t2.Desc)
	fields := make([]DBValue, 0, len(t1.Fields)+len(t2.Fields))
	fields = append(fields, t1.Fields...)
	fields = append(fields, t2.Fields...)
	return &Tuple{Desc: *desc, Fields: fields}
}

type orderByState int

const (
	OrderedLessThan    orderByState = iota
	OrderedEqual       orderByState = iota
	OrderedGreaterThan orderByState = iota
)

// Apply the supplied expression to both t and t2 and compare the results.
func (t *Tuple) compareField(t2 *Tuple, field Expr) (orderByState, error) {
	v1, err := field.EvalExpr(t)
	if err != nil {
		return OrderedEqual, err
	}
	v2, err := field.EvalExpr(t2)
	if err != nil {
		return OrderedEqual, err
	}
	return compareFields(v1, v2)
}

func compareFields(val1, val2 DBValue) (orderByState, error) {
	if v1, ok := val1.(IntField); ok {
		if v2, ok := val2.(IntField); ok {
			switch {
			case v1.Value > v2.Value:
				return OrderedGreaterThan, nil
			case v1.Value == v2.Value:
				return OrderedEqual, nil
			default:
				return OrderedLessThan, nil
			}
		}
	}
	if v1, ok := val1.(StringField); ok {
		if v2, ok := val2.(StringField); ok {
			switch {
			case v1.Value > v2.Value:
				return OrderedGreaterThan, nil
			case v1.Value == v2.Value:
				return OrderedEqual, nil
			default:
				return OrderedLessThan, nil
			}
		}
	}
	return OrderedEqual, HeapDBError{TypeMismatchError, fmt.Sprintf("unsupported field comparison between %T and %T", val1, val2)}
}

// Project out the supplied fields from the tuple, preferring fields that
// match on TableQualifier but not requiring it.
func (t *Tuple) project(fields []FieldType) (*Tuple, error) {
	projected := &Tuple{
		Desc:   TupleDesc{},
		Fields: []DBValue{},
	}
	for _, field := range fields {
		matched := -1
		for i, descField := range t.Desc.Fields {
			if field.Fname == descField.Fname && field.TableQualifier == descField.TableQualifier {
				matched = i
				break
			}
		}
		if matched == -1 {
			for i, descField := range t.Desc.Fields {
				if field.Fname == descField.Fname {
					matched = i
					break
				}
			}
		}
		if matched == -1 {
			return nil, HeapDBError{IncompatibleTypesError, fmt.Sprintf("field %s.%s not found", field.TableQualifier, field.Fname)}
		}
		projected.Fields = append(projected.Fields, t.Fields[matched])
		projected.Desc.Fields = append(projected.Desc.Fields, t.Desc.Fields[matched])
	}
	return projected, nil
}

// Compute a key for the tuple to be used in a map structure.
func (t *Tuple) tupleKey() any {
	var buf bytes.Buffer
	t.writeTo(&buf)
	return buf.String()
}

// StringValue renders a single field value for result output.
func (t *Tuple) StringValue(i int) string {
	switch f := t.Fields[i].(type) {
	case IntField:
		return strconv.FormatInt(f.Value, 10)
	case StringField:
		return f.Value
	}
	return ""
}
