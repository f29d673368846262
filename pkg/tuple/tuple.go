// Package tuple defines the row model shared by the table heap, the catalog
// and the executors: schemas of named columns and tuples of typed values with
// a compact binary encoding.
package tuple

import (
	"encoding/binary"
	"fmt"

	"crabdb/pkg/primitives"
)

// Type enumerates the column types the engine supports. Rich type systems
// are out of scope; two types are enough to exercise every code path.
type Type uint8

const (
	TypeInt64 Type = iota
	TypeVarchar
)

func (t Type) String() string {
	switch t {
	case TypeInt64:
		return "INT64"
	case TypeVarchar:
		return "VARCHAR"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Column is one named, typed attribute.
type Column struct {
	Name string
	Type Type
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column
}

// NewSchema builds a schema from columns.
func NewSchema(cols ...Column) *Schema {
	return &Schema{Columns: cols}
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Project builds the schema consisting of the given column positions.
func (s *Schema) Project(attrs []int) *Schema {
	cols := make([]Column, len(attrs))
	for i, a := range attrs {
		cols[i] = s.Columns[a]
	}
	return &Schema{Columns: cols}
}

// Value is a single typed cell.
type Value struct {
	Type Type
	Int  int64
	Str  string
}

// NewInt64 wraps an integer cell.
func NewInt64(v int64) Value { return Value{Type: TypeInt64, Int: v} }

// NewVarchar wraps a string cell.
func NewVarchar(v string) Value { return Value{Type: TypeVarchar, Str: v} }

// Equals compares two values of the same type.
func (v Value) Equals(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type == TypeInt64 {
		return v.Int == o.Int
	}
	return v.Str == o.Str
}

// Less orders two values of the same type.
func (v Value) Less(o Value) bool {
	if v.Type == TypeInt64 {
		return v.Int < o.Int
	}
	return v.Str < o.Str
}

func (v Value) String() string {
	if v.Type == TypeInt64 {
		return fmt.Sprintf("%d", v.Int)
	}
	return v.Str
}

// Tuple is one materialized row. RID is set for tuples resident in a table
// heap and zero for computed rows.
type Tuple struct {
	Values []Value
	RID    primitives.RID
}

// New builds a tuple from values.
func New(values ...Value) *Tuple {
	return &Tuple{Values: values}
}

// Value returns the cell at position i.
func (t *Tuple) Value(i int) Value { return t.Values[i] }

// Serialize encodes the tuple: per value, int64 cells as 8 big-endian bytes,
// varchar cells as a 4-byte length prefix plus bytes.
func (t *Tuple) Serialize(schema *Schema) ([]byte, error) {
	if len(t.Values) != len(schema.Columns) {
		return nil, fmt.Errorf("tuple has %d values, schema has %d columns",
			len(t.Values), len(schema.Columns))
	}

	var buf []byte
	for i, col := range schema.Columns {
		v := t.Values[i]
		if v.Type != col.Type {
			return nil, fmt.Errorf("column %q expects %v, got %v", col.Name, col.Type, v.Type)
		}
		switch col.Type {
		case TypeInt64:
			var cell [8]byte
			binary.BigEndian.PutUint64(cell[:], uint64(v.Int))
			buf = append(buf, cell[:]...)
		case TypeVarchar:
			var ln [4]byte
			binary.BigEndian.PutUint32(ln[:], uint32(len(v.Str)))
			buf = append(buf, ln[:]...)
			buf = append(buf, v.Str...)
		}
	}
	return buf, nil
}

// Deserialize decodes a tuple previously produced by Serialize.
func Deserialize(data []byte, schema *Schema) (*Tuple, error) {
	t := &Tuple{Values: make([]Value, 0, len(schema.Columns))}
	off := 0
	for _, col := range schema.Columns {
		switch col.Type {
		case TypeInt64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated int64 cell for column %q", col.Name)
			}
			t.Values = append(t.Values, NewInt64(int64(binary.BigEndian.Uint64(data[off:]))))
			off += 8
		case TypeVarchar:
			if off+4 > len(data) {
				return nil, fmt.Errorf("truncated varchar length for column %q", col.Name)
			}
			n := int(binary.BigEndian.Uint32(data[off:]))
			off += 4
			if off+n > len(data) {
				return nil, fmt.Errorf("truncated varchar cell for column %q", col.Name)
			}
			t.Values = append(t.Values, NewVarchar(string(data[off:off+n])))
			off += n
		}
	}
	return t, nil
}
