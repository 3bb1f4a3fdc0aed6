package kernel

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Field metadata keys carrying column constraints.
const (
	invariantsKey           = "delta.invariants"
	generationExpressionKey = "delta.generationExpression"
)

// StructType is the parsed schemaString of a table.
type StructType struct {
	Type   string        `json:"type"`
	Fields []StructField `json:"fields"`
}

// StructField is one column of a StructType.
type StructField struct {
	Name     string                     `json:"name"`
	Type     DataType                   `json:"type"`
	Nullable bool                       `json:"nullable"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// DataType is either a primitive type name such as "integer" or a nested
// type object kept in its raw JSON form.
type DataType struct {
	primitive string
	raw       json.RawMessage
}

func (d *DataType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &d.primitive)
	}
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (d DataType) MarshalJSON() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	return json.Marshal(d.primitive)
}

// Primitive returns the primitive type name, or "" for nested types.
func (d DataType) Primitive() string { return d.primitive }

// Struct parses a nested struct type. ok is false for any other type.
func (d DataType) Struct() (*StructType, bool) {
	if d.raw == nil {
		return nil, false
	}
	var st StructType
	if err := json.Unmarshal(d.raw, &st); err != nil || st.Type != "struct" {
		return nil, false
	}
	return &st, true
}

func (d DataType) String() string {
	if d.raw != nil {
		return string(d.raw)
	}
	return d.primitive
}

// ParseSchema decodes a schemaString.
func ParseSchema(schema string) (*StructType, error) {
	var st StructType
	if err := json.Unmarshal([]byte(schema), &st); err != nil {
		return nil, &Error{Kind: KindSchema, Msg: "invalid schema string", Line: schema, Err: err}
	}
	if st.Type != "struct" {
		return nil, &Error{Kind: KindSchema, Msg: "schema root must be a struct, got " + strconv.Quote(st.Type), Line: schema}
	}
	return &st, nil
}

// Field looks up a top-level column by name.
func (s *StructType) Field(name string) (StructField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return StructField{}, false
}

// Invariant is a column constraint declared through field metadata.
type Invariant struct {
	Field      string
	Expression string
}

// GeneratedColumn is a column computed from a SQL expression.
type GeneratedColumn struct {
	Field      string
	Type       DataType
	Expression string
}

// Invariants collects the invariants of all columns, nested ones using
// dotted paths.
func (s *StructType) Invariants() ([]Invariant, error) {
	var out []Invariant
	err := s.walk("", func(path string, f StructField) error {
		raw, ok := f.Metadata[invariantsKey]
		if !ok {
			return nil
		}
		line := string(raw)
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			line = inner
		}
		var inv struct {
			Expression struct {
				Expression string `json:"expression"`
			} `json:"expression"`
		}
		if err := json.Unmarshal([]byte(line), &inv); err != nil {
			return &Error{Kind: KindInvalidInvariantJSON, Line: line, Err: err}
		}
		out = append(out, Invariant{Field: path, Expression: inv.Expression.Expression})
		return nil
	})
	return out, err
}

// GenerationExpressions collects generated columns.
func (s *StructType) GenerationExpressions() ([]GeneratedColumn, error) {
	var out []GeneratedColumn
	err := s.walk("", func(path string, f StructField) error {
		raw, ok := f.Metadata[generationExpressionKey]
		if !ok {
			return nil
		}
		var expr string
		if err := json.Unmarshal(raw, &expr); err != nil {
			return &Error{Kind: KindInvalidGenerationExpressionJSON, Line: string(raw), Err: err}
		}
		out = append(out, GeneratedColumn{Field: path, Type: f.Type, Expression: expr})
		return nil
	})
	return out, err
}

func (s *StructType) walk(prefix string, fn func(path string, f StructField) error) error {
	for _, f := range s.Fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		if err := fn(path, f); err != nil {
			return err
		}
		if nested, ok := f.Type.Struct(); ok {
			if err := nested.walk(path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// parsePartitionValue converts the serialized partition value of a column
// to a Go value. Empty strings are null.
func parsePartitionValue(value string, dt DataType) (any, error) {
	if value == "" {
		return nil, nil
	}
	typ := dt.Primitive()
	parseErr := func() error {
		return &Error{Kind: KindParse, Value: value, Type: dt.String()}
	}
	switch {
	case typ == "string":
		return value, nil
	case typ == "boolean":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, parseErr()
		}
		return b, nil
	case typ == "byte", typ == "short", typ == "integer", typ == "long":
		bits := map[string]int{"byte": 8, "short": 16, "integer": 32, "long": 64}[typ]
		n, err := strconv.ParseInt(value, 10, bits)
		if err != nil {
			return nil, parseErr()
		}
		return n, nil
	case typ == "float", typ == "double":
		bits := 64
		if typ == "float" {
			bits = 32
		}
		f, err := strconv.ParseFloat(value, bits)
		if err != nil {
			return nil, parseErr()
		}
		return f, nil
	case typ == "date":
		d, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, parseErr()
		}
		return d, nil
	case typ == "timestamp", typ == "timestamp_ntz":
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, nil
			}
		}
		return nil, parseErr()
	case strings.HasPrefix(typ, "decimal"):
		r, ok := new(big.Rat).SetString(value)
		if !ok {
			return nil, parseErr()
		}
		return r, nil
	case typ == "binary":
		return []byte(value), nil
	default:
		return nil, &Error{Kind: KindUnexpectedColumnType, Msg: "partition columns must be primitive, got " + dt.String()}
	}
}
