// Package schema implements the structural type descriptions, rows, and
// primary keys that the tabular repository layer is built on.
package schema

import (
	"fmt"
	"time"
)

// FieldType is a semantic type drawn from a fixed set usable at dataflow
// ports and in stored rows.
type FieldType string

const (
	String    FieldType = "string"
	Integer   FieldType = "integer"
	Number    FieldType = "number"
	Boolean   FieldType = "boolean"
	Binary    FieldType = "binary"
	Timestamp FieldType = "timestamp"
	Array     FieldType = "array"
	Object    FieldType = "object"
	Enum      FieldType = "enum"
	Any       FieldType = "any"
)

// Field describes one named slot in a Schema.
type Field struct {
	Name string
	Type FieldType

	// Of is the schema for Object fields.
	Of *Schema
	// Item is the element type for Array fields.
	Item *Field
	// Values enumerates the allowed strings for Enum fields.
	Values []string
	// Optional marks a field that may be absent from a conforming row.
	Optional bool
}

// Schema is a structural type: a set of named fields, each carrying a
// FieldType, introspectable at runtime. Every dataflow port and every stored
// row carries one.
type Schema struct {
	Name   string
	Fields []Field
	// AllowAdditional permits rows to carry fields not named in Fields
	// ("any additional fields" open records).
	AllowAdditional bool
}

// FieldByName returns the field with the given name, or false if absent.
func (s *Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Row is a mapping from field name to typed value conforming to a Schema.
// Rows are the sole unit stored by the tabular layer.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Validate checks that row conforms to the schema: every required field is
// present and of a compatible Go type, and unknown fields are rejected
// unless AllowAdditional is set.
func (s *Schema) Validate(row Row) error {
	seen := make(map[string]bool, len(row))
	for _, f := range s.Fields {
		v, ok := row[f.Name]
		seen[f.Name] = true
		if !ok {
			if f.Optional {
				continue
			}
			return fmt.Errorf("missing required field %q", f.Name)
		}
		if err := validateValue(f, v); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	if !s.AllowAdditional {
		for name := range row {
			if !seen[name] {
				return fmt.Errorf("unexpected field %q not declared in schema %q", name, s.Name)
			}
		}
	}
	return nil
}

func validateValue(f Field, v interface{}) error {
	if v == nil {
		if f.Optional {
			return nil
		}
		return fmt.Errorf("value is nil")
	}
	switch f.Type {
	case Any:
		return nil
	case String:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case Integer:
		switch v.(type) {
		case int, int32, int64:
		default:
			return fmt.Errorf("expected integer, got %T", v)
		}
	case Number:
		switch v.(type) {
		case float32, float64, int, int32, int64:
		default:
			return fmt.Errorf("expected number, got %T", v)
		}
	case Boolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case Binary:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("expected binary blob, got %T", v)
		}
	case Timestamp:
		switch v.(type) {
		case time.Time, string, int64:
		default:
			return fmt.Errorf("expected timestamp, got %T", v)
		}
	case Enum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected enum string, got %T", v)
		}
		for _, allowed := range f.Values {
			if allowed == s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum %v", s, f.Values)
	case Array:
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		if f.Item != nil {
			for i, el := range arr {
				if err := validateValue(*f.Item, el); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
		}
	case Object:
		obj, ok := v.(map[string]interface{})
		if !ok {
			if row, ok2 := v.(Row); ok2 {
				obj = map[string]interface{}(row)
			} else {
				return fmt.Errorf("expected object, got %T", v)
			}
		}
		if f.Of != nil {
			return f.Of.Validate(Row(obj))
		}
	}
	return nil
}

// PrimaryKey is an ordered, non-empty list of field names referring to
// fields in a row's schema.
type PrimaryKey []string

// Extract returns the ordered tuple of key values for row, or an error if a
// key field is missing.
func (pk PrimaryKey) Extract(row Row) ([]interface{}, error) {
	if len(pk) == 0 {
		return nil, fmt.Errorf("primary key must be non-empty")
	}
	out := make([]interface{}, len(pk))
	for i, field := range pk {
		v, ok := row[field]
		if !ok {
			return nil, fmt.Errorf("row missing primary key field %q", field)
		}
		out[i] = v
	}
	return out, nil
}

// KeyString renders a key tuple as a stable string, suitable for use as a map
// key or storage-backend document id.
func KeyString(values []interface{}) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += "\x1f"
		}
		out += fmt.Sprintf("%v", v)
	}
	return out
}
