package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// FieldSet describes the fields of one table and validates candidate
// records against them.
type FieldSet interface {
	// Names returns the declared field names in sorted order.
	Names() []string
	// Validate checks a full record: required fields present, types match.
	Validate(candidate Record) error
	// ValidatePartial checks a set of changes keyed by field or dotted path.
	// Only the fields present are checked.
	ValidatePartial(changes Record) error
}

// FieldType is the primitive or structured type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = "any"
)

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// Field is a single field declaration.
type Field struct {
	Type     FieldType
	Optional bool
}

// ParseField parses the compact form used in registry files: a type name
// with an optional trailing "?" marking the field optional ("string?").
func ParseField(spec string) (Field, error) {
	spec = strings.TrimSpace(spec)
	f := Field{}
	if strings.HasSuffix(spec, "?") {
		f.Optional = true
		spec = strings.TrimSuffix(spec, "?")
	}
	f.Type = FieldType(spec)
	if !f.Type.IsValid() {
		return Field{}, fmt.Errorf("unknown field type %q", spec)
	}
	return f, nil
}

// Fields is the bundled FieldSet implementation. Extra fields on a record
// are allowed; declared fields are type checked.
type Fields map[string]Field

// Names implements FieldSet.
func (fs Fields) Names() []string {
	names := make([]string, 0, len(fs))
	for name := range fs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate implements FieldSet.
func (fs Fields) Validate(candidate Record) error {
	if candidate == nil {
		return fmt.Errorf("record is required")
	}
	for _, name := range fs.Names() {
		field := fs[name]
		value, ok := candidate[name]
		if !ok {
			if field.Optional {
				continue
			}
			return fmt.Errorf("%s is required", name)
		}
		if err := checkType(field, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ValidatePartial implements FieldSet. Dotted paths are accepted when their
// first segment is an object field; the nested value is not checked.
func (fs Fields) ValidatePartial(changes Record) error {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		head, rest, nested := strings.Cut(path, ".")
		field, ok := fs[head]
		if !ok {
			return fmt.Errorf("unknown field %s", head)
		}
		if nested {
			if field.Type != TypeObject && field.Type != TypeAny {
				return fmt.Errorf("%s: cannot address %q inside a %s field", head, rest, field.Type)
			}
			continue
		}
		if err := checkType(field, changes[path]); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func checkType(field Field, value any) error {
	if value == nil {
		if field.Optional || field.Type == TypeAny {
			return nil
		}
		return fmt.Errorf("must not be null")
	}

	switch field.Type {
	case TypeAny:
		return nil
	case TypeString:
		if _, ok := value.(string); ok {
			return nil
		}
	case TypeNumber:
		if _, ok := toFloat(value); ok {
			return nil
		}
	case TypeInteger:
		if f, ok := toFloat(value); ok && f == math.Trunc(f) {
			return nil
		}
	case TypeBoolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case TypeDate:
		switch v := value.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return nil
			}
			return fmt.Errorf("expected RFC 3339 date, got %q", v)
		case time.Time:
			return nil
		default:
			if _, ok := toFloat(value); ok {
				return nil
			}
		}
	case TypeObject:
		if _, ok := asMap(value); ok {
			return nil
		}
	case TypeArray:
		if _, ok := value.([]any); ok {
			return nil
		}
	}
	return fmt.Errorf("expected %s, got %T", field.Type, value)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}
