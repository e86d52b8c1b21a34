package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
)

// SchemaType names the JSON Schema primitive types.
type SchemaType string

const (
	SchemaTypeString  SchemaType = "string"
	SchemaTypeNumber  SchemaType = "number"
	SchemaTypeInteger SchemaType = "integer"
	SchemaTypeBoolean SchemaType = "boolean"
	SchemaTypeNull    SchemaType = "null"
	SchemaTypeObject  SchemaType = "object"
	SchemaTypeArray   SchemaType = "array"
)

// JSONSchema represents a JSON Schema definition. Tool definitions declare
// their input and output contracts with it; Validate checks concrete values.
type JSONSchema struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Type SchemaType `json:"type,omitempty"`

	// Object shape
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`

	// Array shape
	Items    *JSONSchema `json:"items,omitempty"`
	MinItems *int        `json:"minItems,omitempty"`
	MaxItems *int        `json:"maxItems,omitempty"`

	// Enumerated values
	Enum []any `json:"enum,omitempty"`

	// String rules
	MinLength *int   `json:"minLength,omitempty"`
	MaxLength *int   `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Format    string `json:"format,omitempty"`

	// Numeric range
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`

	// Declared default, annotation only
	Default any `json:"default,omitempty"`
}

// NewObjectSchema starts an object schema with an empty property map.
func NewObjectSchema() *JSONSchema {
	return &JSONSchema{
		Type:       SchemaTypeObject,
		Properties: make(map[string]*JSONSchema),
	}
}

// NewArraySchema builds an array schema over the given item schema.
func NewArraySchema(items *JSONSchema) *JSONSchema {
	return &JSONSchema{
		Type:  SchemaTypeArray,
		Items: items,
	}
}

// NewStringSchema returns a bare string schema.
func NewStringSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeString}
}

// NewNumberSchema returns a bare number schema.
func NewNumberSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeNumber}
}

// NewIntegerSchema returns a bare integer schema.
func NewIntegerSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeInteger}
}

// NewBooleanSchema returns a bare boolean schema.
func NewBooleanSchema() *JSONSchema {
	return &JSONSchema{Type: SchemaTypeBoolean}
}

// NewEnumSchema restricts a value to the listed members.
func NewEnumSchema(values ...any) *JSONSchema {
	return &JSONSchema{Enum: values}
}

// AddProperty declares a named property and returns the receiver for chaining.
func (s *JSONSchema) AddProperty(name string, prop *JSONSchema) *JSONSchema {
	if s.Properties == nil {
		s.Properties = make(map[string]*JSONSchema)
	}
	s.Properties[name] = prop
	return s
}

// AddRequired marks the named properties as required.
func (s *JSONSchema) AddRequired(names ...string) *JSONSchema {
	s.Required = append(s.Required, names...)
	return s
}

// WithDescription attaches a human-readable description.
func (s *JSONSchema) WithDescription(desc string) *JSONSchema {
	s.Description = desc
	return s
}

// ToJSON renders the schema as JSON bytes.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// SchemaFromJSON parses a schema from JSON bytes.
func SchemaFromJSON(data []byte) (*JSONSchema, error) {
	var schema JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse json schema: %w", err)
	}
	return &schema, nil
}

// SchemaViolation describes one failed constraint at a path within a value.
type SchemaViolation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v SchemaViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a value against the schema and returns all violations.
// A nil schema accepts any value. Format constraints are annotations and
// are not checked.
func (s *JSONSchema) Validate(value any) []SchemaViolation {
	if s == nil {
		return nil
	}
	return s.validate("$", value)
}

func (s *JSONSchema) validate(path string, value any) []SchemaViolation {
	var violations []SchemaViolation

	if len(s.Enum) > 0 {
		matched := false
		for _, allowed := range s.Enum {
			if reflect.DeepEqual(normalizeNumber(allowed), normalizeNumber(value)) {
				matched = true
				break
			}
		}
		if !matched {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("value %v not in enum", value)})
		}
	}

	switch s.Type {
	case SchemaTypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return append(violations, SchemaViolation{path, fmt.Sprintf("expected object, got %T", value)})
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				violations = append(violations, SchemaViolation{path + "." + name, "required property missing"})
			}
		}
		for name, prop := range s.Properties {
			if v, present := obj[name]; present {
				violations = append(violations, prop.validate(path+"."+name, v)...)
			}
		}
		if s.AdditionalProperties != nil && !*s.AdditionalProperties {
			for name := range obj {
				if _, declared := s.Properties[name]; !declared {
					violations = append(violations, SchemaViolation{path + "." + name, "additional property not allowed"})
				}
			}
		}

	case SchemaTypeArray:
		arr, ok := toAnySlice(value)
		if !ok {
			return append(violations, SchemaViolation{path, fmt.Sprintf("expected array, got %T", value)})
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("expected at least %d items, got %d", *s.MinItems, len(arr))})
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("expected at most %d items, got %d", *s.MaxItems, len(arr))})
		}
		if s.Items != nil {
			for i, item := range arr {
				violations = append(violations, s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item)...)
			}
		}

	case SchemaTypeString:
		str, ok := value.(string)
		if !ok {
			return append(violations, SchemaViolation{path, fmt.Sprintf("expected string, got %T", value)})
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("string shorter than minLength %d", *s.MinLength)})
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("string longer than maxLength %d", *s.MaxLength)})
		}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				violations = append(violations, SchemaViolation{path, fmt.Sprintf("invalid pattern %q: %v", s.Pattern, err)})
			} else if !re.MatchString(str) {
				violations = append(violations, SchemaViolation{path, fmt.Sprintf("string does not match pattern %q", s.Pattern)})
			}
		}

	case SchemaTypeNumber, SchemaTypeInteger:
		num, ok := toFloat(value)
		if !ok {
			return append(violations, SchemaViolation{path, fmt.Sprintf("expected %s, got %T", s.Type, value)})
		}
		if s.Type == SchemaTypeInteger && num != math.Trunc(num) {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("expected integer, got %v", value)})
		}
		if s.Minimum != nil && num < *s.Minimum {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("value %v below minimum %v", num, *s.Minimum)})
		}
		if s.Maximum != nil && num > *s.Maximum {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("value %v above maximum %v", num, *s.Maximum)})
		}

	case SchemaTypeBoolean:
		if _, ok := value.(bool); !ok {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("expected boolean, got %T", value)})
		}

	case SchemaTypeNull:
		if value != nil {
			violations = append(violations, SchemaViolation{path, fmt.Sprintf("expected null, got %T", value)})
		}
	}

	return violations
}

// toFloat converts numeric Go values to float64. JSON decoding produces
// float64, but values built in-process arrive as native int types.
func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func normalizeNumber(value any) any {
	if f, ok := toFloat(value); ok {
		return f
	}
	return value
}

func toAnySlice(value any) ([]any, bool) {
	if arr, ok := value.([]any); ok {
		return arr, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	arr := make([]any, rv.Len())
	for i := range arr {
		arr[i] = rv.Index(i).Interface()
	}
	return arr, true
}
