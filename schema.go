package s3orm

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FieldType is the declared type of a schema field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeFloat   FieldType = "float"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeJSON    FieldType = "json"
	TypeArray   FieldType = "array"
)

// IDField is the reserved name of the record identifier
const IDField = "id"

// Field describes one column of a model. Encode and Decode convert between
// values and their canonical stored text; nil means the built-in codec
// for Type.
type Field struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Index   bool      `json:"index,omitempty"`
	Unique  bool      `json:"unique,omitempty"`
	Default any       `json:"default,omitempty"`

	Encode func(any) (string, error) `json:"-"`
	Decode func(string) (any, error) `json:"-"`
}

// IsNumeric reports whether the field is indexed as a sorted set
func (f *Field) IsNumeric() bool {
	return f.Type == TypeInteger || f.Type == TypeFloat
}

// Indexed reports whether the field has any index
func (f *Field) Indexed() bool {
	return f.Index || f.Unique
}

// EncodeValue renders v in canonical text
func (f *Field) EncodeValue(v any) (string, error) {
	if f.Encode != nil {
		return f.Encode(v)
	}
	s, err := builtinEncode(f.Type, v)
	if err != nil {
		return "", WithContext(err, map[string]interface{}{"field": f.Name, "type": f.Type})
	}
	return s, nil
}

// DecodeValue parses canonical text back into a value
func (f *Field) DecodeValue(s string) (any, error) {
	if f.Decode != nil {
		return f.Decode(s)
	}
	v, err := builtinDecode(f.Type, s)
	if err != nil {
		return nil, WithContext(err, map[string]interface{}{"field": f.Name, "type": f.Type})
	}
	return v, nil
}

func builtinEncode(t FieldType, v any) (string, error) {
	switch t {
	case TypeInteger:
		f, err := toFloat64(v)
		if err != nil {
			return "", err
		}
		if f != math.Trunc(f) {
			return "", WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": v, "reason": "not an integer"})
		}
		return strconv.FormatInt(int64(f), 10), nil
	case TypeFloat:
		f, err := toFloat64(v)
		if err != nil {
			return "", err
		}
		return FormatScore(f), nil
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return "", WithContext(ErrEncoding, map[string]interface{}{"value": v})
			}
			return strconv.FormatBool(parsed), nil
		case int64:
			// 0 and 1, as TINYINT(1) columns carry them
			if b == 0 || b == 1 {
				return strconv.FormatBool(b == 1), nil
			}
		case int:
			if b == 0 || b == 1 {
				return strconv.FormatBool(b == 1), nil
			}
		}
		return "", WithContext(ErrEncoding, map[string]interface{}{"value": v, "reason": "not a boolean"})
	case TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UTC().Format(time.RFC3339Nano), nil
		case string:
			parsed, err := parseDate(d)
			if err != nil {
				return "", err
			}
			return parsed.UTC().Format(time.RFC3339Nano), nil
		}
		return "", WithContext(ErrEncoding, map[string]interface{}{"value": v, "reason": "not a date"})
	case TypeJSON, TypeArray:
		data, err := json.Marshal(v)
		if err != nil {
			return "", WithContext(ErrEncoding, map[string]interface{}{"reason": err.Error()})
		}
		return string(data), nil
	default:
		return scalarString(v)
	}
}

func builtinDecode(t FieldType, s string) (any, error) {
	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": s})
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": s})
		}
		return f, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, WithContext(ErrEncoding, map[string]interface{}{"value": s})
		}
		return b, nil
	case TypeDate:
		return parseDate(s)
	case TypeJSON:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, WithContext(ErrEncoding, map[string]interface{}{"reason": err.Error()})
		}
		return v, nil
	case TypeArray:
		var v []any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, WithContext(ErrEncoding, map[string]interface{}{"reason": err.Error()})
		}
		return v, nil
	default:
		return s, nil
	}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, WithContext(ErrEncoding, map[string]interface{}{"value": s, "reason": "not a date"})
}

// toFloat64 coerces numbers and numeric strings; NaN is rejected
func toFloat64(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": v})
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": v})
		}
		f = parsed
	default:
		return 0, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": v, "type": fmt.Sprintf("%T", v)})
	}
	if math.IsNaN(f) {
		return 0, WithContext(ErrInvalidNumericValue, map[string]interface{}{"value": v})
	}
	return f, nil
}

// isEmptyValue is the "no value" test used by indexes: nil or "".
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Schema is the field layout of one model
type Schema struct {
	Model  string
	fields []*Field
	byName map[string]*Field
}

// NewSchema builds a schema from field descriptors, in declaration order
func NewSchema(model string, fields ...Field) (*Schema, error) {
	if model == "" || strings.ContainsAny(model, "/#") || strings.HasPrefix(model, "_") {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"model":  model,
			"reason": "model name must be non-empty, contain no '/' or '#' and not start with '_'",
		})
	}

	s := &Schema{Model: model, byName: make(map[string]*Field, len(fields))}
	for i := range fields {
		f := fields[i]
		if f.Type == "" {
			f.Type = TypeString
		}
		if err := validateField(model, &f); err != nil {
			return nil, err
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"model":  model,
				"field":  f.Name,
				"reason": "duplicate field",
			})
		}
		s.fields = append(s.fields, &f)
		s.byName[f.Name] = &f
	}
	return s, nil
}

// MustSchema is NewSchema that panics, for package-level declarations
func MustSchema(model string, fields ...Field) *Schema {
	s, err := NewSchema(model, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func validateField(model string, f *Field) error {
	fail := func(reason string) error {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"model":  model,
			"field":  f.Name,
			"reason": reason,
		})
	}
	if f.Name == "" || strings.ContainsAny(f.Name, "/#") {
		return fail("field name must be non-empty and contain no '/' or '#'")
	}
	// query keys are reserved so ParseQuery never mistakes a bare query
	// for a wrapped one
	if f.Name == IDField || f.Name == expiresCollection || queryKeys[f.Name] {
		return fail(f.Name + " is reserved")
	}
	switch f.Type {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeJSON, TypeArray:
	default:
		return fail("unknown type " + string(f.Type))
	}
	if f.Indexed() && (f.Type == TypeJSON || f.Type == TypeArray) && f.Encode == nil {
		return fail("json and array fields cannot be indexed without a custom encoder")
	}
	return nil
}

// Field looks up a field by name
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Fields returns the fields in declaration order
func (s *Schema) Fields() []*Field {
	return s.fields
}

// IndexedFields returns the fields with an index or unique constraint
func (s *Schema) IndexedFields() []*Field {
	var out []*Field
	for _, f := range s.fields {
		if f.Indexed() {
			out = append(out, f)
		}
	}
	return out
}

// UniqueFields returns the fields with a unique constraint
func (s *Schema) UniqueFields() []*Field {
	var out []*Field
	for _, f := range s.fields {
		if f.Unique {
			out = append(out, f)
		}
	}
	return out
}

type schemaJSON struct {
	Model  string  `json:"model"`
	Fields []Field `json:"fields"`
}

// MarshalJSON persists the declarative part of the schema. Custom codecs
// are not persisted.
func (s *Schema) MarshalJSON() ([]byte, error) {
	out := schemaJSON{Model: s.Model}
	for _, f := range s.fields {
		out.Fields = append(out.Fields, *f)
	}
	return json.Marshal(out)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var in schemaJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := NewSchema(in.Model, in.Fields...)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// SchemaRegistry maps model names to schemas. Safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

// Register adds or replaces the schema for its model
func (r *SchemaRegistry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Model] = s
}

// Get returns ErrUnknownModel when model has no schema
func (r *SchemaRegistry) Get(model string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[model]
	if !ok {
		return nil, WithContext(ErrUnknownModel, map[string]interface{}{"model": model})
	}
	return s, nil
}

func (r *SchemaRegistry) Remove(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schemas, model)
}

// Models returns the registered model names, sorted
func (r *SchemaRegistry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
