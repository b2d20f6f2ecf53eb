package s3orm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewSchema_Validation(t *testing.T) {
	tests := []struct {
		name   string
		model  string
		fields []Field
	}{
		{"empty model", "", nil},
		{"slash in model", "a/b", nil},
		{"underscore prefix", "_schemas", nil},
		{"reserved id", "player", []Field{{Name: "id"}}},
		{"reserved expires", "player", []Field{{Name: "expires"}}},
		{"reserved order", "player", []Field{{Name: "order"}}},
		{"reserved limit", "player", []Field{{Name: "limit", Type: TypeInteger}}},
		{"reserved offset", "player", []Field{{Name: "offset"}}},
		{"reserved where", "player", []Field{{Name: "where"}}},
		{"separator in field", "player", []Field{{Name: "a#b"}}},
		{"unknown type", "player", []Field{{Name: "a", Type: "decimal"}}},
		{"duplicate", "player", []Field{{Name: "a"}, {Name: "a"}}},
		{"indexed json", "player", []Field{{Name: "meta", Type: TypeJSON, Index: true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.model, tt.fields...)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewSchema_DefaultsToString(t *testing.T) {
	s := MustSchema("player", Field{Name: "name", Index: true})
	f, ok := s.Field("name")
	if !ok {
		t.Fatal("field not found")
	}
	if f.Type != TypeString {
		t.Errorf("expected string type, got %s", f.Type)
	}
	if f.IsNumeric() {
		t.Error("string field must not be numeric")
	}
}

func TestSchema_FieldSets(t *testing.T) {
	s := MustSchema("player",
		Field{Name: "name", Index: true},
		Field{Name: "email", Unique: true},
		Field{Name: "bio"},
		Field{Name: "score", Type: TypeFloat, Index: true},
	)

	names := func(fields []*Field) []string {
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			out = append(out, f.Name)
		}
		return out
	}

	if got := names(s.Fields()); len(got) != 4 || got[0] != "name" || got[3] != "score" {
		t.Errorf("Fields() = %v", got)
	}
	if got := names(s.IndexedFields()); len(got) != 3 || got[1] != "email" {
		t.Errorf("IndexedFields() = %v", got)
	}
	if got := names(s.UniqueFields()); len(got) != 1 || got[0] != "email" {
		t.Errorf("UniqueFields() = %v", got)
	}
}

func TestField_Codec(t *testing.T) {
	tests := []struct {
		name    string
		typ     FieldType
		in      any
		encoded string
	}{
		{"integer", TypeInteger, 42, "42"},
		{"integer from float", TypeInteger, 42.0, "42"},
		{"integer from string", TypeInteger, "7", "7"},
		{"float", TypeFloat, 15.6, "15.6"},
		{"float whole", TypeFloat, 5, "5"},
		{"boolean", TypeBoolean, true, "true"},
		{"boolean from string", TypeBoolean, "1", "true"},
		{"boolean from integer", TypeBoolean, int64(0), "false"},
		{"date", TypeDate, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), "2024-03-01T12:00:00Z"},
		{"date from string", TypeDate, "2024-03-01", "2024-03-01T00:00:00Z"},
		{"string", TypeString, "ada", "ada"},
		{"json", TypeJSON, map[string]any{"a": 1}, `{"a":1}`},
		{"array", TypeArray, []any{"x", "y"}, `["x","y"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Field{Name: "f", Type: tt.typ}
			got, err := f.EncodeValue(tt.in)
			if err != nil {
				t.Fatalf("EncodeValue failed: %v", err)
			}
			if got != tt.encoded {
				t.Errorf("EncodeValue = %q, want %q", got, tt.encoded)
			}
			if _, err := f.DecodeValue(got); err != nil {
				t.Errorf("DecodeValue(%q) failed: %v", got, err)
			}
		})
	}
}

func TestField_CodecErrors(t *testing.T) {
	tests := []struct {
		name string
		typ  FieldType
		in   any
		want error
	}{
		{"fractional integer", TypeInteger, 1.5, ErrInvalidNumericValue},
		{"non numeric", TypeFloat, "abc", ErrInvalidNumericValue},
		{"bad boolean", TypeBoolean, "maybe", ErrEncoding},
		{"boolean out of range", TypeBoolean, 2, ErrEncoding},
		{"bad date", TypeDate, "yesterday", ErrEncoding},
		{"map as string", TypeString, map[string]any{}, ErrEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Field{Name: "f", Type: tt.typ}
			if _, err := f.EncodeValue(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestField_CustomCodec(t *testing.T) {
	f := &Field{
		Name:   "tags",
		Type:   TypeArray,
		Encode: func(v any) (string, error) { return "custom", nil },
		Decode: func(s string) (any, error) { return []any{s}, nil },
	}
	got, err := f.EncodeValue([]any{1})
	if err != nil || got != "custom" {
		t.Errorf("EncodeValue = %q, %v", got, err)
	}

	if _, err := NewSchema("post", Field{Name: "tags", Type: TypeArray, Index: true, Encode: f.Encode}); err != nil {
		t.Errorf("indexed array with custom encoder should be accepted: %v", err)
	}
}

func TestSchema_JSONRoundTrip(t *testing.T) {
	s := MustSchema("player",
		Field{Name: "name", Index: true},
		Field{Name: "email", Unique: true},
		Field{Name: "score", Type: TypeFloat, Index: true, Default: 0.0},
	)

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var loaded Schema
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if loaded.Model != "player" || len(loaded.Fields()) != 3 {
		t.Fatalf("unexpected schema: %+v", loaded)
	}
	email, _ := loaded.Field("email")
	if !email.Unique {
		t.Error("unique flag lost")
	}
	score, _ := loaded.Field("score")
	if score.Type != TypeFloat || score.Default != 0.0 {
		t.Errorf("score field = %+v", score)
	}
}

func TestSchemaRegistry(t *testing.T) {
	r := NewSchemaRegistry()
	r.Register(MustSchema("b"))
	r.Register(MustSchema("a"))

	if got := r.Models(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Models() = %v", got)
	}
	if _, err := r.Get("a"); err != nil {
		t.Errorf("Get(a) failed: %v", err)
	}

	r.Remove("a")
	if _, err := r.Get("a"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}
