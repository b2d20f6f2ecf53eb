// Package export renders stored schemas and records as PostgreSQL SQL.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adrianmcphee/s3orm"
)

// ExportDDL generates PostgreSQL CREATE TABLE statements for every stored
// schema, sorted by model name
func ExportDDL(ctx context.Context, db *s3orm.DB) (string, error) {
	schemas, err := loadSchemas(ctx, db)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("-- s3orm export to PostgreSQL\n")
	sb.WriteString("-- Generated schema (no migration history)\n\n")

	for i, schema := range schemas {
		sb.WriteString(TableToDDL(schema))
		if i < len(schemas)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// TableToDDL generates a CREATE TABLE statement for a single model, plus
// CREATE INDEX statements for its non-unique indexes
func TableToDDL(schema *s3orm.Schema) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("CREATE TABLE %s (\n", schema.Model))
	sb.WriteString("  id BIGINT PRIMARY KEY")
	for _, f := range schema.Fields() {
		sb.WriteString(",\n  ")
		sb.WriteString(columnToDDL(f))
	}
	sb.WriteString("\n);\n")

	for _, f := range schema.Fields() {
		if f.Index && !f.Unique {
			sb.WriteString(fmt.Sprintf("CREATE INDEX %s_%s_idx ON %s (%s);\n", schema.Model, f.Name, schema.Model, f.Name))
		}
	}
	return sb.String()
}

func columnToDDL(f *s3orm.Field) string {
	parts := []string{f.Name, mapType(f.Type)}
	if f.Unique {
		parts = append(parts, "UNIQUE")
	}
	if f.Default != nil {
		parts = append(parts, "DEFAULT", literal(f, f.Default))
	}
	return strings.Join(parts, " ")
}

// mapType maps field types to PostgreSQL types
func mapType(t s3orm.FieldType) string {
	switch t {
	case s3orm.TypeInteger:
		return "BIGINT"
	case s3orm.TypeFloat:
		return "DOUBLE PRECISION"
	case s3orm.TypeBoolean:
		return "BOOLEAN"
	case s3orm.TypeDate:
		return "TIMESTAMPTZ"
	case s3orm.TypeJSON, s3orm.TypeArray:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// ExportData generates INSERT statements for every stored record
func ExportData(ctx context.Context, db *s3orm.DB) (string, error) {
	schemas, err := loadSchemas(ctx, db)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("-- s3orm data export\n\n")

	for _, schema := range schemas {
		m, err := db.Model(schema.Model)
		if err != nil {
			return "", err
		}
		ids, err := m.GetIDs(ctx, s3orm.Query{Limit: s3orm.NoLimit})
		if err != nil {
			return "", err
		}
		if len(ids) == 0 {
			continue
		}

		for _, id := range ids {
			r, err := m.LoadFromID(ctx, id)
			if err != nil {
				return "", err
			}
			if r == nil {
				continue
			}
			sb.WriteString(rowToInsert(schema, r))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func rowToInsert(schema *s3orm.Schema, r *s3orm.Record) string {
	cols := []string{"id"}
	values := []string{strconv.FormatInt(r.ID, 10)}

	for _, f := range schema.Fields() {
		cols = append(cols, f.Name)
		v, ok := r.Values[f.Name]
		if !ok || v == nil {
			values = append(values, "NULL")
			continue
		}
		values = append(values, literal(f, v))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);\n",
		schema.Model,
		strings.Join(cols, ", "),
		strings.Join(values, ", "))
}

// literal renders v as a SQL literal of the field's type
func literal(f *s3orm.Field, v any) string {
	switch f.Type {
	case s3orm.TypeInteger, s3orm.TypeFloat, s3orm.TypeBoolean:
		if s, err := f.EncodeValue(v); err == nil {
			return s
		}
	case s3orm.TypeJSON, s3orm.TypeArray:
		if data, err := json.Marshal(v); err == nil {
			return quote(string(data))
		}
	case s3orm.TypeDate:
		if t, ok := v.(time.Time); ok {
			return quote(t.UTC().Format(time.RFC3339Nano))
		}
	}
	return quote(fmt.Sprint(v))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func loadSchemas(ctx context.Context, db *s3orm.DB) ([]*s3orm.Schema, error) {
	if _, err := db.LoadSchemas(ctx); err != nil {
		return nil, err
	}
	var schemas []*s3orm.Schema
	for _, name := range db.Registry().Models() {
		schema, err := db.Registry().Get(name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, schema)
	}
	return schemas, nil
}

// Export generates both DDL and data
func Export(ctx context.Context, db *s3orm.DB) (string, error) {
	ddl, err := ExportDDL(ctx, db)
	if err != nil {
		return "", err
	}
	data, err := ExportData(ctx, db)
	if err != nil {
		return "", err
	}
	return ddl + "\n" + data, nil
}
