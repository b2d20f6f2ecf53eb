package executor

import (
	"fmt"
	"strings"

	"github.com/adrianmcphee/s3orm"
	"github.com/xwb1989/sqlparser"
)

// Column key options as numbered by the parser
const (
	keyPrimary   = 1
	keyUnique    = 3
	keyUniqueKey = 4
	keyIndex     = 5
)

// SchemaFromDDL maps a CREATE TABLE body to a schema. The id column is
// implicit and skipped; UNIQUE columns get a unique index, KEY and INDEX
// columns a plain one.
func SchemaFromDDL(table string, spec *sqlparser.TableSpec) (*s3orm.Schema, error) {
	var fields []s3orm.Field
	pos := map[string]int{}

	for _, col := range spec.Columns {
		name := col.Name.String()
		keyOpt := int(col.Type.KeyOpt)
		if name == s3orm.IDField {
			if !isIntegerType(col.Type.Type) && keyOpt != keyPrimary {
				return nil, fmt.Errorf("column id is reserved for the record id")
			}
			continue
		}

		f := s3orm.Field{Name: name, Type: FieldType(col.Type.Type)}
		if strings.EqualFold(col.Type.Type, "tinyint") && col.Type.Length != nil && string(col.Type.Length.Val) == "1" {
			f.Type = s3orm.TypeBoolean
		}
		switch keyOpt {
		case keyPrimary:
			return nil, fmt.Errorf("primary key must be the id column, got %s", name)
		case keyUnique, keyUniqueKey:
			f.Unique = true
		case keyIndex:
			f.Index = true
		}
		if col.Type.Default != nil {
			v, err := evalExpr(col.Type.Default)
			if err != nil {
				return nil, fmt.Errorf("default for %s: %w", name, err)
			}
			f.Default = v
		}

		pos[name] = len(fields)
		fields = append(fields, f)
	}

	for _, idx := range spec.Indexes {
		if idx.Info.Primary {
			if len(idx.Columns) != 1 || idx.Columns[0].Column.String() != s3orm.IDField {
				return nil, fmt.Errorf("primary key must be the id column")
			}
			continue
		}
		if len(idx.Columns) != 1 {
			return nil, fmt.Errorf("index %s: only single column indexes are supported", idx.Info.Name.String())
		}
		name := idx.Columns[0].Column.String()
		i, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("index %s: column %s does not exist", idx.Info.Name.String(), name)
		}
		if idx.Info.Unique {
			fields[i].Unique = true
		} else {
			fields[i].Index = true
		}
	}

	return s3orm.NewSchema(table, fields...)
}

// FieldType maps a SQL column type to a field type. Unknown types are
// stored as strings. TINYINT(1) columns are booleans too, see SchemaFromDDL.
func FieldType(sqlType string) s3orm.FieldType {
	t := strings.ToLower(sqlType)
	switch {
	case isIntegerType(t):
		return s3orm.TypeInteger
	case t == "float" || t == "double" || t == "real" || t == "decimal" || t == "numeric":
		return s3orm.TypeFloat
	case t == "bit" || t == "bool" || t == "boolean":
		return s3orm.TypeBoolean
	case t == "date" || t == "datetime" || t == "timestamp":
		return s3orm.TypeDate
	case t == "json":
		return s3orm.TypeJSON
	}
	return s3orm.TypeString
}

func isIntegerType(t string) bool {
	switch strings.ToLower(t) {
	case "int", "integer", "bigint", "smallint", "tinyint", "mediumint":
		return true
	}
	return false
}
