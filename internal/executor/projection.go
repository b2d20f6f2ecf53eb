package executor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adrianmcphee/s3orm"
	"github.com/xwb1989/sqlparser"
)

type aggregate struct {
	fn    string // count, max or min
	field string // empty for count(*)
}

// projection is the column list of a SELECT
type projection struct {
	schema    *s3orm.Schema
	columns   []Column
	aggregate bool
	aggs      []aggregate
}

func newProjection(schema *s3orm.Schema, exprs sqlparser.SelectExprs) (*projection, error) {
	p := &projection{schema: schema}
	for _, expr := range exprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			p.columns = append(p.columns, Column{Name: s3orm.IDField, Type: s3orm.TypeInteger})
			for _, f := range schema.Fields() {
				p.columns = append(p.columns, Column{Name: f.Name, Type: f.Type})
			}
		case *sqlparser.AliasedExpr:
			switch inner := e.Expr.(type) {
			case *sqlparser.ColName:
				col, err := p.column(inner.Name.String())
				if err != nil {
					return nil, err
				}
				if !e.As.IsEmpty() {
					col.Name = e.As.String()
				}
				p.columns = append(p.columns, col)
			case *sqlparser.FuncExpr:
				agg, col, err := p.function(inner)
				if err != nil {
					return nil, err
				}
				if !e.As.IsEmpty() {
					col.Name = e.As.String()
				}
				p.aggregate = true
				p.aggs = append(p.aggs, agg)
				p.columns = append(p.columns, col)
			default:
				return nil, fmt.Errorf("unsupported select expression: %s", sqlparser.String(e))
			}
		default:
			return nil, fmt.Errorf("unsupported select expression: %s", sqlparser.String(expr))
		}
	}
	if p.aggregate && len(p.aggs) != len(p.columns) {
		return nil, fmt.Errorf("cannot mix aggregates and columns without GROUP BY")
	}
	return p, nil
}

func (p *projection) column(name string) (Column, error) {
	if name == s3orm.IDField {
		return Column{Name: name, Type: s3orm.TypeInteger}, nil
	}
	f, ok := p.schema.Field(name)
	if !ok {
		return Column{}, fmt.Errorf("column %s does not exist", name)
	}
	return Column{Name: f.Name, Type: f.Type}, nil
}

func (p *projection) function(fn *sqlparser.FuncExpr) (aggregate, Column, error) {
	name := fn.Name.Lowered()
	agg := aggregate{fn: name}
	if len(fn.Exprs) != 1 {
		return agg, Column{}, fmt.Errorf("%s takes one argument", name)
	}

	var field string
	switch arg := fn.Exprs[0].(type) {
	case *sqlparser.StarExpr:
	case *sqlparser.AliasedExpr:
		col, ok := arg.Expr.(*sqlparser.ColName)
		if !ok {
			return agg, Column{}, fmt.Errorf("%s needs a column", name)
		}
		field = col.Name.String()
	}

	switch name {
	case "count":
		if field == s3orm.IDField {
			field = ""
		}
		if field != "" {
			if _, err := p.column(field); err != nil {
				return agg, Column{}, err
			}
		}
		agg.field = field
		return agg, Column{Name: "count", Type: s3orm.TypeInteger}, nil
	case "max", "min":
		if field == "" {
			return agg, Column{}, fmt.Errorf("%s needs a column", name)
		}
		col, err := p.column(field)
		if err != nil {
			return agg, Column{}, err
		}
		agg.field = field
		return agg, Column{Name: name, Type: col.Type}, nil
	}
	return agg, Column{}, fmt.Errorf("unsupported function: %s", name)
}

// singleField reports whether the projection is exactly one schema field
func (p *projection) singleField() bool {
	if p.aggregate || len(p.columns) != 1 {
		return false
	}
	_, ok := p.schema.Field(p.columns[0].Name)
	return ok
}

func (p *projection) row(r *s3orm.Record) []sql.NullString {
	row := make([]sql.NullString, len(p.columns))
	for i, col := range p.columns {
		row[i] = formatValue(fieldValue(r, col.Name))
	}
	return row
}

func (p *projection) aggregateRecords(records []*s3orm.Record) (*Result, error) {
	row := make([]sql.NullString, len(p.aggs))
	for i, agg := range p.aggs {
		if agg.fn == "count" {
			n := 0
			for _, r := range records {
				if agg.field == "" || fieldValue(r, agg.field) != nil {
					n++
				}
			}
			row[i] = sql.NullString{String: strconv.Itoa(n), Valid: true}
			continue
		}

		f, _ := p.schema.Field(agg.field)
		var best any
		for _, r := range records {
			v := fieldValue(r, agg.field)
			if v == nil {
				continue
			}
			cmp := compareValues(f, v, best)
			if best == nil || (agg.fn == "max" && cmp > 0) || (agg.fn == "min" && cmp < 0) {
				best = v
			}
		}
		row[i] = formatValue(best)
	}
	return &Result{
		Columns: p.columns,
		Rows:    [][]sql.NullString{row},
		Message: "SELECT 1",
	}, nil
}

// formatValue renders a decoded field value in PostgreSQL text format
func formatValue(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case string:
		return sql.NullString{String: x, Valid: true}
	case int64:
		return sql.NullString{String: strconv.FormatInt(x, 10), Valid: true}
	case float64:
		return sql.NullString{String: strconv.FormatFloat(x, 'f', -1, 64), Valid: true}
	case bool:
		if x {
			return sql.NullString{String: "t", Valid: true}
		}
		return sql.NullString{String: "f", Valid: true}
	case time.Time:
		return sql.NullString{String: x.UTC().Format(time.RFC3339Nano), Valid: true}
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return sql.NullString{String: fmt.Sprint(x), Valid: true}
		}
		return sql.NullString{String: string(data), Valid: true}
	}
	return sql.NullString{String: fmt.Sprint(v), Valid: true}
}

// formatNumber renders an index score as the field's type
func formatNumber(t s3orm.FieldType, v float64) sql.NullString {
	if t == s3orm.TypeInteger {
		return sql.NullString{String: strconv.FormatInt(int64(v), 10), Valid: true}
	}
	return sql.NullString{String: s3orm.FormatScore(v), Valid: true}
}
