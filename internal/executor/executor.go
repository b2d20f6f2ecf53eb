// Package executor parses SQL statements and runs them as model operations.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/adrianmcphee/s3orm"
	"github.com/xwb1989/sqlparser"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds parallel record reads per statement
const fetchConcurrency = 16

// ErrSyntax wraps statements the SQL parser rejects
var ErrSyntax = errors.New("syntax error")

// Column is one result column. Type drives the wire type of the column.
type Column struct {
	Name string
	Type s3orm.FieldType
}

// Result represents the result of executing a SQL statement
type Result struct {
	Columns      []Column
	Rows         [][]sql.NullString
	RowsAffected int
	LastInsertID int64
	Message      string
}

// Executor executes SQL statements against a DB
type Executor struct {
	db *s3orm.DB
}

// NewExecutor creates a new SQL executor
func NewExecutor(db *s3orm.DB) *Executor {
	return &Executor{db: db}
}

// Execute parses and executes a SQL statement
func (e *Executor) Execute(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Message: "OK"}, nil
	}

	// Remove trailing semicolon for parser
	query = strings.TrimSuffix(query, ";")

	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	switch s := stmt.(type) {
	case *sqlparser.DDL:
		return e.executeDDL(ctx, s, query)
	case *sqlparser.Select:
		return e.executeSelect(ctx, s)
	case *sqlparser.Insert:
		return e.executeInsert(ctx, s)
	case *sqlparser.Update:
		return e.executeUpdate(ctx, s)
	case *sqlparser.Delete:
		return e.executeDelete(ctx, s)
	case *sqlparser.Set:
		return &Result{Message: "SET"}, nil
	case *sqlparser.Begin:
		return &Result{Message: "BEGIN"}, nil
	case *sqlparser.Commit:
		return &Result{Message: "COMMIT"}, nil
	case *sqlparser.Rollback:
		return &Result{Message: "ROLLBACK"}, nil
	default:
		return nil, fmt.Errorf("unsupported statement type: %T", stmt)
	}
}

// model resolves a table, reloading persisted schemas once so tables
// created by another process are visible
func (e *Executor) model(ctx context.Context, table string) (*s3orm.Model, error) {
	m, err := e.db.Model(table)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, s3orm.ErrUnknownModel) {
		return nil, err
	}
	if _, lerr := e.db.LoadSchemas(ctx); lerr != nil {
		return nil, lerr
	}
	return e.db.Model(table)
}

func (e *Executor) executeDDL(ctx context.Context, stmt *sqlparser.DDL, query string) (*Result, error) {
	switch stmt.Action {
	case sqlparser.CreateStr:
		if stmt.TableSpec == nil {
			return nil, fmt.Errorf("unsupported CREATE statement")
		}
		return e.executeCreateTable(ctx, stmt, strings.Contains(strings.ToLower(query), "if not exists"))
	case sqlparser.DropStr:
		return e.executeDropTable(ctx, stmt)
	default:
		return nil, fmt.Errorf("unsupported DDL action: %s", stmt.Action)
	}
}

func (e *Executor) executeCreateTable(ctx context.Context, stmt *sqlparser.DDL, ifNotExists bool) (*Result, error) {
	tableName := stmt.NewName.Name.String()

	if _, err := e.model(ctx, tableName); err == nil {
		if ifNotExists {
			return &Result{Message: "CREATE TABLE"}, nil
		}
		return nil, fmt.Errorf("table %s already exists", tableName)
	}

	schema, err := SchemaFromDDL(tableName, stmt.TableSpec)
	if err != nil {
		return nil, err
	}
	if _, err := e.db.Define(ctx, schema); err != nil {
		return nil, err
	}
	return &Result{Message: "CREATE TABLE"}, nil
}

func (e *Executor) executeDropTable(ctx context.Context, stmt *sqlparser.DDL) (*Result, error) {
	tableName := stmt.Table.Name.String()

	if _, err := e.model(ctx, tableName); err != nil {
		if errors.Is(err, s3orm.ErrUnknownModel) && stmt.IfExists {
			return &Result{Message: "DROP TABLE"}, nil
		}
		return nil, err
	}
	if err := e.db.Drop(ctx, tableName); err != nil {
		return nil, err
	}
	return &Result{Message: "DROP TABLE"}, nil
}

func (e *Executor) executeSelect(ctx context.Context, stmt *sqlparser.Select) (*Result, error) {
	if len(stmt.From) != 1 {
		return nil, fmt.Errorf("only single table SELECT supported")
	}
	tableName, err := getTableName(stmt.From[0])
	if err != nil {
		return nil, err
	}
	if tableName == "dual" {
		return selectConstants(stmt)
	}

	m, err := e.model(ctx, tableName)
	if err != nil {
		return nil, err
	}

	proj, err := newProjection(m.Schema(), stmt.SelectExprs)
	if err != nil {
		return nil, err
	}

	if stmt.Distinct != "" && stmt.Where == nil && stmt.OrderBy == nil && stmt.Limit == nil && proj.singleField() {
		return e.selectDistinct(ctx, m, proj.columns[0])
	}
	if proj.aggregate && stmt.Where == nil {
		if res, ok, err := e.aggregateFromIndex(ctx, m, proj); ok || err != nil {
			return res, err
		}
	}

	records, err := e.match(ctx, m, stmt.Where, stmt.OrderBy, stmt.Limit)
	if err != nil {
		return nil, err
	}

	if proj.aggregate {
		return proj.aggregateRecords(records)
	}

	rows := make([][]sql.NullString, 0, len(records))
	seen := map[string]bool{}
	for _, r := range records {
		row := proj.row(r)
		if stmt.Distinct != "" {
			key := fmt.Sprint(row)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		rows = append(rows, row)
	}

	return &Result{
		Columns: proj.columns,
		Rows:    rows,
		Message: fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

func (e *Executor) selectDistinct(ctx context.Context, m *s3orm.Model, col Column) (*Result, error) {
	values, err := m.Distinct(ctx, col.Name, s3orm.Query{Limit: s3orm.NoLimit})
	if err != nil {
		return nil, err
	}
	rows := make([][]sql.NullString, len(values))
	for i, v := range values {
		rows[i] = []sql.NullString{formatValue(v)}
	}
	return &Result{
		Columns: []Column{col},
		Rows:    rows,
		Message: fmt.Sprintf("SELECT %d", len(rows)),
	}, nil
}

// aggregateFromIndex answers COUNT, MAX and MIN without loading records.
// ok is false when some aggregate needs the records.
func (e *Executor) aggregateFromIndex(ctx context.Context, m *s3orm.Model, proj *projection) (*Result, bool, error) {
	row := make([]sql.NullString, len(proj.aggs))
	for i, agg := range proj.aggs {
		switch agg.fn {
		case "count":
			if agg.field != "" {
				return nil, false, nil
			}
			n, err := m.Count(ctx, s3orm.Query{})
			if err != nil {
				return nil, true, err
			}
			row[i] = sql.NullString{String: strconv.Itoa(n), Valid: true}
		case "max", "min":
			f, ok := m.Schema().Field(agg.field)
			if !ok || !f.IsNumeric() || !f.Indexed() {
				return nil, false, nil
			}
			var v float64
			var err error
			if agg.fn == "max" {
				v, err = m.Max(ctx, agg.field)
			} else {
				v, err = m.Min(ctx, agg.field)
			}
			if errors.Is(err, s3orm.ErrEmptyCollection) {
				continue
			}
			if err != nil {
				return nil, true, err
			}
			row[i] = formatNumber(f.Type, v)
		}
	}
	return &Result{
		Columns: proj.columns,
		Rows:    [][]sql.NullString{row},
		Message: "SELECT 1",
	}, true, nil
}

// match loads the records of m satisfying where, ordered and paged. Indexed
// conjuncts narrow the candidates; every condition is then checked on the
// loaded record.
// fetch loads ids in order. Unlike Model.Find, a failed read is an error:
// an outage must not look like an empty table to UPDATE or DELETE.
func fetch(ctx context.Context, m *s3orm.Model, ids []int64) ([]*s3orm.Record, error) {
	loaded := make([]*s3orm.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for n, id := range ids {
		g.Go(func() error {
			r, err := m.Fetch(gctx, id)
			loaded[n] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]*s3orm.Record, 0, len(loaded))
	for _, r := range loaded {
		if r != nil {
			records = append(records, r)
		}
	}
	return records, nil
}

func (e *Executor) match(ctx context.Context, m *s3orm.Model, where *sqlparser.Where, orderBy sqlparser.OrderBy, limit *sqlparser.Limit) ([]*s3orm.Record, error) {
	var pred predicate = func(*s3orm.Record) bool { return true }
	hints := map[string]any{}
	var ids []int64

	if where != nil {
		c := &compiler{schema: m.Schema()}
		p, err := c.compile(where.Expr)
		if err != nil {
			return nil, err
		}
		pred = p
		c.collectHints(where.Expr, hints)
		ids = c.ids
	}

	q := s3orm.Query{Where: hints, Limit: s3orm.NoLimit}
	sortField, desc, err := orderOf(m.Schema(), orderBy)
	if err != nil {
		return nil, err
	}
	if sortField == s3orm.IDField && desc {
		q.Order = s3orm.OrderDesc
	}

	if ids == nil {
		if ids, err = m.GetIDs(ctx, q); err != nil {
			return nil, err
		}
	}
	candidates, err := fetch(ctx, m, ids)
	if err != nil {
		return nil, err
	}

	records := make([]*s3orm.Record, 0, len(candidates))
	for _, r := range candidates {
		if pred(r) {
			records = append(records, r)
		}
	}

	if sortField != s3orm.IDField {
		f, _ := m.Schema().Field(sortField)
		sort.SliceStable(records, func(a, b int) bool {
			cmp := compareValues(f, records[a].Values[sortField], records[b].Values[sortField])
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	return applyLimit(records, limit)
}

func (e *Executor) executeInsert(ctx context.Context, stmt *sqlparser.Insert) (*Result, error) {
	tableName := stmt.Table.Name.String()
	m, err := e.model(ctx, tableName)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, col := range stmt.Columns {
		columns = append(columns, col.String())
	}
	if len(columns) == 0 {
		for _, f := range m.Schema().Fields() {
			columns = append(columns, f.Name)
		}
	}
	for _, col := range columns {
		if col == s3orm.IDField {
			return nil, fmt.Errorf("column id is assigned by the store")
		}
		if _, ok := m.Schema().Field(col); !ok {
			return nil, fmt.Errorf("column %s does not exist in %s", col, tableName)
		}
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("only VALUES clause supported for INSERT")
	}

	var lastID int64
	for _, tuple := range rows {
		if len(tuple) != len(columns) {
			return nil, fmt.Errorf("INSERT has %d columns but %d values", len(columns), len(tuple))
		}
		values := make(map[string]any, len(columns))
		for i, expr := range tuple {
			v, err := evalExpr(expr)
			if err != nil {
				return nil, err
			}
			if v != nil {
				values[columns[i]] = v
			}
		}

		r := m.New(values)
		if err := r.Save(ctx); err != nil {
			return nil, err
		}
		lastID = r.ID
	}

	return &Result{
		RowsAffected: len(rows),
		LastInsertID: lastID,
		Message:      fmt.Sprintf("INSERT 0 %d", len(rows)),
	}, nil
}

func (e *Executor) executeUpdate(ctx context.Context, stmt *sqlparser.Update) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, fmt.Errorf("only single table UPDATE supported")
	}
	tableName, err := getTableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}
	m, err := e.model(ctx, tableName)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]any, len(stmt.Exprs))
	for _, expr := range stmt.Exprs {
		col := expr.Name.Name.String()
		if col == s3orm.IDField {
			return nil, fmt.Errorf("column id cannot be updated")
		}
		if _, ok := m.Schema().Field(col); !ok {
			return nil, fmt.Errorf("column %s does not exist in %s", col, tableName)
		}
		v, err := evalExpr(expr.Expr)
		if err != nil {
			return nil, err
		}
		updates[col] = v
	}

	records, err := e.match(ctx, m, stmt.Where, stmt.OrderBy, stmt.Limit)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		for col, v := range updates {
			if v == nil {
				delete(r.Values, col)
				continue
			}
			r.Set(col, v)
		}
		if err := r.Save(ctx); err != nil {
			return nil, err
		}
	}

	return &Result{
		RowsAffected: len(records),
		Message:      fmt.Sprintf("UPDATE %d", len(records)),
	}, nil
}

func (e *Executor) executeDelete(ctx context.Context, stmt *sqlparser.Delete) (*Result, error) {
	if len(stmt.TableExprs) != 1 {
		return nil, fmt.Errorf("only single table DELETE supported")
	}
	tableName, err := getTableName(stmt.TableExprs[0])
	if err != nil {
		return nil, err
	}
	m, err := e.model(ctx, tableName)
	if err != nil {
		return nil, err
	}

	records, err := e.match(ctx, m, stmt.Where, stmt.OrderBy, stmt.Limit)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := r.Remove(ctx); err != nil {
			return nil, err
		}
	}

	return &Result{
		RowsAffected: len(records),
		Message:      fmt.Sprintf("DELETE %d", len(records)),
	}, nil
}

// selectConstants answers table-less selects such as SELECT 1
func selectConstants(stmt *sqlparser.Select) (*Result, error) {
	var cols []Column
	var row []sql.NullString
	for i, expr := range stmt.SelectExprs {
		aliased, ok := expr.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, fmt.Errorf("unsupported select expression")
		}
		v, err := evalExpr(aliased.Expr)
		if err != nil {
			return nil, err
		}
		name := aliased.As.String()
		if name == "" {
			name = fmt.Sprintf("?column%d?", i+1)
		}
		typ := s3orm.TypeString
		switch v.(type) {
		case int64:
			typ = s3orm.TypeInteger
		case float64:
			typ = s3orm.TypeFloat
		case bool:
			typ = s3orm.TypeBoolean
		}
		cols = append(cols, Column{Name: name, Type: typ})
		row = append(row, formatValue(v))
	}
	return &Result{Columns: cols, Rows: [][]sql.NullString{row}, Message: "SELECT 1"}, nil
}

func getTableName(expr sqlparser.TableExpr) (string, error) {
	switch t := expr.(type) {
	case *sqlparser.AliasedTableExpr:
		if tbl, ok := t.Expr.(sqlparser.TableName); ok {
			return tbl.Name.String(), nil
		}
	}
	return "", fmt.Errorf("could not determine table name")
}

func orderOf(schema *s3orm.Schema, orderBy sqlparser.OrderBy) (string, bool, error) {
	if len(orderBy) == 0 {
		return s3orm.IDField, false, nil
	}
	if len(orderBy) > 1 {
		return "", false, fmt.Errorf("only one ORDER BY column supported")
	}
	col, ok := orderBy[0].Expr.(*sqlparser.ColName)
	if !ok {
		return "", false, fmt.Errorf("ORDER BY must name a column")
	}
	name := col.Name.String()
	if name != s3orm.IDField {
		if _, ok := schema.Field(name); !ok {
			return "", false, fmt.Errorf("column %s does not exist", name)
		}
	}
	return name, orderBy[0].Direction == sqlparser.DescScr, nil
}

func applyLimit(records []*s3orm.Record, limit *sqlparser.Limit) ([]*s3orm.Record, error) {
	if limit == nil {
		return records, nil
	}
	offset, err := limitValue(limit.Offset)
	if err != nil {
		return nil, err
	}
	count, err := limitValue(limit.Rowcount)
	if err != nil {
		return nil, err
	}
	if offset >= len(records) {
		return []*s3orm.Record{}, nil
	}
	records = records[offset:]
	if limit.Rowcount != nil && count < len(records) {
		records = records[:count]
	}
	return records, nil
}

func limitValue(expr sqlparser.Expr) (int, error) {
	if expr == nil {
		return 0, nil
	}
	v, err := evalExpr(expr)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("LIMIT and OFFSET must be non-negative integers")
	}
	return int(n), nil
}
