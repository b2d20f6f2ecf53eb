package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/adrianmcphee/s3orm"
	"github.com/xwb1989/sqlparser"
)

type predicate func(*s3orm.Record) bool

// compiler turns a WHERE expression into a record predicate and collects
// index hints from its top-level conjuncts
type compiler struct {
	schema *s3orm.Schema
	ids    []int64
}

func (c *compiler) compile(expr sqlparser.Expr) (predicate, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left, err := c.compile(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(e.Right)
		if err != nil {
			return nil, err
		}
		return func(r *s3orm.Record) bool { return left(r) && right(r) }, nil
	case *sqlparser.OrExpr:
		left, err := c.compile(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(e.Right)
		if err != nil {
			return nil, err
		}
		return func(r *s3orm.Record) bool { return left(r) || right(r) }, nil
	case *sqlparser.NotExpr:
		inner, err := c.compile(e.Expr)
		if err != nil {
			return nil, err
		}
		return func(r *s3orm.Record) bool { return !inner(r) }, nil
	case *sqlparser.ParenExpr:
		return c.compile(e.Expr)
	case *sqlparser.ComparisonExpr:
		return c.comparison(e)
	case *sqlparser.RangeCond:
		col, f, err := c.column(e.Left)
		if err != nil {
			return nil, err
		}
		from, err := evalExpr(e.From)
		if err != nil {
			return nil, err
		}
		to, err := evalExpr(e.To)
		if err != nil {
			return nil, err
		}
		between := func(r *s3orm.Record) bool {
			v := fieldValue(r, col)
			return v != nil && compareValues(f, v, from) >= 0 && compareValues(f, v, to) <= 0
		}
		if e.Operator == sqlparser.NotBetweenStr {
			return func(r *s3orm.Record) bool { return fieldValue(r, col) != nil && !between(r) }, nil
		}
		return between, nil
	case *sqlparser.IsExpr:
		col, _, err := c.column(e.Expr)
		if err != nil {
			return nil, err
		}
		switch e.Operator {
		case sqlparser.IsNullStr:
			return func(r *s3orm.Record) bool { return fieldValue(r, col) == nil }, nil
		case sqlparser.IsNotNullStr:
			return func(r *s3orm.Record) bool { return fieldValue(r, col) != nil }, nil
		}
		return nil, fmt.Errorf("unsupported operator: %s", e.Operator)
	}
	return nil, fmt.Errorf("unsupported WHERE expression: %s", sqlparser.String(expr))
}

func (c *compiler) comparison(e *sqlparser.ComparisonExpr) (predicate, error) {
	col, f, err := c.column(e.Left)
	if err != nil {
		return nil, err
	}

	if e.Operator == sqlparser.InStr || e.Operator == sqlparser.NotInStr {
		tuple, ok := e.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, fmt.Errorf("IN needs a value list")
		}
		var values []any
		for _, item := range tuple {
			v, err := evalExpr(item)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		in := func(r *s3orm.Record) bool {
			v := fieldValue(r, col)
			if v == nil {
				return false
			}
			for _, want := range values {
				if want != nil && compareValues(f, v, want) == 0 {
					return true
				}
			}
			return false
		}
		if e.Operator == sqlparser.NotInStr {
			return func(r *s3orm.Record) bool { return fieldValue(r, col) != nil && !in(r) }, nil
		}
		return in, nil
	}

	want, err := evalExpr(e.Right)
	if err != nil {
		return nil, err
	}
	if want == nil {
		// comparisons with NULL never match
		return func(*s3orm.Record) bool { return false }, nil
	}

	if e.Operator == sqlparser.LikeStr || e.Operator == sqlparser.NotLikeStr {
		re, err := likePattern(fmt.Sprint(want))
		if err != nil {
			return nil, err
		}
		like := func(r *s3orm.Record) bool {
			v := fieldValue(r, col)
			return v != nil && re.MatchString(canonical(f, v))
		}
		if e.Operator == sqlparser.NotLikeStr {
			return func(r *s3orm.Record) bool { return fieldValue(r, col) != nil && !like(r) }, nil
		}
		return like, nil
	}

	var test func(int) bool
	switch e.Operator {
	case sqlparser.EqualStr:
		test = func(n int) bool { return n == 0 }
	case sqlparser.NotEqualStr, "<>":
		test = func(n int) bool { return n != 0 }
	case sqlparser.LessThanStr:
		test = func(n int) bool { return n < 0 }
	case sqlparser.LessEqualStr:
		test = func(n int) bool { return n <= 0 }
	case sqlparser.GreaterThanStr:
		test = func(n int) bool { return n > 0 }
	case sqlparser.GreaterEqualStr:
		test = func(n int) bool { return n >= 0 }
	default:
		return nil, fmt.Errorf("unsupported operator: %s", e.Operator)
	}

	return func(r *s3orm.Record) bool {
		v := fieldValue(r, col)
		return v != nil && test(compareValues(f, v, want))
	}, nil
}

// column resolves a column reference; the field is nil for id
func (c *compiler) column(expr sqlparser.Expr) (string, *s3orm.Field, error) {
	col, ok := expr.(*sqlparser.ColName)
	if !ok {
		return "", nil, fmt.Errorf("expected a column, got %s", sqlparser.String(expr))
	}
	name := col.Name.String()
	if name == s3orm.IDField {
		return name, nil, nil
	}
	f, ok := c.schema.Field(name)
	if !ok {
		return "", nil, fmt.Errorf("column %s does not exist", name)
	}
	return name, f, nil
}

// collectHints walks the AND chain of expr and records, per indexed field,
// a query clause that selects a superset of the matching records
func (c *compiler) collectHints(expr sqlparser.Expr, hints map[string]any) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		c.collectHints(e.Left, hints)
		c.collectHints(e.Right, hints)
	case *sqlparser.ParenExpr:
		c.collectHints(e.Expr, hints)
	case *sqlparser.RangeCond:
		if e.Operator != sqlparser.BetweenStr {
			return
		}
		name, f, err := c.column(e.Left)
		if err != nil || f == nil || !f.IsNumeric() || !f.Indexed() {
			return
		}
		from, ferr := evalNumber(e.From)
		to, terr := evalNumber(e.To)
		if ferr != nil || terr != nil {
			return
		}
		rangeHint(hints, name).Gte = s3orm.Float(from)
		rangeHint(hints, name).Lte = s3orm.Float(to)
	case *sqlparser.ComparisonExpr:
		name, f, err := c.column(e.Left)
		if err != nil {
			return
		}
		if f == nil {
			if e.Operator == sqlparser.EqualStr && c.ids == nil {
				if v, err := evalExpr(e.Right); err == nil {
					if id, ok := v.(int64); ok {
						c.ids = []int64{id}
					}
				}
			}
			return
		}
		if !f.Indexed() {
			return
		}
		if f.IsNumeric() {
			n, err := evalNumber(e.Right)
			if err != nil {
				return
			}
			switch e.Operator {
			case sqlparser.EqualStr:
				rangeHint(hints, name).Gte = s3orm.Float(n)
				rangeHint(hints, name).Lte = s3orm.Float(n)
			case sqlparser.GreaterThanStr:
				rangeHint(hints, name).Gt = s3orm.Float(n)
			case sqlparser.GreaterEqualStr:
				rangeHint(hints, name).Gte = s3orm.Float(n)
			case sqlparser.LessThanStr:
				rangeHint(hints, name).Lt = s3orm.Float(n)
			case sqlparser.LessEqualStr:
				rangeHint(hints, name).Lte = s3orm.Float(n)
			}
			return
		}
		if _, taken := hints[name]; taken {
			return
		}
		v, err := evalExpr(e.Right)
		if err != nil || v == nil {
			return
		}
		switch e.Operator {
		case sqlparser.EqualStr:
			if s := canonical(f, v); s != "" {
				hints[name] = s
			}
		case sqlparser.LikeStr:
			// the index matches substrings, so only %core% style patterns help
			core := strings.Trim(fmt.Sprint(v), "%")
			if core != "" && !strings.ContainsAny(core, "%_") {
				hints[name] = core
			}
		}
	}
}

func rangeHint(hints map[string]any, name string) *s3orm.RangeQuery {
	if rq, ok := hints[name].(*s3orm.RangeQuery); ok {
		return rq
	}
	rq := &s3orm.RangeQuery{}
	hints[name] = rq
	return rq
}

// likePattern compiles a SQL LIKE pattern
func likePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func fieldValue(r *s3orm.Record, col string) any {
	if col == s3orm.IDField {
		return r.ID
	}
	return r.Values[col]
}

// canonical renders v in the field's stored text, falling back to fmt
func canonical(f *s3orm.Field, v any) string {
	if f != nil {
		if s, err := f.EncodeValue(v); err == nil {
			return s
		}
	}
	return fmt.Sprint(v)
}

// compareValues orders two values of field f: numerically for id and
// numeric fields, by canonical text otherwise. Nil sorts first.
func compareValues(f *s3orm.Field, a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if f == nil || f.IsNumeric() {
		x, xerr := strconv.ParseFloat(fmt.Sprint(a), 64)
		y, yerr := strconv.ParseFloat(fmt.Sprint(b), 64)
		if xerr == nil && yerr == nil {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(canonical(f, a), canonical(f, b))
}

// evalExpr evaluates a literal
func evalExpr(expr sqlparser.Expr) (any, error) {
	switch e := expr.(type) {
	case *sqlparser.SQLVal:
		switch e.Type {
		case sqlparser.StrVal:
			return string(e.Val), nil
		case sqlparser.IntVal:
			n, err := strconv.ParseInt(string(e.Val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %s", e.Val)
			}
			return n, nil
		case sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(e.Val), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %s", e.Val)
			}
			return f, nil
		}
		return nil, fmt.Errorf("unsupported literal %s", sqlparser.String(e))
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(e), nil
	case *sqlparser.UnaryExpr:
		if e.Operator != sqlparser.UMinusStr {
			break
		}
		v, err := evalExpr(e.Expr)
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
	case *sqlparser.ParenExpr:
		return evalExpr(e.Expr)
	}
	return nil, fmt.Errorf("unsupported value: %s", sqlparser.String(expr))
}

func evalNumber(expr sqlparser.Expr) (float64, error) {
	v, err := evalExpr(expr)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
