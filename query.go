package s3orm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Order sorts query results by record id
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// Range is a numeric clause: {"score": Range{Gte: Float(15)}}
type Range = RangeQuery

// Query selects records of one model. Where clauses are ANDed. A clause
// value is either a scalar (substring match, or exact match on numeric
// fields), a Range, or a map with $gt, $gte, $lt and $lte keys.
type Query struct {
	Where  map[string]any
	Order  Order
	Limit  int // 0 means the DB default, NoLimit returns every match
	Offset int
}

// NoLimit as Query.Limit disables the DB default limit
const NoLimit = -1

// Where is shorthand for a Query with only where clauses
func Where(clauses map[string]any) Query {
	return Query{Where: clauses}
}

var queryKeys = map[string]bool{"where": true, "order": true, "limit": true, "offset": true}

// ParseQuery accepts the wrapped form {where, order, limit, offset} and the
// bare form {field: value, ...}. A map is wrapped only when every key is
// one of where, order, limit or offset; schemas cannot declare fields with
// those names.
func ParseQuery(raw map[string]any) (Query, error) {
	if len(raw) == 0 {
		return Query{}, nil
	}

	wrapped := true
	for k := range raw {
		if !queryKeys[k] {
			wrapped = false
			break
		}
	}
	if !wrapped {
		return Query{Where: raw}, nil
	}

	var q Query
	if w, ok := raw["where"]; ok && w != nil {
		where, ok := w.(map[string]any)
		if !ok {
			return Query{}, queryError("where must be an object", w)
		}
		q.Where = where
	}
	if o, ok := raw["order"]; ok && o != nil {
		s, ok := o.(string)
		if !ok {
			return Query{}, queryError("order must be ASC or DESC", o)
		}
		order, err := ParseOrder(s)
		if err != nil {
			return Query{}, err
		}
		q.Order = order
	}
	var err error
	if q.Limit, err = queryInt(raw, "limit"); err != nil {
		return Query{}, err
	}
	if q.Offset, err = queryInt(raw, "offset"); err != nil {
		return Query{}, err
	}
	return q, nil
}

// ParseOrder accepts asc/desc in any case; "" is ascending
func ParseOrder(s string) (Order, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(OrderAsc):
		return OrderAsc, nil
	case string(OrderDesc):
		return OrderDesc, nil
	}
	return "", queryError("order must be ASC or DESC", s)
}

func queryInt(raw map[string]any, key string) (int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, err := toFloat64(v)
	if err != nil || f < 0 || f != math.Trunc(f) {
		return 0, queryError(key+" must be a non-negative integer", v)
	}
	return int(f), nil
}

func queryError(reason string, value any) error {
	return WithContext(ErrQuery, map[string]interface{}{"reason": reason, "value": value})
}

type clause struct {
	field   string
	numeric bool
	rng     RangeQuery
	needle  string
}

type queryPlan struct {
	clauses []clause
	order   Order
	limit   int
	offset  int
}

// plan validates q against the schema without touching the store
func (m *Model) plan(q Query) (*queryPlan, error) {
	p := &queryPlan{order: OrderAsc, limit: q.Limit, offset: q.Offset}
	if q.Order != "" {
		order, err := ParseOrder(string(q.Order))
		if err != nil {
			return nil, err
		}
		p.order = order
	}
	if q.Limit < NoLimit || q.Offset < 0 {
		return nil, queryError("limit and offset must be non-negative", fmt.Sprintf("%d/%d", q.Limit, q.Offset))
	}

	fields := make([]string, 0, len(q.Where))
	for name := range q.Where {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	for _, name := range fields {
		f, ok := m.schema.Field(name)
		if !ok {
			return nil, WithContext(ErrUnknownField, map[string]interface{}{"model": m.Name(), "field": name})
		}
		if !f.Indexed() {
			return nil, WithContext(ErrNotIndexed, map[string]interface{}{"model": m.Name(), "field": name})
		}
		c, err := buildClause(f, q.Where[name])
		if err != nil {
			return nil, WithContext(err, map[string]interface{}{"model": m.Name(), "field": name})
		}
		p.clauses = append(p.clauses, c)
	}
	return p, nil
}

func buildClause(f *Field, v any) (clause, error) {
	c := clause{field: f.Name, numeric: f.IsNumeric()}

	rng, isRange, err := asRange(v)
	if err != nil {
		return c, err
	}
	if isRange {
		if !c.numeric {
			return c, queryError("range clauses need a numeric field", v)
		}
		if rng.IsEmpty() {
			return c, ErrRangeSpecifierRequired
		}
		c.rng = rng
		return c, nil
	}

	if c.numeric {
		score, err := toFloat64(v)
		if err != nil {
			return c, err
		}
		c.rng = RangeQuery{Gte: Float(score), Lte: Float(score)}
		return c, nil
	}

	switch x := v.(type) {
	case nil:
		return c, nil
	case string:
		c.needle = x
	default:
		canon, err := f.EncodeValue(v)
		if err != nil {
			return c, err
		}
		c.needle = canon
	}
	return c, nil
}

func asRange(v any) (RangeQuery, bool, error) {
	switch x := v.(type) {
	case RangeQuery:
		return x, true, nil
	case *RangeQuery:
		if x == nil {
			return RangeQuery{}, true, nil
		}
		return *x, true, nil
	case map[string]any:
		var q RangeQuery
		for op, raw := range x {
			f, err := toFloat64(raw)
			if err != nil {
				return q, true, err
			}
			switch strings.TrimPrefix(op, "$") {
			case "gt":
				q.Gt = Float(f)
			case "gte":
				q.Gte = Float(f)
			case "lt":
				q.Lt = Float(f)
			case "lte":
				q.Lte = Float(f)
			default:
				return q, true, queryError("unknown range operator "+op, raw)
			}
		}
		return q, true, nil
	}
	return RangeQuery{}, false, nil
}

// GetIDs resolves q to record ids: every clause is looked up concurrently
// and the results intersected, then sorted by id and paged. An empty where
// lists every record of the model.
func (m *Model) GetIDs(ctx context.Context, q Query) ([]int64, error) {
	p, err := m.plan(q)
	if err != nil {
		return nil, err
	}
	ids, err := m.candidates(ctx, p)
	if err != nil {
		return nil, err
	}
	return m.page(ids, p), nil
}

// candidates runs the plan and returns every matching id in plan order
func (m *Model) candidates(ctx context.Context, p *queryPlan) ([]int64, error) {
	start := time.Now()
	profile := &QueryProfile{Model: m.Name(), StartTime: start, Clauses: make([]string, 0, len(p.clauses))}
	for _, c := range p.clauses {
		profile.Clauses = append(profile.Clauses, c.field)
	}

	ids, err := m.resolve(ctx, p, profile)
	profile.Err = err
	profile.Candidates = len(ids)
	if err == nil {
		sortIDs(ids, p.order)
		profile.ResultCount = len(m.page(ids, p))
	}
	m.db.profiler.Record(profile)
	ProfilerFromContext(ctx).Record(profile)

	m.db.metrics.Timing(MetricQueryDuration, time.Since(start), "model", m.Name())
	if err != nil {
		return nil, err
	}
	m.db.metrics.Histogram(MetricQueryResults, float64(len(ids)), "model", m.Name())
	return ids, nil
}

func (m *Model) resolve(ctx context.Context, p *queryPlan, profile *QueryProfile) ([]int64, error) {
	if len(p.clauses) == 0 {
		profile.Plan = PlanFullScan
		m.db.metrics.Increment(MetricQueryFullScan, "model", m.Name())
		return m.db.engine.ListHashIDs(ctx, m.Name())
	}

	switch {
	case len(p.clauses) > 1:
		profile.Plan = PlanIntersect
	case p.clauses[0].numeric:
		profile.Plan = PlanRange
	default:
		profile.Plan = PlanIndex
	}
	m.db.metrics.Increment(MetricQueryIndexed, "model", m.Name())

	idx := m.indexing(0)
	results := make([][]int64, len(p.clauses))
	g, gctx := errgroup.WithContext(ctx)
	for n, c := range p.clauses {
		g.Go(func() error {
			var ids []int64
			var err error
			if c.numeric {
				ids, err = idx.SearchNumeric(gctx, c.field, c.rng)
			} else {
				ids, err = idx.Search(gctx, c.field, c.needle)
			}
			if err != nil {
				return fmt.Errorf("clause %s.%s: %w", m.Name(), c.field, err)
			}
			results[n] = ids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := intersect(results)
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func sortIDs(ids []int64, order Order) {
	if order == OrderDesc {
		sort.Slice(ids, func(a, b int) bool { return ids[a] > ids[b] })
		return
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
}

// page slices [offset, offset+limit) with the DB default limit
func (m *Model) page(ids []int64, p *queryPlan) []int64 {
	limit := p.limit
	if limit == 0 {
		limit = m.db.queryLimit
	}
	if p.offset >= len(ids) {
		return []int64{}
	}
	end := len(ids)
	if limit > 0 && p.offset+limit < end {
		end = p.offset + limit
	}
	return ids[p.offset:end]
}

// MarshalJSON renders the wrapped form accepted by ParseQuery
func (q Query) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(q.Where) > 0 {
		out["where"] = q.Where
	}
	if q.Order != "" {
		out["order"] = q.Order
	}
	if q.Limit > 0 {
		out["limit"] = q.Limit
	}
	if q.Offset > 0 {
		out["offset"] = q.Offset
	}
	return json.Marshal(out)
}
