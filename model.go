package s3orm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// saveLockTTL bounds how long a crashed saver can block a record
const saveLockTTL = 30 * time.Second

// Record is one stored entity. ID 0 means not yet saved.
type Record struct {
	ID     int64
	Values map[string]any

	model *Model
}

// Model returns the model the record belongs to
func (r *Record) Model() *Model { return r.model }

// Get returns the value of field, nil when unset
func (r *Record) Get(field string) any {
	return r.Values[field]
}

func (r *Record) Set(field string, value any) *Record {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[field] = value
	return r
}

func (r *Record) Save(ctx context.Context) error {
	return r.model.Save(ctx, r)
}

func (r *Record) Remove(ctx context.Context) error {
	return r.model.Remove(ctx, r)
}

// Expire schedules the record for removal by SweepExpired after ttl
func (r *Record) Expire(ctx context.Context, ttl time.Duration) error {
	return r.model.Expire(ctx, r.ID, ttl)
}

// Model is the lifecycle controller of one record type
type Model struct {
	db     *DB
	schema *Schema
}

func (m *Model) Name() string { return m.schema.Model }

func (m *Model) Schema() *Schema { return m.schema }

func (m *Model) indexing(id int64) *Indexing {
	return NewIndexing(m.db.engine, m.schema, id).
		WithMetrics(m.db.metrics).
		WithLocker(m.db.locker).
		WithConcurrency(m.db.rebuildConcurrency).
		WithClock(m.db.now)
}

// Indexing exposes the index operations for record id (0 for maintenance)
func (m *Model) Indexing(id int64) *Indexing {
	return m.indexing(id)
}

// New builds an unsaved record, filling schema defaults for absent fields
func (m *Model) New(values map[string]any) *Record {
	r := &Record{Values: make(map[string]any, len(values)), model: m}
	for k, v := range values {
		r.Values[k] = v
	}
	for _, f := range m.schema.Fields() {
		if _, ok := r.Values[f.Name]; !ok && f.Default != nil {
			r.Values[f.Name] = f.Default
		}
	}
	return r
}

// encodeRecord renders values as the flat string map stored at
// hash/<model>/<id>. Nil values are omitted.
func encodeRecord(schema *Schema, values map[string]any) (map[string]string, error) {
	for name := range values {
		if _, ok := schema.Field(name); !ok {
			return nil, WithContext(ErrUnknownField, map[string]interface{}{"model": schema.Model, "field": name})
		}
	}

	payload := make(map[string]string, len(values))
	for _, f := range schema.Fields() {
		v, ok := values[f.Name]
		if !ok || v == nil {
			continue
		}
		s, err := f.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		payload[f.Name] = s
	}
	return payload, nil
}

// decodeRecord is the inverse of encodeRecord. Absent fields take their
// default; undeclared payload keys are ignored.
func decodeRecord(schema *Schema, payload map[string]string) (map[string]any, error) {
	values := make(map[string]any, len(payload))
	for _, f := range schema.Fields() {
		raw, ok := payload[f.Name]
		if !ok {
			if f.Default != nil {
				values[f.Name] = f.Default
			}
			continue
		}
		v, err := f.DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		values[f.Name] = v
	}
	return values, nil
}

// Save writes r and moves its index entries from the previously stored
// values to the current ones. New records get an id from the DB's
// IDAllocator. A unique value held by another record aborts the save with
// *UniqueViolationError before anything is written.
//
// Saves are not atomic: a failure after the payload is written can leave
// some field indexes stale. CleanIndices repairs them.
func (m *Model) Save(ctx context.Context, r *Record) error {
	payload, err := encodeRecord(m.schema, r.Values)
	if err != nil {
		return err
	}
	if err := m.checkIndexValues(r.Values); err != nil {
		return err
	}

	isNew := r.ID == 0
	if !isNew && m.db.locker != nil {
		release, err := m.db.locker.Acquire(ctx, fmt.Sprintf("%s/%d", m.Name(), r.ID), saveLockTTL)
		if err != nil {
			return err
		}
		defer release()
	}

	var previous map[string]any
	if !isNew {
		if prev, _ := m.LoadFromID(ctx, r.ID); prev != nil {
			previous = prev.Values
		}
	}

	if err := m.checkUniques(ctx, r); err != nil {
		return err
	}

	id := r.ID
	if isNew {
		if id, err = m.db.allocator.Next(ctx, m.Name()); err != nil {
			return fmt.Errorf("failed to allocate %s id: %w", m.Name(), err)
		}
	}

	if err := m.db.engine.SetHash(ctx, m.Name(), id, payload); err != nil {
		return fmt.Errorf("failed to write %s/%d: %w", m.Name(), id, err)
	}
	r.ID = id
	r.model = m

	// one field at a time, so a failure leaves at most one field half-updated
	idx := m.indexing(id)
	for _, f := range m.schema.IndexedFields() {
		var old any
		if previous != nil {
			old = previous[f.Name]
		}
		if err := idx.SetIndexForField(ctx, f.Name, r.Values[f.Name], old); err != nil {
			return err
		}
	}

	m.db.metrics.Increment(MetricRecordSaved, "model", m.Name())
	m.db.logger.Debug("record saved", "model", m.Name(), "id", id, "new", isNew)
	return nil
}

// checkIndexValues rejects values whose index entries no backend can store
func (m *Model) checkIndexValues(values map[string]any) error {
	for _, f := range m.schema.IndexedFields() {
		v := values[f.Name]
		if isEmptyValue(v) {
			continue
		}
		canon, err := f.EncodeValue(v)
		if err != nil {
			return err
		}
		if err := checkIndexValue(m.Name(), f.Name, canon); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) checkUniques(ctx context.Context, r *Record) error {
	idx := m.indexing(r.ID)
	for _, f := range m.schema.UniqueFields() {
		v := r.Values[f.Name]
		if isEmptyValue(v) {
			continue
		}
		owner, held, err := idx.UniqueOwner(ctx, f.Name, v)
		if err != nil {
			return err
		}
		if held && (r.ID == 0 || owner != r.ID) {
			canon, _ := f.EncodeValue(v)
			m.db.metrics.Increment(MetricUniqueViolations, "model", m.Name(), "field", f.Name)
			return &UniqueViolationError{Model: m.Name(), Field: f.Name, Value: canon, Owner: owner}
		}
	}
	return nil
}

// LoadFromID reads one record. Id 0 fails with ErrMissingID; a record that
// cannot be read or decoded yields (nil, nil).
func (m *Model) LoadFromID(ctx context.Context, id int64) (*Record, error) {
	r, err := m.Fetch(ctx, id)
	if errors.Is(err, ErrMissingID) {
		return nil, err
	}
	if err != nil {
		m.db.logger.Warn("failed to load record", "model", m.Name(), "id", id, "error", err)
		return nil, nil
	}
	return r, nil
}

// Fetch is LoadFromID for callers that must tell a missing record from a
// failed read: it returns (nil, nil) only when the record does not exist.
func (m *Model) Fetch(ctx context.Context, id int64) (*Record, error) {
	if id == 0 {
		return nil, WithContext(ErrMissingID, map[string]interface{}{"model": m.Name()})
	}

	payload, err := m.db.engine.GetHash(ctx, m.Name(), id)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	values, err := decodeRecord(m.schema, payload)
	if err != nil {
		return nil, WithContext(err, map[string]interface{}{"model": m.Name(), "id": id})
	}
	return &Record{ID: id, Values: values, model: m}, nil
}

// Remove deletes every index entry of r, any pending expiry, and then the
// payload. Entries are derived from the stored values when they can be
// read, otherwise from r.Values.
func (m *Model) Remove(ctx context.Context, r *Record) error {
	if r == nil || r.ID == 0 {
		return WithContext(ErrMissingID, map[string]interface{}{"model": m.Name()})
	}

	values := r.Values
	if stored, _ := m.LoadFromID(ctx, r.ID); stored != nil {
		values = stored.Values
	}

	idx := m.indexing(r.ID)
	for _, f := range m.schema.IndexedFields() {
		if err := idx.RemoveIndexForField(ctx, f.Name, values[f.Name]); err != nil {
			return err
		}
	}
	if err := idx.RemoveExpires(ctx); err != nil {
		return err
	}
	if err := m.db.engine.DelHash(ctx, m.Name(), r.ID); err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", m.Name(), r.ID, err)
	}

	m.db.metrics.Increment(MetricRecordRemoved, "model", m.Name())
	m.db.logger.Debug("record removed", "model", m.Name(), "id", r.ID)
	return nil
}

// RemoveByID loads and removes a record; a missing record is a no-op
func (m *Model) RemoveByID(ctx context.Context, id int64) error {
	r, err := m.LoadFromID(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	return m.Remove(ctx, r)
}

// Find returns the records matching q. Invalid queries fail; store
// failures are logged and yield an empty result. Records that cannot be
// loaded are left out.
func (m *Model) Find(ctx context.Context, q Query) ([]*Record, error) {
	p, err := m.plan(q)
	if err != nil {
		return nil, err
	}

	records, err := m.find(ctx, p)
	if err != nil {
		m.db.logger.Error("find failed", "model", m.Name(), "error", err)
		return []*Record{}, nil
	}
	return records, nil
}

func (m *Model) find(ctx context.Context, p *queryPlan) ([]*Record, error) {
	ids, err := m.candidates(ctx, p)
	if err != nil {
		return nil, err
	}
	ids = m.page(ids, p)

	loaded := make([]*Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.db.loadConcurrency)
	for n, id := range ids {
		g.Go(func() error {
			r, err := m.LoadFromID(gctx, id)
			if err != nil {
				return err
			}
			loaded[n] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(loaded))
	for n, r := range loaded {
		if r == nil {
			m.db.logger.Warn("dropping unloadable record from result", "model", m.Name(), "id", ids[n])
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// FindOne returns the first record matching q, or nil
func (m *Model) FindOne(ctx context.Context, q Query) (*Record, error) {
	q.Limit = 1
	records, err := m.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Count returns the number of ids matching q. The default limit does not
// apply; an explicit Limit or Offset does.
func (m *Model) Count(ctx context.Context, q Query) (int, error) {
	p, err := m.plan(q)
	if err != nil {
		return 0, err
	}
	ids, err := m.candidates(ctx, p)
	if err != nil {
		return 0, err
	}
	if q.Limit == 0 {
		p.limit = -1
	}
	return len(m.page(ids, p)), nil
}

// Distinct loads the records matching q and returns the distinct non-nil
// values of field, in result order.
func (m *Model) Distinct(ctx context.Context, field string, q Query) ([]any, error) {
	f, ok := m.schema.Field(field)
	if !ok {
		return nil, WithContext(ErrUnknownField, map[string]interface{}{"model": m.Name(), "field": field})
	}

	records, err := m.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	values := make([]any, 0)
	for _, r := range records {
		v := r.Values[field]
		if v == nil {
			continue
		}
		canon, err := f.EncodeValue(v)
		if err != nil {
			m.db.logger.Warn("skipping unencodable value", "model", m.Name(), "field", field, "id", r.ID)
			continue
		}
		if seen[canon] {
			continue
		}
		seen[canon] = true
		values = append(values, v)
	}
	return values, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, WithContext(ErrEncoding, map[string]interface{}{"id": s, "reason": "not a record id"})
	}
	return id, nil
}

func (m *Model) numericField(field string) error {
	f, ok := m.schema.Field(field)
	if !ok {
		return WithContext(ErrUnknownField, map[string]interface{}{"model": m.Name(), "field": field})
	}
	if !f.IsNumeric() || !f.Indexed() {
		return WithContext(ErrQuery, map[string]interface{}{
			"model":  m.Name(),
			"field":  field,
			"reason": "max and min need an indexed numeric field",
		})
	}
	return nil
}

// Max returns the highest value of a numeric field, ErrEmptyCollection
// when no record has one
func (m *Model) Max(ctx context.Context, field string) (float64, error) {
	if err := m.numericField(field); err != nil {
		return 0, err
	}
	member, err := m.db.engine.ZMax(ctx, m.Name()+"/"+field)
	if err != nil {
		return 0, err
	}
	return member.Score, nil
}

// Min returns the lowest value of a numeric field
func (m *Model) Min(ctx context.Context, field string) (float64, error) {
	if err := m.numericField(field); err != nil {
		return 0, err
	}
	member, err := m.db.engine.ZMin(ctx, m.Name()+"/"+field)
	if err != nil {
		return 0, err
	}
	return member.Score, nil
}

// CleanIndices rebuilds the model's indexes and resets the id allocator
// to the highest stored id
func (m *Model) CleanIndices(ctx context.Context) (*RebuildReport, error) {
	report, err := m.indexing(0).CleanIndices(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.db.allocator.SetMax(ctx, m.Name(), report.MaxID); err != nil {
		return report, fmt.Errorf("failed to reset %s id allocator: %w", m.Name(), err)
	}
	return report, nil
}

// CheckIndexHealth samples up to sampleSize records; 0 checks all of them
func (m *Model) CheckIndexHealth(ctx context.Context, sampleSize int) (*IndexHealthReport, error) {
	return m.indexing(0).CheckIndexHealth(ctx, sampleSize)
}

// Expire schedules record id for removal by SweepExpired after ttl
func (m *Model) Expire(ctx context.Context, id int64, ttl time.Duration) error {
	return m.indexing(id).AddExpires(ctx, ttl)
}

// SweepExpired removes every record whose expiry is at or before now and
// returns how many were removed.
func (m *Model) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() {
		m.db.metrics.Timing(MetricExpirySweepDuration, time.Since(start), "model", m.Name())
	}()

	due, err := m.indexing(0).ExpiredIDs(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, member := range due {
		id, err := parseID(member.Val)
		if err != nil {
			m.db.logger.Warn("dropping malformed expiry entry", "model", m.Name(), "member", member.Val)
			_ = m.db.engine.ZRemove(ctx, m.Name()+"/"+expiresCollection, member.Score, member.Val)
			continue
		}
		if err := m.RemoveByID(ctx, id); err != nil {
			return removed, fmt.Errorf("failed to expire %s/%d: %w", m.Name(), id, err)
		}
		// RemoveByID skips records that are already gone
		if err := m.db.engine.ZRemove(ctx, m.Name()+"/"+expiresCollection, member.Score, member.Val); err != nil {
			return removed, err
		}
		removed++
		m.db.metrics.Increment(MetricExpiryRemoved, "model", m.Name())
	}

	if removed > 0 {
		m.db.logger.Info("expired records removed", "model", m.Name(), "count", removed)
	}
	return removed, nil
}

// Drop deletes every record, index entry, expiry and the max id of the
// model. The schema stays registered.
func (m *Model) Drop(ctx context.Context) error {
	idx := m.indexing(0)
	for _, f := range m.schema.IndexedFields() {
		if err := idx.Clear(ctx, f.Name); err != nil {
			return err
		}
		if f.Unique {
			if err := idx.ClearUniques(ctx, f.Name); err != nil {
				return err
			}
		}
	}
	if err := m.db.engine.ZClear(ctx, m.Name()); err != nil {
		return err
	}

	ids, err := m.db.engine.ListHashIDs(ctx, m.Name())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, m.db.engine.hashKey(m.Name(), id))
	}
	if err := m.db.engine.DeleteBatch(ctx, keys); err != nil {
		return err
	}
	if err := m.db.engine.Del(ctx, maxIDName(m.Name())); err != nil {
		return err
	}

	m.db.logger.Info("model dropped", "model", m.Name(), "records", len(ids))
	return nil
}
