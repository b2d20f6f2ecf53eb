package s3orm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	expiresCollection = "expires"
	maxIDKey          = "maxid"
	uniqueSuffix      = "unique"
)

// IndexEntry is one (value, record) pair of a field index
type IndexEntry struct {
	Val string
	ID  int64
}

// Indexing maintains the derived collections of one model. ID is the record
// the write operations act on; maintenance operations leave it zero.
//
// Layout per field:
//
//	sets/<model>/<field>/<encode(value)>###<id>   basic entry, empty body
//	sets/<model>/<field>/unique/<encode(value)>   unique claim, body = owner id
//	zsets/<model>/<field>/<value>###<encode(id)>  numeric entry
type Indexing struct {
	ID     int64
	Model  string
	Schema *Schema

	engine  *Engine
	logger  Logger
	metrics Metrics
	locker  Locker
	now     func() time.Time

	concurrency int // rebuild fan-out
}

// NewIndexing binds the indexes of schema's model to a record id
func NewIndexing(engine *Engine, schema *Schema, id int64) *Indexing {
	return &Indexing{
		ID:      id,
		Model:   schema.Model,
		Schema:  schema,
		engine:  engine,
		logger:  engine.logger,
		metrics: &NoOpMetrics{},
		now:     time.Now,

		concurrency: DefaultRebuildConcurrency,
	}
}

// WithMetrics sets the metrics sink
func (i *Indexing) WithMetrics(m Metrics) *Indexing {
	if m != nil {
		i.metrics = m
	}
	return i
}

// WithLocker serializes index rebuilds through l
func (i *Indexing) WithLocker(l Locker) *Indexing {
	i.locker = l
	return i
}

// WithConcurrency caps the parallel backend calls of CleanIndices
func (i *Indexing) WithConcurrency(n int) *Indexing {
	if n > 0 {
		i.concurrency = n
	}
	return i
}

// WithClock overrides the time source used for expiry scores
func (i *Indexing) WithClock(now func() time.Time) *Indexing {
	if now != nil {
		i.now = now
	}
	return i
}

// forRecord returns a copy of i bound to id
func (i *Indexing) forRecord(id int64) *Indexing {
	cp := *i
	cp.ID = id
	return &cp
}

func (i *Indexing) fieldCollection(field string) string {
	return i.Model + "/" + field
}

func (i *Indexing) uniqueCollection(field string) string {
	return i.Model + "/" + field + "/" + uniqueSuffix
}

func (i *Indexing) expiryCollection() string {
	return i.Model + "/" + expiresCollection
}

func (i *Indexing) field(name string) (*Field, error) {
	f, ok := i.Schema.Field(name)
	if !ok {
		return nil, WithContext(ErrUnknownField, map[string]interface{}{"model": i.Model, "field": name})
	}
	return f, nil
}

func (i *Indexing) indexedField(name string) (*Field, error) {
	f, err := i.field(name)
	if err != nil {
		return nil, err
	}
	if !f.Indexed() {
		return nil, WithContext(ErrNotIndexed, map[string]interface{}{"model": i.Model, "field": name})
	}
	return f, nil
}

func (i *Indexing) requireID() error {
	if i.ID == 0 {
		return WithContext(ErrMissingID, map[string]interface{}{"model": i.Model})
	}
	return nil
}

func (i *Indexing) recordWrite(field, op string, err error) {
	if err != nil {
		i.metrics.Increment(MetricIndexErrors, "model", i.Model, "field", field)
		return
	}
	i.metrics.Increment(MetricIndexWrites, "model", i.Model, "field", field, "operation", op)
}

// ---- basic entries ----

// Add writes the basic entry for (value, ID). Empty values are ignored.
func (i *Indexing) Add(ctx context.Context, field string, value any) error {
	f, err := i.indexedField(field)
	if err != nil {
		return err
	}
	if isEmptyValue(value) {
		return nil
	}
	if err := i.requireID(); err != nil {
		return err
	}
	canon, err := f.EncodeValue(value)
	if err != nil {
		return err
	}
	if err := checkIndexValue(i.Model, field, canon); err != nil {
		return err
	}

	key := i.engine.keys.BuildIndexKey(i.fieldCollection(field), canon, i.ID)
	err = i.engine.PutScalar(ctx, key, nil)
	i.recordWrite(field, "add", err)
	return err
}

// checkIndexValue fails with ErrEncoding when canon is too long for a key
func checkIndexValue(model, field, canon string) error {
	if IndexValueFits(canon) {
		return nil
	}
	return WithContext(ErrEncoding, map[string]interface{}{
		"model":  model,
		"field":  field,
		"length": len(canon),
		"reason": fmt.Sprintf("indexed values are limited to %d bytes", MaxIndexValueBytes),
	})
}

// Remove deletes the basic entry for (value, ID). Missing entries are not
// an error.
func (i *Indexing) Remove(ctx context.Context, field string, value any) error {
	f, err := i.indexedField(field)
	if err != nil {
		return err
	}
	if isEmptyValue(value) {
		return nil
	}
	if err := i.requireID(); err != nil {
		return err
	}
	canon, err := f.EncodeValue(value)
	if err != nil {
		return err
	}

	key := i.engine.keys.BuildIndexKey(i.fieldCollection(field), canon, i.ID)
	err = i.engine.DeleteScalar(ctx, key)
	i.recordWrite(field, "remove", err)
	return err
}

// List returns every entry of a field index. Numeric fields report the
// score as Val.
func (i *Indexing) List(ctx context.Context, field string) ([]IndexEntry, error) {
	f, err := i.indexedField(field)
	if err != nil {
		return nil, err
	}

	if f.IsNumeric() {
		members, err := i.engine.ZMembers(ctx, i.fieldCollection(field))
		if err != nil {
			return nil, err
		}
		entries := make([]IndexEntry, 0, len(members))
		for _, m := range members {
			id, err := strconv.ParseInt(m.Val, 10, 64)
			if err != nil {
				i.logger.Warn("skipping malformed numeric entry", "model", i.Model, "field", field, "member", m.Val)
				continue
			}
			entries = append(entries, IndexEntry{Val: FormatScore(m.Score), ID: id})
		}
		return entries, nil
	}

	keys, err := i.engine.ListChildren(ctx, i.engine.keys.BuildPrefix(KindSets, i.fieldCollection(field)))
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(keys))
	for _, key := range keys {
		val, id, err := ParseIndexKey(key)
		if err != nil {
			i.logger.Warn("skipping malformed index entry", "model", i.Model, "field", field, "key", key)
			continue
		}
		entries = append(entries, IndexEntry{Val: val, ID: id})
	}
	return entries, nil
}

// Clear deletes every entry of a field index
func (i *Indexing) Clear(ctx context.Context, field string) error {
	f, err := i.indexedField(field)
	if err != nil {
		return err
	}
	if f.IsNumeric() {
		return i.engine.ZClear(ctx, i.fieldCollection(field))
	}
	return i.engine.SetClear(ctx, i.fieldCollection(field))
}

// Search returns the ids whose indexed value contains searchValue,
// case-insensitively, deduplicated in listing order. An empty or
// non-string search value yields nil without touching the store.
func (i *Indexing) Search(ctx context.Context, field string, searchValue any) ([]int64, error) {
	if _, err := i.indexedField(field); err != nil {
		return nil, err
	}
	needle, ok := searchValue.(string)
	if !ok || needle == "" {
		return nil, nil
	}
	needle = strings.ToLower(needle)

	entries, err := i.List(ctx, field)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	ids := make([]int64, 0)
	for _, e := range entries {
		if seen[e.ID] || !strings.Contains(strings.ToLower(e.Val), needle) {
			continue
		}
		seen[e.ID] = true
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// ---- unique claims ----

func (i *Indexing) uniqueField(name string, value any) (*Field, string, error) {
	f, err := i.field(name)
	if err != nil {
		return nil, "", err
	}
	if !f.Unique {
		return nil, "", WithContext(ErrNotIndexed, map[string]interface{}{
			"model":  i.Model,
			"field":  name,
			"reason": "field is not unique",
		})
	}
	if isEmptyValue(value) {
		return nil, "", WithContext(ErrEmptyUniqueValue, map[string]interface{}{"model": i.Model, "field": name})
	}
	canon, err := f.EncodeValue(value)
	if err != nil {
		return nil, "", err
	}
	if err := checkIndexValue(i.Model, name, canon); err != nil {
		return nil, "", err
	}
	return f, canon, nil
}

// AddUnique claims value for ID. A claim held by another record fails with
// *UniqueViolationError; re-claiming an own value is a no-op.
func (i *Indexing) AddUnique(ctx context.Context, field string, value any) error {
	_, canon, err := i.uniqueField(field, value)
	if err != nil {
		return err
	}
	if err := i.requireID(); err != nil {
		return err
	}

	owner, held, err := i.uniqueOwner(ctx, field, canon)
	if err != nil {
		return err
	}
	if held && owner != i.ID {
		i.metrics.Increment(MetricUniqueViolations, "model", i.Model, "field", field)
		return &UniqueViolationError{Model: i.Model, Field: field, Value: canon, Owner: owner}
	}
	if held {
		return nil
	}

	err = i.engine.SetAdd(ctx, i.uniqueCollection(field), canon, strconv.FormatInt(i.ID, 10))
	i.recordWrite(field, "unique", err)
	return err
}

// IsMemberUniques reports whether value is claimed by any record
func (i *Indexing) IsMemberUniques(ctx context.Context, field string, value any) (bool, error) {
	_, canon, err := i.uniqueField(field, value)
	if err != nil {
		return false, err
	}
	return i.engine.SetIsMember(ctx, i.uniqueCollection(field), canon)
}

// UniqueOwner returns the id holding value. held is false when unclaimed.
// Claims whose body is not an id report owner 0.
func (i *Indexing) UniqueOwner(ctx context.Context, field string, value any) (owner int64, held bool, err error) {
	_, canon, err := i.uniqueField(field, value)
	if err != nil {
		return 0, false, err
	}
	return i.uniqueOwner(ctx, field, canon)
}

func (i *Indexing) uniqueOwner(ctx context.Context, field, canon string) (int64, bool, error) {
	body, err := i.engine.SetMetadata(ctx, i.uniqueCollection(field), canon)
	if IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	owner, _ := strconv.ParseInt(body, 10, 64)
	return owner, true, nil
}

// RemoveUnique releases a claim regardless of owner
func (i *Indexing) RemoveUnique(ctx context.Context, field string, value any) error {
	_, canon, err := i.uniqueField(field, value)
	if err != nil {
		return err
	}
	err = i.engine.SetRemove(ctx, i.uniqueCollection(field), canon)
	i.recordWrite(field, "unique_remove", err)
	return err
}

// GetUniques returns every claimed value of field
func (i *Indexing) GetUniques(ctx context.Context, field string) ([]string, error) {
	if _, err := i.field(field); err != nil {
		return nil, err
	}
	return i.engine.SetMembers(ctx, i.uniqueCollection(field))
}

// ClearUniques releases every claim of field
func (i *Indexing) ClearUniques(ctx context.Context, field string) error {
	if _, err := i.field(field); err != nil {
		return err
	}
	return i.engine.SetClear(ctx, i.uniqueCollection(field))
}

// ---- numeric entries ----

// AddNumeric adds ID to the field's sorted set scored by value
func (i *Indexing) AddNumeric(ctx context.Context, field string, value any) error {
	if _, err := i.indexedField(field); err != nil {
		return err
	}
	score, err := toFloat64(value)
	if err != nil {
		return err
	}
	if err := i.requireID(); err != nil {
		return err
	}

	err = i.engine.ZAdd(ctx, i.fieldCollection(field), score, strconv.FormatInt(i.ID, 10), nil)
	i.recordWrite(field, "add", err)
	return err
}

func (i *Indexing) RemoveNumeric(ctx context.Context, field string, value any) error {
	if _, err := i.indexedField(field); err != nil {
		return err
	}
	score, err := toFloat64(value)
	if err != nil {
		return err
	}
	if err := i.requireID(); err != nil {
		return err
	}

	err = i.engine.ZRemove(ctx, i.fieldCollection(field), score, strconv.FormatInt(i.ID, 10))
	i.recordWrite(field, "remove", err)
	return err
}

// SearchNumeric returns the ids whose value falls in q, in score order
func (i *Indexing) SearchNumeric(ctx context.Context, field string, q RangeQuery) ([]int64, error) {
	if _, err := i.indexedField(field); err != nil {
		return nil, err
	}
	if q.IsEmpty() {
		return nil, ErrRangeSpecifierRequired
	}

	members, err := i.engine.ZRange(ctx, i.fieldCollection(field), q)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m.Val, 10, 64)
		if err != nil {
			i.logger.Warn("skipping malformed numeric entry", "model", i.Model, "field", field, "member", m.Val)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ---- max id ----

func (i *Indexing) SetMaxID(ctx context.Context, id int64) error {
	return writeMaxID(ctx, i.engine, i.Model, id)
}

// GetMaxID returns the stored max id, or 0 when it is missing or unreadable
func (i *Indexing) GetMaxID(ctx context.Context) int64 {
	return readMaxID(ctx, i.engine, i.Model)
}

// ---- per-field maintenance ----

// RemoveIndexForField drops every entry (value, ID) holds for field. A
// unique claim is released only when ID owns it. Failures are logged and
// returned.
func (i *Indexing) RemoveIndexForField(ctx context.Context, field string, value any) error {
	f, err := i.field(field)
	if err != nil {
		return err
	}
	if !f.Indexed() || isEmptyValue(value) {
		return nil
	}

	err = i.removeEntries(ctx, f, value)
	if err != nil {
		i.logger.Error("failed to remove index entry",
			"model", i.Model,
			"field", field,
			"id", i.ID,
			"error", err,
		)
	}
	return err
}

func (i *Indexing) removeEntries(ctx context.Context, f *Field, value any) error {
	if f.Unique {
		owner, held, err := i.UniqueOwner(ctx, f.Name, value)
		if err != nil {
			return err
		}
		if held && (owner == i.ID || owner == 0) {
			if err := i.RemoveUnique(ctx, f.Name, value); err != nil {
				return err
			}
		}
	}
	if f.IsNumeric() {
		return i.RemoveNumeric(ctx, f.Name, value)
	}
	return i.Remove(ctx, f.Name, value)
}

func (i *Indexing) addEntries(ctx context.Context, f *Field, value any) error {
	if f.Unique {
		if err := i.AddUnique(ctx, f.Name, value); err != nil {
			return err
		}
	}
	if f.IsNumeric() {
		return i.AddNumeric(ctx, f.Name, value)
	}
	return i.Add(ctx, f.Name, value)
}

// SetIndexForField moves the entries of field from oldValue to newValue.
// A nil oldValue means the record had no previous value. Nothing is
// written when the canonical forms match.
func (i *Indexing) SetIndexForField(ctx context.Context, field string, newValue, oldValue any) error {
	f, err := i.field(field)
	if err != nil {
		return err
	}
	if !f.Indexed() {
		return nil
	}
	if err := i.requireID(); err != nil {
		return err
	}
	if oldValue != nil && sameValue(f, newValue, oldValue) {
		return nil
	}

	if err := i.RemoveIndexForField(ctx, field, oldValue); err != nil {
		return err
	}
	if isEmptyValue(newValue) {
		return nil
	}
	return i.addEntries(ctx, f, newValue)
}

// sameValue compares canonical forms, so 5 and 5.0 on a float field match
func sameValue(f *Field, a, b any) bool {
	if isEmptyValue(a) || isEmptyValue(b) {
		return isEmptyValue(a) && isEmptyValue(b)
	}
	ca, errA := f.EncodeValue(a)
	cb, errB := f.EncodeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return ca == cb
}

// ---- expiry ----

// AddExpires schedules ID for removal ttl from now. The score is the
// expiry instant in Unix seconds.
func (i *Indexing) AddExpires(ctx context.Context, ttl time.Duration) error {
	if err := i.requireID(); err != nil {
		return err
	}
	if ttl <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"model":  i.Model,
			"ttl":    ttl,
			"reason": "ttl must be positive",
		})
	}
	at := i.now().Add(ttl)
	return i.engine.ZAdd(ctx, i.expiryCollection(), unixSeconds(at), strconv.FormatInt(i.ID, 10), nil)
}

// RemoveExpires cancels every scheduled expiry of ID
func (i *Indexing) RemoveExpires(ctx context.Context) error {
	if err := i.requireID(); err != nil {
		return err
	}
	members, err := i.engine.ZMembers(ctx, i.expiryCollection())
	if err != nil {
		return err
	}
	member := strconv.FormatInt(i.ID, 10)
	for _, m := range members {
		if m.Val != member {
			continue
		}
		if err := i.engine.ZRemove(ctx, i.expiryCollection(), m.Score, m.Val); err != nil {
			return fmt.Errorf("failed to cancel expiry of %s/%d: %w", i.Model, i.ID, err)
		}
	}
	return nil
}

// ExpiredIDs returns the (id, score) pairs due at or before now
func (i *Indexing) ExpiredIDs(ctx context.Context, now time.Time) ([]ZMember, error) {
	return i.engine.ZRange(ctx, i.expiryCollection(), RangeQuery{Lte: Float(unixSeconds(now))})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
