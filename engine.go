package s3orm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// Engine emulates Redis-style collections on a Backend: scalar keys,
// hashes, unordered sets with per-member metadata, and sorted sets whose
// scores live in the key name.
type Engine struct {
	backend Backend
	keys    KeyCodec
	logger  Logger
}

// NewEngine creates an engine over backend using keys for the layout
func NewEngine(backend Backend, keys KeyCodec, logger Logger) *Engine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Engine{
		backend: backend,
		keys:    keys,
		logger:  logger,
	}
}

// Keys returns the key codec
func (e *Engine) Keys() KeyCodec { return e.keys }

// Backend returns the underlying object store
func (e *Engine) Backend() Backend { return e.backend }

// ---- scalar objects (full keys) ----

func (e *Engine) PutScalar(ctx context.Context, key string, value []byte) error {
	return e.backend.Put(ctx, key, value)
}

// GetScalar returns ErrNotFound when key is absent
func (e *Engine) GetScalar(ctx context.Context, key string) ([]byte, error) {
	return e.backend.Get(ctx, key)
}

func (e *Engine) HasScalar(ctx context.Context, key string) (bool, error) {
	return e.backend.Exists(ctx, key)
}

func (e *Engine) DeleteScalar(ctx context.Context, key string) error {
	return e.backend.Delete(ctx, key)
}

// DeleteBatch removes keys; an empty slice never reaches the backend
func (e *Engine) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return e.backend.DeleteBatch(ctx, keys)
}

// ListChildren lists the leaf keys directly under prefix
func (e *Engine) ListChildren(ctx context.Context, prefix string) ([]string, error) {
	return e.backend.List(ctx, prefix)
}

// ---- key/value ----

// Set stores value at <root>keyval/<key>
func (e *Engine) Set(ctx context.Context, key, value string) error {
	return e.PutScalar(ctx, e.keys.BuildKey(KindKeyVal, key), []byte(value))
}

// Get reads <root>keyval/<key>, ErrNotFound when absent
func (e *Engine) Get(ctx context.Context, key string) (string, error) {
	data, err := e.GetScalar(ctx, e.keys.BuildKey(KindKeyVal, key))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Engine) Del(ctx context.Context, key string) error {
	return e.DeleteScalar(ctx, e.keys.BuildKey(KindKeyVal, key))
}

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	return e.HasScalar(ctx, e.keys.BuildKey(KindKeyVal, key))
}

// ---- hashes: one JSON object per record ----

func (e *Engine) hashKey(model string, id int64) string {
	return e.keys.BuildKey(KindHash, model+"/"+strconv.FormatInt(id, 10))
}

// SetHash writes a record payload at <root>hash/<model>/<id>
func (e *Engine) SetHash(ctx context.Context, model string, id int64, fields map[string]string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%d: %w", model, id, err)
	}
	return e.PutScalar(ctx, e.hashKey(model, id), data)
}

// GetHash reads a record payload, ErrNotFound when absent
func (e *Engine) GetHash(ctx context.Context, model string, id int64) (map[string]string, error) {
	data, err := e.GetScalar(ctx, e.hashKey(model, id))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, WithContext(ErrEncoding, map[string]interface{}{
			"model":  model,
			"id":     id,
			"reason": err.Error(),
		})
	}
	return fields, nil
}

func (e *Engine) DelHash(ctx context.Context, model string, id int64) error {
	return e.DeleteScalar(ctx, e.hashKey(model, id))
}

// ListHashIDs lists the ids of every stored record of model, ascending.
// Keys whose last segment is not an integer are skipped.
func (e *Engine) ListHashIDs(ctx context.Context, model string) ([]int64, error) {
	keys, err := e.ListChildren(ctx, e.keys.BuildPrefix(KindHash, model))
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		id, err := strconv.ParseInt(lastSegment(key), 10, 64)
		if err != nil {
			e.logger.Warn("skipping non-record key", "model", model, "key", key)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---- unordered sets ----

// formatMetadata keeps false distinguishable from "no metadata"
func formatMetadata(metadata any) string {
	switch m := metadata.(type) {
	case nil:
		return ""
	case string:
		return m
	case bool:
		return strconv.FormatBool(m)
	}
	if s, err := scalarString(metadata); err == nil {
		return s
	}
	return fmt.Sprint(metadata)
}

// SetAdd stores member with metadata as the object body
func (e *Engine) SetAdd(ctx context.Context, collection, member string, metadata any) error {
	return e.PutScalar(ctx, e.keys.BuildMemberKey(KindSets, collection, member), []byte(formatMetadata(metadata)))
}

func (e *Engine) SetRemove(ctx context.Context, collection, member string) error {
	return e.DeleteScalar(ctx, e.keys.BuildMemberKey(KindSets, collection, member))
}

func (e *Engine) SetIsMember(ctx context.Context, collection, member string) (bool, error) {
	return e.HasScalar(ctx, e.keys.BuildMemberKey(KindSets, collection, member))
}

// SetMetadata returns the body stored with member, ErrNotFound when absent
func (e *Engine) SetMetadata(ctx context.Context, collection, member string) (string, error) {
	data, err := e.GetScalar(ctx, e.keys.BuildMemberKey(KindSets, collection, member))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetMembers returns the decoded members in key order
func (e *Engine) SetMembers(ctx context.Context, collection string) ([]string, error) {
	keys, err := e.ListChildren(ctx, e.keys.BuildPrefix(KindSets, collection))
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(keys))
	for _, key := range keys {
		member, err := ParseMemberKey(key)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

// SetClear deletes every member of collection
func (e *Engine) SetClear(ctx context.Context, collection string) error {
	keys, err := e.ListChildren(ctx, e.keys.BuildPrefix(KindSets, collection))
	if err != nil {
		return err
	}
	return e.DeleteBatch(ctx, keys)
}

// SetIntersection returns the members present in every collection, in the
// order of the first one. No collections means no members.
func (e *Engine) SetIntersection(ctx context.Context, collections []string) ([]string, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	results := make([][]string, len(collections))
	g, ctx := errgroup.WithContext(ctx)
	for i, collection := range collections {
		g.Go(func() error {
			members, err := e.SetMembers(ctx, collection)
			if err != nil {
				return err
			}
			results[i] = members
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return intersect(results), nil
}

// ---- sorted sets ----

// ZMember is a sorted-set entry
type ZMember struct {
	Score float64
	Val   string
}

// RangeQuery bounds a sorted-set range. Nil means unbounded; zero is a
// real bound.
type RangeQuery struct {
	Gt  *float64 `json:"$gt,omitempty"`
	Gte *float64 `json:"$gte,omitempty"`
	Lt  *float64 `json:"$lt,omitempty"`
	Lte *float64 `json:"$lte,omitempty"`
}

// IsEmpty reports whether no bound is set
func (q RangeQuery) IsEmpty() bool {
	return q.Gt == nil && q.Gte == nil && q.Lt == nil && q.Lte == nil
}

// Match applies the upper bounds (lt, lte) and lower bounds (gt, gte).
// When both forms of one side are given, satisfying either is enough.
func (q RangeQuery) Match(score float64) bool {
	upper := (q.Lt == nil && q.Lte == nil) ||
		(q.Lt != nil && score < *q.Lt) ||
		(q.Lte != nil && score <= *q.Lte)
	lower := (q.Gt == nil && q.Gte == nil) ||
		(q.Gt != nil && score > *q.Gt) ||
		(q.Gte != nil && score >= *q.Gte)
	return upper && lower
}

// Float returns a pointer to v, for building RangeQuery literals
func Float(v float64) *float64 { return &v }

// ZAdd stores (score, member). Re-adding a member at a new score does not
// remove the old entry; callers remove it first.
func (e *Engine) ZAdd(ctx context.Context, collection string, score float64, member string, metadata any) error {
	return e.PutScalar(ctx, e.keys.BuildScoredKey(KindZSets, collection, member, score), []byte(formatMetadata(metadata)))
}

func (e *Engine) ZRemove(ctx context.Context, collection string, score float64, member string) error {
	return e.DeleteScalar(ctx, e.keys.BuildScoredKey(KindZSets, collection, member, score))
}

// ZMembers returns every entry sorted by numeric score. Keys list in
// lexicographic order ("100" before "20"), so the order is rebuilt here.
// Keys that do not parse as entries are logged and skipped.
func (e *Engine) ZMembers(ctx context.Context, collection string) ([]ZMember, error) {
	keys, err := e.ListChildren(ctx, e.keys.BuildPrefix(KindZSets, collection))
	if err != nil {
		return nil, err
	}

	members := make([]ZMember, 0, len(keys))
	for _, key := range keys {
		score, member, err := ParseScoredKey(key)
		if err != nil {
			e.logger.Warn("skipping malformed sorted set entry", "collection", collection, "key", key, "error", err)
			continue
		}
		members = append(members, ZMember{Score: score, Val: member})
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Score < members[j].Score
	})
	return members, nil
}

// ZClear deletes every entry plus the collection's expires/ sub-path
func (e *Engine) ZClear(ctx context.Context, collection string) error {
	prefixes := []string{
		e.keys.BuildPrefix(KindZSets, collection),
		e.keys.BuildPrefix(KindZSets, collection+"/expires"),
	}

	var keys []string
	for _, prefix := range prefixes {
		children, err := e.ListChildren(ctx, prefix)
		if err != nil {
			return err
		}
		keys = append(keys, children...)
	}
	return e.DeleteBatch(ctx, keys)
}

// ZMax returns the highest-scored entry, ErrEmptyCollection when empty
func (e *Engine) ZMax(ctx context.Context, collection string) (ZMember, error) {
	members, err := e.ZMembers(ctx, collection)
	if err != nil {
		return ZMember{}, err
	}
	if len(members) == 0 {
		return ZMember{}, WithContext(ErrEmptyCollection, map[string]interface{}{"collection": collection})
	}
	return members[len(members)-1], nil
}

// ZMin returns the lowest-scored entry, ErrEmptyCollection when empty
func (e *Engine) ZMin(ctx context.Context, collection string) (ZMember, error) {
	members, err := e.ZMembers(ctx, collection)
	if err != nil {
		return ZMember{}, err
	}
	if len(members) == 0 {
		return ZMember{}, WithContext(ErrEmptyCollection, map[string]interface{}{"collection": collection})
	}
	return members[0], nil
}

// ZRange returns the entries matching q in score order. At least one bound
// is required.
func (e *Engine) ZRange(ctx context.Context, collection string, q RangeQuery) ([]ZMember, error) {
	if q.IsEmpty() {
		return nil, ErrRangeSpecifierRequired
	}

	members, err := e.ZMembers(ctx, collection)
	if err != nil {
		return nil, err
	}

	matched := members[:0]
	for _, m := range members {
		if q.Match(m.Score) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

// ---- helpers ----

// intersect keeps the values of lists[0] present in every list,
// deduplicated, in first-list order.
func intersect[T comparable](lists [][]T) []T {
	if len(lists) == 0 {
		return nil
	}

	counts := make(map[T]int)
	for i, list := range lists {
		seen := make(map[T]bool, len(list))
		for _, v := range list {
			if seen[v] {
				continue
			}
			seen[v] = true
			if counts[v] == i {
				counts[v]++
			}
		}
	}

	var out []T
	emitted := make(map[T]bool)
	for _, v := range lists[0] {
		if counts[v] == len(lists) && !emitted[v] {
			emitted[v] = true
			out = append(out, v)
		}
	}
	return out
}
