package s3orm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testPlayerSchema() *Schema {
	return MustSchema("player",
		Field{Name: "name", Type: TypeString, Index: true},
		Field{Name: "email", Type: TypeString, Unique: true},
		Field{Name: "score", Type: TypeFloat, Index: true},
		Field{Name: "bio", Type: TypeString},
	)
}

func setupTestIndexing(t *testing.T, id int64) *Indexing {
	t.Helper()
	engine, _ := setupTestEngine(t)
	return NewIndexing(engine, testPlayerSchema(), id)
}

func TestIndexing_AddSearchRemove(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)

	if err := idx.Add(ctx, "name", "Alice"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.forRecord(2).Add(ctx, "name", "Malice"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := idx.forRecord(3).Add(ctx, "name", "Bob"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	ids, err := idx.Search(ctx, "name", "ALI")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []int64{1, 2}) && !reflect.DeepEqual(ids, []int64{2, 1}) {
		t.Errorf("Search(ALI) = %v, want ids 1 and 2", ids)
	}

	if err := idx.Remove(ctx, "name", "Alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	// removing twice is not an error
	if err := idx.Remove(ctx, "name", "Alice"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}

	ids, _ = idx.Search(ctx, "name", "ali")
	if !reflect.DeepEqual(ids, []int64{2}) {
		t.Errorf("Search after remove = %v, want [2]", ids)
	}
}

func TestIndexing_SearchEdgeCases(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)
	if err := idx.Add(ctx, "name", "Alice"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		needle any
	}{
		{"empty string", ""},
		{"nil", nil},
		{"non string", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := idx.Search(ctx, "name", tt.needle)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if ids != nil {
				t.Errorf("expected nil, got %v", ids)
			}
		})
	}

	if _, err := idx.Search(ctx, "bio", "x"); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("expected ErrNotIndexed, got %v", err)
	}
	if _, err := idx.Search(ctx, "nope", "x"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestIndexing_AddRequiresID(t *testing.T) {
	idx := setupTestIndexing(t, 0)
	if err := idx.Add(context.Background(), "name", "Alice"); !errors.Is(err, ErrMissingID) {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
	// empty values are ignored before the id check
	if err := idx.Add(context.Background(), "name", ""); err != nil {
		t.Errorf("empty value should be a no-op, got %v", err)
	}
}

func TestIndexing_LongValues(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)
	long := strings.Repeat("n", 256)

	if err := idx.Add(ctx, "name", long); !errors.Is(err, ErrEncoding) {
		t.Errorf("Add: expected ErrEncoding, got %v", err)
	}
	if err := idx.AddUnique(ctx, "email", long); !errors.Is(err, ErrEncoding) {
		t.Errorf("AddUnique: expected ErrEncoding, got %v", err)
	}
	entries, err := idx.List(ctx, "name")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("List = %v, want no entries", entries)
	}
}

func TestIndexing_ValuesWithSeparators(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 7)

	weird := "a/b###c d"
	if err := idx.Add(ctx, "name", weird); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	entries, err := idx.List(ctx, "name")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Val != weird || entries[0].ID != 7 {
		t.Errorf("List = %+v", entries)
	}
}

func TestIndexing_Uniques(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)

	if err := idx.AddUnique(ctx, "email", "a@x.io"); err != nil {
		t.Fatalf("AddUnique failed: %v", err)
	}
	// own claim again is fine
	if err := idx.AddUnique(ctx, "email", "a@x.io"); err != nil {
		t.Fatalf("re-claim failed: %v", err)
	}

	err := idx.forRecord(2).AddUnique(ctx, "email", "a@x.io")
	var violation *UniqueViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected UniqueViolationError, got %v", err)
	}
	if violation.Owner != 1 || violation.Field != "email" {
		t.Errorf("violation = %+v", violation)
	}
	if !errors.Is(err, ErrUniqueKeyViolation) {
		t.Error("violation should unwrap to ErrUniqueKeyViolation")
	}

	held, err := idx.IsMemberUniques(ctx, "email", "a@x.io")
	if err != nil || !held {
		t.Errorf("IsMemberUniques = %v, %v", held, err)
	}
	owner, held, err := idx.UniqueOwner(ctx, "email", "a@x.io")
	if err != nil || !held || owner != 1 {
		t.Errorf("UniqueOwner = %d, %v, %v", owner, held, err)
	}

	values, err := idx.GetUniques(ctx, "email")
	if err != nil || !reflect.DeepEqual(values, []string{"a@x.io"}) {
		t.Errorf("GetUniques = %v, %v", values, err)
	}

	if err := idx.RemoveUnique(ctx, "email", "a@x.io"); err != nil {
		t.Fatalf("RemoveUnique failed: %v", err)
	}
	if held, _ := idx.IsMemberUniques(ctx, "email", "a@x.io"); held {
		t.Error("claim should be released")
	}

	if err := idx.AddUnique(ctx, "email", ""); !errors.Is(err, ErrEmptyUniqueValue) {
		t.Errorf("expected ErrEmptyUniqueValue, got %v", err)
	}
	if err := idx.AddUnique(ctx, "name", "x"); !errors.Is(err, ErrNotIndexed) {
		t.Errorf("expected ErrNotIndexed for non-unique field, got %v", err)
	}
}

func TestIndexing_Numeric(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 0)

	for id, score := range map[int64]float64{1: 5.5, 2: 15.6, 3: 21.2, 4: 100} {
		if err := idx.forRecord(id).AddNumeric(ctx, "score", score); err != nil {
			t.Fatalf("AddNumeric failed: %v", err)
		}
	}

	tests := []struct {
		name string
		q    RangeQuery
		want []int64
	}{
		{"gte lte", RangeQuery{Gte: Float(15), Lte: Float(22)}, []int64{2, 3}},
		{"gt exclusive", RangeQuery{Gt: Float(15.6)}, []int64{3, 4}},
		{"lt", RangeQuery{Lt: Float(15.6)}, []int64{1}},
		{"exact", RangeQuery{Gte: Float(100), Lte: Float(100)}, []int64{4}},
		{"lexicographic trap", RangeQuery{Gte: Float(20)}, []int64{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.SearchNumeric(ctx, "score", tt.q)
			if err != nil {
				t.Fatalf("SearchNumeric failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SearchNumeric = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := idx.SearchNumeric(ctx, "score", RangeQuery{}); !errors.Is(err, ErrRangeSpecifierRequired) {
		t.Errorf("expected ErrRangeSpecifierRequired, got %v", err)
	}
	if err := idx.forRecord(1).AddNumeric(ctx, "score", "high"); !errors.Is(err, ErrInvalidNumericValue) {
		t.Errorf("expected ErrInvalidNumericValue, got %v", err)
	}

	if err := idx.forRecord(4).RemoveNumeric(ctx, "score", 100); err != nil {
		t.Fatalf("RemoveNumeric failed: %v", err)
	}
	got, _ := idx.SearchNumeric(ctx, "score", RangeQuery{Gte: Float(20)})
	if !reflect.DeepEqual(got, []int64{3}) {
		t.Errorf("after remove = %v, want [3]", got)
	}
}

func TestIndexing_SetIndexForField(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)

	if err := idx.SetIndexForField(ctx, "name", "Alice", nil); err != nil {
		t.Fatalf("initial set failed: %v", err)
	}
	if err := idx.SetIndexForField(ctx, "name", "Alicia", "Alice"); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	entries, _ := idx.List(ctx, "name")
	if len(entries) != 1 || entries[0].Val != "Alicia" {
		t.Errorf("entries after update = %+v", entries)
	}

	// unique fields get a claim plus a searchable entry
	if err := idx.SetIndexForField(ctx, "email", "a@x.io", nil); err != nil {
		t.Fatalf("set unique failed: %v", err)
	}
	if err := idx.SetIndexForField(ctx, "email", "b@x.io", "a@x.io"); err != nil {
		t.Fatalf("update unique failed: %v", err)
	}
	if held, _ := idx.IsMemberUniques(ctx, "email", "a@x.io"); held {
		t.Error("old claim should be released")
	}
	if ids, _ := idx.Search(ctx, "email", "b@x"); !reflect.DeepEqual(ids, []int64{1}) {
		t.Errorf("Search(email) = %v", ids)
	}

	// numeric: 5 and 5.0 are the same canonical value
	if err := idx.SetIndexForField(ctx, "score", 5, nil); err != nil {
		t.Fatal(err)
	}
	if err := idx.SetIndexForField(ctx, "score", 5.0, 5); err != nil {
		t.Fatal(err)
	}
	if err := idx.SetIndexForField(ctx, "score", nil, 5.0); err != nil {
		t.Fatal(err)
	}
	if entries, _ := idx.List(ctx, "score"); len(entries) != 0 {
		t.Errorf("score entries after clearing value = %+v", entries)
	}

	// unindexed fields are ignored
	if err := idx.SetIndexForField(ctx, "bio", "x", nil); err != nil {
		t.Errorf("unindexed field should be a no-op, got %v", err)
	}
}

func TestIndexing_RemoveIndexKeepsForeignClaim(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)

	if err := idx.AddUnique(ctx, "email", "a@x.io"); err != nil {
		t.Fatal(err)
	}
	// record 2 never owned the value, so its removal must not release it
	if err := idx.forRecord(2).RemoveIndexForField(ctx, "email", "a@x.io"); err != nil {
		t.Fatalf("RemoveIndexForField failed: %v", err)
	}
	if owner, held, _ := idx.UniqueOwner(ctx, "email", "a@x.io"); !held || owner != 1 {
		t.Errorf("claim = %d, %v; want owner 1", owner, held)
	}
}

func TestIndexing_ClearAndMaxID(t *testing.T) {
	ctx := context.Background()
	idx := setupTestIndexing(t, 1)

	_ = idx.Add(ctx, "name", "Alice")
	_ = idx.AddUnique(ctx, "email", "a@x.io")
	_ = idx.AddNumeric(ctx, "score", 3)

	for _, field := range []string{"name", "score"} {
		if err := idx.Clear(ctx, field); err != nil {
			t.Fatalf("Clear(%s) failed: %v", field, err)
		}
		if entries, _ := idx.List(ctx, field); len(entries) != 0 {
			t.Errorf("%s entries after clear = %+v", field, entries)
		}
	}
	if err := idx.ClearUniques(ctx, "email"); err != nil {
		t.Fatal(err)
	}
	if values, _ := idx.GetUniques(ctx, "email"); len(values) != 0 {
		t.Errorf("uniques after clear = %v", values)
	}

	if got := idx.GetMaxID(ctx); got != 0 {
		t.Errorf("GetMaxID on empty = %d", got)
	}
	if err := idx.SetMaxID(ctx, 42); err != nil {
		t.Fatal(err)
	}
	if got := idx.GetMaxID(ctx); got != 42 {
		t.Errorf("GetMaxID = %d, want 42", got)
	}
}

func TestIndexing_Expires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := setupTestIndexing(t, 1).WithClock(func() time.Time { return now })

	if err := idx.AddExpires(ctx, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for zero ttl, got %v", err)
	}
	if err := idx.AddExpires(ctx, time.Minute); err != nil {
		t.Fatalf("AddExpires failed: %v", err)
	}
	if err := idx.forRecord(2).AddExpires(ctx, time.Hour); err != nil {
		t.Fatalf("AddExpires failed: %v", err)
	}

	due, err := idx.ExpiredIDs(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExpiredIDs failed: %v", err)
	}
	if len(due) != 1 || due[0].Val != "1" {
		t.Errorf("due = %+v, want record 1", due)
	}

	if err := idx.RemoveExpires(ctx); err != nil {
		t.Fatalf("RemoveExpires failed: %v", err)
	}
	due, _ = idx.ExpiredIDs(ctx, now.Add(2*time.Hour))
	if len(due) != 1 || due[0].Val != "2" {
		t.Errorf("due after cancel = %+v, want record 2", due)
	}
}
