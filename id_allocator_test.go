package s3orm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMaxIDAllocator(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupTestEngine(t)
	metrics := NewInMemoryMetrics()
	a := NewMaxIDAllocator(engine, metrics)

	for want := int64(1); want <= 3; want++ {
		got, err := a.Next(ctx, "player")
		if err != nil || got != want {
			t.Fatalf("Next = %d, %v; want %d", got, err, want)
		}
	}
	if cur, _ := a.Current(ctx, "player"); cur != 3 {
		t.Errorf("Current = %d, want 3", cur)
	}
	if cur, _ := a.Current(ctx, "team"); cur != 0 {
		t.Errorf("Current of unused model = %d, want 0", cur)
	}

	if err := a.SetMax(ctx, "player", 10); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Next(ctx, "player"); got != 11 {
		t.Errorf("Next after SetMax = %d, want 11", got)
	}
	if metrics.Counter(MetricIDAllocated) != 4 {
		t.Errorf("allocations counted = %d, want 4", metrics.Counter(MetricIDAllocated))
	}
}

func TestMaxIDAllocator_CorruptValue(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupTestEngine(t)
	if err := engine.Set(ctx, maxIDName("player"), "not-a-number"); err != nil {
		t.Fatal(err)
	}

	a := NewMaxIDAllocator(engine, nil)
	if got, err := a.Next(ctx, "player"); err != nil || got != 1 {
		t.Errorf("Next = %d, %v; want 1", got, err)
	}
}

func TestRedisIDAllocator_SeedsFromMirror(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	engine, _ := setupTestEngine(t)
	mirror := NewMaxIDAllocator(engine, nil)

	if err := mirror.SetMax(ctx, "player", 41); err != nil {
		t.Fatal(err)
	}

	a := NewRedisIDAllocator(client, mirror, nil, nil)
	id, err := a.Next(ctx, "player")
	if err != nil || id != 42 {
		t.Fatalf("Next = %d, %v; want 42", id, err)
	}

	if v, _ := mr.Get("s3orm:maxid:player"); v != "42" {
		t.Errorf("redis counter = %q, want 42", v)
	}
	if cur, _ := mirror.Current(ctx, "player"); cur != 42 {
		t.Errorf("mirror = %d, want 42", cur)
	}
}

func TestRedisIDAllocator_Concurrent(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	a := NewRedisIDAllocator(client, nil, nil, nil).WithKeyPrefix("test")

	const workers, perWorker = 10, 20
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := a.Next(ctx, "player")
				if err != nil {
					t.Errorf("Next failed: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("allocated %d ids, want %d", len(seen), workers*perWorker)
	}
	if cur, _ := a.Current(ctx, "player"); cur != workers*perWorker {
		t.Errorf("Current = %d", cur)
	}
}

func TestRedisIDAllocator_SetMaxAndCurrent(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)
	engine, _ := setupTestEngine(t)
	mirror := NewMaxIDAllocator(engine, nil)
	a := NewRedisIDAllocator(client, mirror, nil, nil)

	if cur, err := a.Current(ctx, "player"); err != nil || cur != 0 {
		t.Errorf("Current on missing key = %d, %v", cur, err)
	}
	if err := a.SetMax(ctx, "player", 7); err != nil {
		t.Fatal(err)
	}
	if cur, _ := a.Current(ctx, "player"); cur != 7 {
		t.Errorf("Current = %d, want 7", cur)
	}
	if cur, _ := mirror.Current(ctx, "player"); cur != 7 {
		t.Errorf("mirror = %d, want 7", cur)
	}
}

func TestRedisIDAllocator_CircuitOpens(t *testing.T) {
	ctx := context.Background()
	mr, client := setupMiniredis(t)
	metrics := NewInMemoryMetrics()
	a := NewRedisIDAllocator(client, nil, nil, metrics).
		WithCircuitBreaker(NewCircuitBreaker(2, time.Minute))
	a.breaker.WithStateChangeCallback(func(from, to string) {
		if to == CircuitOpen {
			metrics.Increment(MetricCircuitOpen, "name", "redis_id_allocator")
		}
	})

	mr.Close()
	for i := 0; i < 2; i++ {
		if _, err := a.Next(ctx, "player"); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
	}
	if a.breaker.State() != CircuitOpen {
		t.Errorf("breaker state = %s, want open", a.breaker.State())
	}
	if metrics.Counter(MetricCircuitOpen) != 1 {
		t.Errorf("circuit open events = %d, want 1", metrics.Counter(MetricCircuitOpen))
	}
}

func TestDB_WithRedisAllocator(t *testing.T) {
	ctx := context.Background()
	_, client := setupMiniredis(t)

	backend := NewFilesystemBackend(t.TempDir())
	db := New(backend)
	mirror := NewMaxIDAllocator(db.Engine(), nil)
	db.allocator = NewRedisIDAllocator(client, mirror, nil, nil)
	players := db.Register(testPlayerSchema())

	r := savePlayer(t, players, map[string]any{"name": "ada"})
	if r.ID != 1 {
		t.Errorf("id = %d, want 1", r.ID)
	}
	if got := players.Indexing(0).GetMaxID(ctx); got != 1 {
		t.Errorf("mirrored maxid = %d, want 1", got)
	}
}
