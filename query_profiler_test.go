package s3orm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestNewQueryProfiler tests profiler defaults
func TestNewQueryProfiler(t *testing.T) {
	profiler := NewQueryProfiler()
	if !profiler.enabled {
		t.Error("profiler should be enabled by default")
	}
	if profiler.slowQueryThreshold != 100*time.Millisecond {
		t.Errorf("expected default threshold 100ms, got %v", profiler.slowQueryThreshold)
	}
}

func TestStartProfile(t *testing.T) {
	profiler := NewQueryProfiler()

	profile := profiler.StartProfile("player")
	if profile == nil {
		t.Fatal("expected profile, got nil")
	}
	if profile.Model != "player" || profile.StartTime.IsZero() || profile.Clauses == nil {
		t.Errorf("unexpected profile: %+v", profile)
	}

	profiler.SetEnabled(false)
	if profiler.StartProfile("player") != nil {
		t.Error("expected nil profile when disabled")
	}

	var nilProfiler *QueryProfiler
	if nilProfiler.StartProfile("player") != nil {
		t.Error("nil profiler should return a nil profile")
	}
}

func TestRecordProfile(t *testing.T) {
	profiler := NewQueryProfiler()

	profile := profiler.StartProfile("player")
	time.Sleep(5 * time.Millisecond)
	profile.Plan = PlanRange
	profile.ResultCount = 5
	profiler.Record(profile)

	profiles := profiler.GetProfiles()
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if profiles[0].Duration == 0 {
		t.Error("expected duration to be recorded")
	}
	if profiles[0].Plan != PlanRange || profiles[0].ResultCount != 5 {
		t.Errorf("recorded = %+v", profiles[0])
	}

	// nil profile and nil profiler are ignored
	profiler.Record(nil)
	var nilProfiler *QueryProfiler
	nilProfiler.Record(profile)
	if len(profiler.GetProfiles()) != 1 {
		t.Error("nil records should be ignored")
	}
}

func TestQueryProfiler_Filters(t *testing.T) {
	profiler := NewQueryProfiler()
	profiler.SetSlowQueryThreshold(50 * time.Millisecond)

	add := func(plan QueryPlan, age time.Duration, err error) {
		profiler.Record(&QueryProfile{Model: "player", Plan: plan, StartTime: time.Now().Add(-age), Err: err})
	}
	add(PlanIndex, 0, nil)
	add(PlanFullScan, 0, nil)
	add(PlanRange, time.Second, nil)
	add(PlanIntersect, 0, errors.New("boom"))

	if got := len(profiler.GetSlowQueries()); got != 1 {
		t.Errorf("slow queries = %d, want 1", got)
	}
	if got := len(profiler.GetFullScans()); got != 1 {
		t.Errorf("full scans = %d, want 1", got)
	}
	if got := len(profiler.GetFailures()); got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}

	profiler.Clear()
	if got := len(profiler.GetProfiles()); got != 0 {
		t.Errorf("profiles after clear = %d", got)
	}
}

func TestQueryProfiler_MaxProfiles(t *testing.T) {
	profiler := NewQueryProfiler()
	profiler.SetMaxProfiles(3)
	for i := 0; i < 5; i++ {
		profiler.Record(&QueryProfile{Model: "player", StartTime: time.Now(), ResultCount: i})
	}

	profiles := profiler.GetProfiles()
	if len(profiles) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(profiles))
	}
	if profiles[0].ResultCount != 2 {
		t.Errorf("oldest kept profile = %d, want 2", profiles[0].ResultCount)
	}
}

func TestGetSummary(t *testing.T) {
	profiler := NewQueryProfiler()
	for _, model := range []string{"player", "player", "team"} {
		profiler.Record(&QueryProfile{Model: model, Plan: PlanIndex, StartTime: time.Now(), ResultCount: 2})
	}
	profiler.Record(&QueryProfile{Model: "team", Plan: PlanFullScan, StartTime: time.Now()})

	summary := profiler.GetSummary()
	if summary.TotalQueries != 4 || summary.FullScans != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.ByPlan[PlanIndex] != 3 {
		t.Errorf("index plans = %d, want 3", summary.ByPlan[PlanIndex])
	}
	if s := summary.ByModel["player"]; s.Count != 2 || s.Results != 4 {
		t.Errorf("player stats = %+v", s)
	}
	if s := summary.ByModel["team"]; s.FullScans != 1 {
		t.Errorf("team stats = %+v", s)
	}

	empty := NewQueryProfiler().GetSummary()
	if empty.TotalQueries != 0 || empty.ByModel == nil {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestWriteSummary(t *testing.T) {
	profiler := NewQueryProfiler()
	profiler.Record(&QueryProfile{Model: "player", Plan: PlanFullScan, StartTime: time.Now()})

	var buf bytes.Buffer
	profiler.WriteSummary(&buf)
	out := buf.String()
	for _, want := range []string{"Total Queries:     1", "full-scan", "player"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestWithProfiler(t *testing.T) {
	if ProfilerFromContext(context.Background()) != nil {
		t.Error("expected nil profiler on a bare context")
	}

	profiler := NewQueryProfiler()
	ctx := WithProfiler(context.Background(), profiler)
	if ProfilerFromContext(ctx) != profiler {
		t.Error("expected the attached profiler")
	}
}

func TestQueryProfilerConcurrency(t *testing.T) {
	profiler := NewQueryProfiler()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				profiler.Record(profiler.StartProfile("player"))
				_ = profiler.GetSummary()
			}
		}()
	}
	wg.Wait()

	if got := len(profiler.GetProfiles()); got != 1000 {
		t.Errorf("expected 1000 profiles, got %d", got)
	}
}
