package s3orm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// QueryPlan is how a query was answered
type QueryPlan string

const (
	PlanIndex     QueryPlan = "index"     // one clause, set index listing
	PlanRange     QueryPlan = "range"     // one clause, sorted-set range
	PlanIntersect QueryPlan = "intersect" // several clauses, ids intersected
	PlanFullScan  QueryPlan = "full-scan" // no where clause, every record listed
)

// QueryProfile records one executed query
type QueryProfile struct {
	Model       string
	Plan        QueryPlan
	Clauses     []string // field names, in query order
	StartTime   time.Time
	Duration    time.Duration
	Candidates  int // ids matched before paging
	ResultCount int
	Err         error
}

// QueryProfiler collects query profiles. Safe for concurrent use.
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	slowQueryThreshold time.Duration
	maxProfiles        int
	enabled            bool
}

func NewQueryProfiler() *QueryProfiler {
	return &QueryProfiler{
		profiles:           make([]QueryProfile, 0),
		slowQueryThreshold: 100 * time.Millisecond,
		maxProfiles:        10000,
		enabled:            true,
	}
}

func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

// SetMaxProfiles caps retained profiles; the oldest are dropped first
func (p *QueryProfiler) SetMaxProfiles(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxProfiles = n
}

func (p *QueryProfiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// StartProfile begins a profile, or returns nil when disabled
func (p *QueryProfiler) StartProfile(model string) *QueryProfile {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	enabled := p.enabled
	p.mu.RUnlock()
	if !enabled {
		return nil
	}

	return &QueryProfile{
		Model:     model,
		StartTime: time.Now(),
		Clauses:   make([]string, 0),
	}
}

// Record stamps the duration and stores profile. A nil profile is ignored.
func (p *QueryProfiler) Record(profile *QueryProfile) {
	if p == nil || profile == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}

	profile.Duration = time.Since(profile.StartTime)
	p.profiles = append(p.profiles, *profile)
	if p.maxProfiles > 0 && len(p.profiles) > p.maxProfiles {
		p.profiles = p.profiles[len(p.profiles)-p.maxProfiles:]
	}
}

// GetProfiles returns a copy of the recorded profiles
func (p *QueryProfiler) GetProfiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]QueryProfile, len(p.profiles))
	copy(result, p.profiles)
	return result
}

func (p *QueryProfiler) filter(keep func(QueryProfile) bool) []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]QueryProfile, 0)
	for _, profile := range p.profiles {
		if keep(profile) {
			out = append(out, profile)
		}
	}
	return out
}

// GetSlowQueries returns profiles slower than the threshold
func (p *QueryProfiler) GetSlowQueries() []QueryProfile {
	p.mu.RLock()
	threshold := p.slowQueryThreshold
	p.mu.RUnlock()
	return p.filter(func(q QueryProfile) bool { return q.Duration > threshold })
}

// GetFullScans returns profiles answered by listing every record
func (p *QueryProfiler) GetFullScans() []QueryProfile {
	return p.filter(func(q QueryProfile) bool { return q.Plan == PlanFullScan })
}

func (p *QueryProfiler) GetFailures() []QueryProfile {
	return p.filter(func(q QueryProfile) bool { return q.Err != nil })
}

func (p *QueryProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = make([]QueryProfile, 0)
}

// ProfileSummary aggregates the recorded profiles
type ProfileSummary struct {
	TotalQueries    int
	SlowQueries     int
	FullScans       int
	Failures        int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	ByModel         map[string]ModelStats
	ByPlan          map[QueryPlan]int
}

type ModelStats struct {
	Count           int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration
	MinDuration     time.Duration
	FullScans       int
	Results         int
}

func (p *QueryProfiler) GetSummary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries: len(p.profiles),
		ByModel:      make(map[string]ModelStats),
		ByPlan:       make(map[QueryPlan]int),
	}
	if len(p.profiles) == 0 {
		return summary
	}

	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))

	for _, profile := range p.profiles {
		totalDuration += profile.Duration
		durations = append(durations, profile.Duration)

		if profile.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		if profile.Plan == PlanFullScan {
			summary.FullScans++
		}
		if profile.Err != nil {
			summary.Failures++
		}
		summary.ByPlan[profile.Plan]++

		stats := summary.ByModel[profile.Model]
		stats.Count++
		stats.TotalDuration += profile.Duration
		stats.Results += profile.ResultCount
		if stats.Count == 1 || profile.Duration > stats.MaxDuration {
			stats.MaxDuration = profile.Duration
		}
		if stats.Count == 1 || profile.Duration < stats.MinDuration {
			stats.MinDuration = profile.Duration
		}
		if profile.Plan == PlanFullScan {
			stats.FullScans++
		}
		summary.ByModel[profile.Model] = stats
	}

	summary.AverageDuration = totalDuration / time.Duration(len(p.profiles))
	for model, stats := range summary.ByModel {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
		summary.ByModel[model] = stats
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	summary.P99Duration = durations[len(durations)*99/100]

	return summary
}

// WriteSummary renders GetSummary as text
func (p *QueryProfiler) WriteSummary(w io.Writer) {
	summary := p.GetSummary()

	fmt.Fprintln(w, "=== Query Performance Summary ===")
	fmt.Fprintf(w, "Total Queries:     %d\n", summary.TotalQueries)
	if summary.TotalQueries == 0 {
		return
	}
	pct := func(n int) float64 { return float64(n) * 100 / float64(summary.TotalQueries) }
	fmt.Fprintf(w, "Slow Queries:      %d (%.1f%%)\n", summary.SlowQueries, pct(summary.SlowQueries))
	fmt.Fprintf(w, "Full Scans:        %d (%.1f%%)\n", summary.FullScans, pct(summary.FullScans))
	fmt.Fprintf(w, "Failures:          %d (%.1f%%)\n", summary.Failures, pct(summary.Failures))

	fmt.Fprintln(w, "\n=== Duration Stats ===")
	fmt.Fprintf(w, "Average:           %v\n", summary.AverageDuration)
	fmt.Fprintf(w, "P50:               %v\n", summary.P50Duration)
	fmt.Fprintf(w, "P95:               %v\n", summary.P95Duration)
	fmt.Fprintf(w, "P99:               %v\n", summary.P99Duration)

	fmt.Fprintln(w, "\n=== By Plan ===")
	plans := make([]string, 0, len(summary.ByPlan))
	for plan := range summary.ByPlan {
		plans = append(plans, string(plan))
	}
	sort.Strings(plans)
	for _, plan := range plans {
		count := summary.ByPlan[QueryPlan(plan)]
		fmt.Fprintf(w, "%-10s %5d (%.1f%%)\n", plan, count, pct(count))
	}

	fmt.Fprintln(w, "\n=== By Model (slowest first) ===")
	models := make([]string, 0, len(summary.ByModel))
	for model := range summary.ByModel {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool {
		return summary.ByModel[models[i]].AverageDuration > summary.ByModel[models[j]].AverageDuration
	})
	for _, model := range models {
		s := summary.ByModel[model]
		fmt.Fprintf(w, "%-30s count=%4d avg=%8v max=%8v scans=%3d results=%5d\n",
			model, s.Count, s.AverageDuration, s.MaxDuration, s.FullScans, s.Results)
	}
}

type profilerKey struct{}

// WithProfiler attaches a profiler to the context. Queries run with that
// context are recorded in it in addition to the DB's profiler.
func WithProfiler(ctx context.Context, profiler *QueryProfiler) context.Context {
	return context.WithValue(ctx, profilerKey{}, profiler)
}

// ProfilerFromContext returns the attached profiler, or nil
func ProfilerFromContext(ctx context.Context) *QueryProfiler {
	if profiler, ok := ctx.Value(profilerKey{}).(*QueryProfiler); ok {
		return profiler
	}
	return nil
}
