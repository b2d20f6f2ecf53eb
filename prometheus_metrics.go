package s3orm

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates metrics registered on registry.
// A nil registry gets a fresh one so tests and multiple DBs never collide.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) counter(name, subsystem, metric, help string, labels ...string) {
	p.counters[name] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3orm",
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
		},
		labels,
	)
}

func (p *PrometheusMetrics) histogram(name, subsystem, metric, help string, buckets []float64, labels ...string) {
	p.histograms[name] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3orm",
			Subsystem: subsystem,
			Name:      metric,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// registerDefaultMetrics registers all standard s3orm metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Object store
	p.counter(MetricBackendOps, "backend", "operations_total", "Total number of object store operations", "operation", "backend")
	p.counter(MetricBackendErrors, "backend", "errors_total", "Total number of object store errors", "operation", "backend", "error_type")
	p.histogram(MetricBackendLatency, "backend", "operation_duration_seconds", "Object store operation duration in seconds",
		prometheus.DefBuckets, "operation", "backend")

	// Indexes
	p.counter(MetricIndexWrites, "index", "writes_total", "Total number of index entry writes and removals", "model", "field", "operation")
	p.counter(MetricIndexErrors, "index", "errors_total", "Total number of failed index updates", "model", "field")
	p.counter(MetricUniqueViolations, "index", "unique_violations_total", "Total number of rejected unique values", "model", "field")

	// Queries
	p.counter(MetricQueryIndexed, "query", "indexed_total", "Queries answered from indexes", "model")
	p.counter(MetricQueryFullScan, "query", "full_scan_total", "Queries answered by listing every record", "model")
	p.histogram(MetricQueryDuration, "query", "duration_seconds", "Query execution duration in seconds",
		[]float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}, "model")
	p.histogram(MetricQueryResults, "query", "results", "Number of ids returned by queries",
		[]float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000}, "model")

	// Records
	p.counter(MetricRecordSaved, "record", "saved_total", "Records saved", "model")
	p.counter(MetricRecordRemoved, "record", "removed_total", "Records removed", "model")
	p.counter(MetricIDAllocated, "id", "allocated_total", "Record ids allocated", "model", "allocator")

	// Expiry
	p.counter(MetricExpiryRemoved, "expiry", "removed_total", "Expired records removed by sweeps", "model")
	p.histogram(MetricExpirySweepDuration, "expiry", "sweep_duration_seconds", "Expiry sweep duration in seconds",
		prometheus.DefBuckets, "model")

	// Locks
	p.counter(MetricLockAcquired, "lock", "acquired_total", "Locks acquired")
	p.counter(MetricLockFailed, "lock", "failed_total", "Lock acquisitions that failed")
	p.counter(MetricLockContention, "lock", "contention_total", "Lock acquisition retries")
	p.histogram(MetricLockWaitTime, "lock", "wait_duration_seconds", "Time spent waiting for locks", prometheus.DefBuckets)

	p.counter(MetricCircuitOpen, "circuit", "open_total", "Times a circuit breaker opened", "name")

	p.gauges[MetricIndexDrift] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "s3orm",
			Subsystem: "index",
			Name:      "drift",
			Help:      "Missing plus orphaned index entries found by the last health check",
		},
		[]string{"model"},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s3orm",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "s3orm",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "s3orm",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in seconds
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "s3orm.")
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(name)
}
