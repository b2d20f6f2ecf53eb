package s3orm

import (
	"sync"
	"time"
)

// Metrics provides observability for s3orm operations.
// Tags are alternating label name/value pairs.
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing. Tags are ignored.
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names. The label names each one expects are listed alongside.
const (
	MetricBackendOps     = "s3orm.backend.ops"     // operation, backend
	MetricBackendErrors  = "s3orm.backend.errors"  // operation, backend, error_type
	MetricBackendLatency = "s3orm.backend.latency" // operation, backend

	MetricIndexWrites      = "s3orm.index.writes"            // model, field, operation
	MetricIndexErrors      = "s3orm.index.errors"            // model, field
	MetricUniqueViolations = "s3orm.index.unique_violations" // model, field
	MetricIndexDrift       = "s3orm.index.drift"             // model

	MetricQueryIndexed  = "s3orm.query.indexed"   // model
	MetricQueryFullScan = "s3orm.query.full_scan" // model
	MetricQueryDuration = "s3orm.query.duration"  // model
	MetricQueryResults  = "s3orm.query.results"   // model

	MetricRecordSaved   = "s3orm.record.saved"   // model
	MetricRecordRemoved = "s3orm.record.removed" // model
	MetricIDAllocated   = "s3orm.id.allocated"   // model, allocator

	MetricExpiryRemoved       = "s3orm.expiry.removed"        // model
	MetricExpirySweepDuration = "s3orm.expiry.sweep_duration" // model

	MetricLockAcquired   = "s3orm.lock.acquired"
	MetricLockFailed     = "s3orm.lock.failed"
	MetricLockContention = "s3orm.lock.contention" // retries needed
	MetricLockWaitTime   = "s3orm.lock.wait_duration"

	MetricCircuitOpen = "s3orm.circuit.open" // name
)
