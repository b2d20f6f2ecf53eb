package s3orm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IndexHealthMonitor periodically samples the models' indexes for drift
// (missing or orphaned entries) and can rebuild a model whose drift
// exceeds the threshold.
type IndexHealthMonitor struct {
	db *DB

	checkInterval  time.Duration
	sampleSize     int
	driftThreshold float64 // percent
	autoRepair     bool

	running  bool
	stopChan chan struct{}
	mu       sync.Mutex
}

func NewIndexHealthMonitor(db *DB) *IndexHealthMonitor {
	return &IndexHealthMonitor{
		db:             db,
		checkInterval:  5 * time.Minute,
		sampleSize:     100,
		driftThreshold: 5.0,
	}
}

func (ihm *IndexHealthMonitor) WithInterval(interval time.Duration) *IndexHealthMonitor {
	ihm.checkInterval = interval
	return ihm
}

func (ihm *IndexHealthMonitor) WithSampleSize(size int) *IndexHealthMonitor {
	ihm.sampleSize = size
	return ihm
}

// WithDriftThreshold sets the drift percentage that triggers alerts
func (ihm *IndexHealthMonitor) WithDriftThreshold(threshold float64) *IndexHealthMonitor {
	ihm.driftThreshold = threshold
	return ihm
}

// WithAutoRepair runs CleanIndices on models over the threshold
func (ihm *IndexHealthMonitor) WithAutoRepair(enabled bool) *IndexHealthMonitor {
	ihm.autoRepair = enabled
	return ihm
}

func (ihm *IndexHealthMonitor) Start(ctx context.Context) error {
	ihm.mu.Lock()
	defer ihm.mu.Unlock()

	if ihm.running {
		return fmt.Errorf("health monitor already running")
	}
	ihm.running = true
	ihm.stopChan = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(ihm.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				ihm.db.logger.Info("index health monitor stopped", "reason", "context canceled")
				return
			case <-stop:
				ihm.db.logger.Info("index health monitor stopped", "reason", "stop requested")
				return
			case <-ticker.C:
				if _, err := ihm.CheckAll(ctx); err != nil {
					ihm.db.logger.Error("health check failed", "error", err)
				}
			}
		}
	}(ihm.stopChan)

	ihm.db.logger.Info("index health monitor started",
		"interval", ihm.checkInterval,
		"sample_size", ihm.sampleSize,
		"drift_threshold", ihm.driftThreshold,
	)
	return nil
}

func (ihm *IndexHealthMonitor) Stop() {
	ihm.mu.Lock()
	defer ihm.mu.Unlock()

	if ihm.running {
		close(ihm.stopChan)
		ihm.running = false
	}
}

// CheckAll checks every registered model and returns their reports
func (ihm *IndexHealthMonitor) CheckAll(ctx context.Context) ([]*IndexHealthReport, error) {
	var reports []*IndexHealthReport
	for _, name := range ihm.db.registry.Models() {
		report, err := ihm.Check(ctx, name)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Check samples one model and handles the result
func (ihm *IndexHealthMonitor) Check(ctx context.Context, model string) (*IndexHealthReport, error) {
	m, err := ihm.db.Model(model)
	if err != nil {
		return nil, err
	}
	report, err := m.CheckIndexHealth(ctx, ihm.sampleSize)
	if err != nil {
		return nil, err
	}
	ihm.processReport(ctx, m, report)
	return report, nil
}

func (ihm *IndexHealthMonitor) processReport(ctx context.Context, m *Model, report *IndexHealthReport) {
	if report.DriftPercentage <= ihm.driftThreshold {
		ihm.db.logger.Debug("index health check passed",
			"model", report.Model,
			"drift_percent", report.DriftPercentage,
			"sampled", report.TotalSampled,
		)
		return
	}

	ihm.db.logger.Error("index drift detected",
		"model", report.Model,
		"drift_percent", report.DriftPercentage,
		"missing", report.Missing,
		"orphaned", report.Orphaned,
		"sampled", report.TotalSampled,
	)
	if !ihm.autoRepair {
		return
	}
	if _, err := m.CleanIndices(ctx); err != nil {
		ihm.db.logger.Error("index repair failed", "model", report.Model, "error", err)
	}
}
