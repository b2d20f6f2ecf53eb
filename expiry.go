package s3orm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ExpirySweeper periodically removes expired records of a set of models
//
//	sweeper := s3orm.NewExpirySweeper(db, "sessions").WithInterval(time.Minute)
//	sweeper.Start(ctx)
//	defer sweeper.Stop()
type ExpirySweeper struct {
	db       *DB
	models   []string
	interval time.Duration

	running  bool
	stopChan chan struct{}
	done     chan struct{}
	mu       sync.Mutex
}

// NewExpirySweeper sweeps the named models; none means every registered model
func NewExpirySweeper(db *DB, models ...string) *ExpirySweeper {
	return &ExpirySweeper{
		db:       db,
		models:   models,
		interval: time.Minute,
	}
}

func (s *ExpirySweeper) WithInterval(interval time.Duration) *ExpirySweeper {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start runs a sweep every interval until ctx is done or Stop is called
func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("expiry sweeper already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.db.logger.Info("expiry sweeper stopped", "reason", "context canceled")
				return
			case <-stop:
				s.db.logger.Info("expiry sweeper stopped", "reason", "stop requested")
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.db.logger.Error("expiry sweep failed", "error", err)
				}
			}
		}
	}(s.stopChan, s.done)

	s.db.logger.Info("expiry sweeper started", "interval", s.interval, "models", s.models)
	return nil
}

// Stop halts the sweeper and waits for an in-flight sweep to finish
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

// SweepOnce sweeps every model now and returns the removals per model.
// A failing model does not stop the others; the first error is returned.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (map[string]int, error) {
	models := s.models
	if len(models) == 0 {
		models = s.db.registry.Models()
	}

	now := s.db.now()
	removed := make(map[string]int, len(models))
	var firstErr error
	for _, name := range models {
		m, err := s.db.Model(name)
		if err == nil {
			removed[name], err = m.SweepExpired(ctx, now)
		}
		if err != nil {
			s.db.logger.Warn("model sweep failed", "model", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return removed, firstErr
}
