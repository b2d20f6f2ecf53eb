package s3orm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryBackend retries retryable failures (timeouts, unavailable store) of
// another Backend with exponential backoff. Not-found, auth and validation
// errors are returned immediately.
type RetryBackend struct {
	Backend
	config RetryConfig
	logger Logger
}

// NewRetryBackend wraps backend with the given retry policy
func NewRetryBackend(backend Backend, config RetryConfig) (*RetryBackend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RetryBackend{
		Backend: backend,
		config:  config,
		logger:  &NoOpLogger{},
	}, nil
}

// WithLogger logs each retry at warn level
func (r *RetryBackend) WithLogger(logger Logger) *RetryBackend {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// newBackOff builds the exponential policy described by cfg, bounded by
// cfg.MaxRetries and ctx.
func newBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialBackoff
	eb.Multiplier = float64(cfg.BackoffMultiple)
	eb.RandomizationFactor = cfg.JitterPercent
	if cfg.MaxBackoff > 0 {
		eb.MaxInterval = cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries)), ctx)
}

func (r *RetryBackend) do(ctx context.Context, op, key string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(ctx, r.config), func(err error, wait time.Duration) {
		r.logger.Warn("retrying backend operation",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
}

func (r *RetryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", key, func() error {
		var err error
		data, err = r.Backend.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *RetryBackend) Put(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "put", key, func() error {
		return r.Backend.Put(ctx, key, data)
	})
}

func (r *RetryBackend) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error {
		return r.Backend.Delete(ctx, key)
	})
}

func (r *RetryBackend) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, "delete_batch", keys[0], func() error {
		return r.Backend.DeleteBatch(ctx, keys)
	})
}

func (r *RetryBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, "exists", key, func() error {
		var err error
		ok, err = r.Backend.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (r *RetryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.Backend.List(ctx, prefix)
		return err
	})
	return keys, err
}
