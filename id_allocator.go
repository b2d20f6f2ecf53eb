package s3orm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IDAllocator hands out record ids, one sequence per model
type IDAllocator interface {
	// Next returns a fresh id for model
	Next(ctx context.Context, model string) (int64, error)
	// Current returns the highest id handed out, 0 when none
	Current(ctx context.Context, model string) (int64, error)
	// SetMax resets the sequence, e.g. after an index rebuild
	SetMax(ctx context.Context, model string, id int64) error
}

func maxIDName(model string) string {
	return model + "/" + maxIDKey
}

// readMaxID returns the stored max id, 0 when missing or unreadable
func readMaxID(ctx context.Context, engine *Engine, model string) int64 {
	raw, err := engine.Get(ctx, maxIDName(model))
	if err != nil {
		if !IsNotFound(err) {
			engine.logger.Warn("failed to read max id", "model", model, "error", err)
		}
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		engine.logger.Warn("max id is not an integer", "model", model, "value", raw)
		return 0
	}
	return id
}

func writeMaxID(ctx context.Context, engine *Engine, model string, id int64) error {
	return engine.Set(ctx, maxIDName(model), strconv.FormatInt(id, 10))
}

// MaxIDAllocator keeps the sequence in the object store at
// keyval/<model>/maxid. Next is a read-increment-write: two processes
// saving new records of one model at the same time can receive the same
// id. Use RedisIDAllocator when writers are concurrent.
type MaxIDAllocator struct {
	engine  *Engine
	metrics Metrics
}

func NewMaxIDAllocator(engine *Engine, metrics Metrics) *MaxIDAllocator {
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &MaxIDAllocator{engine: engine, metrics: metrics}
}

func (a *MaxIDAllocator) Next(ctx context.Context, model string) (int64, error) {
	next := readMaxID(ctx, a.engine, model) + 1
	if err := writeMaxID(ctx, a.engine, model, next); err != nil {
		return 0, fmt.Errorf("failed to persist max id for %s: %w", model, err)
	}
	a.metrics.Increment(MetricIDAllocated, "model", model, "allocator", "maxid")
	return next, nil
}

func (a *MaxIDAllocator) Current(ctx context.Context, model string) (int64, error) {
	return readMaxID(ctx, a.engine, model), nil
}

func (a *MaxIDAllocator) SetMax(ctx context.Context, model string, id int64) error {
	return writeMaxID(ctx, a.engine, model, id)
}

// RedisIDAllocator allocates ids with an atomic INCR on
// <prefix>:maxid:<model>. The first allocation for a model seeds the
// counter from the object-store max id, and every allocation is mirrored
// back there so tools reading keyval/<model>/maxid stay current.
type RedisIDAllocator struct {
	redis     *redis.Client
	keyPrefix string
	mirror    *MaxIDAllocator
	breaker   *CircuitBreaker
	logger    Logger
	metrics   Metrics
}

// NewRedisIDAllocator creates an allocator on client. mirror may be nil,
// which disables seeding and mirroring.
func NewRedisIDAllocator(client *redis.Client, mirror *MaxIDAllocator, logger Logger, metrics Metrics) *RedisIDAllocator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	a := &RedisIDAllocator{
		redis:     client,
		keyPrefix: "s3orm",
		mirror:    mirror,
		logger:    logger,
		metrics:   metrics,
	}
	a.breaker = NewCircuitBreaker(5, 30*time.Second).WithStateChangeCallback(func(from, to string) {
		a.logger.Warn("redis id allocator circuit changed", "from", from, "to", to)
		if to == CircuitOpen {
			a.metrics.Increment(MetricCircuitOpen, "name", "redis_id_allocator")
		}
	})
	return a
}

// WithKeyPrefix namespaces the counters, e.g. per environment
func (a *RedisIDAllocator) WithKeyPrefix(prefix string) *RedisIDAllocator {
	a.keyPrefix = prefix
	return a
}

// WithCircuitBreaker replaces the default breaker (5 failures, 30s reset)
func (a *RedisIDAllocator) WithCircuitBreaker(cb *CircuitBreaker) *RedisIDAllocator {
	if cb != nil {
		a.breaker = cb
	}
	return a
}

func (a *RedisIDAllocator) key(model string) string {
	return a.keyPrefix + ":maxid:" + model
}

func redisErr(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", ErrStoreUnavailable, op, err)
}

func (a *RedisIDAllocator) Next(ctx context.Context, model string) (int64, error) {
	if a.redis == nil {
		return 0, WithContext(ErrStoreUnavailable, map[string]interface{}{"reason": "redis not configured"})
	}

	var id int64
	err := a.breaker.Execute(ctx, func() error {
		if err := a.seed(ctx, model); err != nil {
			return err
		}
		val, err := a.redis.Incr(ctx, a.key(model)).Result()
		if err != nil {
			return redisErr("incr", err)
		}
		id = val
		return nil
	})
	if err != nil {
		return 0, err
	}

	if a.mirror != nil {
		if err := a.mirror.SetMax(ctx, model, id); err != nil {
			a.logger.Warn("failed to mirror max id", "model", model, "id", id, "error", err)
		}
	}
	a.metrics.Increment(MetricIDAllocated, "model", model, "allocator", "redis")
	return id, nil
}

// seed initializes a missing counter from the object-store max id. SETNX
// keeps concurrent seeders from moving the counter backwards.
func (a *RedisIDAllocator) seed(ctx context.Context, model string) error {
	if a.mirror == nil {
		return nil
	}
	n, err := a.redis.Exists(ctx, a.key(model)).Result()
	if err != nil {
		return redisErr("exists", err)
	}
	if n > 0 {
		return nil
	}
	current, _ := a.mirror.Current(ctx, model)
	if err := a.redis.SetNX(ctx, a.key(model), current, 0).Err(); err != nil {
		return redisErr("setnx", err)
	}
	return nil
}

func (a *RedisIDAllocator) Current(ctx context.Context, model string) (int64, error) {
	if a.redis == nil {
		return 0, WithContext(ErrStoreUnavailable, map[string]interface{}{"reason": "redis not configured"})
	}

	var id int64
	err := a.breaker.Execute(ctx, func() error {
		val, err := a.redis.Get(ctx, a.key(model)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return redisErr("get", err)
		}
		id, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			return WithContext(ErrEncoding, map[string]interface{}{
				"key":    a.key(model),
				"value":  val,
				"reason": "counter is not an integer",
			})
		}
		return nil
	})
	return id, err
}

// SetMax overwrites the counter. Only for rebuilds and recovery.
func (a *RedisIDAllocator) SetMax(ctx context.Context, model string, id int64) error {
	if a.redis == nil {
		return WithContext(ErrStoreUnavailable, map[string]interface{}{"reason": "redis not configured"})
	}

	err := a.breaker.Execute(ctx, func() error {
		if err := a.redis.Set(ctx, a.key(model), id, 0).Err(); err != nil {
			return redisErr("set", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Info("id counter reset", "model", model, "value", id)
	if a.mirror != nil {
		return a.mirror.SetMax(ctx, model, id)
	}
	return nil
}
