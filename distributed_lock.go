package s3orm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token, so a
// holder whose ttl lapsed cannot release a successor's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// DistributedLock is a Redis-backed Locker for coordinating saves and
// index rebuilds across processes sharing one bucket.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	retry      RetryConfig
	ownsClient bool // Close closes the client
	logger     Logger
	metrics    Metrics
}

// NewDistributedLock creates a lock manager on a shared client
func NewDistributedLock(client *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      client,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
		retry:      DefaultRetryConfig(),
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that closes
// client on Close
func NewDistributedLockWithOwnedClient(client *redis.Client, keyPrefix string) *DistributedLock {
	l := NewDistributedLock(client, keyPrefix)
	l.ownsClient = true
	return l
}

func (l *DistributedLock) WithLogger(logger Logger) *DistributedLock {
	if logger != nil {
		l.logger = logger
	}
	return l
}

func (l *DistributedLock) WithMetrics(metrics Metrics) *DistributedLock {
	if metrics != nil {
		l.metrics = metrics
	}
	return l
}

// WithRetry sets how long Acquire waits on a held lock
func (l *DistributedLock) WithRetry(cfg RetryConfig) *DistributedLock {
	l.retry = cfg
	return l
}

func (l *DistributedLock) lockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
}

// TryLock makes a single attempt. A lock held elsewhere fails with
// ErrLockHeld. The returned release function is safe to call more than once.
func (l *DistributedLock) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	lockKey := l.lockKey(key)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, redisErr("setnx", err)
	}
	if !ok {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be canceled
			if err := l.redis.Eval(context.Background(), releaseScript, []string{lockKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}

// Acquire implements Locker: it retries TryLock with backoff while the
// lock is held and fails with ErrLockTimeout when the retries run out.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	start := time.Now()
	attempts := 0

	var release func()
	err := backoff.Retry(func() error {
		attempts++
		r, err := l.TryLock(ctx, key, ttl)
		if err == nil {
			release = r
			return nil
		}
		if errors.Is(err, ErrLockHeld) {
			l.metrics.Increment(MetricLockContention)
			return err
		}
		return backoff.Permanent(err)
	}, newBackOff(ctx, l.retry))

	l.metrics.Timing(MetricLockWaitTime, time.Since(start))
	if err != nil {
		l.metrics.Increment(MetricLockFailed)
		if errors.Is(err, ErrLockHeld) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, WithContext(ErrLockTimeout, map[string]interface{}{
				"key":      key,
				"attempts": attempts,
				"error":    err.Error(),
			})
		}
		return nil, err
	}

	l.metrics.Increment(MetricLockAcquired)
	return release, nil
}

// Close releases the client when the lock owns it
func (l *DistributedLock) Close() error {
	if l.ownsClient && l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
