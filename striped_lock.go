package s3orm

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Locker serializes work on a key. Save and index rebuilds take a lock
// per record or per model when a Locker is configured.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. ttl bounds how
	// long a lock may outlive a crashed holder, where the implementation
	// supports it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StripedLocks is an in-process Locker: keys hash onto a fixed set of
// mutexes, so the same key always maps to the same stripe.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// NewStripedLocks creates a new striped lock with the specified number of stripes.
// 32 suits most use cases.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires an exclusive lock for the given key.
// The returned function MUST be called to release it.
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].Lock()
	return func() {
		sl.stripes[idx].Unlock()
	}
}

// RLock acquires a shared read lock for the given key.
func (sl *StripedLocks) RLock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].RLock()
	return func() {
		sl.stripes[idx].RUnlock()
	}
}

// Acquire implements Locker. ttl is ignored; in-process locks die with the
// process. Polls with TryLock so a canceled ctx stops the wait.
func (sl *StripedLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	idx := sl.getStripeIndex(key)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for !sl.stripes[idx].TryLock() {
		select {
		case <-ctx.Done():
			return nil, WithContext(ErrLockTimeout, map[string]interface{}{
				"key":   key,
				"error": ctx.Err().Error(),
			})
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(sl.stripes[idx].Unlock)
	}, nil
}

// getStripeIndex returns the stripe index for a given key using FNV-1a hash
func (sl *StripedLocks) getStripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
