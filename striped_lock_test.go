package s3orm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStripedLocksDefaultCount(t *testing.T) {
	if locks := NewStripedLocks(0); locks.count != 32 {
		t.Errorf("default stripe count = %d, want 32", locks.count)
	}
	if locks := NewStripedLocks(4); locks.count != 4 {
		t.Errorf("stripe count = %d, want 4", locks.count)
	}
}

func TestStripedLocksSameKeyExclusive(t *testing.T) {
	locks := NewStripedLocks(32)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("users/1")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestStripedLocksAcquire(t *testing.T) {
	locks := NewStripedLocks(8)
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "users", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(waitCtx, "users", time.Second); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout while held, got %v", err)
	}

	release()
	release() // second release is a no-op

	release2, err := locks.Acquire(ctx, "users", time.Second)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	release2()
}

func TestStripedLocksImplementsLocker(t *testing.T) {
	var _ Locker = NewStripedLocks(1)
}
