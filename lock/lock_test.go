package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLockerWithClient(client, "test:"), mr
}

// lockerCases runs the shared behaviour checks against both backends.
func lockerCases(t *testing.T, newLocker func(t *testing.T) (Locker, func(time.Duration))) {
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		l, _ := newLocker(t)
		ok, err := l.Acquire(ctx, EnvKey("e1"), "run-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first acquire: ok=%v err=%v", ok, err)
		}
		ok, err = l.Acquire(ctx, EnvKey("e1"), "run-b", time.Minute)
		if err != nil || ok {
			t.Fatalf("second owner must not acquire: ok=%v err=%v", ok, err)
		}
		ok, _ = l.Acquire(ctx, EnvKey("e2"), "run-b", time.Minute)
		if !ok {
			t.Fatal("different key should be free")
		}
	})

	t.Run("reentrant for owner", func(t *testing.T) {
		l, _ := newLocker(t)
		for i := 0; i < 3; i++ {
			ok, err := l.Acquire(ctx, "env:x", "run-a", time.Minute)
			if err != nil || !ok {
				t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
			}
		}
	})

	t.Run("release by non-owner fails", func(t *testing.T) {
		l, _ := newLocker(t)
		if ok, _ := l.Acquire(ctx, "env:y", "run-a", time.Minute); !ok {
			t.Fatal("acquire failed")
		}
		if err := l.Release(ctx, "env:y", "run-b"); !errors.Is(err, ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
		if err := l.Release(ctx, "env:y", "run-a"); err != nil {
			t.Fatalf("owner release: %v", err)
		}
		if ok, _ := l.Acquire(ctx, "env:y", "run-b", time.Minute); !ok {
			t.Fatal("key should be free after release")
		}
		if err := l.Release(ctx, "env:absent", "anyone"); err != nil {
			t.Fatalf("releasing an absent key should succeed: %v", err)
		}
	})

	t.Run("ttl expiry", func(t *testing.T) {
		l, advance := newLocker(t)
		if ok, _ := l.Acquire(ctx, "env:z", "run-a", time.Second); !ok {
			t.Fatal("acquire failed")
		}
		advance(2 * time.Second)
		if ok, _ := l.Acquire(ctx, "env:z", "run-b", time.Second); !ok {
			t.Fatal("expired lock should be acquirable")
		}
	})

	t.Run("extend only for holder", func(t *testing.T) {
		l, advance := newLocker(t)
		if ok, _ := l.Extend(ctx, "env:w", "run-a", time.Minute); ok {
			t.Fatal("extending an absent key must not take it")
		}
		if ok, _ := l.Acquire(ctx, "env:w", "run-a", 2*time.Second); !ok {
			t.Fatal("acquire failed")
		}
		if ok, _ := l.Extend(ctx, "env:w", "run-b", time.Minute); ok {
			t.Fatal("non-owner extended the lock")
		}
		advance(time.Second)
		if ok, err := l.Extend(ctx, "env:w", "run-a", time.Minute); err != nil || !ok {
			t.Fatalf("owner extend: ok=%v err=%v", ok, err)
		}
		advance(5 * time.Second)
		if ok, _ := l.Acquire(ctx, "env:w", "run-b", time.Minute); ok {
			t.Fatal("extended lock expired early")
		}
	})

	t.Run("list and force release", func(t *testing.T) {
		l, _ := newLocker(t)
		_, _ = l.Acquire(ctx, EnvKey("1"), "r1", time.Minute)
		_, _ = l.Acquire(ctx, ReportKey("r1"), "r1", time.Minute)
		insp := l.(Inspector)
		infos, err := insp.List(ctx, "env:*")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(infos) != 1 || infos[0].Key != "env:1" || infos[0].Owner != "r1" {
			t.Fatalf("unexpected list %+v", infos)
		}
		if err := insp.ForceRelease(ctx, "env:1"); err != nil {
			t.Fatalf("ForceRelease: %v", err)
		}
		if ok, _ := l.Acquire(ctx, EnvKey("1"), "r2", time.Minute); !ok {
			t.Fatal("force-released key should be free")
		}
	})
}

func TestRedisLocker(t *testing.T) {
	lockerCases(t, func(t *testing.T) (Locker, func(time.Duration)) {
		l, mr := newTestRedisLocker(t)
		return l, mr.FastForward
	})
}

func TestMemoryLocker(t *testing.T) {
	lockerCases(t, func(t *testing.T) (Locker, func(time.Duration)) {
		l := NewMemoryLocker()
		var mu sync.Mutex
		now := time.Now()
		l.SetClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		})
		return l, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
	})
}

// Concurrent acquirers of one key never overlap.
func TestRedisLockerMutualExclusion(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if err := WaitAcquire(ctx, l, EnvKey("shared"), owner, time.Minute, 5*time.Millisecond); err != nil {
				t.Errorf("WaitAcquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := l.Release(ctx, EnvKey("shared"), owner); err != nil {
				t.Errorf("Release: %v", err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestWaitAcquireHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	if ok, _ := l.Acquire(ctx, "env:busy", "holder", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := WaitAcquire(ctx, l, "env:busy", "waiter", time.Minute, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
