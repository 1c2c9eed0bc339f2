package lock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a process-local Locker with TTL expiry. It serves
// single-process development and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the time source.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock.memory: ttl must be positive for %q", key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) && e.owner != owner {
		return false, nil
	}
	l.entries[key] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock.memory: ttl must be positive for %q", key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok || !now.Before(e.expires) || e.owner != owner {
		return false, nil
	}
	l.entries[key] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok || !l.now().Before(e.expires) {
		delete(l.entries, key)
		return nil
	}
	if e.owner != owner {
		return fmt.Errorf("lock.memory: release %q: %w", key, ErrNotOwner)
	}
	delete(l.entries, key)
	return nil
}

func (l *MemoryLocker) List(_ context.Context, pattern string) ([]Info, error) {
	if pattern == "" {
		pattern = "*"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var out []Info
	for k, e := range l.entries {
		if !now.Before(e.expires) {
			continue
		}
		if ok, _ := path.Match(pattern, k); !ok {
			continue
		}
		out = append(out, Info{Key: k, Owner: e.owner, TTL: e.expires.Sub(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *MemoryLocker) ForceRelease(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
