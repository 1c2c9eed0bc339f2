// Package lock provides short-lived, owner-scoped mutual exclusion keyed by
// string. It serialises runs per environment, report regeneration per run,
// workspace preparation, and overlapping cron job invocations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotOwner is returned when releasing a key held by another owner.
var ErrNotOwner = errors.New("lock held by another owner")

// Locker acquires and releases keyed locks. Acquire is re-entrant for the
// same owner: acquiring a key already held by owner refreshes its TTL.
// Extend refreshes the TTL only when owner still holds the key and reports
// false when it does not.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Info describes a held lock.
type Info struct {
	Key   string        `json:"key"`
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl"`
}

// Inspector lists and force-clears locks for operators.
type Inspector interface {
	List(ctx context.Context, pattern string) ([]Info, error)
	ForceRelease(ctx context.Context, key string) error
}

// EnvKey is the lock key serialising runs against one environment.
func EnvKey(environmentID string) string { return "env:" + environmentID }

// ReportKey is the lock key guarding a run's report regeneration.
func ReportKey(runID string) string { return "report:" + runID }

// WorkspaceKey is the lock key guarding a shared module checkout.
func WorkspaceKey(name string) string { return "workspace:" + name }

// CronJobKey is the lock key preventing overlapping cron job invocations.
func CronJobKey(jobID string) string { return "cronjob:" + jobID }

// WaitAcquire polls Acquire every interval until the lock is obtained or ctx
// is done.
func WaitAcquire(ctx context.Context, l Locker, key, owner string, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		ok, err := l.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock %q: %w", key, ctx.Err())
		case <-time.After(interval):
		}
	}
}
