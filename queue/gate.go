package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
)

// KeyFunc derives the lock for a message. An empty key means the message is
// not environment-scoped. release reports whether the lock should be
// released once the handler succeeds.
type KeyFunc func(data []byte) (key, owner string, release bool, err error)

// PhaseKey locks phase messages on their environment, owned by the run, and
// releases after the cleanup phase.
func PhaseKey(data []byte) (string, string, bool, error) {
	m, err := DecodePhaseMessage(data)
	if err != nil {
		return "", "", false, err
	}
	return lock.EnvKey(m.EnvironmentID.String()), m.RunID.String(), m.Phase == PhaseCleanup, nil
}

// EnvironmentGate serialises environment-scoped messages. On contention the
// message is requeued instead of processed.
type EnvironmentGate struct {
	locker     lock.Locker
	ttl        time.Duration
	retryDelay time.Duration
	logger     modular.Logger

	// OnContention, if set, is called each time a message is requeued
	// because its lock is held.
	OnContention func(key string)
}

// NewEnvironmentGate creates a gate holding locks for ttl and requeueing
// contended messages after retryDelay.
func NewEnvironmentGate(locker lock.Locker, ttl, retryDelay time.Duration, logger modular.Logger) *EnvironmentGate {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &EnvironmentGate{locker: locker, ttl: ttl, retryDelay: retryDelay, logger: logger}
}

// Wrap returns a Handler that acquires the message's lock before calling
// next. The lock is released when next fails permanently or panics, or when
// keyFn marks the message as the last one for its owner. A handler that asks
// for a requeue keeps the lock so its redelivery finds the environment held.
func (g *EnvironmentGate) Wrap(keyFn KeyFunc, next Handler) Handler {
	return func(ctx context.Context, data []byte) (err error) {
		key, owner, release, err := keyFn(data)
		if err != nil {
			return err
		}
		if key == "" {
			return next(ctx, data)
		}

		ok, err := g.locker.Acquire(ctx, key, owner, g.ttl)
		if err != nil {
			g.logger.Warn("Lock backend unavailable, requeueing", "key", key, "error", err)
			return Requeue(g.retryDelay, err.Error())
		}
		if !ok {
			g.logger.Debug("Lock held, requeueing", "key", key, "owner", owner)
			if g.OnContention != nil {
				g.OnContention(key)
			}
			return Requeue(g.retryDelay, "lock "+key+" held")
		}

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			if _, requeued := RequeueDelay(err); requeued {
				return
			}
			if release || err != nil {
				if relErr := g.locker.Release(context.WithoutCancel(ctx), key, owner); relErr != nil {
					g.logger.Warn("Lock release failed", "key", key, "owner", owner, "error", relErr)
				}
			}
		}()
		return next(ctx, data)
	}
}
