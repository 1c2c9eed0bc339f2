// Package queue carries pipeline, cron job and scheduled-run messages between
// processes. Brokers acknowledge a message when its handler returns nil,
// redeliver it after a delay when the handler returns a RequeueError, and
// drop it (after logging) for any other error.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Handler processes one message payload.
type Handler func(ctx context.Context, data []byte) error

// Publisher enqueues messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Broker is a durable work queue.
type Broker interface {
	Publisher
	// Subscribe consumes subject in the background until ctx is done or the
	// broker is closed.
	Subscribe(ctx context.Context, subject string, h Handler) error
	Close() error
}

// RequeueError asks the broker to negatively acknowledge a message so it is
// redelivered after Delay. It signals backpressure, not failure.
type RequeueError struct {
	Delay  time.Duration
	Reason string
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue after %s: %s", e.Delay, e.Reason)
}

// Requeue returns a RequeueError.
func Requeue(delay time.Duration, reason string) error {
	return &RequeueError{Delay: delay, Reason: reason}
}

// RequeueDelay extracts the redelivery delay from err.
func RequeueDelay(err error) (time.Duration, bool) {
	var re *RequeueError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}

// PublishJSON marshals v and publishes it on subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", subject, err)
	}
	if err := p.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
