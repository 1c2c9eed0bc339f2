package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
)

// ErrBrokerClosed is returned when publishing to a closed broker.
var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker. Messages published before a
// subscriber exists are buffered. Each subscription runs Concurrency workers.
type MemoryBroker struct {
	mu          sync.Mutex
	queues      map[string]chan []byte
	timers      map[*time.Timer]struct{}
	concurrency int
	bufferSize  int
	logger      modular.Logger
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithConcurrency sets the number of workers per subscription.
func WithConcurrency(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithLogger sets the broker's logger.
func WithLogger(l modular.Logger) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewMemoryBroker creates a MemoryBroker.
func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		queues:      make(map[string]chan []byte),
		timers:      make(map[*time.Timer]struct{}),
		concurrency: 4,
		bufferSize:  1024,
		logger:      logging.NoopLogger{},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) queue(subject string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[subject]
	if !ok {
		q = make(chan []byte, b.bufferSize)
		b.queues[subject] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	msg := append([]byte(nil), data...)
	select {
	case b.queue(subject) <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", subject, ctx.Err())
	case <-b.done:
		return ErrBrokerClosed
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, subject string, h Handler) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	q := b.queue(subject)
	for i := 0; i < b.concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case data := <-q:
					b.dispatch(ctx, subject, data, h)
				}
			}
		}()
	}
	b.logger.Debug("Subscribed", "subject", subject, "workers", b.concurrency)
	return nil
}

func (b *MemoryBroker) dispatch(ctx context.Context, subject string, data []byte, h Handler) {
	err := h(ctx, data)
	if err == nil {
		return
	}
	if delay, ok := RequeueDelay(err); ok {
		b.redeliver(subject, data, delay)
		return
	}
	b.logger.Error("Message handler failed, dropping message", "subject", subject, "error", err)
}

func (b *MemoryBroker) redeliver(subject string, data []byte, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		select {
		case b.queue(subject) <- data:
		case <-b.done:
		}
	})
	b.timers[t] = struct{}{}
}

// Close stops all workers and pending redeliveries.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for t := range b.timers {
			t.Stop()
		}
		b.timers = map[*time.Timer]struct{}{}
		b.mu.Unlock()
	})
	b.wg.Wait()
	return nil
}
