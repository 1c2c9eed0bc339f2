package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"
)

// JetStreamConfig configures the NATS JetStream broker.
type JetStreamConfig struct {
	URL         string        `yaml:"url" json:"url"`
	Stream      string        `yaml:"stream" json:"stream"`
	AckWait     time.Duration `yaml:"ack_wait" json:"ack_wait"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
}

// JetStreamBroker is a durable Broker backed by a NATS JetStream work-queue
// stream. Each subscribed subject gets its own durable consumer.
type JetStreamBroker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    JetStreamConfig
	logger modular.Logger

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
	wg       sync.WaitGroup
}

// NewJetStreamBroker connects to NATS and ensures the work-queue stream exists.
func NewJetStreamBroker(ctx context.Context, cfg JetStreamConfig, logger modular.Logger) (*JetStreamBroker, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = "TESTRUNNER"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("testrunner"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("queue.jetstream: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue.jetstream: init: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{"testrunner.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue.jetstream: ensure stream %s: %w", cfg.Stream, err)
	}

	logger.Info("JetStream broker connected", "url", cfg.URL, "stream", cfg.Stream)
	return &JetStreamBroker{nc: nc, js: js, stream: stream, cfg: cfg, logger: logger}, nil
}

func (b *JetStreamBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("queue.jetstream: publish %s: %w", subject, err)
	}
	return nil
}

func (b *JetStreamBroker) Subscribe(ctx context.Context, subject string, h Handler) error {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: b.cfg.Concurrency * 4,
	})
	if err != nil {
		return fmt.Errorf("queue.jetstream: consumer for %s: %w", subject, err)
	}

	sem := semaphore.NewWeighted(int64(b.cfg.Concurrency))
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = msg.Nak()
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer sem.Release(1)
			b.dispatch(ctx, subject, msg, h)
		}()
	})
	if err != nil {
		return fmt.Errorf("queue.jetstream: consume %s: %w", subject, err)
	}

	b.mu.Lock()
	b.consumes = append(b.consumes, cc)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	b.logger.Debug("Subscribed", "subject", subject, "consumer", durableName(subject))
	return nil
}

// dispatch runs the handler while keeping the delivery alive with in-progress
// acks, then settles the message.
func (b *JetStreamBroker) dispatch(ctx context.Context, subject string, msg jetstream.Msg, h Handler) {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(b.cfg.AckWait / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				_ = msg.InProgress()
			}
		}
	}()

	err := h(ctx, msg.Data())
	close(stop)

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn("Ack failed", "subject", subject, "error", ackErr)
		}
		return
	}
	if delay, ok := RequeueDelay(err); ok {
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			b.logger.Warn("Nak failed", "subject", subject, "error", nakErr)
		}
		return
	}
	b.logger.Error("Message handler failed, terminating delivery", "subject", subject, "error", err)
	_ = msg.Term()
}

// Close stops consumers, waits for in-flight handlers and drains the connection.
func (b *JetStreamBroker) Close() error {
	b.mu.Lock()
	for _, cc := range b.consumes {
		cc.Stop()
	}
	b.consumes = nil
	b.mu.Unlock()
	b.wg.Wait()
	return b.nc.Drain()
}

func durableName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "any", ">", "all").Replace(subject)
}
