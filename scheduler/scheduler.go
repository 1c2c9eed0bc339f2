package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/logging"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/robfig/cron/v3"
)

// Config configures the Scheduler.
type Config struct {
	// RefreshInterval is how often triggers are re-read from the store.
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	// Timezone cron expressions are evaluated in. Defaults to UTC.
	Timezone string `yaml:"timezone" json:"timezone"`
	// FireLockTTL is how long a firing claims its trigger so that other
	// scheduler instances skip the same tick.
	FireLockTTL time.Duration `yaml:"fire_lock_ttl" json:"fire_lock_ttl"`
}

// Entry describes a scheduled trigger.
type Entry struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	CronExpression string    `json:"cron_expression"`
	Subject        string    `json:"subject"`
	Next           time.Time `json:"next"`
}

type scheduled struct {
	trigger Trigger
	id      cron.EntryID
}

// Scheduler keeps a robfig/cron instance in sync with its generators and
// publishes each trigger's payload when it fires.
type Scheduler struct {
	cfg        Config
	publisher  queue.Publisher
	locker     lock.Locker
	generators []Generator
	logger     modular.Logger
	owner      string

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]scheduled
}

// New creates a Scheduler. locker may be nil when only one scheduler
// process runs.
func New(cfg Config, publisher queue.Publisher, locker lock.Locker, logger modular.Logger, generators ...Generator) (*Scheduler, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.FireLockTTL <= 0 {
		cfg.FireLockTTL = 50 * time.Second
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	host, _ := os.Hostname()
	cl := cronLogger{logger}
	return &Scheduler{
		cfg:        cfg,
		publisher:  publisher,
		locker:     locker,
		generators: generators,
		logger:     logger,
		owner:      fmt.Sprintf("scheduler-%s-%d", host, os.Getpid()),
		cron:       cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		entries:    make(map[string]scheduled),
	}, nil
}

// Refresh reloads every generator and reconciles the cron entries: new
// triggers are added, vanished ones removed and changed expressions
// rescheduled. If any generator fails the current schedule is kept.
func (s *Scheduler) Refresh(ctx context.Context) (added, removed int, err error) {
	desired := make(map[string]Trigger)
	for _, g := range s.generators {
		triggers, err := g.Triggers(ctx)
		if err != nil {
			return 0, 0, err
		}
		for _, t := range triggers {
			desired[t.Key] = t
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		t, ok := desired[key]
		if ok && t.CronExpression == e.trigger.CronExpression {
			e.trigger = t
			s.entries[key] = e
			continue
		}
		s.cron.Remove(e.id)
		delete(s.entries, key)
		removed++
	}
	for key, t := range desired {
		if _, ok := s.entries[key]; ok {
			continue
		}
		sched, err := cron.ParseStandard(t.CronExpression)
		if err != nil {
			s.logger.Warn("Skipping trigger with invalid cron expression", "trigger", t.Name, "cron", t.CronExpression, "error", err)
			continue
		}
		id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(key) }))
		s.entries[key] = scheduled{trigger: t, id: id}
		added++
	}
	if added > 0 || removed > 0 {
		s.logger.Info("Schedule refreshed", "added", added, "removed", removed, "total", len(s.entries))
	}
	return added, removed, nil
}

// Start loads the schedule, starts firing and refreshes periodically until
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, _, err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "triggers", len(s.Entries()))

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopped := s.cron.Stop()
			<-stopped.Done()
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if _, _, err := s.Refresh(ctx); err != nil {
				s.logger.Error("Schedule refresh failed, keeping current schedule", "error", err)
			}
		}
	}
}

// Entries lists the scheduled triggers ordered by next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for key, e := range s.entries {
		next := s.cron.Entry(e.id).Next
		if next.IsZero() {
			next, _ = NextRun(e.trigger.CronExpression, time.Now())
		}
		out = append(out, Entry{
			Key:            key,
			Name:           e.trigger.Name,
			CronExpression: e.trigger.CronExpression,
			Subject:        e.trigger.Subject,
			Next:           next,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].Key < out[j].Key
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Fire publishes a scheduled trigger immediately.
func (s *Scheduler) Fire(ctx context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: trigger %q not scheduled", key)
	}
	return s.publish(ctx, e.trigger)
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.locker != nil {
		got, err := s.locker.Acquire(ctx, "schedule:"+key, s.owner, s.cfg.FireLockTTL)
		if err != nil {
			s.logger.Warn("Schedule lock unavailable, firing anyway", "trigger", e.trigger.Name, "error", err)
		} else if !got {
			s.logger.Debug("Trigger already fired by another scheduler", "trigger", e.trigger.Name)
			return
		}
	}
	if err := s.publish(ctx, e.trigger); err != nil {
		s.logger.Error("Firing trigger failed", "trigger", e.trigger.Name, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, t Trigger) error {
	if err := queue.PublishJSON(ctx, s.publisher, t.Subject, t.Payload); err != nil {
		return fmt.Errorf("scheduler: fire %s: %w", t.Name, err)
	}
	s.logger.Info("Trigger fired", "trigger", t.Name, "subject", t.Subject)
	return nil
}

// cronLogger adapts modular.Logger to cron.Logger.
type cronLogger struct {
	l modular.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
