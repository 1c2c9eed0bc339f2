package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/testrunner/lock"
	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type staticGenerator struct {
	mu       sync.Mutex
	triggers []Trigger
	err      error
}

func (g *staticGenerator) Triggers(context.Context) ([]Trigger, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Trigger(nil), g.triggers...), g.err
}

func (g *staticGenerator) set(ts ...Trigger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.triggers = ts
}

func TestValidateCron(t *testing.T) {
	for _, expr := range []string{"* * * * *", "*/5 * * * *", "0 2 * * 1-5", "30 4 1,15 * *", "@daily"} {
		assert.NoError(t, ValidateCron(expr), expr)
	}
	for _, expr := range []string{"", "* * *", "60 * * * *", "* 25 * * *", "abc * * * *"} {
		assert.Error(t, ValidateCron(expr), expr)
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 1, 30, 0, 0, time.UTC)
	next, err := NextRun("0 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), next)

	_, err = NextRun("bogus", from)
	assert.Error(t, err)
}

func TestCronJobScheduleFollowsActiveFlag(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	active := &store.CronJob{Name: "reindex", Command: "bin/magento indexer:reindex", CronExpression: "0 * * * *", Active: true}
	inactive := &store.CronJob{Name: "cache", Command: "bin/magento cache:flush", CronExpression: "*/5 * * * *"}
	require.NoError(t, ms.CronJobs().CreateCronJob(ctx, active))
	require.NoError(t, ms.CronJobs().CreateCronJob(ctx, inactive))

	gen := NewCronJobSchedule(ms.CronJobs())
	triggers, err := gen.Triggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, queue.SubjectCronJob, triggers[0].Subject)
	assert.Equal(t, queue.JobMessage{CronJobID: active.ID}, triggers[0].Payload)
	assert.Equal(t, "0 * * * *", triggers[0].CronExpression)

	active.Active = false
	require.NoError(t, ms.CronJobs().UpdateCronJob(ctx, active))
	inactive.Active = true
	require.NoError(t, ms.CronJobs().UpdateCronJob(ctx, inactive))

	triggers, err = gen.Triggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, queue.JobMessage{CronJobID: inactive.ID}, triggers[0].Payload)
}

func TestSuiteScheduleRequiresCronExpression(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	nightly := "0 2 * * *"
	scheduled := &store.TestSuite{Name: "nightly", TestType: store.TestTypeMFTF, CronExpression: &nightly, Active: true}
	unscheduled := &store.TestSuite{Name: "smoke", TestType: store.TestTypeMFTF, Active: true}
	disabled := &store.TestSuite{Name: "legacy", TestType: store.TestTypeMFTF, CronExpression: &nightly}
	for _, s := range []*store.TestSuite{scheduled, unscheduled, disabled} {
		require.NoError(t, ms.Suites().CreateSuite(ctx, s))
	}

	gen := NewSuiteSchedule(ms.Suites())
	triggers, err := gen.Triggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, queue.SubjectScheduledRun, triggers[0].Subject)
	assert.Equal(t, queue.ScheduledRunMessage{SuiteID: scheduled.ID}, triggers[0].Payload)

	scheduled.CronExpression = nil
	require.NoError(t, ms.Suites().UpdateSuite(ctx, scheduled))
	triggers, err = gen.Triggers(ctx)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestSchedulerRefreshReconciles(t *testing.T) {
	gen := &staticGenerator{}
	a := Trigger{Key: "cronjob:a", Name: "a", CronExpression: "0 * * * *", Subject: queue.SubjectCronJob, Payload: queue.JobMessage{CronJobID: uuid.New()}}
	b := Trigger{Key: "suite:b", Name: "b", CronExpression: "0 2 * * *", Subject: queue.SubjectScheduledRun, Payload: queue.ScheduledRunMessage{SuiteID: uuid.New()}}
	bad := Trigger{Key: "suite:bad", Name: "bad", CronExpression: "not cron", Subject: queue.SubjectScheduledRun}
	gen.set(a, b, bad)

	s, err := New(Config{}, &recordingPublisher{}, nil, nil, gen)
	require.NoError(t, err)

	added, removed, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)
	assert.Len(t, s.Entries(), 2)

	b.CronExpression = "0 3 * * *"
	gen.set(b)
	added, removed, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, removed)
	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "0 3 * * *", entries[0].CronExpression)
	assert.False(t, entries[0].Next.IsZero())
}

func TestSchedulerRefreshKeepsScheduleOnError(t *testing.T) {
	gen := &staticGenerator{}
	gen.set(Trigger{Key: "cronjob:a", Name: "a", CronExpression: "@hourly", Subject: queue.SubjectCronJob})
	s, err := New(Config{}, &recordingPublisher{}, nil, nil, gen)
	require.NoError(t, err)
	_, _, err = s.Refresh(context.Background())
	require.NoError(t, err)

	gen.err = errors.New("database down")
	_, _, err = s.Refresh(context.Background())
	require.Error(t, err)
	assert.Len(t, s.Entries(), 1)
}

func TestSchedulerFirePublishesPayload(t *testing.T) {
	jobID := uuid.New()
	gen := &staticGenerator{}
	gen.set(Trigger{Key: "cronjob:" + jobID.String(), Name: "reindex", CronExpression: "@daily", Subject: queue.SubjectCronJob, Payload: queue.JobMessage{CronJobID: jobID}})
	pub := &recordingPublisher{}
	s, err := New(Config{}, pub, nil, nil, gen)
	require.NoError(t, err)
	_, _, err = s.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Fire(context.Background(), "cronjob:"+jobID.String()))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, queue.SubjectCronJob, pub.msgs[0].subject)
	var msg queue.JobMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &msg))
	assert.Equal(t, jobID, msg.CronJobID)

	assert.Error(t, s.Fire(context.Background(), "cronjob:missing"))
}

func TestSchedulerFireSkipsWhenClaimedElsewhere(t *testing.T) {
	gen := &staticGenerator{}
	gen.set(Trigger{Key: "suite:x", Name: "x", CronExpression: "@daily", Subject: queue.SubjectScheduledRun, Payload: queue.ScheduledRunMessage{SuiteID: uuid.New()}})
	pub := &recordingPublisher{}
	locker := lock.NewMemoryLocker()
	s, err := New(Config{}, pub, locker, nil, gen)
	require.NoError(t, err)
	_, _, err = s.Refresh(context.Background())
	require.NoError(t, err)

	ok, err := locker.Acquire(context.Background(), "schedule:suite:x", "other-scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s.fire("suite:x")
	assert.Equal(t, 0, pub.count())

	require.NoError(t, locker.Release(context.Background(), "schedule:suite:x", "other-scheduler"))
	s.fire("suite:x")
	assert.Equal(t, 1, pub.count())
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Mars/Olympus"}, &recordingPublisher{}, nil, nil)
	assert.Error(t, err)
}
