// Package scheduler turns cron expressions stored on cron jobs and test
// suites into queue messages fired on schedule.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/testrunner/queue"
	"github.com/GoCodeAlone/testrunner/store"
	"github.com/robfig/cron/v3"
)

// Trigger is one recurring schedule entry: when CronExpression fires,
// Payload is published on Subject.
type Trigger struct {
	// Key identifies the trigger across refreshes.
	Key            string
	Name           string
	CronExpression string
	Subject        string
	Payload        any
}

// Generator produces the current set of triggers. Generators query their
// store on every call; nothing is cached.
type Generator interface {
	Triggers(ctx context.Context) ([]Trigger, error)
}

// CronJobSchedule yields a trigger dispatching a job message for every
// active cron job.
type CronJobSchedule struct {
	jobs store.CronJobStore
}

// NewCronJobSchedule creates a CronJobSchedule.
func NewCronJobSchedule(jobs store.CronJobStore) *CronJobSchedule {
	return &CronJobSchedule{jobs: jobs}
}

func (s *CronJobSchedule) Triggers(ctx context.Context) ([]Trigger, error) {
	jobs, err := s.jobs.ListCronJobs(ctx, store.CronJobFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list cron jobs: %w", err)
	}
	out := make([]Trigger, 0, len(jobs))
	for _, j := range jobs {
		if !j.Active {
			continue
		}
		out = append(out, Trigger{
			Key:            "cronjob:" + j.ID.String(),
			Name:           j.Name,
			CronExpression: j.CronExpression,
			Subject:        queue.SubjectCronJob,
			Payload:        queue.JobMessage{CronJobID: j.ID},
		})
	}
	return out, nil
}

// SuiteSchedule yields a trigger dispatching a scheduled-run message for
// every active suite with a cron expression.
type SuiteSchedule struct {
	suites store.SuiteStore
}

// NewSuiteSchedule creates a SuiteSchedule.
func NewSuiteSchedule(suites store.SuiteStore) *SuiteSchedule {
	return &SuiteSchedule{suites: suites}
}

func (s *SuiteSchedule) Triggers(ctx context.Context) ([]Trigger, error) {
	suites, err := s.suites.ListSuites(ctx, store.SuiteFilter{ActiveOnly: true, ScheduledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list suites: %w", err)
	}
	out := make([]Trigger, 0, len(suites))
	for _, st := range suites {
		if !st.IsScheduled() {
			continue
		}
		out = append(out, Trigger{
			Key:            "suite:" + st.ID.String(),
			Name:           st.Name,
			CronExpression: *st.CronExpression,
			Subject:        queue.SubjectScheduledRun,
			Payload:        queue.ScheduledRunMessage{SuiteID: st.ID},
		})
	}
	return out, nil
}

// ValidateCron checks a standard five-field expression or descriptor such
// as "@daily".
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first time after from that expr fires.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
