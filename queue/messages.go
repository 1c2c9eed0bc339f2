package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Subjects messages are published on.
const (
	SubjectPhase        = "testrunner.phase"
	SubjectCronJob      = "testrunner.cronjob"
	SubjectScheduledRun = "testrunner.scheduled_run"
)

// Phase is one step of the run pipeline.
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseExecute Phase = "execute"
	PhaseReport  Phase = "report"
	PhaseNotify  Phase = "notify"
	PhaseCleanup Phase = "cleanup"
)

var phaseOrder = []Phase{PhasePrepare, PhaseExecute, PhaseReport, PhaseNotify, PhaseCleanup}

// Next returns the phase that follows p. The second result is false for the
// terminal phase.
func (p Phase) Next() (Phase, bool) {
	for i, ph := range phaseOrder {
		if ph == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, ph := range phaseOrder {
		if ph == p {
			return true
		}
	}
	return false
}

// PhaseMessage asks a worker to run one phase of a run.
type PhaseMessage struct {
	RunID         uuid.UUID `json:"runId"`
	EnvironmentID uuid.UUID `json:"environmentId"`
	Phase         Phase     `json:"phase"`
}

// DecodePhaseMessage parses and validates a phase message.
func DecodePhaseMessage(data []byte) (PhaseMessage, error) {
	var m PhaseMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode phase message: %w", err)
	}
	if m.RunID == uuid.Nil || m.EnvironmentID == uuid.Nil {
		return m, fmt.Errorf("phase message missing run or environment id")
	}
	if !m.Phase.Valid() {
		return m, fmt.Errorf("phase message has unknown phase %q", m.Phase)
	}
	return m, nil
}

// JobMessage asks a worker to run a cron job's shell command.
type JobMessage struct {
	CronJobID uuid.UUID `json:"cronJobId"`
}

// ScheduledRunMessage asks a worker to start runs for a scheduled suite.
// EnvironmentIDs, when set, limits the runs to those of the suite's
// environments; it carries the environments left over by a partial failure.
type ScheduledRunMessage struct {
	SuiteID        uuid.UUID   `json:"suiteId"`
	EnvironmentIDs []uuid.UUID `json:"environmentIds,omitempty"`
}
