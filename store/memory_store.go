package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Repository for tests and single-process
// development. Values are copied on every read and write.
type MemoryStore struct {
	mu           sync.Mutex
	runs         map[uuid.UUID]*TestRun
	results      map[uuid.UUID]*TestResult
	reports      map[uuid.UUID]*TestReport
	cronJobs     map[uuid.UUID]*CronJob
	suites       map[uuid.UUID]*TestSuite
	environments map[uuid.UUID]*TestEnvironment
	recipients   []*NotificationRecipient
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:         make(map[uuid.UUID]*TestRun),
		results:      make(map[uuid.UUID]*TestResult),
		reports:      make(map[uuid.UUID]*TestReport),
		cronJobs:     make(map[uuid.UUID]*CronJob),
		suites:       make(map[uuid.UUID]*TestSuite),
		environments: make(map[uuid.UUID]*TestEnvironment),
		now:          time.Now,
	}
}

func (s *MemoryStore) Runs() RunStore                 { return memoryRuns{s} }
func (s *MemoryStore) Results() ResultStore           { return memoryResults{s} }
func (s *MemoryStore) Reports() ReportStore           { return memoryReports{s} }
func (s *MemoryStore) CronJobs() CronJobStore         { return memoryCronJobs{s} }
func (s *MemoryStore) Suites() SuiteStore             { return memorySuites{s} }
func (s *MemoryStore) Environments() EnvironmentStore { return memoryEnvironments{s} }
func (s *MemoryStore) Recipients() RecipientStore     { return memoryRecipients{s} }

// PutEnvironment inserts or replaces an environment.
func (s *MemoryStore) PutEnvironment(e *TestEnvironment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	s.environments[e.ID] = &cp
}

// AddRecipient registers a notification preference.
func (s *MemoryStore) AddRecipient(n *NotificationRecipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.recipients = append(s.recipients, &cp)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type memoryRuns struct{ s *MemoryStore }

func (m memoryRuns) CreateRun(_ context.Context, r *TestRun) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	now := m.s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Output = TruncateOutput(r.Output, MaxRunOutputBytes)
	cp := *r
	m.s.runs[r.ID] = &cp
	return nil
}

func (m memoryRuns) GetRun(_ context.Context, id uuid.UUID) (*TestRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m memoryRuns) UpdateRun(_ context.Context, r *TestRun) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.runs[r.ID]; !ok {
		return ErrNotFound
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.s.now()
	}
	r.Output = TruncateOutput(r.Output, MaxRunOutputBytes)
	cp := *r
	m.s.runs[r.ID] = &cp
	return nil
}

func (m memoryRuns) TouchRun(_ context.Context, id uuid.UUID, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if r, ok := m.s.runs[id]; ok && !r.Status.IsTerminal() {
		r.UpdatedAt = at
	}
	return nil
}

func (m memoryRuns) ListRuns(_ context.Context, f RunFilter) ([]*TestRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	statuses := make(map[RunStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}
	var out []*TestRun
	for _, r := range m.s.runs {
		if f.EnvironmentID != nil && r.EnvironmentID != *f.EnvironmentID {
			continue
		}
		if len(statuses) > 0 && !statuses[r.Status] {
			continue
		}
		if f.UpdatedBefore != nil && !r.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

type memoryResults struct{ s *MemoryStore }

func (m memoryResults) CreateResult(_ context.Context, r *TestResult) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.s.now()
	}
	cp := *r
	m.s.results[r.ID] = &cp
	return nil
}

func (m memoryResults) UpdateResult(_ context.Context, r *TestResult) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.results[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.s.results[r.ID] = &cp
	return nil
}

func (m memoryResults) ListResults(_ context.Context, runID uuid.UUID) ([]*TestResult, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*TestResult
	for _, r := range m.s.results {
		if r.RunID == runID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TestName < out[j].TestName
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

type memoryReports struct{ s *MemoryStore }

func (m memoryReports) SaveReport(_ context.Context, r *TestReport) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for id, existing := range m.s.reports {
		if existing.RunID == r.RunID && existing.Type == r.Type {
			r.ID = id
			break
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	m.s.reports[r.ID] = &cp
	return nil
}

func (m memoryReports) GetReport(_ context.Context, runID uuid.UUID, t ReportType) (*TestReport, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.reports {
		if r.RunID == runID && r.Type == t {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memoryReports) ListReports(_ context.Context, runID uuid.UUID) ([]*TestReport, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*TestReport
	for _, r := range m.s.reports {
		if r.RunID == runID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m memoryReports) DeleteExpiredReports(_ context.Context, before time.Time) (int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	n := 0
	for id, r := range m.s.reports {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(before) {
			delete(m.s.reports, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Cron jobs
// ---------------------------------------------------------------------------

type memoryCronJobs struct{ s *MemoryStore }

func (m memoryCronJobs) CreateCronJob(_ context.Context, j *CronJob) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := m.s.now()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	m.s.cronJobs[j.ID] = &cp
	return nil
}

func (m memoryCronJobs) GetCronJob(_ context.Context, id uuid.UUID) (*CronJob, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	j, ok := m.s.cronJobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m memoryCronJobs) UpdateCronJob(_ context.Context, j *CronJob) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.cronJobs[j.ID]; !ok {
		return ErrNotFound
	}
	j.UpdatedAt = m.s.now()
	j.LastOutput = TruncateOutput(j.LastOutput, MaxCronOutputBytes)
	cp := *j
	m.s.cronJobs[j.ID] = &cp
	return nil
}

func (m memoryCronJobs) ListCronJobs(_ context.Context, f CronJobFilter) ([]*CronJob, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*CronJob
	for _, j := range m.s.cronJobs {
		if f.ActiveOnly && !j.Active {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// Suites
// ---------------------------------------------------------------------------

type memorySuites struct{ s *MemoryStore }

func (m memorySuites) CreateSuite(_ context.Context, st *TestSuite) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	now := m.s.now()
	st.CreatedAt = now
	st.UpdatedAt = now
	m.s.suites[st.ID] = cloneSuite(st)
	return nil
}

func (m memorySuites) GetSuite(_ context.Context, id uuid.UUID) (*TestSuite, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	st, ok := m.s.suites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSuite(st), nil
}

func (m memorySuites) UpdateSuite(_ context.Context, st *TestSuite) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.suites[st.ID]; !ok {
		return ErrNotFound
	}
	st.UpdatedAt = m.s.now()
	m.s.suites[st.ID] = cloneSuite(st)
	return nil
}

func (m memorySuites) ListSuites(_ context.Context, f SuiteFilter) ([]*TestSuite, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*TestSuite
	for _, st := range m.s.suites {
		if f.ActiveOnly && !st.Active {
			continue
		}
		if f.ScheduledOnly && !st.IsScheduled() {
			continue
		}
		out = append(out, cloneSuite(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneSuite(st *TestSuite) *TestSuite {
	cp := *st
	cp.ExcludedTests = append([]string(nil), st.ExcludedTests...)
	cp.EnvironmentIDs = append([]uuid.UUID(nil), st.EnvironmentIDs...)
	if st.CronExpression != nil {
		expr := *st.CronExpression
		cp.CronExpression = &expr
	}
	return &cp
}

// ---------------------------------------------------------------------------
// Environments and recipients
// ---------------------------------------------------------------------------

type memoryEnvironments struct{ s *MemoryStore }

func (m memoryEnvironments) GetEnvironment(_ context.Context, id uuid.UUID) (*TestEnvironment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.environments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m memoryEnvironments) ListEnvironments(_ context.Context, activeOnly bool) ([]*TestEnvironment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*TestEnvironment
	for _, e := range m.s.environments {
		if activeOnly && !e.Active {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memoryRecipients struct{ s *MemoryStore }

func (m memoryRecipients) ListRecipients(_ context.Context, envID uuid.UUID) ([]*NotificationRecipient, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*NotificationRecipient
	for _, n := range m.s.recipients {
		if n.AppliesTo(envID) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}
