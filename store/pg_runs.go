package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runColumns = `id, environment_id, suite_id, test_type, filter, status, trigger_source,
	output, process_id, error_message, suppress_notifications, retry_of,
	created_at, updated_at, started_at, completed_at`

func scanRun(row pgx.Row) (*TestRun, error) {
	var r TestRun
	err := row.Scan(&r.ID, &r.EnvironmentID, &r.SuiteID, &r.TestType, &r.Filter, &r.Status, &r.Trigger,
		&r.Output, &r.ProcessID, &r.ErrorMessage, &r.SuppressNotifications, &r.RetryOf,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PGRunStore implements RunStore backed by PostgreSQL.
type PGRunStore struct {
	pool *pgxpool.Pool
}

func (s *PGRunStore) CreateRun(ctx context.Context, r *TestRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Output = TruncateOutput(r.Output, MaxRunOutputBytes)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.EnvironmentID, r.SuiteID, r.TestType, r.Filter, r.Status, r.Trigger,
		r.Output, r.ProcessID, r.ErrorMessage, r.SuppressNotifications, r.RetryOf,
		r.CreatedAt, r.UpdatedAt, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PGRunStore) GetRun(ctx context.Context, id uuid.UUID) (*TestRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM test_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *PGRunStore) UpdateRun(ctx context.Context, r *TestRun) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	r.Output = TruncateOutput(r.Output, MaxRunOutputBytes)
	tag, err := s.pool.Exec(ctx, `
		UPDATE test_runs SET status=$2, output=$3, process_id=$4, error_message=$5,
			suppress_notifications=$6, updated_at=$7, started_at=$8, completed_at=$9
		WHERE id=$1`,
		r.ID, r.Status, r.Output, r.ProcessID, r.ErrorMessage,
		r.SuppressNotifications, r.UpdatedAt, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGRunStore) TouchRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	active := ActiveRunStatuses()
	statuses := make([]string, len(active))
	for i, st := range active {
		statuses[i] = string(st)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE test_runs SET updated_at=$2 WHERE id=$1 AND status = ANY($3)`, id, at, statuses); err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

func (s *PGRunStore) ListRuns(ctx context.Context, f RunFilter) ([]*TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM test_runs WHERE 1=1`
	args := []any{}
	idx := 1

	if f.EnvironmentID != nil {
		query += fmt.Sprintf(` AND environment_id = $%d`, idx)
		args = append(args, *f.EnvironmentID)
		idx++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, idx)
		args = append(args, statuses)
		idx++
	}
	if f.UpdatedBefore != nil {
		query += fmt.Sprintf(` AND updated_at < $%d`, idx)
		args = append(args, *f.UpdatedBefore)
		idx++
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*TestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PGResultStore implements ResultStore backed by PostgreSQL.
type PGResultStore struct {
	pool *pgxpool.Pool
}

func (s *PGResultStore) CreateResult(ctx context.Context, r *TestResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO test_results (id, run_id, test_name, test_id, status, duration_ms,
			error_message, screenshot, allure_result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.RunID, r.TestName, r.TestID, r.Status, r.Duration.Milliseconds(),
		r.ErrorMessage, r.Screenshot, r.AllureResult, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *PGResultStore) UpdateResult(ctx context.Context, r *TestResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE test_results SET screenshot=$2, allure_result=$3 WHERE id=$1`,
		r.ID, r.Screenshot, r.AllureResult)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGResultStore) ListResults(ctx context.Context, runID uuid.UUID) ([]*TestResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, test_name, test_id, status, duration_ms,
			error_message, screenshot, allure_result, created_at
		FROM test_results WHERE run_id = $1 ORDER BY created_at, test_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []*TestResult
	for rows.Next() {
		var r TestResult
		var ms int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.TestName, &r.TestID, &r.Status, &ms,
			&r.ErrorMessage, &r.Screenshot, &r.AllureResult, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		results = append(results, &r)
	}
	return results, rows.Err()
}

// PGReportStore implements ReportStore backed by PostgreSQL.
type PGReportStore struct {
	pool *pgxpool.Pool
}

func (s *PGReportStore) SaveReport(ctx context.Context, r *TestReport) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO test_reports (id, run_id, type, file_path, url, generated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, type) DO UPDATE SET
			file_path = EXCLUDED.file_path, url = EXCLUDED.url,
			generated_at = EXCLUDED.generated_at, expires_at = EXCLUDED.expires_at
		RETURNING id`,
		r.ID, r.RunID, r.Type, r.FilePath, r.URL, r.GeneratedAt, r.ExpiresAt).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *PGReportStore) GetReport(ctx context.Context, runID uuid.UUID, t ReportType) (*TestReport, error) {
	var r TestReport
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, type, file_path, url, generated_at, expires_at
		FROM test_reports WHERE run_id = $1 AND type = $2`, runID, t).
		Scan(&r.ID, &r.RunID, &r.Type, &r.FilePath, &r.URL, &r.GeneratedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

func (s *PGReportStore) ListReports(ctx context.Context, runID uuid.UUID) ([]*TestReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, type, file_path, url, generated_at, expires_at
		FROM test_reports WHERE run_id = $1 ORDER BY type`, runID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*TestReport
	for rows.Next() {
		var r TestReport
		if err := rows.Scan(&r.ID, &r.RunID, &r.Type, &r.FilePath, &r.URL, &r.GeneratedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

func (s *PGReportStore) DeleteExpiredReports(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM test_reports WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired reports: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
