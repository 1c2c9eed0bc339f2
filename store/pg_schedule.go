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

// PGCronJobStore implements CronJobStore backed by PostgreSQL.
type PGCronJobStore struct {
	pool *pgxpool.Pool
}

const cronJobColumns = `id, name, command, cron_expression, active, last_run_at,
	last_status, last_output, created_at, updated_at`

func scanCronJob(row pgx.Row) (*CronJob, error) {
	var j CronJob
	if err := row.Scan(&j.ID, &j.Name, &j.Command, &j.CronExpression, &j.Active, &j.LastRunAt,
		&j.LastStatus, &j.LastOutput, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PGCronJobStore) CreateCronJob(ctx context.Context, j *CronJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cron_jobs (`+cronJobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		j.ID, j.Name, j.Command, j.CronExpression, j.Active, j.LastRunAt,
		j.LastStatus, TruncateOutput(j.LastOutput, MaxCronOutputBytes), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cron job: %w", err)
	}
	return nil
}

func (s *PGCronJobStore) GetCronJob(ctx context.Context, id uuid.UUID) (*CronJob, error) {
	j, err := scanCronJob(s.pool.QueryRow(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return j, nil
}

func (s *PGCronJobStore) UpdateCronJob(ctx context.Context, j *CronJob) error {
	j.UpdatedAt = time.Now().UTC()
	j.LastOutput = TruncateOutput(j.LastOutput, MaxCronOutputBytes)
	tag, err := s.pool.Exec(ctx, `
		UPDATE cron_jobs SET name=$2, command=$3, cron_expression=$4, active=$5,
			last_run_at=$6, last_status=$7, last_output=$8, updated_at=$9
		WHERE id=$1`,
		j.ID, j.Name, j.Command, j.CronExpression, j.Active,
		j.LastRunAt, j.LastStatus, j.LastOutput, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cron job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGCronJobStore) ListCronJobs(ctx context.Context, f CronJobFilter) ([]*CronJob, error) {
	query := `SELECT ` + cronJobColumns + ` FROM cron_jobs`
	if f.ActiveOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// PGSuiteStore implements SuiteStore backed by PostgreSQL. Environment
// associations live in test_suite_environments.
type PGSuiteStore struct {
	pool *pgxpool.Pool
}

const suiteColumns = `id, name, test_type, test_pattern, excluded_tests, cron_expression,
	active, created_at, updated_at`

func scanSuite(row pgx.Row) (*TestSuite, error) {
	var st TestSuite
	if err := row.Scan(&st.ID, &st.Name, &st.TestType, &st.TestPattern, &st.ExcludedTests,
		&st.CronExpression, &st.Active, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PGSuiteStore) CreateSuite(ctx context.Context, st *TestSuite) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.ExcludedTests == nil {
		st.ExcludedTests = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create suite: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO test_suites (`+suiteColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		st.ID, st.Name, st.TestType, st.TestPattern, st.ExcludedTests, st.CronExpression,
		st.Active, st.CreatedAt, st.UpdatedAt); err != nil {
		return fmt.Errorf("insert suite: %w", err)
	}
	if err := replaceSuiteEnvironments(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGSuiteStore) GetSuite(ctx context.Context, id uuid.UUID) (*TestSuite, error) {
	st, err := scanSuite(s.pool.QueryRow(ctx, `SELECT `+suiteColumns+` FROM test_suites WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get suite: %w", err)
	}
	if err := s.loadEnvironments(ctx, []*TestSuite{st}); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PGSuiteStore) UpdateSuite(ctx context.Context, st *TestSuite) error {
	st.UpdatedAt = time.Now().UTC()
	if st.ExcludedTests == nil {
		st.ExcludedTests = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update suite: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE test_suites SET name=$2, test_type=$3, test_pattern=$4, excluded_tests=$5,
			cron_expression=$6, active=$7, updated_at=$8
		WHERE id=$1`,
		st.ID, st.Name, st.TestType, st.TestPattern, st.ExcludedTests,
		st.CronExpression, st.Active, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update suite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := replaceSuiteEnvironments(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGSuiteStore) ListSuites(ctx context.Context, f SuiteFilter) ([]*TestSuite, error) {
	query := `SELECT ` + suiteColumns + ` FROM test_suites WHERE 1=1`
	if f.ActiveOnly || f.ScheduledOnly {
		query += ` AND active`
	}
	if f.ScheduledOnly {
		query += ` AND cron_expression IS NOT NULL AND btrim(cron_expression) <> ''`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list suites: %w", err)
	}
	var suites []*TestSuite
	for rows.Next() {
		st, err := scanSuite(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan suite: %w", err)
		}
		suites = append(suites, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suites: %w", err)
	}
	if err := s.loadEnvironments(ctx, suites); err != nil {
		return nil, err
	}
	return suites, nil
}

func (s *PGSuiteStore) loadEnvironments(ctx context.Context, suites []*TestSuite) error {
	if len(suites) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*TestSuite, len(suites))
	ids := make([]uuid.UUID, 0, len(suites))
	for _, st := range suites {
		byID[st.ID] = st
		ids = append(ids, st.ID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT suite_id, environment_id FROM test_suite_environments
		WHERE suite_id = ANY($1) ORDER BY environment_id`, ids)
	if err != nil {
		return fmt.Errorf("list suite environments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var suiteID, envID uuid.UUID
		if err := rows.Scan(&suiteID, &envID); err != nil {
			return fmt.Errorf("scan suite environment: %w", err)
		}
		if st := byID[suiteID]; st != nil {
			st.EnvironmentIDs = append(st.EnvironmentIDs, envID)
		}
	}
	return rows.Err()
}

func replaceSuiteEnvironments(ctx context.Context, tx pgx.Tx, st *TestSuite) error {
	if _, err := tx.Exec(ctx, `DELETE FROM test_suite_environments WHERE suite_id = $1`, st.ID); err != nil {
		return fmt.Errorf("clear suite environments: %w", err)
	}
	for _, envID := range st.EnvironmentIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO test_suite_environments (suite_id, environment_id) VALUES ($1, $2)`,
			st.ID, envID); err != nil {
			return fmt.Errorf("insert suite environment: %w", err)
		}
	}
	return nil
}
