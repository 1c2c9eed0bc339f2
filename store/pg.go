package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
	MinConns int32  `yaml:"min_conns" json:"min_conns"`
}

// PGStore wraps a pgxpool.Pool and provides access to all domain stores.
type PGStore struct {
	pool *pgxpool.Pool

	runs         *PGRunStore
	results      *PGResultStore
	reports      *PGReportStore
	cronJobs     *PGCronJobStore
	suites       *PGSuiteStore
	environments *PGEnvironmentStore
	recipients   *PGRecipientStore
}

// NewPGStore connects to PostgreSQL and returns a PGStore with all sub-stores.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return NewPGStoreFromPool(pool), nil
}

// NewPGStoreFromPool builds a PGStore around an existing pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:         pool,
		runs:         &PGRunStore{pool: pool},
		results:      &PGResultStore{pool: pool},
		reports:      &PGReportStore{pool: pool},
		cronJobs:     &PGCronJobStore{pool: pool},
		suites:       &PGSuiteStore{pool: pool},
		environments: &PGEnvironmentStore{pool: pool},
		recipients:   &PGRecipientStore{pool: pool},
	}
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// Runs returns the RunStore.
func (s *PGStore) Runs() RunStore { return s.runs }

// Results returns the ResultStore.
func (s *PGStore) Results() ResultStore { return s.results }

// Reports returns the ReportStore.
func (s *PGStore) Reports() ReportStore { return s.reports }

// CronJobs returns the CronJobStore.
func (s *PGStore) CronJobs() CronJobStore { return s.cronJobs }

// Suites returns the SuiteStore.
func (s *PGStore) Suites() SuiteStore { return s.suites }

// Environments returns the EnvironmentStore.
func (s *PGStore) Environments() EnvironmentStore { return s.environments }

// Recipients returns the RecipientStore.
func (s *PGStore) Recipients() RecipientStore { return s.recipients }
