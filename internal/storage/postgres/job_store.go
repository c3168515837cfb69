// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// AutoMigrate creates the table when it does not exist.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// JobStore keeps one row per job. The full record lives in a JSONB column; status,
// priority and created_at are duplicated into columns for operator queries.
type JobStore struct {
	pool   pool
	table  string
	logger *zap.Logger
}

// NewJobStore connects using cfg.
func NewJobStore(ctx context.Context, cfg Config, logger *zap.Logger) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(pgPool, cfg.Table, logger)
	if err != nil {
		pgPool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			pgPool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string, logger *zap.Logger) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{pool: p, table: table, logger: logger.Named("postgres_store")}, nil
}

// Migrate creates the job table and its status index.
func (s *JobStore) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	priority SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	record JSONB NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status, priority DESC, created_at)`, s.table),
	}
	for _, ddl := range statements {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// SaveJob upserts the job row in a single statement.
func (s *JobStore) SaveJob(ctx context.Context, job crawler.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, status, priority, created_at, record, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status, record = EXCLUDED.record, updated_at = now()`, s.table)
	if _, err := s.pool.Exec(ctx, query, job.ID, string(job.Status), int(job.Priority), job.CreatedAt, record); err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobs reads every row ordered by created_at. Rows that fail to decode, or whose
// record carries a different id, are logged and skipped so one bad row cannot keep the
// service from starting.
func (s *JobStore) LoadJobs(ctx context.Context) ([]crawler.Job, error) {
	query := fmt.Sprintf(`SELECT id, record FROM %s ORDER BY created_at, id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var job crawler.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			s.logger.Error("skipping undecodable job row", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if job.ID != id {
			s.logger.Error("skipping job row with mismatched id",
				zap.String("job_id", id), zap.String("record_id", job.ID))
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the job row; a missing row is not an error.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// Close releases the pool.
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}
