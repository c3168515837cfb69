// Package sqlite provides a single-file SQLite job store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// Config captures the parameters for the SQLite job store.
type Config struct {
	Path string `mapstructure:"path"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	record     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority DESC, created_at);
`

// JobStore implements crawler.JobStore on SQLite. WAL mode with synchronous=FULL makes
// every committed upsert durable before SaveJob returns.
type JobStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (creating if needed) the database file and applies the schema.
func New(cfg Config, logger *zap.Logger) (*JobStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the queue serializes mutations anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{db: db, logger: logger.Named("sqlite_store")}, nil
}

// SaveJob upserts the job row.
func (s *JobStore) SaveJob(ctx context.Context, job crawler.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, status, priority, created_at, updated_at, record)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	updated_at = excluded.updated_at,
	record = excluded.record`,
		job.ID, string(job.Status), int(job.Priority), job.CreatedAt.UTC().Format(time.RFC3339Nano), now, record)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobs reads every row ordered by created_at. A row whose record cannot be decoded,
// or whose record names a different id, is logged and skipped; the row itself is kept
// for inspection.
func (s *JobStore) LoadJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []crawler.Job
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		job, err := decodeRecord(id, raw)
		if err != nil {
			s.logger.Error("skipping undecodable job row", zap.String("job_id", id), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// CountByStatus groups rows by status. Serve logs it when the store opens, before the
// queue replays the rows.
func (s *JobStore) CountByStatus(ctx context.Context) (map[crawler.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make(map[crawler.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		out[crawler.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count rows: %w", err)
	}
	return out, nil
}

func decodeRecord(id string, raw []byte) (crawler.Job, error) {
	var job crawler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode record: %w", err)
	}
	if job.ID != id {
		return crawler.Job{}, fmt.Errorf("record id %q does not match row id", job.ID)
	}
	return job, nil
}

// DeleteJob removes the job row; a missing row is not an error.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// Close closes the database handle.
func (s *JobStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
