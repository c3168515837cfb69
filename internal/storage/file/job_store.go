// Package file persists one JSON document per job in a directory. Every save is an
// atomic replace, so a crash mid-write leaves the previous record intact.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

const (
	recordExt     = ".json"
	corruptExt    = ".corrupt"
	schemaVersion = 1
)

// Config captures the parameters for the file job store.
type Config struct {
	// Dir holds the job records; it is created when missing.
	Dir string `mapstructure:"dir"`
}

// record is the on-disk envelope. The version lets later releases migrate old files.
type record struct {
	Version int         `json:"version"`
	Job     crawler.Job `json:"job"`
}

// JobStore implements crawler.JobStore on the local filesystem.
type JobStore struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New opens (creating if needed) the record directory.
func New(cfg Config, logger *zap.Logger) (*JobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("file store dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("stat store dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store path %s is not a directory", cfg.Dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobStore{dir: cfg.Dir, logger: logger.Named("file_store")}, nil
}

// SaveJob atomically replaces the record for job.ID.
func (s *JobStore) SaveJob(_ context.Context, job crawler.Job) error {
	path, err := s.pathFor(job.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{Version: schemaVersion, Job: job})
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	if err := WriteAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobs decodes every record in the directory. A record that cannot be decoded is
// renamed to <name>.corrupt and skipped so one bad file never blocks startup.
func (s *JobStore) LoadJobs(_ context.Context) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	jobs := make([]crawler.Job, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		path := filepath.Join(s.dir, name)
		job, err := readRecord(path)
		if err != nil {
			s.quarantine(path, err)
			continue
		}
		if want := strings.TrimSuffix(name, recordExt); job.ID != want {
			s.quarantine(path, fmt.Errorf("record id %q does not match file name", job.ID))
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// DeleteJob removes the record; a missing file is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	path, err := s.pathFor(jobID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// Close rejects later writes. There is nothing to flush; every save is already durable.
func (s *JobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *JobStore) pathFor(jobID string) (string, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q for file store", jobID)
	}
	return filepath.Join(s.dir, jobID+recordExt), nil
}

func (s *JobStore) quarantine(path string, cause error) {
	target := path + corruptExt
	if err := os.Rename(path, target); err != nil {
		s.logger.Error("failed to quarantine corrupt job record",
			zap.String("path", path), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Error("quarantined corrupt job record", zap.String("path", target), zap.Error(cause))
}

func readRecord(path string) (crawler.Job, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the store directory listing.
	if err != nil {
		return crawler.Job{}, fmt.Errorf("read record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return crawler.Job{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Version != schemaVersion {
		return crawler.Job{}, fmt.Errorf("unsupported record version %d", rec.Version)
	}
	if rec.Job.ID == "" || !rec.Job.Status.Valid() {
		return crawler.Job{}, errors.New("record missing id or status")
	}
	return rec.Job, nil
}
