// Package memory provides volatile stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// JobStore keeps job records in a map. Records survive queue restarts within one
// process, which is enough to exercise recovery in tests.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]crawler.Job
	saves  int
	closed bool
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// SaveJob upserts a copy of job.
func (s *JobStore) SaveJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.jobs[job.ID] = job.Clone()
	s.saves++
	return nil
}

// LoadJobs returns copies of every record ordered by created_at.
func (s *JobStore) LoadJobs(_ context.Context) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteJob removes a record; deleting a missing id is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	delete(s.jobs, jobID)
	return nil
}

// Get returns the stored record for jobID.
func (s *JobStore) Get(jobID string) (crawler.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job.Clone(), ok
}

// Saves reports how many SaveJob calls succeeded.
func (s *JobStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close marks the store closed; later calls fail.
func (s *JobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
