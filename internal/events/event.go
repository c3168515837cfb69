// Package events defines the lifecycle events emitted by the job queue and the
// hub that batches them out to sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// Kind names the lifecycle transition an Event records.
type Kind string

// Supported lifecycle kinds.
const (
	KindJobAdded     Kind = "JOB_ADDED"
	KindJobClaimed   Kind = "JOB_CLAIMED"
	KindJobCompleted Kind = "JOB_COMPLETED"
	KindJobRetry     Kind = "JOB_RETRY"
	KindJobFailed    Kind = "JOB_FAILED"
	KindJobCancelled Kind = "JOB_CANCELLED"
	KindJobReclaimed Kind = "JOB_RECLAIMED"
	KindJobRecovered Kind = "JOB_RECOVERED"
	KindJobPurged    Kind = "JOB_PURGED"
)

// Event captures one committed job transition.
type Event struct {
	// JobID identifies the job the transition applied to.
	JobID string `json:"job_id"`
	// TS is the queue clock time of the transition.
	TS time.Time `json:"ts"`
	// Kind denotes which transition occurred.
	Kind Kind `json:"kind"`
	// Status is the job status after the transition.
	Status crawler.JobStatus `json:"status"`
	// Priority is the job's immutable priority.
	Priority crawler.Priority `json:"priority"`
	// Attempt is the attempts counter after the transition.
	Attempt int `json:"attempt"`
	// WorkerID is set for claim and report transitions.
	WorkerID string `json:"worker_id,omitempty"`
	// Wait is the time spent PENDING before a claim.
	Wait time.Duration `json:"wait_ns,omitempty"`
	// Dur is the run time of the attempt that just ended.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note carries low-volume context such as the failure reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobAdded, KindJobClaimed, KindJobCompleted, KindJobRetry, KindJobFailed,
		KindJobCancelled, KindJobReclaimed, KindJobRecovered, KindJobPurged:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 || e.Wait < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// Terminal reports whether the event moved its job into a terminal status.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindJobCompleted, KindJobFailed, KindJobCancelled:
		return true
	case KindJobReclaimed, KindJobRecovered:
		return e.Status == crawler.JobStatusFailed
	default:
		return false
	}
}

// FromJob fills the job-derived fields of an Event.
func FromJob(kind Kind, job crawler.Job, ts time.Time) Event {
	return Event{
		JobID:    job.ID,
		TS:       ts,
		Kind:     kind,
		Status:   job.Status,
		Priority: job.Priority,
		Attempt:  job.Attempts,
		WorkerID: job.OwnerWorkerID,
		Note:     job.Error,
	}
}

// Attributes returns routing attributes used by message publishers.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"job_id":   e.JobID,
		"kind":     string(e.Kind),
		"status":   string(e.Status),
		"priority": e.Priority.String(),
	}
}
