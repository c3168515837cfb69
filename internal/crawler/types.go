package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal reports whether no further transition is possible from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority orders pending jobs; higher values are dequeued first.
type Priority int

// Supported priorities.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// AllPriorities lists priorities from most to least urgent.
var AllPriorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// String returns the lowercase priority name.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the supported priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a case-insensitive name ("urgent", "high", "normal", "low")
// into a Priority. An empty name yields PriorityNormal.
func ParsePriority(name string) (Priority, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return PriorityNormal, nil
	}
	for p, n := range priorityNames {
		if n == trimmed {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, name)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Job is the unit of work tracked by the queue. The same struct is the persisted record,
// so every field round-trips through JSON.
type Job struct {
	ID            string          `json:"id"`
	URL           string          `json:"url"`
	Config        map[string]any  `json:"config,omitempty"`
	Priority      Priority        `json:"priority"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	OwnerWorkerID string          `json:"owner_worker_id,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the queue.
func (j Job) Clone() Job {
	cp := j
	cp.Config = cloneMap(j.Config)
	cp.Metadata = cloneMap(j.Metadata)
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	return cp
}

// CanRetry reports whether another attempt is allowed after the current one fails.
// Attempts count the original execution, so a job may run at most MaxRetries+1 times.
func (j Job) CanRetry() bool {
	return j.Attempts <= j.MaxRetries
}

// NewJob carries the caller-supplied fields for AddJob.
type NewJob struct {
	URL      string         `json:"url"`
	Config   map[string]any `json:"config,omitempty"`
	Priority Priority       `json:"priority"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// MaxRetries overrides the queue default when non-nil.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// FetchRequest captures everything a Fetcher needs to execute one job attempt.
type FetchRequest struct {
	JobID   string
	URL     string
	Config  map[string]any
	Attempt int
}

// QueueStats is the read-only aggregation served by the queue.
type QueueStats struct {
	Total           int               `json:"total"`
	ByStatus        map[JobStatus]int `json:"by_status"`
	PendingByPrio   map[string]int    `json:"pending_by_priority"`
	AvgWait         time.Duration     `json:"avg_wait_ns"`
	AvgRun          time.Duration     `json:"avg_run_ns"`
	FailedAttempts  int64             `json:"failed_attempts"`
	Reclaimed       int64             `json:"reclaimed"`
	PersistFailures int64             `json:"persist_failures"`
	OldestPending   *time.Time        `json:"oldest_pending,omitempty"`
	Snapshot        time.Time         `json:"snapshot_at"`
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
