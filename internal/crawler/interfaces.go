package crawler

import (
	"context"
	"encoding/json"
	"time"
)

// JobStore durably persists job records. SaveJob must be atomic per record: after it
// returns nil the record survives a crash, and a failed call leaves the previous record intact.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	LoadJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher executes one scrape attempt. Errors should be wrapped with Permanent or
// Recoverable; unclassified errors are treated as recoverable.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (json.RawMessage, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, request FetchRequest) (json.RawMessage, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, request FetchRequest) (json.RawMessage, error) {
	return f(ctx, request)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
