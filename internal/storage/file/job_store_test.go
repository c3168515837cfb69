package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

func TestJobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	started := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	job := crawler.Job{
		ID:            "job-a",
		URL:           "https://example.com/item",
		Config:        map[string]any{"selector": ".price"},
		Priority:      crawler.PriorityHigh,
		Status:        crawler.JobStatusRunning,
		Attempts:      1,
		MaxRetries:    2,
		CreatedAt:     started.Add(-time.Minute),
		StartedAt:     &started,
		OwnerWorkerID: "host-w1-abc",
		Metadata:      map[string]any{"source": "test"},
	}
	require.NoError(t, store.SaveJob(ctx, job))

	job.Status = crawler.JobStatusCompleted
	job.OwnerWorkerID = ""
	job.Result = json.RawMessage(`{"price":10}`)
	require.NoError(t, store.SaveJob(ctx, job))

	reopened, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	jobs, err := reopened.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, crawler.JobStatusCompleted, jobs[0].Status)
	require.JSONEq(t, `{"price":10}`, string(jobs[0].Result))
	require.Equal(t, crawler.PriorityHigh, jobs[0].Priority)
	require.Equal(t, ".price", jobs[0].Config["selector"])

	matches, err := filepath.Glob(filepath.Join(dir, ".*tmp-*"))
	require.NoError(t, err)
	require.Empty(t, matches, "temp files must not linger")

	require.NoError(t, reopened.DeleteJob(ctx, "job-a"))
	require.NoError(t, reopened.DeleteJob(ctx, "job-a"))
	jobs, err = reopened.LoadJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobStoreQuarantinesCorruptRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveJob(ctx, crawler.Job{ID: "good", Status: crawler.JobStatusPending, Priority: crawler.PriorityLow}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "renamed.json"),
		[]byte(`{"version":1,"job":{"id":"other","status":"pending","priority":"low"}}`), 0o600))

	jobs, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "good", jobs[0].ID)

	_, err = os.Stat(filepath.Join(dir, "bad.json.corrupt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "renamed.json.corrupt"))
	require.NoError(t, err)
}

func TestJobStoreRejectsUnsafeIDs(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	for _, id := range []string{"", "../escape", `a\b`, ".."} {
		require.Error(t, store.SaveJob(context.Background(), crawler.Job{ID: id}), id)
	}
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	notDir := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))
	_, err = New(Config{Dir: notDir}, nil)
	require.Error(t, err)
}

func TestWriteAtomicReplacesContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, WriteAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteAtomic(path, []byte("two"), 0o600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(data))
}
