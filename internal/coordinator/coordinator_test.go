package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/queue"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/storage/memory"
)

func openQueue(t *testing.T, store crawler.JobStore, opts queue.Options) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), store, opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func slotIDs(slot int) string {
	return fmt.Sprintf("test-w%d", slot)
}

func succeed() crawler.Fetcher {
	return crawler.FetcherFunc(func(_ context.Context, req crawler.FetchRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"job":"` + req.JobID + `"}`), nil
	})
}

func TestPoolRunsUrgentJobsFirst(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{})
	ctx := context.Background()

	var normal, urgent []string
	for i := 0; i < 3; i++ {
		id, err := q.AddJob(ctx, crawler.NewJob{URL: fmt.Sprintf("https://example.com/n%d", i), Priority: crawler.PriorityNormal})
		require.NoError(t, err)
		normal = append(normal, id)
	}
	for i := 0; i < 2; i++ {
		id, err := q.AddJob(ctx, crawler.NewJob{URL: fmt.Sprintf("https://example.com/u%d", i), Priority: crawler.PriorityUrgent})
		require.NoError(t, err)
		urgent = append(urgent, id)
	}

	pool := New(q, succeed(), nil, Config{PollInterval: 10 * time.Millisecond, WorkerID: slotIDs}, nil)
	require.NoError(t, pool.Start(ctx, 1))
	require.Eventually(t, func() bool {
		return q.Stats().ByStatus[crawler.JobStatusCompleted] == 5
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(ctx, true))

	stats := pool.Stats()
	require.Equal(t, 5, stats.Queue.ByStatus[crawler.JobStatusCompleted])
	require.Zero(t, stats.Queue.ByStatus[crawler.JobStatusPending])
	require.EqualValues(t, 5, stats.Processed)
	require.EqualValues(t, 5, stats.Succeeded)
	require.Len(t, stats.Workers, 1)
	require.Equal(t, "test-w0", stats.Workers[0].WorkerID)

	for _, u := range urgent {
		uj, err := q.LookupJob(u)
		require.NoError(t, err)
		for _, n := range normal {
			nj, err := q.LookupJob(n)
			require.NoError(t, err)
			require.False(t, uj.CompletedAt.After(*nj.StartedAt),
				"urgent %s completed after normal %s started", u, n)
		}
	}
}

func TestPoolStartTwiceFails(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{})
	pool := New(q, succeed(), nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	require.Error(t, pool.Start(context.Background(), 0))
	require.NoError(t, pool.Start(context.Background(), 2))
	require.ErrorIs(t, pool.Start(context.Background(), 2), ErrAlreadyRunning)
	require.True(t, pool.Running())

	require.NoError(t, pool.Stop(context.Background(), true))
	require.False(t, pool.Running())
	require.ErrorIs(t, pool.Stop(context.Background(), true), ErrNotRunning)
}

// blockingFetcher holds every fetch until release is closed or its context ends.
type blockingFetcher struct {
	started chan string
	release chan struct{}
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{started: make(chan string, 8), release: make(chan struct{})}
}

func (f *blockingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (json.RawMessage, error) {
	f.started <- req.JobID
	select {
	case <-f.release:
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStopWithDrainFinishesCurrentJob(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{})
	id, err := q.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com/drain"})
	require.NoError(t, err)

	fetcher := newBlockingFetcher()
	pool := New(q, fetcher, nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, pool.Start(context.Background(), 1))
	require.Equal(t, id, <-fetcher.started)
	require.Equal(t, 1, pool.Stats().Busy)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(context.Background(), true) }()

	select {
	case <-stopped:
		t.Fatal("drain returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(fetcher.release)
	require.NoError(t, <-stopped)

	job, err := q.LookupJob(id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
}

func TestStopWithoutDrainAbandonsThenReclaims(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{JobTimeout: 30 * time.Millisecond})
	id, err := q.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com/abandon"})
	require.NoError(t, err)

	fetcher := newBlockingFetcher()
	first := New(q, fetcher, nil, Config{PollInterval: 10 * time.Millisecond, ReclaimInterval: time.Hour}, nil)
	require.NoError(t, first.Start(context.Background(), 1))
	require.Equal(t, id, <-fetcher.started)
	require.NoError(t, first.Stop(context.Background(), false))

	job, err := q.LookupJob(id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.EqualValues(t, 1, first.Stats().Abandoned)

	second := New(q, succeed(), nil, Config{PollInterval: 10 * time.Millisecond, ReclaimInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, second.Start(context.Background(), 1))
	t.Cleanup(func() { _ = second.Stop(context.Background(), false) })

	require.Eventually(t, func() bool {
		j, err := q.LookupJob(id)
		return err == nil && j.Status == crawler.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	job, err = q.LookupJob(id)
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)
	stats := second.Stats()
	require.EqualValues(t, 1, stats.Reclaimed)
	require.NotNil(t, stats.LastReclaimAt)
}

func TestStopDeadlineAbandonsDrain(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{})
	_, err := q.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com/stuck"})
	require.NoError(t, err)

	fetcher := newBlockingFetcher()
	pool := New(q, fetcher, nil, Config{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, pool.Start(context.Background(), 1))
	<-fetcher.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Stop(ctx, true), context.DeadlineExceeded)
	require.EqualValues(t, 1, pool.Stats().Abandoned)
}

func TestWaitReturnsWhenWorkersHitJobCap(t *testing.T) {
	t.Parallel()

	q := openQueue(t, memory.NewJobStore(), queue.Options{})
	for i := 0; i < 4; i++ {
		_, err := q.AddJob(context.Background(), crawler.NewJob{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
	}

	pool := New(q, succeed(), nil, Config{PollInterval: 10 * time.Millisecond, MaxJobsPerWorker: 2}, nil)
	require.ErrorIs(t, pool.Wait(context.Background()), ErrNotRunning)
	require.NoError(t, pool.Start(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(ctx))

	stats := pool.Stats()
	require.EqualValues(t, 4, stats.Processed)
	require.Zero(t, stats.Busy)
	require.Zero(t, stats.Idle)
	require.NoError(t, pool.Stop(context.Background(), true))
}

type failingStore struct {
	*memory.JobStore
	fail atomic.Bool
}

func (s *failingStore) SaveJob(ctx context.Context, job crawler.Job) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.JobStore.SaveJob(ctx, job)
}

func TestStatsReportPersistenceHealth(t *testing.T) {
	t.Parallel()

	store := &failingStore{JobStore: memory.NewJobStore()}
	q := openQueue(t, store, queue.Options{})
	pool := New(q, succeed(), nil, Config{}, nil)
	require.NoError(t, pool.Healthy())
	require.Empty(t, pool.Stats().PersistenceError)

	store.fail.Store(true)
	_, err := q.AddJob(context.Background(), crawler.NewJob{URL: "https://example.com"})
	require.ErrorIs(t, err, crawler.ErrPersistence)

	require.ErrorIs(t, pool.Healthy(), crawler.ErrPersistence)
	require.Contains(t, pool.Stats().PersistenceError, "disk full")
	require.False(t, pool.Stats().Running)
}
