// Package queue holds every scraping job, enforces the job state machine and serves
// priority-ordered claims to workers. Each mutation is written to the JobStore
// before it is applied in memory.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/id/uuid"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/stats"
)

const (
	defaultMaxRetries = 3
	defaultJobTimeout = 5 * time.Minute
)

// Options configures a Queue. Zero values select defaults.
type Options struct {
	// MaxRetries applies to jobs added without an explicit max_retries. Nil selects 3;
	// a pointer to 0 disables retries queue-wide.
	MaxRetries *int
	// JobTimeout bounds how long a job may stay RUNNING before ReclaimStale requeues it.
	JobTimeout time.Duration
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Events     events.Emitter
	Logger     *zap.Logger
}

// Queue is the in-process job queue. It is safe for concurrent use.
type Queue struct {
	store  crawler.JobStore
	clock  crawler.Clock
	ids    crawler.IDGenerator
	events events.Emitter
	logger *zap.Logger

	maxRetries int
	jobTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*record
	pending pendingIndex
	seq     uint64
	closed  bool
	// wake is closed and replaced whenever a job becomes PENDING.
	wake chan struct{}
	// settled is closed and replaced whenever a job reaches a terminal status.
	settled chan struct{}

	failedAttempts  int64
	reclaimed       int64
	persistFailures int64
	lastPersistErr  error
}

// Open loads every record from store and returns a ready Queue. Jobs found RUNNING
// belonged to a process that is gone; they go through the retry-or-fail rule with
// ErrAbandoned as the cause.
func Open(ctx context.Context, store crawler.JobStore, opts Options) (*Queue, error) {
	if store == nil {
		return nil, errors.New("queue requires a job store")
	}
	maxRetries := defaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must be >= 0", crawler.ErrValidation)
		}
		maxRetries = *opts.MaxRetries
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		store:      store,
		clock:      opts.Clock,
		ids:        opts.IDs,
		events:     opts.Events,
		logger:     logger.Named("queue"),
		maxRetries: maxRetries,
		jobTimeout: opts.JobTimeout,
		jobs:       make(map[string]*record),
		wake:       make(chan struct{}),
		settled:    make(chan struct{}),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("%w: load jobs: %w", crawler.ErrPersistence, err)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		if !loaded[i].CreatedAt.Equal(loaded[j].CreatedAt) {
			return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
		}
		return loaded[i].ID < loaded[j].ID
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	var recovered int
	for _, job := range loaded {
		if job.ID == "" || !job.Status.Valid() {
			q.logger.Error("skipping unusable job record", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
			continue
		}
		if _, dup := q.jobs[job.ID]; dup {
			q.logger.Error("skipping duplicate job record", zap.String("job_id", job.ID))
			continue
		}
		if job.Status == crawler.JobStatusRunning {
			next := retryOrFail(job, crawler.ErrAbandoned, now)
			if err := q.commit(ctx, next); err != nil {
				return err
			}
			q.logger.Warn("recovered abandoned job",
				zap.String("job_id", job.ID),
				zap.String("previous_owner", job.OwnerWorkerID),
				zap.String("status", string(next.Status)),
				zap.Int("attempt", next.Attempts),
			)
			q.emit(events.FromJob(events.KindJobRecovered, next, now))
			job = next
			recovered++
		}
		q.insertLocked(job, now)
	}
	q.logger.Info("job queue loaded",
		zap.Int("jobs", len(q.jobs)),
		zap.Int("pending", q.pending.Len()),
		zap.Int("recovered", recovered),
	)
	return nil
}

// AddJob validates input, persists a new PENDING job and returns its id.
func (q *Queue) AddJob(ctx context.Context, nj crawler.NewJob) (string, error) {
	if err := nj.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(ctx, nj)
}

// AddJobs validates the whole batch before adding anything. A persistence failure part
// way through returns the ids added so far together with the error.
func (q *Queue) AddJobs(ctx context.Context, batch []crawler.NewJob) ([]string, error) {
	for i, nj := range batch {
		if err := nj.Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(batch))
	for _, nj := range batch {
		id, err := q.addLocked(ctx, nj)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *Queue) addLocked(ctx context.Context, nj crawler.NewJob) (string, error) {
	if q.closed {
		return "", crawler.ErrQueueClosed
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	if _, dup := q.jobs[id]; dup {
		return "", fmt.Errorf("generated duplicate job id %s", id)
	}
	priority := nj.Priority
	if priority == 0 {
		priority = crawler.PriorityNormal
	}
	maxRetries := q.maxRetries
	if nj.MaxRetries != nil {
		maxRetries = *nj.MaxRetries
	}
	now := q.clock.Now()
	job := crawler.Job{
		ID:         id,
		URL:        nj.URL,
		Config:     nj.Config,
		Priority:   priority,
		Status:     crawler.JobStatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		Tags:       nj.Tags,
		Metadata:   nj.Metadata,
	}
	job = job.Clone()
	if err := q.commit(ctx, job); err != nil {
		return "", err
	}
	q.insertLocked(job, now)
	q.signalPendingLocked()
	q.emit(events.FromJob(events.KindJobAdded, job, now))
	q.logger.Debug("job added", zap.String("job_id", id), zap.String("priority", priority.String()))
	return id, nil
}

// NextJob claims the highest-priority, oldest PENDING job for workerID. When nothing is
// pending it waits up to timeout for one to arrive and returns (nil, nil) on expiry.
// A timeout <= 0 makes the call non-blocking.
func (q *Queue) NextJob(ctx context.Context, workerID string, timeout time.Duration) (*crawler.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", crawler.ErrValidation)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, crawler.ErrQueueClosed
		}
		if q.pending.Len() > 0 {
			job, err := q.claimLocked(ctx, workerID)
			q.mu.Unlock()
			return job, err
		}
		wake := q.wake
		q.mu.Unlock()

		if expired == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for job: %w", ctx.Err())
		case <-expired:
			return nil, nil
		case <-wake:
		}
	}
}

func (q *Queue) claimLocked(ctx context.Context, workerID string) (*crawler.Job, error) {
	rec := q.pending.peek()
	now := q.clock.Now()
	next := rec.job.Clone()
	next.Status = crawler.JobStatusRunning
	next.Attempts++
	next.StartedAt = &now
	next.OwnerWorkerID = workerID
	if err := q.commit(ctx, next); err != nil {
		return nil, err
	}
	heap.Pop(&q.pending)
	rec.job = next

	evt := events.FromJob(events.KindJobClaimed, next, now)
	evt.Wait = nonNegative(now.Sub(rec.pendingSince))
	q.emit(evt)
	q.logger.Debug("job claimed",
		zap.String("job_id", next.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", next.Attempts),
	)
	out := next.Clone()
	return &out, nil
}

// CompleteJob records a successful result. The job must be RUNNING and owned by workerID,
// and result must be empty or valid JSON; an invalid result leaves the job untouched.
func (q *Queue) CompleteJob(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	if err := crawler.ValidateResult(result); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	next := rec.job.Clone()
	next.Status = crawler.JobStatusCompleted
	next.CompletedAt = &now
	next.Result = append(json.RawMessage(nil), result...)
	next.Error = ""
	next.OwnerWorkerID = ""
	if err := q.commit(ctx, next); err != nil {
		return err
	}
	rec.job = next
	q.signalSettledLocked()

	evt := events.FromJob(events.KindJobCompleted, next, now)
	evt.WorkerID = workerID
	evt.Dur = runTime(next, now)
	q.emit(evt)
	return nil
}

// FailJob reports a failed attempt. The job returns to PENDING at its original priority
// while retries remain; a permanent cause or an exhausted budget makes it FAILED.
func (q *Queue) FailJob(ctx context.Context, jobID, workerID string, cause error) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	ran := runTime(rec.job, now)
	next := retryOrFail(rec.job, cause, now)
	if err := q.commit(ctx, next); err != nil {
		return err
	}
	q.failedAttempts++
	kind := q.applyRetryOrFailLocked(rec, next, now)

	evt := events.FromJob(kind, next, now)
	evt.WorkerID = workerID
	evt.Dur = ran
	q.emit(evt)
	q.logger.Info("job attempt failed",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", next.Attempts),
		zap.String("status", string(next.Status)),
		zap.Error(cause),
	)
	return nil
}

// CancelJob moves a PENDING or RUNNING job to CANCELLED. An in-flight fetch is not
// interrupted; its later report is rejected with ErrInvalidState.
func (q *Queue) CancelJob(ctx context.Context, jobID string) (crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return crawler.Job{}, crawler.ErrQueueClosed
	}
	rec, ok := q.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, jobID)
	}
	if rec.job.Status.IsTerminal() {
		return crawler.Job{}, fmt.Errorf("%w: cannot cancel job %s in status %s", crawler.ErrInvalidState, jobID, rec.job.Status)
	}
	now := q.clock.Now()
	previousOwner := rec.job.OwnerWorkerID
	next := rec.job.Clone()
	next.Status = crawler.JobStatusCancelled
	next.CompletedAt = &now
	next.OwnerWorkerID = ""
	if err := q.commit(ctx, next); err != nil {
		return crawler.Job{}, err
	}
	q.pending.remove(rec)
	rec.job = next
	q.signalSettledLocked()

	evt := events.FromJob(events.KindJobCancelled, next, now)
	evt.WorkerID = previousOwner
	q.emit(evt)
	q.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("previous_owner", previousOwner))
	return next.Clone(), nil
}

// ReclaimStale applies the retry-or-fail rule to every RUNNING job whose started_at is
// older than the job timeout. Each stale job is handled exactly once per pass. It
// returns how many jobs were reclaimed; persistence failures are joined into err and
// leave the affected job RUNNING for the next pass.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, crawler.ErrQueueClosed
	}
	now := q.clock.Now()
	cutoff := now.Add(-q.jobTimeout)

	stale := make([]*record, 0)
	for _, rec := range q.jobs {
		job := rec.job
		if job.Status == crawler.JobStatusRunning && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].seq < stale[j].seq })

	cause := fmt.Errorf("%w (%s)", crawler.ErrJobTimeout, q.jobTimeout)
	var (
		count int
		errs  []error
	)
	for _, rec := range stale {
		previousOwner := rec.job.OwnerWorkerID
		ran := runTime(rec.job, now)
		next := retryOrFail(rec.job, cause, now)
		if err := q.commit(ctx, next); err != nil {
			errs = append(errs, err)
			continue
		}
		q.reclaimed++
		q.applyRetryOrFailLocked(rec, next, now)
		count++

		evt := events.FromJob(events.KindJobReclaimed, next, now)
		evt.WorkerID = previousOwner
		evt.Dur = ran
		q.emit(evt)
		q.logger.Warn("reclaimed stale job",
			zap.String("job_id", next.ID),
			zap.String("previous_owner", previousOwner),
			zap.String("status", string(next.Status)),
			zap.Int("attempt", next.Attempts),
		)
	}
	return count, errors.Join(errs...)
}

// PurgeTerminal deletes terminal jobs whose completed_at is older than olderThan from
// memory and from the store. The queue never calls it on its own.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: older_than must be >= 0", crawler.ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, crawler.ErrQueueClosed
	}
	now := q.clock.Now()
	cutoff := now.Add(-olderThan)
	var purged int
	for id, rec := range q.jobs {
		job := rec.job
		if !job.Status.IsTerminal() || job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		if err := q.store.DeleteJob(ctx, id); err != nil {
			q.recordPersistFailure(id, err)
			return purged, fmt.Errorf("%w: delete job %s: %w", crawler.ErrPersistence, id, err)
		}
		q.lastPersistErr = nil
		delete(q.jobs, id)
		purged++
		q.emit(events.FromJob(events.KindJobPurged, job, now))
	}
	if purged > 0 {
		q.logger.Info("purged terminal jobs", zap.Int("count", purged), zap.Duration("older_than", olderThan))
	}
	return purged, nil
}

// LookupJob returns a copy of the job with the given id.
func (q *Queue) LookupJob(jobID string) (crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, jobID)
	}
	return rec.job.Clone(), nil
}

// ListJobs returns copies of all jobs, optionally restricted to one status, ordered by
// created_at. A limit <= 0 returns everything.
func (q *Queue) ListJobs(status crawler.JobStatus, limit int) []crawler.Job {
	q.mu.Lock()
	out := make([]crawler.Job, 0, len(q.jobs))
	for _, rec := range q.jobs {
		if status == "" || rec.job.Status == status {
			out = append(out, rec.job.Clone())
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WaitResult blocks until the job is terminal or ctx ends, and returns the job.
func (q *Queue) WaitResult(ctx context.Context, jobID string) (crawler.Job, error) {
	for {
		q.mu.Lock()
		rec, ok := q.jobs[jobID]
		if !ok {
			q.mu.Unlock()
			return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, jobID)
		}
		if rec.job.Status.IsTerminal() {
			job := rec.job.Clone()
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawler.Job{}, crawler.ErrQueueClosed
		}
		settled := q.settled
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.Job{}, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-settled:
		}
	}
}

// Stats aggregates counts, depths and timings over the current state.
func (q *Queue) Stats() crawler.QueueStats {
	q.mu.Lock()
	jobs := make([]crawler.Job, 0, len(q.jobs))
	for _, rec := range q.jobs {
		jobs = append(jobs, rec.job)
	}
	counters := stats.Counters{
		FailedAttempts:  q.failedAttempts,
		Reclaimed:       q.reclaimed,
		PersistFailures: q.persistFailures,
	}
	now := q.clock.Now()
	q.mu.Unlock()
	return stats.Collect(jobs, counters, now)
}

// Healthy returns nil while the most recent store write succeeded, and the wrapped
// store error otherwise.
func (q *Queue) Healthy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastPersistErr != nil {
		return fmt.Errorf("%w: %w", crawler.ErrPersistence, q.lastPersistErr)
	}
	return nil
}

// JobTimeout returns the configured execution timeout.
func (q *Queue) JobTimeout() time.Duration {
	return q.jobTimeout
}

// Close rejects further mutations and releases blocked NextJob and WaitResult callers.
// The store is owned by the caller and stays open.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
	close(q.settled)
}

func (q *Queue) ownedLocked(jobID, workerID string) (*record, error) {
	if q.closed {
		return nil, crawler.ErrQueueClosed
	}
	rec, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrNotFound, jobID)
	}
	if rec.job.Status != crawler.JobStatusRunning {
		return nil, fmt.Errorf("%w: job %s is %s", crawler.ErrInvalidState, jobID, rec.job.Status)
	}
	if rec.job.OwnerWorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s is owned by %q, not %q",
			crawler.ErrInvalidState, jobID, rec.job.OwnerWorkerID, workerID)
	}
	return rec, nil
}

// commit writes job to the store. On failure nothing has been applied in memory and the
// queue reports unhealthy until a later write succeeds.
func (q *Queue) commit(ctx context.Context, job crawler.Job) error {
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.recordPersistFailure(job.ID, err)
		return fmt.Errorf("%w: save job %s: %w", crawler.ErrPersistence, job.ID, err)
	}
	q.lastPersistErr = nil
	return nil
}

func (q *Queue) recordPersistFailure(jobID string, err error) {
	q.persistFailures++
	q.lastPersistErr = err
	q.logger.Error("job store write failed", zap.String("job_id", jobID), zap.Error(err))
}

func (q *Queue) insertLocked(job crawler.Job, now time.Time) {
	q.seq++
	rec := &record{job: job, seq: q.seq, index: -1, pendingSince: job.CreatedAt}
	q.jobs[job.ID] = rec
	if job.Status == crawler.JobStatusPending {
		if rec.pendingSince.IsZero() || rec.pendingSince.After(now) {
			rec.pendingSince = now
		}
		heap.Push(&q.pending, rec)
	}
}

// applyRetryOrFailLocked installs next (already committed) for rec and returns the
// event kind describing the outcome.
func (q *Queue) applyRetryOrFailLocked(rec *record, next crawler.Job, now time.Time) events.Kind {
	rec.job = next
	if next.Status == crawler.JobStatusPending {
		rec.pendingSince = now
		heap.Push(&q.pending, rec)
		q.signalPendingLocked()
		return events.KindJobRetry
	}
	q.signalSettledLocked()
	return events.KindJobFailed
}

func (q *Queue) signalPendingLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) signalSettledLocked() {
	close(q.settled)
	q.settled = make(chan struct{})
}

func (q *Queue) emit(evt events.Event) {
	q.events.Emit(evt)
}

// retryOrFail computes the state after a failed attempt. Attempts were counted at claim
// time, so the job may retry while attempts <= max_retries.
func retryOrFail(job crawler.Job, cause error, now time.Time) crawler.Job {
	next := job.Clone()
	next.OwnerWorkerID = ""
	next.Error = cause.Error()
	if crawler.ClassifyFetchError(cause) != crawler.FetchPermanent && next.CanRetry() {
		next.Status = crawler.JobStatusPending
		next.CompletedAt = nil
		return next
	}
	next.Status = crawler.JobStatusFailed
	next.CompletedAt = &now
	return next
}

func runTime(job crawler.Job, now time.Time) time.Duration {
	if job.StartedAt == nil {
		return 0
	}
	return nonNegative(now.Sub(*job.StartedAt))
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
