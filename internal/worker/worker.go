// Package worker implements the job execution loop: claim a job, run the fetcher and
// report the outcome back to the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/metrics"
)

const defaultPollInterval = time.Second

// Queue is the subset of the job queue a Worker uses.
type Queue interface {
	NextJob(ctx context.Context, workerID string, timeout time.Duration) (*crawler.Job, error)
	CompleteJob(ctx context.Context, jobID, workerID string, result json.RawMessage) error
	FailJob(ctx context.Context, jobID, workerID string, cause error) error
	LookupJob(jobID string) (crawler.Job, error)
}

// Backoff yields the pause after a failed attempt.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval bounds each NextJob wait and the pause after a queue error.
	PollInterval time.Duration
	// FetchTimeout bounds a single fetch; 0 leaves it to the job context.
	FetchTimeout time.Duration
	// MaxJobs stops the worker after that many jobs; 0 means unlimited.
	MaxJobs int
}

// Stats is a snapshot of one worker's counters.
type Stats struct {
	WorkerID      string        `json:"worker_id"`
	Running       bool          `json:"running"`
	CurrentJobID  string        `json:"current_job_id,omitempty"`
	Processed     int64         `json:"processed"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	Cancelled     int64         `json:"cancelled"`
	Abandoned     int64         `json:"abandoned"`
	AvgProcessing time.Duration `json:"avg_processing_ns"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"uptime_ns"`
	LastError     string        `json:"last_error,omitempty"`
}

// Worker consumes jobs from the queue and executes them through the fetcher.
type Worker struct {
	id      string
	queue   Queue
	fetcher crawler.Fetcher
	backoff Backoff
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	stats     Stats
	totalTime time.Duration
}

// New constructs a Worker. A nil backoff disables the pause after failures.
func New(
	id string,
	queue Queue,
	fetcher crawler.Fetcher,
	backoff Backoff,
	clk crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		fetcher: fetcher,
		backoff: backoff,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.String("worker_id", id)),
		stats:   Stats{WorkerID: id},
	}
}

// ID returns the worker id used as job owner.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, claiming jobs until loopCtx ends, the queue closes or MaxJobs is reached.
// jobCtx governs the job in flight: cancelling only loopCtx lets the current job finish
// and be reported, cancelling jobCtx abandons it to the reclaimer.
func (w *Worker) Run(loopCtx, jobCtx context.Context) error {
	w.mu.Lock()
	w.stats.Running = true
	w.stats.StartedAt = w.clock.Now()
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.stats.Running = false
		w.mu.Unlock()
	}()

	w.logger.Info("worker started")
	for {
		if loopCtx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		if w.cfg.MaxJobs > 0 && w.processed() >= int64(w.cfg.MaxJobs) {
			w.logger.Info("worker reached job limit", zap.Int("max_jobs", w.cfg.MaxJobs))
			return nil
		}

		job, err := w.queue.NextJob(loopCtx, w.id, w.cfg.PollInterval)
		if err != nil {
			if loopCtx.Err() != nil {
				w.logger.Info("worker stopped")
				return nil
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return nil
			}
			w.recordError(err)
			w.logger.Error("claim job failed", zap.Error(err))
			sleep(loopCtx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			continue
		}
		if failed := w.process(jobCtx, job); failed && w.backoff != nil {
			sleep(loopCtx, w.backoff.Delay(job.Attempts-1))
		}
	}
}

// process runs one claimed job and reports whether a failure was recorded.
func (w *Worker) process(jobCtx context.Context, job *crawler.Job) bool {
	logger := w.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	w.setCurrent(job.ID)
	metrics.IncBusyWorkers()
	start := time.Now()
	defer func() {
		metrics.DecBusyWorkers()
		w.setCurrent("")
	}()

	result, fetchErr := w.safeFetch(jobCtx, job)
	elapsed := time.Since(start)

	if jobCtx.Err() != nil {
		// left RUNNING for the reclaimer
		w.finish(elapsed, func(s *Stats) { s.Abandoned++ })
		metrics.ObserveWorkerJob("abandoned")
		logger.Warn("job abandoned on shutdown")
		return false
	}

	if current, err := w.queue.LookupJob(job.ID); err == nil && current.Status == crawler.JobStatusCancelled {
		w.finish(elapsed, func(s *Stats) { s.Cancelled++ })
		metrics.ObserveWorkerJob("cancelled")
		logger.Info("job cancelled while running, result discarded")
		return false
	}

	if fetchErr == nil {
		if invalid := crawler.ValidateResult(result); invalid != nil {
			fetchErr = crawler.Permanent(fmt.Errorf("fetcher returned an unusable result: %w", invalid))
		}
	}

	if fetchErr == nil {
		err := w.queue.CompleteJob(jobCtx, job.ID, w.id, result)
		switch {
		case err == nil:
			w.finish(elapsed, func(s *Stats) { s.Succeeded++ })
			metrics.ObserveWorkerJob("succeeded")
			logger.Debug("job completed", zap.Duration("elapsed", elapsed))
		case errors.Is(err, crawler.ErrInvalidState), errors.Is(err, crawler.ErrNotFound):
			w.finish(elapsed, func(s *Stats) { s.Cancelled++ })
			metrics.ObserveWorkerJob("superseded")
			logger.Info("job no longer owned, result discarded", zap.Error(err))
		default:
			w.recordError(err)
			w.finish(elapsed, func(s *Stats) { s.Failed++ })
			metrics.ObserveWorkerJob("report_failed")
			logger.Error("complete job failed", zap.Error(err))
		}
		return false
	}

	w.recordError(fetchErr)
	err := w.queue.FailJob(jobCtx, job.ID, w.id, fetchErr)
	switch {
	case err == nil:
		w.finish(elapsed, func(s *Stats) { s.Failed++ })
		metrics.ObserveWorkerJob("failed")
		logger.Info("job attempt failed",
			zap.String("outcome", crawler.ClassifyFetchError(fetchErr).String()),
			zap.Error(fetchErr),
		)
		return true
	case errors.Is(err, crawler.ErrInvalidState), errors.Is(err, crawler.ErrNotFound):
		w.finish(elapsed, func(s *Stats) { s.Cancelled++ })
		metrics.ObserveWorkerJob("superseded")
		logger.Info("job no longer owned, failure discarded", zap.Error(err))
		return false
	default:
		w.finish(elapsed, func(s *Stats) { s.Failed++ })
		metrics.ObserveWorkerJob("report_failed")
		logger.Error("fail job failed", zap.Error(err), zap.NamedError("cause", fetchErr))
		return true
	}
}

// safeFetch calls the fetcher and converts a panic into a recoverable error.
func (w *Worker) safeFetch(ctx context.Context, job *crawler.Job) (result json.RawMessage, err error) {
	if w.fetcher == nil {
		return nil, crawler.Permanent(errors.New("no fetcher configured"))
	}
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveRecoveredPanic()
			w.logger.Error("fetcher panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			result = nil
			err = crawler.Recoverable(fmt.Errorf("fetcher panic: %v", r))
		}
	}()

	result, err = w.fetcher.Fetch(ctx, crawler.FetchRequest{
		JobID:   job.ID,
		URL:     job.URL,
		Config:  job.Config,
		Attempt: job.Attempts,
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = crawler.Recoverable(fmt.Errorf("%w: %w", crawler.ErrJobTimeout, err))
	}
	return result, err
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.stats
	if out.Processed > 0 {
		out.AvgProcessing = w.totalTime / time.Duration(out.Processed)
	}
	if !out.StartedAt.IsZero() {
		out.Uptime = w.clock.Now().Sub(out.StartedAt)
	}
	return out
}

func (w *Worker) processed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats.Processed
}

func (w *Worker) setCurrent(jobID string) {
	w.mu.Lock()
	w.stats.CurrentJobID = jobID
	w.mu.Unlock()
}

func (w *Worker) finish(elapsed time.Duration, update func(*Stats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Processed++
	w.totalTime += elapsed
	update(&w.stats)
}

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.stats.LastError = err.Error()
	w.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
