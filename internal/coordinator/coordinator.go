// Package coordinator runs a fixed pool of workers over the job queue and the periodic
// reclaimer that requeues jobs stuck in RUNNING.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/clock"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/id/uuid"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/worker"
)

const defaultReclaimInterval = 30 * time.Second

var (
	// ErrAlreadyRunning is returned by Start on a pool that has not been stopped.
	ErrAlreadyRunning = errors.New("worker pool already running")
	// ErrNotRunning is returned by Stop on a pool that was never started.
	ErrNotRunning = errors.New("worker pool not running")
)

// Queue is what the pool needs from the job queue.
type Queue interface {
	worker.Queue
	ReclaimStale(ctx context.Context) (int, error)
	Stats() crawler.QueueStats
	Healthy() error
}

// Config tunes the pool.
type Config struct {
	PollInterval     time.Duration
	ReclaimInterval  time.Duration
	FetchTimeout     time.Duration
	MaxJobsPerWorker int
	// WorkerID names the worker in slot i; defaults to uuid.WorkerID.
	WorkerID func(slot int) string
	Clock    crawler.Clock
}

// PoolStats aggregates per-worker counters on top of the queue snapshot.
type PoolStats struct {
	Running          bool               `json:"running"`
	Size             int                `json:"size"`
	Busy             int                `json:"busy"`
	Idle             int                `json:"idle"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	Processed        int64              `json:"processed"`
	Succeeded        int64              `json:"succeeded"`
	Failed           int64              `json:"failed"`
	Cancelled        int64              `json:"cancelled"`
	Abandoned        int64              `json:"abandoned"`
	LastReclaimAt    *time.Time         `json:"last_reclaim_at,omitempty"`
	Reclaimed        int64              `json:"reclaimed_by_pool"`
	PersistenceError string             `json:"persistence_error,omitempty"`
	Workers          []worker.Stats     `json:"workers"`
	Queue            crawler.QueueStats `json:"queue"`
}

// Coordinator owns the worker population.
type Coordinator struct {
	queue   Queue
	fetcher crawler.Fetcher
	backoff worker.Backoff
	cfg     Config
	logger  *zap.Logger

	mu          sync.Mutex
	running     bool
	workers     []*worker.Worker
	startedAt   time.Time
	stopLoop    context.CancelFunc
	abortJobs   context.CancelFunc
	stopReclaim context.CancelFunc
	workersDone chan struct{}
	reclaimDone chan struct{}

	lastReclaim time.Time
	reclaimed   int64
}

// New creates a Coordinator. Nothing runs until Start.
func New(queue Queue, fetcher crawler.Fetcher, backoff worker.Backoff, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = defaultReclaimInterval
	}
	if cfg.WorkerID == nil {
		cfg.WorkerID = uuid.WorkerID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		queue:   queue,
		fetcher: fetcher,
		backoff: backoff,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start spawns n workers and the reclaim ticker. Cancelling ctx behaves like a drained Stop
// for the claim loops but never interrupts a job in flight; use Stop(ctx, false) for that.
func (c *Coordinator) Start(ctx context.Context, n int) error {
	if n <= 0 {
		return errors.New("worker count must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	jobCtx, abortJobs := context.WithCancel(context.WithoutCancel(ctx))
	reclaimCtx, stopReclaim := context.WithCancel(ctx)

	c.workers = make([]*worker.Worker, n)
	for i := range c.workers {
		c.workers[i] = worker.New(
			c.cfg.WorkerID(i),
			c.queue,
			c.fetcher,
			c.backoff,
			c.cfg.Clock,
			worker.Config{
				PollInterval: c.cfg.PollInterval,
				FetchTimeout: c.cfg.FetchTimeout,
				MaxJobs:      c.cfg.MaxJobsPerWorker,
			},
			c.logger,
		)
	}

	workersDone := make(chan struct{})
	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			if err := wk.Run(loopCtx, jobCtx); err != nil {
				c.logger.Error("worker exited with error", zap.String("worker_id", wk.ID()), zap.Error(err))
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	reclaimDone := make(chan struct{})
	go c.reclaimLoop(reclaimCtx, reclaimDone)

	c.running = true
	c.startedAt = c.cfg.Clock.Now()
	c.stopLoop = stopLoop
	c.abortJobs = abortJobs
	c.stopReclaim = stopReclaim
	c.workersDone = workersDone
	c.reclaimDone = reclaimDone
	c.logger.Info("worker pool started",
		zap.Int("workers", n),
		zap.Duration("reclaim_interval", c.cfg.ReclaimInterval),
	)
	return nil
}

// Stop signals every worker to exit. With drain, workers finish and report their current
// job; without it, in-flight jobs are abandoned and left RUNNING for ReclaimStale. If ctx
// ends before a drain completes, the remaining jobs are abandoned as well.
func (c *Coordinator) Stop(ctx context.Context, drain bool) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	stopLoop, abortJobs, stopReclaim := c.stopLoop, c.abortJobs, c.stopReclaim
	workersDone, reclaimDone := c.workersDone, c.reclaimDone
	c.mu.Unlock()

	c.logger.Info("stopping worker pool", zap.Bool("drain", drain))
	stopReclaim()
	stopLoop()
	if !drain {
		abortJobs()
	}

	var err error
	select {
	case <-workersDone:
	case <-ctx.Done():
		c.logger.Warn("drain deadline reached, abandoning in-flight jobs", zap.Error(ctx.Err()))
		abortJobs()
		<-workersDone
		err = ctx.Err()
	}
	abortJobs()
	<-reclaimDone
	c.logger.Info("worker pool stopped")
	return err
}

// Wait blocks until every worker has exited, which happens on its own only when all
// workers reach their job cap or the queue closes.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.workersDone
	c.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Start has been called without a matching Stop.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Healthy surfaces the queue's persistence health.
func (c *Coordinator) Healthy() error {
	return c.queue.Healthy()
}

// Stats aggregates worker counters with the queue snapshot.
func (c *Coordinator) Stats() PoolStats {
	c.mu.Lock()
	out := PoolStats{
		Running:   c.running,
		Size:      len(c.workers),
		Reclaimed: c.reclaimed,
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		out.StartedAt = &started
	}
	if !c.lastReclaim.IsZero() {
		last := c.lastReclaim
		out.LastReclaimAt = &last
	}
	workers := append([]*worker.Worker(nil), c.workers...)
	c.mu.Unlock()

	out.Workers = make([]worker.Stats, 0, len(workers))
	for _, w := range workers {
		s := w.Stats()
		out.Workers = append(out.Workers, s)
		out.Processed += s.Processed
		out.Succeeded += s.Succeeded
		out.Failed += s.Failed
		out.Cancelled += s.Cancelled
		out.Abandoned += s.Abandoned
		switch {
		case s.CurrentJobID != "":
			out.Busy++
		case s.Running:
			out.Idle++
		}
	}
	out.Queue = c.queue.Stats()
	if err := c.queue.Healthy(); err != nil {
		out.PersistenceError = err.Error()
	}
	return out
}

func (c *Coordinator) reclaimLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimOnce(ctx)
		}
	}
}

func (c *Coordinator) reclaimOnce(ctx context.Context) {
	n, err := c.queue.ReclaimStale(ctx)
	c.mu.Lock()
	c.lastReclaim = c.cfg.Clock.Now()
	c.reclaimed += int64(n)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("reclaim stale jobs failed", zap.Int("reclaimed", n), zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Warn("reclaimed stale jobs", zap.Int("reclaimed", n))
	}
}
