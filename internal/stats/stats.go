// Package stats aggregates read-only monitoring figures over a snapshot of queue state.
package stats

import (
	"time"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// Counters are the monotonically increasing failure figures kept by the queue.
type Counters struct {
	FailedAttempts  int64
	Reclaimed       int64
	PersistFailures int64
}

// Collect builds QueueStats from jobs. Every status and priority appears in the
// result, with zero counts where nothing matches.
//
// Wait time is started_at - created_at for every job that has been claimed at least
// once. Run time is completed_at - started_at for COMPLETED jobs only; failed and
// cancelled jobs would skew it with timeouts and aborted work.
func Collect(jobs []crawler.Job, counters Counters, now time.Time) crawler.QueueStats {
	out := crawler.QueueStats{
		Total:           len(jobs),
		ByStatus:        make(map[crawler.JobStatus]int, len(crawler.AllStatuses)),
		PendingByPrio:   make(map[string]int, len(crawler.AllPriorities)),
		FailedAttempts:  counters.FailedAttempts,
		Reclaimed:       counters.Reclaimed,
		PersistFailures: counters.PersistFailures,
		Snapshot:        now,
	}
	for _, s := range crawler.AllStatuses {
		out.ByStatus[s] = 0
	}
	for _, p := range crawler.AllPriorities {
		out.PendingByPrio[p.String()] = 0
	}

	var (
		waitSum, runSum time.Duration
		waitN, runN     int64
	)
	for i := range jobs {
		job := &jobs[i]
		out.ByStatus[job.Status]++
		if job.Status == crawler.JobStatusPending {
			out.PendingByPrio[job.Priority.String()]++
			if out.OldestPending == nil || job.CreatedAt.Before(*out.OldestPending) {
				created := job.CreatedAt
				out.OldestPending = &created
			}
		}
		if job.StartedAt != nil {
			if d := job.StartedAt.Sub(job.CreatedAt); d >= 0 {
				waitSum += d
				waitN++
			}
		}
		if job.Status == crawler.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			if d := job.CompletedAt.Sub(*job.StartedAt); d >= 0 {
				runSum += d
				runN++
			}
		}
	}
	if waitN > 0 {
		out.AvgWait = waitSum / time.Duration(waitN)
	}
	if runN > 0 {
		out.AvgRun = runSum / time.Duration(runN)
	}
	return out
}
