package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
)

// StatsSource is satisfied by the job queue.
type StatsSource interface {
	Stats() crawler.QueueStats
}

// QueueCollector reads queue statistics at scrape time.
type QueueCollector struct {
	source StatsSource

	jobs            *prometheus.Desc
	pending         *prometheus.Desc
	oldestPending   *prometheus.Desc
	avgWait         *prometheus.Desc
	avgRun          *prometheus.Desc
	failedAttempts  *prometheus.Desc
	reclaimed       *prometheus.Desc
	persistFailures *prometheus.Desc
}

// NewQueueCollector builds a collector over source.
func NewQueueCollector(source StatsSource) *QueueCollector {
	return &QueueCollector{
		source: source,
		jobs: prometheus.NewDesc("scraper_queue_jobs",
			"Jobs currently held by the queue, labeled by status.", []string{"status"}, nil),
		pending: prometheus.NewDesc("scraper_queue_pending_jobs",
			"Pending jobs labeled by priority.", []string{"priority"}, nil),
		oldestPending: prometheus.NewDesc("scraper_queue_oldest_pending_age_seconds",
			"Age of the oldest pending job; zero when nothing is pending.", nil, nil),
		avgWait: prometheus.NewDesc("scraper_queue_avg_wait_seconds",
			"Average time between creation and first claim.", nil, nil),
		avgRun: prometheus.NewDesc("scraper_queue_avg_run_seconds",
			"Average execution time of completed jobs.", nil, nil),
		failedAttempts: prometheus.NewDesc("scraper_queue_failed_attempts_total",
			"Failed attempts reported by workers.", nil, nil),
		reclaimed: prometheus.NewDesc("scraper_queue_reclaimed_total",
			"Running jobs reclaimed after exceeding the job timeout.", nil, nil),
		persistFailures: prometheus.NewDesc("scraper_queue_persist_failures_total",
			"Job store writes that failed.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.pending
	ch <- c.oldestPending
	ch <- c.avgWait
	ch <- c.avgRun
	ch <- c.failedAttempts
	ch <- c.reclaimed
	ch <- c.persistFailures
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	for _, status := range crawler.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.ByStatus[status]), string(status))
	}
	for _, p := range crawler.AllPriorities {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.PendingByPrio[p.String()]), p.String())
	}
	var age time.Duration
	if s.OldestPending != nil && s.Snapshot.After(*s.OldestPending) {
		age = s.Snapshot.Sub(*s.OldestPending)
	}
	ch <- prometheus.MustNewConstMetric(c.oldestPending, prometheus.GaugeValue, age.Seconds())
	ch <- prometheus.MustNewConstMetric(c.avgWait, prometheus.GaugeValue, s.AvgWait.Seconds())
	ch <- prometheus.MustNewConstMetric(c.avgRun, prometheus.GaugeValue, s.AvgRun.Seconds())
	ch <- prometheus.MustNewConstMetric(c.failedAttempts, prometheus.CounterValue, float64(s.FailedAttempts))
	ch <- prometheus.MustNewConstMetric(c.reclaimed, prometheus.CounterValue, float64(s.Reclaimed))
	ch <- prometheus.MustNewConstMetric(c.persistFailures, prometheus.CounterValue, float64(s.PersistFailures))
}
