package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
)

// PrometheusSink turns lifecycle events into transition counters and latency histograms.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	waitTime    *prometheus.HistogramVec
	runTime     *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_transitions_total",
			Help: "Committed job transitions partitioned by kind and priority.",
		}, []string{"kind", "priority"}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_wait_seconds",
			Help:    "Time jobs spent pending before a worker claimed them.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"priority"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_run_seconds",
			Help:    "Execution time of finished attempts partitioned by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{s.transitions, s.waitTime, s.runTime} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.transitions.WithLabelValues(string(evt.Kind), evt.Priority.String()).Inc()
		switch evt.Kind {
		case events.KindJobClaimed:
			if evt.Wait > 0 {
				s.waitTime.WithLabelValues(evt.Priority.String()).Observe(evt.Wait.Seconds())
			}
		case events.KindJobCompleted, events.KindJobRetry, events.KindJobFailed, events.KindJobReclaimed:
			if evt.Dur > 0 {
				s.runTime.WithLabelValues(outcomeLabel(evt.Kind)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func outcomeLabel(kind events.Kind) string {
	switch kind {
	case events.KindJobCompleted:
		return "completed"
	case events.KindJobReclaimed:
		return "timeout"
	default:
		return "failed"
	}
}
