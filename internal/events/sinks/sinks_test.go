package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/publisher/memory"
)

func TestPrometheusSinkCountsTransitions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{JobID: "a", TS: now, Kind: events.KindJobAdded, Priority: crawler.PriorityUrgent},
		{JobID: "a", TS: now, Kind: events.KindJobClaimed, Priority: crawler.PriorityUrgent, Wait: time.Second},
		{JobID: "a", TS: now, Kind: events.KindJobCompleted, Priority: crawler.PriorityUrgent, Dur: 2 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("JOB_CLAIMED", "urgent")), 0.001)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("JOB_COMPLETED", "urgent")), 0.001)
	require.Equal(t, 1, testutil.CollectAndCount(sink.waitTime))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runTime))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	batch := []events.Event{
		{JobID: "a", Kind: events.KindJobRetry, WorkerID: "w1", Note: "timeout"},
		{JobID: "b", Kind: events.KindJobAdded},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2, logs.Len())
	first := logs.All()[0].ContextMap()
	require.Equal(t, "a", first["job_id"])
	require.Equal(t, "w1", first["worker_id"])
	require.Equal(t, "timeout", first["note"])
}

func TestPublisherSinkPublishesTerminalEventsOnly(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "job-events")
	batch := []events.Event{
		{JobID: "a", Kind: events.KindJobClaimed},
		{JobID: "a", Kind: events.KindJobCompleted, Status: crawler.JobStatusCompleted},
		{JobID: "b", Kind: events.KindJobReclaimed, Status: crawler.JobStatusPending},
		{JobID: "c", Kind: events.KindJobReclaimed, Status: crawler.JobStatusFailed},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages("job-events")
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].Payload.(events.Event).JobID)
	require.Equal(t, "c", msgs[1].Payload.(events.Event).JobID)

	pub.FailWith(errors.New("down"))
	require.Error(t, sink.Consume(context.Background(), batch))
}

func TestPublisherSinkWithoutTopicIsNoop(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "")
	require.NoError(t, sink.Consume(context.Background(), []events.Event{{JobID: "a", Kind: events.KindJobFailed}}))
	require.Empty(t, pub.Messages(""))
}
