package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yukselcsgn/dynamic-web-scraper/internal/crawler"
	"github.com/Yukselcsgn/dynamic-web-scraper/internal/events"
)

// PublisherSink forwards terminal lifecycle events to a topic so downstream
// consumers learn about finished jobs without polling the API.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublisherSink returns a sink publishing to topic.
func NewPublisherSink(publisher crawler.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes every terminal event in the batch. Publish errors are joined
// so one failing message does not hide the others.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s.publisher == nil || s.topic == "" {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Kind, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
