package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	if err != nil || id1 != "mem-000001" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	if _, err := pub.Publish(context.Background(), "topic-b", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(pub.Messages("")); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	onlyA := pub.Messages("topic-a")
	if len(onlyA) != 1 || onlyA[0].ID != id1 {
		t.Fatalf("topic filter mismatch: %+v", onlyA)
	}

	onlyA[0].Topic = "modified"
	if pub.Messages("topic-a")[0].Topic == "modified" {
		t.Fatal("expected Messages to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "t", 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "t", 1); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(pub.Messages("t")) != 1 {
		t.Fatal("failed publish must not be recorded")
	}
}
