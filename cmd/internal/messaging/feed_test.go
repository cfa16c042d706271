package messaging

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ev := NewEvent(EventInsert, Message{ID: "m1", ConversationID: "conv-1", Content: "hi"})
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.C:
		if got.ID != ev.ID || got.Message.ID != "m1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_ScopedToConversation(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "conv-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, NewEvent(EventInsert, Message{ID: "m1", ConversationID: "conv-b"})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected cross-conversation delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Close()

	// Channel is closed after unsubscribe.
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing afterwards must not panic.
	if err := b.Publish(ctx, NewEvent(EventInsert, Message{ID: "m1", ConversationID: "conv-1"})); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestBroker_DropsOnBackpressure(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger(), WithBrokerQueueSize(feedMinQueueSize))
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Nobody drains: overflow must be dropped, never block.
	for i := 0; i < feedMinQueueSize*2; i++ {
		if err := b.Publish(ctx, NewEvent(EventInsert, Message{ID: "m", ConversationID: "conv-1"})); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if got := len(sub.C); got != feedMinQueueSize {
		t.Fatalf("expected queue capped at %d, got %d", feedMinQueueSize, got)
	}
}
