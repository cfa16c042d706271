package messaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newBridgeFixture(t *testing.T, opts ...BridgeOption) (*InMemoryStore, *Broker, Conversation, *Bridge) {
	t.Helper()

	store := NewInMemoryStore()
	broker := NewBroker(testLogger())
	t.Cleanup(func() { _ = broker.Close() })

	conv := mustConv(t, store, "alice", "bob")

	bridge, err := NewBridge(testLogger(), store, broker, conv.ID, "alice", opts...)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(bridge.Close)

	return store, broker, conv, bridge
}

func TestBridge_LoadsHistoryOnStart(t *testing.T) {
	t.Parallel()

	store, _, conv, bridge := newBridgeFixture(t, WithAutoRead(false))

	m1 := mustAppend(t, store, conv.ID, "alice", "first")
	m2 := mustAppend(t, store, conv.ID, "bob", "second")

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := bridge.Snapshot()
	if len(snap) != 2 || snap[0].ID != m1.ID || snap[1].ID != m2.ID {
		t.Fatalf("unexpected view after load: %+v", snap)
	}
}

func TestBridge_MergeIdempotent(t *testing.T) {
	t.Parallel()

	store, broker, conv, bridge := newBridgeFixture(t, WithAutoRead(false))

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := mustAppend(t, store, conv.ID, "bob", "hello")
	ev := NewEvent(EventInsert, msg)

	ctx := context.Background()
	if err := broker.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := broker.Publish(ctx, ev); err != nil {
		t.Fatalf("publish again: %v", err)
	}
	// A distinct trailing event proves both copies were consumed.
	tail := mustAppend(t, store, conv.ID, "bob", "tail")
	if err := broker.Publish(ctx, NewEvent(EventInsert, tail)); err != nil {
		t.Fatalf("publish tail: %v", err)
	}

	waitFor(t, "tail message", func() bool { return bridge.Len() == 2 })

	occurrences := 0
	for _, m := range bridge.Snapshot() {
		if m.ID == msg.ID {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("expected exactly one occurrence of %s, got %d", msg.ID, occurrences)
	}
}

func TestBridge_EventDuringLoadNotLost(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()

	conv := mustConv(t, store, "alice", "bob")

	release := make(chan struct{})
	slow := &slowListStore{MessageStore: store, gate: release}

	bridge, err := NewBridge(testLogger(), slow, broker, conv.ID, "alice", WithAutoRead(false))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Close()

	startDone := make(chan error, 1)
	go func() { startDone <- bridge.Start(context.Background()) }()

	// Wait until the load is in flight, then land a message in the gap.
	waitFor(t, "load in flight", func() bool { return slow.entered.Load() })

	gap := mustAppend(t, store, conv.ID, "bob", "sent during load")
	if err := broker.Publish(context.Background(), NewEvent(EventInsert, gap)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	close(release)

	if err := <-startDone; err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "gap message", func() bool {
		for _, m := range bridge.Snapshot() {
			if m.ID == gap.ID {
				return true
			}
		}
		return false
	})

	occurrences := 0
	for _, m := range bridge.Snapshot() {
		if m.ID == gap.ID {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("expected exactly one occurrence, got %d", occurrences)
	}
}

func TestBridge_UpdateForUnknownMessageInsertsInOrder(t *testing.T) {
	t.Parallel()

	_, broker, conv, bridge := newBridgeFixture(t, WithAutoRead(false))

	ctx := context.Background()
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Neither message exists in the store: both arrive purely via events,
	// out of order, the late one disguised as an update.
	base := time.Now().UTC()
	sender := Sender{ID: "bob", Name: "bob"}
	early := Message{ID: "msg-early", ConversationID: conv.ID, Seq: 1, Sender: sender, Content: "early", CreatedAt: base}
	late := Message{ID: "msg-late", ConversationID: conv.ID, Seq: 2, Sender: sender, Content: "late", CreatedAt: base.Add(time.Minute)}

	if err := broker.Publish(ctx, NewEvent(EventUpdate, late)); err != nil {
		t.Fatalf("publish late: %v", err)
	}
	if err := broker.Publish(ctx, NewEvent(EventInsert, early)); err != nil {
		t.Fatalf("publish early: %v", err)
	}

	waitFor(t, "both messages", func() bool { return bridge.Len() == 2 })

	snap := bridge.Snapshot()
	idxEarly, idxLate := -1, -1
	for i, m := range snap {
		switch m.ID {
		case early.ID:
			idxEarly = i
		case late.ID:
			idxLate = i
		}
	}
	if idxEarly < 0 || idxLate < 0 {
		t.Fatalf("missing messages in view: %+v", snap)
	}
	if idxEarly > idxLate {
		t.Fatalf("creation order violated: early at %d, late at %d", idxEarly, idxLate)
	}
}

func TestBridge_ReadFlagNeverReverts(t *testing.T) {
	t.Parallel()

	store, broker, conv, bridge := newBridgeFixture(t, WithAutoRead(false))

	msg := mustAppend(t, store, conv.ID, "bob", "hello")
	if _, err := store.MarkRead(context.Background(), conv.ID, "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := bridge.Snapshot()
	if len(snap) != 1 || !snap[0].Read {
		t.Fatalf("expected one read message after load, got %+v", snap)
	}

	// A stale update with Read=false must not revert the flag.
	stale := msg // still Read=false from append time
	if err := broker.Publish(context.Background(), NewEvent(EventUpdate, stale)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	tail := mustAppend(t, store, conv.ID, "alice", "tail")
	if err := broker.Publish(context.Background(), NewEvent(EventInsert, tail)); err != nil {
		t.Fatalf("publish tail: %v", err)
	}
	waitFor(t, "tail", func() bool { return bridge.Len() == 2 })

	for _, m := range bridge.Snapshot() {
		if m.ID == msg.ID && !m.Read {
			t.Fatal("read flag reverted")
		}
	}
}

func TestBridge_AutoReadMarksIncoming(t *testing.T) {
	t.Parallel()

	store, broker, conv, bridge := newBridgeFixture(t)

	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := mustAppend(t, store, conv.ID, "bob", "unread for alice")
	if err := broker.Publish(context.Background(), NewEvent(EventInsert, msg)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, "auto mark-as-read", func() bool {
		return mustUnread(t, store, "alice") == 0
	})
}

func TestBridge_AutoReadCoversMessageDuringInflightMarkRead(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	broker := NewBroker(testLogger())
	defer func() { _ = broker.Close() }()

	conv := mustConv(t, store, "alice", "bob")

	release := make(chan struct{})
	slow := &slowMarkReadStore{MessageStore: store, gate: release}

	bridge, err := NewBridge(testLogger(), slow, broker, conv.ID, "alice")
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	defer bridge.Close()

	ctx := context.Background()
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := mustAppend(t, store, conv.ID, "bob", "first")
	if err := broker.Publish(ctx, NewEvent(EventInsert, first)); err != nil {
		t.Fatalf("publish first: %v", err)
	}

	// The first MarkRead has taken its store snapshot and is now stalled
	// before returning. A message landing here missed that snapshot and
	// must trigger its own round-trip.
	waitFor(t, "mark-read in flight", func() bool { return slow.entered.Load() })

	second := mustAppend(t, store, conv.ID, "bob", "second, during mark-read")
	if err := broker.Publish(ctx, NewEvent(EventInsert, second)); err != nil {
		t.Fatalf("publish second: %v", err)
	}

	waitFor(t, "second message unread flipped", func() bool {
		return mustUnread(t, store, "alice") == 0
	})
	close(release)
}

// slowListStore delays the first List call until gate is closed, modelling a
// history load that overlaps with new messages.
type slowListStore struct {
	MessageStore
	gate    chan struct{}
	entered atomic.Bool
}

func (s *slowListStore) List(ctx context.Context, in ListInput) (ListResult, error) {
	s.entered.Store(true)
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ListResult{}, ctx.Err()
	}
	return s.MessageStore.List(ctx, in)
}

// slowMarkReadStore lets the first MarkRead flip its snapshot, then holds the
// call open until gate is closed. Later calls pass straight through.
type slowMarkReadStore struct {
	MessageStore
	gate    chan struct{}
	entered atomic.Bool
}

func (s *slowMarkReadStore) MarkRead(ctx context.Context, conversationID, readerID string) ([]Message, error) {
	flipped, err := s.MessageStore.MarkRead(ctx, conversationID, readerID)
	if s.entered.CompareAndSwap(false, true) {
		select {
		case <-s.gate:
		case <-ctx.Done():
		}
	}
	return flipped, err
}
