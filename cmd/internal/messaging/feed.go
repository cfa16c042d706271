package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates change-feed events.
type EventKind string

const (
	// EventInsert announces a newly appended message.
	EventInsert EventKind = "insert"
	// EventUpdate announces a mutation of an existing message (read flag).
	EventUpdate EventKind = "update"
)

// Event is one change notification for a conversation.
// It carries the full joined message record so consumers never need a
// follow-up fetch.
type Event struct {
	ID             string    `json:"id"`
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Message        Message   `json:"message"`
	At             time.Time `json:"at"`
}

// NewEvent builds an Event for msg with a fresh event id.
func NewEvent(kind EventKind, msg Message) Event {
	return Event{
		ID:             uuid.NewString(),
		Kind:           kind,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             time.Now().UTC(),
	}
}

// Subscription is a handle on one conversation's event stream.
// C is closed when the subscription is torn down.
type Subscription struct {
	C <-chan Event

	cancel    func()
	closeOnce sync.Once
}

// Close tears the subscription down (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// ChangeFeed delivers insert/update events scoped to a conversation.
//
// Delivery is best-effort and at-least-once from the consumer's point of
// view: subscribers with full queues are dropped rather than blocking the
// publisher, and the same logical change may be observed more than once.
// Consumers must merge idempotently (see Bridge).
type ChangeFeed interface {
	Subscribe(ctx context.Context, conversationID string) (*Subscription, error)
	Publish(ctx context.Context, ev Event) error
	Close() error
}

const (
	feedDefaultQueueSize = 256
	feedMinQueueSize     = 32
)

// Broker is an in-process ChangeFeed, the single-node counterpart of
// RedisFeed. Fanout never blocks: events are dropped per slow subscriber.
type Broker struct {
	log       *slog.Logger
	queueSize int

	mu     sync.Mutex
	nextID int64
	topics map[string]map[int64]chan Event
	closed bool
}

// BrokerOption configures Broker behavior.
type BrokerOption func(*Broker)

// WithBrokerQueueSize sets the per-subscriber queue capacity.
func WithBrokerQueueSize(n int) BrokerOption {
	return func(b *Broker) {
		if n >= feedMinQueueSize {
			b.queueSize = n
		}
	}
}

// NewBroker constructs an in-process change feed.
func NewBroker(log *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		log:       log,
		queueSize: feedDefaultQueueSize,
		topics:    make(map[string]map[int64]chan Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a bounded event queue for one conversation.
func (b *Broker) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, OpError{Op: "messaging.Subscribe", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan Event, b.queueSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("messaging: broker closed")
	}

	id := b.nextID
	b.nextID++

	subs := b.topics[conversationID]
	if subs == nil {
		subs = make(map[int64]chan Event)
		b.topics[conversationID] = subs
	}
	subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.topics[conversationID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, conversationID)
				}
				// Safe: publishers send while holding the lock, so once the
				// channel is out of the map nothing can send on it.
				close(ch)
			}
		}
	}

	return &Subscription{C: ch, cancel: cancel}, nil
}

// Publish fans ev out to the conversation's subscribers without blocking.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.ConversationID) == "" {
		return OpError{Op: "messaging.Publish", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("messaging: broker closed")
	}

	for _, ch := range b.topics[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			// Drop rather than block the publisher.
			feedEventsDropped.Inc()
			if b.log != nil {
				b.log.Debug("feed.event.drop", "conversation_id", ev.ConversationID, "event_id", ev.ID)
			}
		}
	}

	feedEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Close tears down all subscriptions.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.topics = make(map[string]map[int64]chan Event)
	return nil
}
