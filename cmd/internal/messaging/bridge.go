package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bridgeMaxLoadPages  = 200
	bridgeMarkReadGrace = 5 * time.Second
)

// Bridge keeps a client-local ordered message view consistent with the
// store as change events stream in.
//
// Sequencing invariant: Start subscribes BEFORE loading history. Events
// that arrive during the load sit buffered in the subscription queue and
// are replayed through the idempotent merge afterwards, so a message sent
// in the gap is neither lost nor duplicated.
//
// One Bridge serves one conversation view; switching conversations means
// closing this Bridge and starting a new one.
type Bridge struct {
	log    *slog.Logger
	msgs   MessageStore
	feed   ChangeFeed
	convID string
	userID string

	autoRead bool

	mu          sync.Mutex
	view        []Message
	index       map[string]int
	readPending bool
	started     bool

	sub       *Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// BridgeOption configures Bridge behavior.
type BridgeOption func(*Bridge)

// WithAutoRead toggles the fire-and-forget mark-as-read for incoming
// messages (default on).
func WithAutoRead(enabled bool) BridgeOption {
	return func(b *Bridge) { b.autoRead = enabled }
}

// NewBridge constructs a Bridge for one conversation and local user.
func NewBridge(log *slog.Logger, msgs MessageStore, feed ChangeFeed, conversationID, localUserID string, opts ...BridgeOption) (*Bridge, error) {
	conversationID = strings.TrimSpace(conversationID)
	localUserID = strings.TrimSpace(localUserID)
	if msgs == nil || feed == nil || conversationID == "" || localUserID == "" {
		return nil, OpError{Op: "messaging.NewBridge", Kind: ErrInvalidInput}
	}
	b := &Bridge{
		log:      log,
		msgs:     msgs,
		feed:     feed,
		convID:   conversationID,
		userID:   localUserID,
		autoRead: true,
		index:    make(map[string]int),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Start subscribes, loads history, and begins applying events.
// It must be called at most once.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("messaging: bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	// Subscribe first: the queue buffers whatever lands during the load.
	sub, err := b.feed.Subscribe(ctx, b.convID)
	if err != nil {
		return err
	}

	loaded, err := b.loadAll(ctx)
	if err != nil {
		sub.Close()
		return err
	}

	b.mu.Lock()
	b.view = loaded
	b.index = make(map[string]int, len(loaded))
	for i := range loaded {
		b.index[loaded[i].ID] = i
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	b.sub = sub
	b.cancel = cancel

	go b.run(runCtx)
	return nil
}

func (b *Bridge) loadAll(ctx context.Context) ([]Message, error) {
	var (
		out   []Message
		after *int64
	)
	for page := 0; page < bridgeMaxLoadPages; page++ {
		res, err := b.msgs.List(ctx, ListInput{
			ConversationID: b.convID,
			AfterSeq:       after,
			Limit:          maxListLimit,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Messages...)
		if !res.HasMore || len(res.Messages) == 0 {
			return out, nil
		}
		last := res.Messages[len(res.Messages)-1].Seq
		after = &last
	}
	return out, nil
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.C:
			if !ok {
				return
			}
			b.apply(ctx, ev)
		}
	}
}

func (b *Bridge) apply(ctx context.Context, ev Event) {
	// A late event from a previously watched conversation must not leak in.
	if ev.ConversationID != b.convID {
		return
	}

	autoRead := b.merge(ev.Message)
	if !autoRead {
		return
	}

	// Best-effort: the sender never learns about a failed read receipt.
	go func() {
		// Reset the flag BEFORE the round-trip. A message merged while
		// MarkRead runs may land after the store took its snapshot; it
		// must be able to trigger a fresh call that covers it.
		b.mu.Lock()
		b.readPending = false
		b.mu.Unlock()

		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bridgeMarkReadGrace)
		defer cancel()

		if _, err := b.msgs.MarkRead(readCtx, b.convID, b.userID); err != nil {
			if b.log != nil {
				b.log.Warn("bridge.markread.fail", "conversation_id", b.convID, "user_id", b.userID, "err", err)
			}
		}
	}()
}

// merge applies one message into the view. Idempotent and order-preserving:
// a known id replaces in place, an unknown id is inserted in creation order.
// Returns true when an auto mark-as-read should fire.
func (b *Bridge) merge(m Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[m.ID]; ok {
		existing := b.view[i]
		// Events may carry thinner sender info than the joined history load.
		if m.Sender.Name == "" {
			m.Sender = existing.Sender
		}
		// A read flag never reverts.
		if existing.Read {
			m.Read = true
		}
		b.view[i] = m
		return false
	}

	at := sort.Search(len(b.view), func(i int) bool {
		if b.view[i].CreatedAt.Equal(m.CreatedAt) {
			return b.view[i].Seq > m.Seq
		}
		return b.view[i].CreatedAt.After(m.CreatedAt)
	})
	b.view = append(b.view, Message{})
	copy(b.view[at+1:], b.view[at:])
	b.view[at] = m
	for i := at; i < len(b.view); i++ {
		b.index[b.view[i].ID] = i
	}

	if !b.autoRead || m.Read || m.Sender.ID == b.userID {
		return false
	}
	// Coalesce: one MarkRead round-trip covers every unread message.
	if b.readPending {
		return false
	}
	b.readPending = true
	return true
}

// Snapshot returns a copy of the current ordered view.
func (b *Bridge) Snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.view...)
}

// Len returns the current view size.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.view)
}

// Close tears down the subscription and stops event application (idempotent).
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.sub != nil {
			b.sub.Close()
		}
	})
}

// Done is closed once the event loop has fully stopped.
// Returns a closed channel if the bridge never started.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.done
}
