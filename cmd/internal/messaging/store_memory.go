package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"alumnode/cmd/internal/ids"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is a dev/test implementation of ConversationStore and
// MessageStore. The single mutex serializes GetOrCreate, so the pair
// uniqueness invariant holds under concurrent resolution.
type InMemoryStore struct {
	senders SenderLookup

	mu     sync.Mutex
	convs  map[string]*memConversation
	byPair map[string]string // "lo\x00hi" -> conversation id
}

type memConversation struct {
	conv Conversation
	seq  int64
	msgs []Message // ordered by seq
}

// MemoryOption configures InMemoryStore behavior.
type MemoryOption func(*InMemoryStore)

// WithSenderLookup joins sender display fields via the given lookup.
func WithSenderLookup(l SenderLookup) MemoryOption {
	return func(s *InMemoryStore) { s.senders = l }
}

// NewInMemoryStore constructs an in-memory store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		convs:  make(map[string]*memConversation),
		byPair: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func pairKey(lo, hi string) string { return lo + "\x00" + hi }

// GetOrCreate returns the unique conversation for the pair, creating it on
// first use.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, in GetOrCreateInput) (GetOrCreateResult, error) {
	lo, hi, err := NormalizePair(in.UserA, in.UserB)
	if err != nil {
		return GetOrCreateResult{}, OpError{Op: "messaging.GetOrCreate", Kind: err}
	}
	if err := ctx.Err(); err != nil {
		return GetOrCreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[pairKey(lo, hi)]; ok {
		return GetOrCreateResult{Conversation: s.convs[id].conv, Created: false}, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return GetOrCreateResult{}, err
	}
	conv := Conversation{
		ID:             id,
		UserLo:         lo,
		UserHi:         hi,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.convs[id] = &memConversation{conv: conv, msgs: make([]Message, 0, 64)}
	s.byPair[pairKey(lo, hi)] = id

	return GetOrCreateResult{Conversation: conv, Created: true}, nil
}

// Get returns a conversation by id.
func (s *InMemoryStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, OpError{Op: "messaging.Get", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, OpError{Op: "messaging.Get", Kind: ErrNotFound}
	}
	return c.conv, nil
}

// ListForUser returns the user's conversations, most recent activity first.
func (s *InMemoryStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, OpError{Op: "messaging.ListForUser", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.HasParticipant(userID) {
			out = append(out, c.conv)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// Touch advances the conversation's last activity. Monotonic: an older
// timestamp never moves it backwards.
func (s *InMemoryStore) Touch(ctx context.Context, conversationID string, at time.Time) error {
	if strings.TrimSpace(conversationID) == "" {
		return OpError{Op: "messaging.Touch", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return OpError{Op: "messaging.Touch", Kind: ErrNotFound}
	}
	if at.After(c.conv.LastActivityAt) {
		c.conv.LastActivityAt = at
	}
	return nil
}

// Delete removes a conversation and its messages. Participant-only.
func (s *InMemoryStore) Delete(ctx context.Context, conversationID, requesterID string) error {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(requesterID) == "" {
		return OpError{Op: "messaging.Delete", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return OpError{Op: "messaging.Delete", Kind: ErrNotFound}
	}
	if !c.conv.HasParticipant(requesterID) {
		return OpError{Op: "messaging.Delete", Kind: ErrNotParticipant}
	}

	delete(s.byPair, pairKey(c.conv.UserLo, c.conv.UserHi))
	delete(s.convs, conversationID)
	return nil
}

// Append persists a message and touches the conversation's last activity.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "messaging.Append"

	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, OpError{Op: op, Kind: ErrEmptyMessage}
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "content too long"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sender := Sender{ID: in.SenderID}
	if s.senders != nil {
		if resolved, err := s.senders.Sender(ctx, in.SenderID); err == nil {
			sender = resolved
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if !c.conv.HasParticipant(in.SenderID) {
		return Message{}, OpError{Op: op, Kind: ErrNotParticipant}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	c.seq++
	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		Sender:         sender,
		Content:        content,
		Read:           false,
		CreatedAt:      now,
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastActivityAt = now

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	messagesAppended.Inc()
	return msg, nil
}

// List returns messages ordered by creation time ASC (ties by seq), with
// paging via AfterSeq.
func (s *InMemoryStore) List(ctx context.Context, in ListInput) (ListResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return ListResult{}, OpError{Op: "messaging.List", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampListLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []Message
	if c != nil {
		snap = append([]Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListResult{}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].Seq < snap[j].Seq
		}
		return snap[i].CreatedAt.Before(snap[j].CreatedAt)
	})

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return ListResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListResult{Messages: out, HasMore: hasMore}, nil
}

// MarkRead flips unread messages not sent by readerID and returns them.
// Calling it again is a no-op.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) ([]Message, error) {
	const op = "messaging.MarkRead"

	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(readerID) == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, OpError{Op: op, Kind: ErrNotFound}
	}
	if !c.conv.HasParticipant(readerID) {
		return nil, OpError{Op: op, Kind: ErrNotParticipant}
	}

	var flipped []Message
	for i := range c.msgs {
		if c.msgs[i].Sender.ID != readerID && !c.msgs[i].Read {
			c.msgs[i].Read = true
			flipped = append(flipped, c.msgs[i])
		}
	}
	return flipped, nil
}

// UnreadCount sums unread messages addressed to userID across all
// conversations the user participates in.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, OpError{Op: "messaging.UnreadCount", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.convs {
		if !c.conv.HasParticipant(userID) {
			continue
		}
		for i := range c.msgs {
			if c.msgs[i].Sender.ID != userID && !c.msgs[i].Read {
				n++
			}
		}
	}
	return n, nil
}
