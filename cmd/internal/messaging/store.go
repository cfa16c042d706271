package messaging

import (
	"context"
	"time"
)

// GetOrCreateInput describes a conversation resolution request.
type GetOrCreateInput struct {
	UserA string
	UserB string
	Now   time.Time
}

// GetOrCreateResult is the resolution result.
// Created is true only when this call inserted the conversation.
type GetOrCreateResult struct {
	Conversation Conversation
	Created      bool
}

// ConversationStore resolves and manages two-party conversations.
//
// Requirements:
//   - At most one conversation per unordered user pair; GetOrCreate must be
//     safe under concurrent calls for the same pair.
//   - Delete is restricted to participants and cascades to messages.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, in GetOrCreateInput) (GetOrCreateResult, error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	Touch(ctx context.Context, conversationID string, at time.Time) error
	Delete(ctx context.Context, conversationID, requesterID string) error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// ListInput describes a history query request.
type ListInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// ListResult contains the retrieved history window, oldest first.
type ListResult struct {
	Messages []Message
	HasMore  bool
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Append trims content and rejects empty content with ErrEmptyMessage
//     before any store work; the sender must be a participant.
//   - Append updates the conversation's last-activity atomically with the
//     insert: after Append returns, last activity reflects this message.
//   - List orders by creation time ascending, ties broken by seq.
//   - MarkRead flips is_read for all unread messages not sent by readerID;
//     it is idempotent and returns the messages it flipped. A read flag
//     never reverts to false.
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (Message, error)
	List(ctx context.Context, in ListInput) (ListResult, error)
	MarkRead(ctx context.Context, conversationID, readerID string) ([]Message, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Close() error
}

// SenderLookup resolves the display fields joined onto messages.
// Implemented by the user directory; stores fall back to a bare ID when nil.
type SenderLookup interface {
	Sender(ctx context.Context, userID string) (Sender, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200

	maxMessageChars = 4000
)

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
