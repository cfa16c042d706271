package notify

import (
	"context"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindMessage            Kind = "message"
	KindConnectionRequest  Kind = "connection_request"
	KindConnectionAccepted Kind = "connection_accepted"
)

// Notification is one in-app notification row.
type Notification struct {
	ID        string
	UserID    string
	Kind      Kind
	Title     string
	Message   string
	Link      string
	Read      bool
	CreatedAt time.Time
}

// ListInput bounds a per-user listing.
type ListInput struct {
	UserID     string
	OnlyUnread bool
	Limit      int
}

// Store is the persistence boundary for notifications.
type Store interface {
	Create(ctx context.Context, n Notification) (Notification, error)
	// ListForUser returns notifications newest first.
	ListForUser(ctx context.Context, in ListInput) ([]Notification, error)
	// MarkRead flips one notification; ErrNotOwner when userID mismatches.
	MarkRead(ctx context.Context, id, userID string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampListLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
