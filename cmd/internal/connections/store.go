package connections

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a connection between two users.
type Status string

const (
	// StatusNone is the implicit state when no row exists. Never persisted.
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Connection is one connection row. UserLo/UserHi are the sorted pair and
// carry the uniqueness; RequesterID records who initiated.
type Connection struct {
	ID          string
	RequesterID string
	RecipientID string
	UserLo      string
	UserHi      string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateRecord is a normalized connection insert payload.
type CreateRecord struct {
	ID          string
	RequesterID string
	RecipientID string
	UserLo      string
	UserHi      string
	CreatedAt   time.Time
}

// ReopenRecord supersedes a declined row with a fresh pending request.
type ReopenRecord struct {
	ID          string
	RequesterID string
	RecipientID string
	Now         time.Time
}

// Store is the persistence boundary for connections.
type Store interface {
	// Create inserts a pending row; ErrAlreadyExists when the pair is taken.
	Create(ctx context.Context, in CreateRecord) (Connection, error)
	GetByID(ctx context.Context, id string) (Connection, error)
	GetByPair(ctx context.Context, userLo, userHi string) (Connection, error)
	// UpdateStatus is a CAS: it succeeds only when the current status is
	// `from`, otherwise ErrInvalidTransition (or ErrNotFound).
	UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (Connection, error)
	// Reopen resets a declined row to pending with new initiator fields.
	// CAS on status='declined'.
	Reopen(ctx context.Context, in ReopenRecord) (Connection, error)
}

// sortPair normalizes a user pair into (lo, hi) ordering.
func sortPair(a, b string) (lo, hi string, err error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", ErrInvalidInput
	}
	if a == b {
		return "", "", ErrSelfConnection
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}
