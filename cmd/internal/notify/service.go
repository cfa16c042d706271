package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alumnode/cmd/internal/ids"
)

// NameLookup resolves a user id to a display name for notification copy.
type NameLookup interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Service creates notifications for domain events. It satisfies the notifier
// interfaces of the messaging and connections packages.
type Service struct {
	log   *slog.Logger
	store Store
	names NameLookup
	now   func() time.Time
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithNameLookup attaches a display-name resolver. Without one, copy falls
// back to generic wording.
func WithNameLookup(l NameLookup) ServiceOption {
	return func(s *Service) { s.names = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		log:   log,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.names == nil {
		return ""
	}
	name, err := s.names.DisplayName(ctx, userID)
	if err != nil {
		if s.log != nil {
			s.log.Debug("notify.name.fail", "user_id", userID, "err", err)
		}
		return ""
	}
	return strings.TrimSpace(name)
}

func (s *Service) emit(ctx context.Context, n Notification) error {
	id, err := ids.NewULID(n.CreatedAt)
	if err != nil {
		return err
	}
	n.ID = id
	if _, err := s.store.Create(ctx, n); err != nil {
		return err
	}
	return nil
}

// ConnectionRequested records an incoming connection request notification.
func (s *Service) ConnectionRequested(ctx context.Context, recipientID, requesterID string) error {
	msg := "You have a new connection request."
	if name := s.displayName(ctx, requesterID); name != "" {
		msg = fmt.Sprintf("%s sent you a connection request.", name)
	}
	return s.emit(ctx, Notification{
		UserID:    recipientID,
		Kind:      KindConnectionRequest,
		Title:     "New connection request",
		Message:   msg,
		Link:      "/connections",
		CreatedAt: s.now(),
	})
}

// ConnectionAccepted records an accepted-request notification for the
// original requester.
func (s *Service) ConnectionAccepted(ctx context.Context, requesterID, recipientID string) error {
	msg := "Your connection request was accepted."
	if name := s.displayName(ctx, recipientID); name != "" {
		msg = fmt.Sprintf("%s accepted your connection request.", name)
	}
	return s.emit(ctx, Notification{
		UserID:    requesterID,
		Kind:      KindConnectionAccepted,
		Title:     "Connection accepted",
		Message:   msg,
		Link:      "/connections",
		CreatedAt: s.now(),
	})
}

// MessageReceived records a new-message notification for the recipient.
func (s *Service) MessageReceived(ctx context.Context, recipientID, senderID, conversationID string) error {
	msg := "You have a new message."
	if name := s.displayName(ctx, senderID); name != "" {
		msg = fmt.Sprintf("%s sent you a message.", name)
	}
	return s.emit(ctx, Notification{
		UserID:    recipientID,
		Kind:      KindMessage,
		Title:     "New message",
		Message:   msg,
		Link:      "/messages/" + conversationID,
		CreatedAt: s.now(),
	})
}

// ListForUser returns the user's notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, in ListInput) ([]Notification, error) {
	return s.store.ListForUser(ctx, in)
}

// MarkRead flips one notification owned by userID.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	return s.store.MarkRead(ctx, id, userID)
}

// UnreadCount reports the user's unread notification count.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.UnreadCount(ctx, userID)
}
