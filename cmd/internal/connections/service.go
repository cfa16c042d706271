package connections

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"alumnode/cmd/internal/ids"
)

// Notifier receives connection lifecycle side effects. Implementations must
// be cheap; failures are logged and never surface to the caller.
type Notifier interface {
	ConnectionRequested(ctx context.Context, recipientID, requesterID string) error
	ConnectionAccepted(ctx context.Context, requesterID, recipientID string) error
}

// Service drives the connection-state machine on top of a Store.
type Service struct {
	log            *slog.Logger
	store          Store
	notifier       Notifier
	allowRerequest bool
	now            func() time.Time
}

// ServiceOption configures the Service.
type ServiceOption func(*Service) error

// WithNotifier attaches a best-effort notification sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithAllowRerequest permits a new request after a decline. Default off:
// a declined pair stays closed.
func WithAllowRerequest(allow bool) ServiceOption {
	return func(s *Service) error {
		s.allowRerequest = allow
		return nil
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
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
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SendRequest creates a pending connection from requester to recipient.
//
// An existing pending or accepted pair is rejected with ErrAlreadyExists.
// A declined pair is rejected too, unless the re-request policy is on, in
// which case the declined row is reopened as a fresh pending request.
func (s *Service) SendRequest(ctx context.Context, requesterID, recipientID string) (Connection, error) {
	requesterID = strings.TrimSpace(requesterID)
	recipientID = strings.TrimSpace(recipientID)

	lo, hi, err := sortPair(requesterID, recipientID)
	if err != nil {
		return Connection{}, err
	}
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	now := s.now()

	existing, err := s.store.GetByPair(ctx, lo, hi)
	switch {
	case err == nil:
		if existing.Status != StatusDeclined || !s.allowRerequest {
			return Connection{}, ErrAlreadyExists
		}
		conn, err := s.store.Reopen(ctx, ReopenRecord{
			ID:          existing.ID,
			RequesterID: requesterID,
			RecipientID: recipientID,
			Now:         now,
		})
		if err != nil {
			// Lost a race against a concurrent re-request: the pair is taken.
			if errors.Is(err, ErrInvalidTransition) {
				return Connection{}, ErrAlreadyExists
			}
			return Connection{}, err
		}
		s.notifyRequested(ctx, conn)
		return conn, nil

	case errors.Is(err, ErrNotFound):
		// Fall through to create.

	default:
		return Connection{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Connection{}, err
	}

	conn, err := s.store.Create(ctx, CreateRecord{
		ID:          id,
		RequesterID: requesterID,
		RecipientID: recipientID,
		UserLo:      lo,
		UserHi:      hi,
		CreatedAt:   now,
	})
	if err != nil {
		return Connection{}, err
	}

	s.notifyRequested(ctx, conn)
	return conn, nil
}

// Status reports the connection state between two users, defaulting to
// StatusNone when no row exists.
func (s *Service) Status(ctx context.Context, userA, userB string) (Status, error) {
	lo, hi, err := sortPair(userA, userB)
	if err != nil {
		return StatusNone, err
	}

	conn, err := s.store.GetByPair(ctx, lo, hi)
	if errors.Is(err, ErrNotFound) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, err
	}
	return conn.Status, nil
}

// Respond resolves a pending request. Only the recipient may respond, and
// only a pending connection can transition.
func (s *Service) Respond(ctx context.Context, connectionID, responderID string, accept bool) (Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	responderID = strings.TrimSpace(responderID)
	if connectionID == "" || responderID == "" {
		return Connection{}, ErrInvalidInput
	}

	conn, err := s.store.GetByID(ctx, connectionID)
	if err != nil {
		return Connection{}, err
	}
	if conn.RecipientID != responderID {
		return Connection{}, ErrNotRecipient
	}

	to := StatusDeclined
	if accept {
		to = StatusAccepted
	}

	updated, err := s.store.UpdateStatus(ctx, connectionID, StatusPending, to, s.now())
	if err != nil {
		return Connection{}, err
	}

	if accept {
		s.notifyAccepted(ctx, updated)
	}
	return updated, nil
}

func (s *Service) notifyRequested(ctx context.Context, conn Connection) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ConnectionRequested(ctx, conn.RecipientID, conn.RequesterID); err != nil && s.log != nil {
		s.log.Warn("connections.notify.fail",
			"event", "requested", "connection_id", conn.ID, "err", err)
	}
}

func (s *Service) notifyAccepted(ctx context.Context, conn Connection) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ConnectionAccepted(ctx, conn.RequesterID, conn.RecipientID); err != nil && s.log != nil {
		s.log.Warn("connections.notify.fail",
			"event", "accepted", "connection_id", conn.ID, "err", err)
	}
}
