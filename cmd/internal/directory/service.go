package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"alumnode/cmd/internal/ids"
	"alumnode/cmd/internal/messaging"
	"alumnode/cmd/security/password"
)

const maxNameLen = 120

// RegisterInput describes a registration request.
type RegisterInput struct {
	Name           string
	Email          string
	Password       string
	OrganizationID string
	Now            time.Time
}

// Service wraps the Store with registration, authentication, and the
// lookup surfaces other packages depend on.
type Service struct {
	log    *slog.Logger
	store  Store
	params password.Params
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithPasswordParams overrides the argon2id cost parameters.
func WithPasswordParams(p password.Params) ServiceOption {
	return func(s *Service) { s.params = p }
}

// NewService constructs a Service with default hashing parameters.
func NewService(log *slog.Logger, store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		log:    log,
		store:  store,
		params: password.DefaultParams(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Register creates a new active, unverified user with role "user".
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(in.Email)
	emailNorm := NormalizeEmail(email)

	if name == "" || len(name) > maxNameLen {
		return User{}, ErrInvalidInput
	}
	if emailNorm == "" || !strings.Contains(emailNorm, "@") {
		return User{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	hash, err := password.Hash(in.Password, s.params)
	if err != nil {
		return User{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	u, err := s.store.Create(ctx, User{
		ID:             id,
		Name:           name,
		Email:          email,
		EmailNorm:      emailNorm,
		Role:           RoleUser,
		Verified:       false,
		Active:         true,
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		PasswordHash:   hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return User{}, err
	}

	if s.log != nil {
		s.log.Info("directory.register", "user_id", u.ID)
	}
	u.PasswordHash = ""
	return u, nil
}

// Authenticate verifies email+password. The error for an unknown email and
// for a wrong password is the same, so callers cannot probe for accounts.
func (s *Service) Authenticate(ctx context.Context, email, pass string) (User, error) {
	emailNorm := NormalizeEmail(email)
	if emailNorm == "" {
		return User{}, ErrInvalidCredentials
	}

	u, err := s.store.GetByEmail(ctx, emailNorm)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}

	ok, err := password.Verify(u.PasswordHash, pass)
	if err != nil || !ok {
		return User{}, ErrInvalidCredentials
	}
	if !u.Active {
		return User{}, ErrInactive
	}

	u.PasswordHash = ""
	return u, nil
}

// GetByID returns one user without the password hash.
func (s *Service) GetByID(ctx context.Context, id string) (User, error) {
	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = ""
	return u, nil
}

// UpdateProfile applies the self-editable fields.
func (s *Service) UpdateProfile(ctx context.Context, id string, in UpdateProfileRecord) (User, error) {
	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		if trimmed == "" || len(trimmed) > maxNameLen {
			return User{}, ErrInvalidInput
		}
		in.Name = &trimmed
	}
	u, err := s.store.UpdateProfile(ctx, id, in)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = ""
	return u, nil
}

// Deactivate soft-disables the account; messages and connections remain.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetActive(ctx, id, false)
}

// Reactivate re-enables a deactivated account.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	return s.store.SetActive(ctx, id, true)
}

// MarkVerified flags the account as alumni-verified.
func (s *Service) MarkVerified(ctx context.Context, id string) error {
	return s.store.SetVerified(ctx, id, true)
}

// Role returns the user's current role straight from the store. This is the
// authorization re-check surface: cached roles must not be trusted here.
func (s *Service) Role(ctx context.Context, id string) (Role, error) {
	return s.store.Role(ctx, id)
}

// DisplayName resolves a user id to its display name.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

// Sender resolves the display fields joined onto messages.
func (s *Service) Sender(ctx context.Context, userID string) (messaging.Sender, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return messaging.Sender{}, err
	}
	return messaging.Sender{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}, nil
}
