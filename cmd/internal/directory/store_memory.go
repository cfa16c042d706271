package directory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps users in process memory.
type InMemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]string // emailNorm -> id
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, u User) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u.ID == "" || u.EmailNorm == "" {
		return User{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[u.EmailNorm]; ok {
		return User{}, ConflictError{Op: "directory.Create", Field: "email"}
	}

	stored := u
	s.byID[stored.ID] = &stored
	s.byEmail[stored.EmailNorm] = stored.ID
	return stored, nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemoryStore) GetByEmail(ctx context.Context, emailNorm string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[emailNorm]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *InMemoryStore) UpdateProfile(ctx context.Context, id string, in UpdateProfileRecord) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.AvatarURL != nil {
		u.AvatarURL = *in.AvatarURL
	}
	if in.OrganizationID != nil {
		u.OrganizationID = *in.OrganizationID
	}
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (s *InMemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.setFlag(ctx, id, func(u *User) { u.Active = active })
}

func (s *InMemoryStore) SetVerified(ctx context.Context, id string, verified bool) error {
	return s.setFlag(ctx, id, func(u *User) { u.Verified = verified })
}

func (s *InMemoryStore) setFlag(ctx context.Context, id string, apply func(*User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	apply(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Role(ctx context.Context, id string) (Role, error) {
	u, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}
