package connections

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps connections in process memory. Used in tests and for
// dev runs without Postgres.
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Connection
	byPair map[string]string // "lo\x00hi" -> id
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Connection),
		byPair: make(map[string]string),
	}
}

func pairKey(lo, hi string) string { return lo + "\x00" + hi }

func (s *InMemoryStore) Create(ctx context.Context, in CreateRecord) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(in.UserLo, in.UserHi)
	if _, ok := s.byPair[key]; ok {
		return Connection{}, ErrAlreadyExists
	}

	conn := Connection{
		ID:          in.ID,
		RequesterID: in.RequesterID,
		RecipientID: in.RecipientID,
		UserLo:      in.UserLo,
		UserHi:      in.UserHi,
		Status:      StatusPending,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.CreatedAt,
	}
	s.byID[conn.ID] = &conn
	s.byPair[key] = conn.ID
	return conn, nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.byID[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return *conn, nil
}

func (s *InMemoryStore) GetByPair(ctx context.Context, userLo, userHi string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey(userLo, userHi)]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.byID[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	if conn.Status != from {
		return Connection{}, ErrInvalidTransition
	}
	conn.Status = to
	conn.UpdatedAt = now
	return *conn, nil
}

func (s *InMemoryStore) Reopen(ctx context.Context, in ReopenRecord) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.byID[in.ID]
	if !ok {
		return Connection{}, ErrNotFound
	}
	if conn.Status != StatusDeclined {
		return Connection{}, ErrInvalidTransition
	}
	conn.Status = StatusPending
	conn.RequesterID = in.RequesterID
	conn.RecipientID = in.RecipientID
	conn.UpdatedAt = in.Now
	return *conn, nil
}
