package notify

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore keeps notifications in process memory.
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Notification
	byUser map[string][]string // newest appended last
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Notification),
		byUser: make(map[string][]string),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if n.ID == "" || n.UserID == "" {
		return Notification{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := n
	s.byID[stored.ID] = &stored
	s.byUser[stored.UserID] = append(s.byUser[stored.UserID], stored.ID)
	return stored, nil
}

func (s *InMemoryStore) ListForUser(ctx context.Context, in ListInput) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, ErrInvalidInput
	}
	limit := clampListLimit(in.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byUser[in.UserID]
	out := make([]Notification, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.byID[ids[i]]
		if in.OnlyUnread && n.Read {
			continue
		}
		out = append(out, *n)
	}
	// Insert order approximates creation order; sort to make it exact.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, id, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" || userID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.UserID != userID {
		return ErrNotOwner
	}
	n.Read = true
	return nil
}

func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.byUser[userID] {
		if !s.byID[id].Read {
			n++
		}
	}
	return n, nil
}
