package guard

import (
	"errors"
	"testing"
	"time"

	"alumnode/cmd/internal/directory"
)

func TestTokenManager_IssueParseRoundtrip(t *testing.T) {
	t.Parallel()

	m, err := NewTokenManager([]byte("secret-0123456789"), time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	raw, err := m.Issue("u1", directory.RoleAdmin, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "u1" || claims.Role != directory.RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenManager_RejectsExpired(t *testing.T) {
	t.Parallel()

	m, err := NewTokenManager([]byte("secret-0123456789"), time.Minute)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	raw, err := m.Issue("u1", directory.RoleUser, time.Now().UTC().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenManager_RejectsForeignSignature(t *testing.T) {
	t.Parallel()

	issuer, err := NewTokenManager([]byte("secret-A-0123456789"), time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	parser, err := NewTokenManager([]byte("secret-B-0123456789"), time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	raw, err := issuer.Issue("u1", directory.RoleAdmin, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := parser.Parse(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenManager_IssueValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenManager(nil, time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}

	m, err := NewTokenManager([]byte("secret-0123456789"), time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := m.Issue("", directory.RoleUser, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty user, got %v", err)
	}
	if _, err := m.Issue("u1", directory.Role("owner"), time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown role, got %v", err)
	}
}
