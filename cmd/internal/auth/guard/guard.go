package guard

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"alumnode/cmd/internal/directory"
)

// State is the outcome of an authorization check.
type State string

const (
	// StateChecking is the transient state while a check is in flight.
	StateChecking     State = "checking"
	StateAuthorized   State = "authorized"
	StateUnauthorized State = "unauthorized"
)

// Decision is the result of one Check call.
type Decision struct {
	State  State
	UserID string
	Role   directory.Role
	// Reason is a short machine-friendly cause for unauthorized outcomes.
	Reason string
}

// RoleVerifier answers the directory round-trip. Implemented by the
// directory service; the answer always overrides the token's cached role.
type RoleVerifier interface {
	Role(ctx context.Context, userID string) (directory.Role, error)
}

// Config tunes guard policy.
type Config struct {
	// FailOpen admits a cached admin when the verification round-trip
	// fails. Default true: an admin already holding a valid admin token is
	// not locked out by a directory blip.
	FailOpen bool
	// VerifyTimeout bounds the directory round-trip.
	VerifyTimeout time.Duration
}

// DefaultConfig returns the default guard policy.
func DefaultConfig() Config {
	return Config{
		FailOpen:      true,
		VerifyTimeout: 5 * time.Second,
	}
}

// Guard evaluates admin access for session tokens.
type Guard struct {
	log      *slog.Logger
	tokens   *TokenManager
	verifier RoleVerifier
	cfg      Config

	// Concurrent checks for the same user share one verification.
	group singleflight.Group
}

// New constructs a Guard.
func New(log *slog.Logger, tokens *TokenManager, verifier RoleVerifier, cfg Config) (*Guard, error) {
	if tokens == nil || verifier == nil {
		return nil, ErrInvalidToken
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultConfig().VerifyTimeout
	}
	return &Guard{log: log, tokens: tokens, verifier: verifier, cfg: cfg}, nil
}

// Check runs the full decision ladder for a raw session token:
//
//	no/invalid token             -> unauthorized
//	cached role below admin      -> unauthorized, no directory call
//	verified role is admin-level -> authorized
//	verified role below admin    -> unauthorized (directory wins)
//	verification fails           -> FailOpen policy decides
func (g *Guard) Check(ctx context.Context, rawToken string) Decision {
	if rawToken == "" {
		return g.deny(Decision{Reason: "no_session"})
	}

	claims, err := g.tokens.Parse(rawToken)
	if err != nil {
		return g.deny(Decision{Reason: "invalid_token"})
	}

	d := Decision{UserID: claims.UserID, Role: claims.Role}
	if !claims.Role.AdminLevel() {
		d.Reason = "role_not_admin"
		return g.deny(d)
	}

	role, err := g.verifyRole(ctx, claims.UserID)
	if err != nil {
		if g.log != nil {
			g.log.Warn("guard.verify.fail", "user_id", claims.UserID, "fail_open", g.cfg.FailOpen, "err", err)
		}
		if g.cfg.FailOpen {
			return g.allow(d)
		}
		d.Reason = "verify_failed"
		return g.deny(d)
	}

	d.Role = role
	if !role.AdminLevel() {
		d.Reason = "role_revoked"
		return g.deny(d)
	}
	return g.allow(d)
}

func (g *Guard) verifyRole(ctx context.Context, userID string) (directory.Role, error) {
	v, err, _ := g.group.Do(userID, func() (any, error) {
		verifyCtx, cancel := context.WithTimeout(ctx, g.cfg.VerifyTimeout)
		defer cancel()
		return g.verifier.Role(verifyCtx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(directory.Role), nil
}

func (g *Guard) allow(d Decision) Decision {
	d.State = StateAuthorized
	guardDecisions.WithLabelValues(string(StateAuthorized)).Inc()
	return d
}

func (g *Guard) deny(d Decision) Decision {
	d.State = StateUnauthorized
	guardDecisions.WithLabelValues(string(StateUnauthorized)).Inc()
	return d
}
