package guard

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"alumnode/cmd/internal/directory"
)

var (
	ErrInvalidToken = errors.New("guard: invalid token")
	ErrNoSecret     = errors.New("guard: empty signing secret")
)

const defaultTokenTTL = 24 * time.Hour

// Claims are the session claims carried in an access token. Role is a cached
// copy from login time; authorization decisions re-verify it.
type Claims struct {
	jwt.RegisteredClaims
	UserID string         `json:"uid"`
	Role   directory.Role `json:"role"`
}

// TokenManager issues and parses HS256 access tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager constructs a TokenManager. TTL <= 0 applies a safe default.
func NewTokenManager(secret []byte, ttl time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenManager{secret: secret, ttl: ttl}, nil
}

// Issue signs a token for the user with the role cached at issue time.
func (m *TokenManager) Issue(userID string, role directory.Role, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || !role.Valid() {
		return "", ErrInvalidToken
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		UserID: userID,
		Role:   role,
	})
	return token.SignedString(m.secret)
}

// Parse validates the signature and expiry and returns the claims.
func (m *TokenManager) Parse(tokenString string) (Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
