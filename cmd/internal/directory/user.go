package directory

import (
	"strings"
	"time"
)

// Role is a user's authorization tier.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// AdminLevel reports whether the role grants admin-area access.
func (r Role) AdminLevel() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether the role is one of the known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// User is the canonical directory record.
type User struct {
	ID             string
	Name           string
	Email          string
	EmailNorm      string
	Role           Role
	Verified       bool
	Active         bool
	OrganizationID string
	AvatarURL      string
	PasswordHash   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
