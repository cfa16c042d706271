package directory

import "context"

// UpdateProfileRecord carries the self-editable profile fields. Nil means
// leave unchanged.
type UpdateProfileRecord struct {
	Name           *string
	AvatarURL      *string
	OrganizationID *string
}

// Store is the directory persistence boundary.
type Store interface {
	// Create inserts a user; ConflictError{Field: "email"} on duplicates.
	Create(ctx context.Context, u User) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	// GetByEmail looks up by normalized email.
	GetByEmail(ctx context.Context, emailNorm string) (User, error)
	UpdateProfile(ctx context.Context, id string, in UpdateProfileRecord) (User, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetVerified(ctx context.Context, id string, verified bool) error
	// Role returns the current role; used for authorization re-checks.
	Role(ctx context.Context, id string) (Role, error)
}
