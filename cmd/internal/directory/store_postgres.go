package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the Postgres error code for unique constraint hits.
const pgUniqueViolation = "23505"

// PostgresStore implements Store over PostgreSQL. The pool is caller-owned.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "alumnode").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "alumnode"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "users"}.Sanitize()
}

const userCols = `id, name, email, email_norm, role, verified, active,
	COALESCE(organization_id, ''), COALESCE(avatar_url, ''), password_hash,
	created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.EmailNorm, &u.Role, &u.Verified, &u.Active,
		&u.OrganizationID, &u.AvatarURL, &u.PasswordHash,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (s *PostgresStore) Create(ctx context.Context, u User) (User, error) {
	const op = "directory.Create"

	if u.ID == "" || u.EmailNorm == "" {
		return User{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+`
		 (id, name, email, email_norm, role, verified, active, organization_id, avatar_url, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $11)`,
		u.ID, u.Name, u.Email, u.EmailNorm, u.Role, u.Verified, u.Active,
		u.OrganizationID, u.AvatarURL, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.UpdatedAt = u.CreatedAt
	return u, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (User, error) {
	const op = "directory.GetByID"

	if strings.TrimSpace(id) == "" {
		return User{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM `+s.table()+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) GetByEmail(ctx context.Context, emailNorm string) (User, error) {
	const op = "directory.GetByEmail"

	if strings.TrimSpace(emailNorm) == "" {
		return User{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM `+s.table()+` WHERE email_norm = $1`, emailNorm,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, id string, in UpdateProfileRecord) (User, error) {
	const op = "directory.UpdateProfile"

	if strings.TrimSpace(id) == "" {
		return User{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET name = COALESCE($2, name),
		        avatar_url = COALESCE($3, avatar_url),
		        organization_id = COALESCE($4, organization_id),
		        updated_at = $5
		  WHERE id = $1
		RETURNING `+userCols,
		id, in.Name, in.AvatarURL, in.OrganizationID, time.Now().UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.setFlag(ctx, "directory.SetActive", `active`, id, active)
}

func (s *PostgresStore) SetVerified(ctx context.Context, id string, verified bool) error {
	return s.setFlag(ctx, "directory.SetVerified", `verified`, id, verified)
}

func (s *PostgresStore) setFlag(ctx context.Context, op, column, id string, value bool) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET `+column+` = $2, updated_at = now() WHERE id = $1`,
		id, value,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Role(ctx context.Context, id string) (Role, error) {
	const op = "directory.Role"

	if strings.TrimSpace(id) == "" {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var role Role
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM `+s.table()+` WHERE id = $1`, id,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return role, nil
}
