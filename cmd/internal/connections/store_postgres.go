package connections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Pair uniqueness is a UNIQUE (user_lo, user_hi) constraint; status CAS
// operations are single UPDATE statements with the expected status in the
// WHERE clause, so there is no read-modify-write window.
//
// The pgx pool is owned by the caller.
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
		if schema == "" || !isValidPGIdent(schema) {
			return errors.New("connections: invalid schema identifier")
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
		return nil, errors.New("connections: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "connections"}.Sanitize()
}

const connectionCols = `id, requester_id, recipient_id, user_lo, user_hi, status, created_at, updated_at`

func scanConnection(row pgx.Row) (Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.RequesterID, &c.RecipientID, &c.UserLo, &c.UserHi, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Connection, error) {
	const op = "connections.Create"

	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	conn, err := scanConnection(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (id, requester_id, recipient_id, user_lo, user_hi, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
		 ON CONFLICT (user_lo, user_hi) DO NOTHING
		 RETURNING `+connectionCols,
		in.ID, in.RequesterID, in.RecipientID, in.UserLo, in.UserHi, in.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrAlreadyExists
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (Connection, error) {
	const op = "connections.GetByID"

	if strings.TrimSpace(id) == "" {
		return Connection{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	conn, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionCols+` FROM `+s.table()+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

func (s *PostgresStore) GetByPair(ctx context.Context, userLo, userHi string) (Connection, error) {
	const op = "connections.GetByPair"

	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	conn, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionCols+` FROM `+s.table()+` WHERE user_lo = $1 AND user_hi = $2`,
		userLo, userHi,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (Connection, error) {
	const op = "connections.UpdateStatus"

	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	conn, err := scanConnection(s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET status = $3, updated_at = $4
		  WHERE id = $1 AND status = $2
		RETURNING `+connectionCols,
		id, from, to, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Row missing or the CAS lost; distinguish.
		if _, getErr := s.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, ErrInvalidTransition
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

func (s *PostgresStore) Reopen(ctx context.Context, in ReopenRecord) (Connection, error) {
	const op = "connections.Reopen"

	if err := ctx.Err(); err != nil {
		return Connection{}, err
	}

	conn, err := scanConnection(s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET status = 'pending', requester_id = $2, recipient_id = $3, updated_at = $4
		  WHERE id = $1 AND status = 'declined'
		RETURNING `+connectionCols,
		in.ID, in.RequesterID, in.RecipientID, in.Now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetByID(ctx, in.ID); errors.Is(getErr, ErrNotFound) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, ErrInvalidTransition
	}
	if err != nil {
		return Connection{}, fmt.Errorf("%s: %w", op, err)
	}
	return conn, nil
}

func isValidPGIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}
