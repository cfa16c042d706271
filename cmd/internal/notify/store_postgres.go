package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

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
			return errors.New("notify: empty schema")
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
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "notifications"}.Sanitize()
}

func (s *PostgresStore) Create(ctx context.Context, n Notification) (Notification, error) {
	const op = "notify.Create"

	if n.ID == "" || n.UserID == "" {
		return Notification{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, user_id, kind, title, message, link, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Message, n.Link, n.CreatedAt,
	)
	if err != nil {
		return Notification{}, fmt.Errorf("%s: %w", op, err)
	}
	n.Read = false
	return n, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, in ListInput) ([]Notification, error) {
	const op = "notify.ListForUser"

	if in.UserID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampListLimit(in.Limit)

	query := `SELECT id, user_id, kind, title, message, link, is_read, created_at
	            FROM ` + s.table() + `
	           WHERE user_id = $1`
	if in.OnlyUnread {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, in.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, id, userID string) error {
	const op = "notify.MarkRead"

	if id == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+s.table()+` WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return ErrNotOwner
	}
	return nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	const op = "notify.UnreadCount"

	if userID == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+s.table()+` WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
