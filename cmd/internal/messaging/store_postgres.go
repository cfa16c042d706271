package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"alumnode/cmd/internal/ids"
)

// PostgresStore implements ConversationStore and MessageStore over PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Conversation pair uniqueness is enforced by UNIQUE (user_lo, user_hi)
//     plus ON CONFLICT DO NOTHING, so concurrent GetOrCreate calls for the
//     same pair converge on one row.
//   - Append uses a per-conversation transactional advisory lock to keep the
//     seq allocation strictly monotonic under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "alumnode").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "alumnode",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// GetOrCreate resolves the unique conversation for a pair, inserting it on
// first use. The unique constraint makes this race-free: a concurrent loser
// falls through to the select.
func (s *PostgresStore) GetOrCreate(ctx context.Context, in GetOrCreateInput) (GetOrCreateResult, error) {
	const op = "messaging.GetOrCreate"

	if s == nil || s.pool == nil {
		return GetOrCreateResult{}, errors.New("messaging: nil store")
	}
	lo, hi, err := NormalizePair(in.UserA, in.UserB)
	if err != nil {
		return GetOrCreateResult{}, OpError{Op: op, Kind: err}
	}
	if err := ctx.Err(); err != nil {
		return GetOrCreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return GetOrCreateResult{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, user_lo, user_hi, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (user_lo, user_hi) DO NOTHING
		 RETURNING id, user_lo, user_hi, created_at, last_activity_at`,
		id, lo, hi, now,
	).Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &conv.CreatedAt, &conv.LastActivityAt)
	if err == nil {
		return GetOrCreateResult{Conversation: conv, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return GetOrCreateResult{}, fmt.Errorf("%s: %w", op, err)
	}

	// Lost the insert race or the pair already existed: read the winner.
	err = s.pool.QueryRow(ctx,
		`SELECT id, user_lo, user_hi, created_at, last_activity_at
		   FROM `+conversations+`
		  WHERE user_lo = $1 AND user_hi = $2`,
		lo, hi,
	).Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &conv.CreatedAt, &conv.LastActivityAt)
	if err != nil {
		return GetOrCreateResult{}, fmt.Errorf("%s: %w", op, err)
	}
	return GetOrCreateResult{Conversation: conv, Created: false}, nil
}

// Get returns a conversation by id.
func (s *PostgresStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "messaging.Get"

	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_lo, user_hi, created_at, last_activity_at
		   FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &conv.CreatedAt, &conv.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return conv, nil
}

// ListForUser returns the user's conversations ordered by last activity DESC.
func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	const op = "messaging.ListForUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_lo, user_hi, created_at, last_activity_at
		   FROM `+conversations+`
		  WHERE user_lo = $1 OR user_hi = $1
		  ORDER BY last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserLo, &c.UserHi, &c.CreatedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Touch advances last_activity_at. Monotonic: GREATEST keeps an older
// timestamp from moving it backwards.
func (s *PostgresStore) Touch(ctx context.Context, conversationID string, at time.Time) error {
	const op = "messaging.Touch"

	if strings.TrimSpace(conversationID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_activity_at = GREATEST(last_activity_at, $2)
		  WHERE id = $1`,
		conversationID, at,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

// Delete removes a conversation; messages cascade via FK.
func (s *PostgresStore) Delete(ctx context.Context, conversationID, requesterID string) error {
	const op = "messaging.Delete"

	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(requesterID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conversations := pgIdent(s.schema, "conversations")

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+conversations+`
		  WHERE id = $1 AND (user_lo = $2 OR user_hi = $2)`,
		conversationID, requesterID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or the requester is not a participant; distinguish.
		var one int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, conversationID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return OpError{Op: op, Kind: ErrNotFound}
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return OpError{Op: op, Kind: ErrNotParticipant}
	}
	return nil
}

// Append inserts a message and touches last_activity_at in one transaction.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "messaging.Append"

	if s == nil || s.pool == nil {
		return Message{}, errors.New("messaging: nil store")
	}
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return Message{}, OpError{Op: op, Kind: ErrEmptyMessage}
	}
	if utf8.RuneCountInString(content) > maxMessageChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "content too long"}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")
	users := pgIdent(s.schema, "users")

	// Serialize writes per conversation so seq stays strictly monotonic.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	var lo, hi string
	err = tx.QueryRow(ctx,
		`SELECT user_lo, user_hi FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&lo, &hi)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Message{}, err
	}
	if in.SenderID != lo && in.SenderID != hi {
		return Message{}, OpError{Op: op, Kind: ErrNotParticipant}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID,
	); err != nil {
		return Message{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1)`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return Message{}, err
	}

	msgID, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, seq, sender_id, content, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		msgID, in.ConversationID, seq, in.SenderID, content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	// The guarantee after Append returns: last activity reflects this message.
	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_activity_at = $2 WHERE id = $1`,
		in.ConversationID, now,
	); err != nil {
		return Message{}, err
	}

	sender := Sender{ID: in.SenderID}
	err = tx.QueryRow(ctx,
		`SELECT name, COALESCE(avatar_url, '') FROM `+users+` WHERE id = $1`,
		in.SenderID,
	).Scan(&sender.Name, &sender.AvatarURL)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	messagesAppended.Inc()
	return Message{
		ID:             msgID,
		ConversationID: in.ConversationID,
		Seq:            seq,
		Sender:         sender,
		Content:        content,
		Read:           false,
		CreatedAt:      now,
	}, nil
}

// List returns messages joined with sender display fields, oldest first.
func (s *PostgresStore) List(ctx context.Context, in ListInput) (ListResult, error) {
	const op = "messaging.List"

	if s == nil || s.pool == nil {
		return ListResult{}, errors.New("messaging: nil store")
	}
	if strings.TrimSpace(in.ConversationID) == "" {
		return ListResult{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	limit := clampListLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")
	users := pgIdent(s.schema, "users")

	var (
		rows pgx.Rows
		err  error
	)

	base := `SELECT m.id, m.conversation_id, m.seq, m.sender_id,
	                COALESCE(u.name, ''), COALESCE(u.avatar_url, ''),
	                m.content, m.is_read, m.created_at
	           FROM ` + messages + ` m
	           LEFT JOIN ` + users + ` u ON u.id = m.sender_id
	          WHERE m.conversation_id = $1`

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			base+` ORDER BY m.created_at ASC, m.seq ASC LIMIT $2`,
			in.ConversationID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			base+` AND m.seq > $2 ORDER BY m.created_at ASC, m.seq ASC LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return ListResult{}, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &m.Sender.ID,
			&m.Sender.Name, &m.Sender.AvatarURL,
			&m.Content, &m.Read, &m.CreatedAt,
		); err != nil {
			return ListResult{}, fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("%s: %w", op, err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListResult{Messages: msgs, HasMore: hasMore}, nil
}

// MarkRead bulk-flips unread messages not sent by readerID and returns them.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) ([]Message, error) {
	const op = "messaging.MarkRead"

	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(readerID) == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")
	users := pgIdent(s.schema, "users")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+`
		  WHERE id = $1 AND (user_lo = $2 OR user_hi = $2)`,
		conversationID, readerID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, OpError{Op: op, Kind: ErrNotParticipant}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+` m
		    SET is_read = TRUE
		   FROM `+users+` u
		  WHERE u.id = m.sender_id
		    AND m.conversation_id = $1
		    AND m.sender_id <> $2
		    AND m.is_read = FALSE
		RETURNING m.id, m.conversation_id, m.seq, m.sender_id,
		          COALESCE(u.name, ''), COALESCE(u.avatar_url, ''),
		          m.content, m.is_read, m.created_at`,
		conversationID, readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var flipped []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &m.Sender.ID,
			&m.Sender.Name, &m.Sender.AvatarURL,
			&m.Content, &m.Read, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		flipped = append(flipped, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return flipped, nil
}

// UnreadCount sums unread messages addressed to userID across conversations.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	const op = "messaging.UnreadCount"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+` m
		   JOIN `+conversations+` c ON c.id = m.conversation_id
		  WHERE (c.user_lo = $1 OR c.user_hi = $1)
		    AND m.sender_id <> $1
		    AND m.is_read = FALSE`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
