package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when ALUMNODE_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_GetOrCreate_PairUniqueAcrossOrders(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")

	first, err := store.GetOrCreate(ctx, GetOrCreateInput{UserA: alice, UserB: bob})
	if err != nil {
		t.Fatalf("get-or-create first: %v", err)
	}
	if !first.Created {
		t.Fatal("expected Created=true on first resolution")
	}

	second, err := store.GetOrCreate(ctx, GetOrCreateInput{UserA: bob, UserB: alice})
	if err != nil {
		t.Fatalf("get-or-create swapped: %v", err)
	}
	if second.Created {
		t.Fatal("expected Created=false on swapped-order resolution")
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("pair resolved to two conversations: %s vs %s", first.Conversation.ID, second.Conversation.ID)
	}
}

func TestPostgresStore_GetOrCreate_ConcurrentSinglesOut(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")

	const n = 16

	var wg sync.WaitGroup
	wg.Add(n)

	idCh := make(chan string, n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := store.GetOrCreate(ctx, GetOrCreateInput{UserA: a, UserB: b})
			if err != nil {
				errCh <- err
				return
			}
			idCh <- res.Conversation.ID
		}()
	}
	wg.Wait()
	close(idCh)
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent get-or-create: %v", err)
	}

	seen := make(map[string]struct{})
	for id := range idCh {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one conversation id, got %d", len(seen))
	}
}

func TestPostgresStore_Append_SeqStrictUnderConcurrency(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")
	conv := mustPGConv(t, store, alice, bob)

	const n = 24

	var wg sync.WaitGroup
	wg.Add(n)

	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			_, err := store.Append(ctx, AppendInput{
				ConversationID: conv.ID,
				SenderID:       sender,
				Content:        fmt.Sprintf("m%d", i),
			})
			if err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	res, err := store.List(ctx, ListInput{ConversationID: conv.ID, Limit: maxListLimit})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != n {
		t.Fatalf("expected %d messages, got %d", n, len(res.Messages))
	}

	// Strict: seqs must be exactly 1..n with no gaps.
	seen := make(map[int64]struct{}, n)
	for _, m := range res.Messages {
		seen[m.Seq] = struct{}{}
	}
	for want := int64(1); want <= n; want++ {
		if _, ok := seen[want]; !ok {
			t.Fatalf("missing seq=%d (gap)", want)
		}
	}
}

func TestPostgresStore_Append_JoinsSenderAndTouchesActivity(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")
	conv := mustPGConv(t, store, alice, bob)

	at := time.Now().UTC().Truncate(time.Microsecond).Add(time.Hour)
	msg, err := store.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: alice, Content: "hello", Now: at})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Sender.Name != "Alice" {
		t.Fatalf("expected joined sender name, got %q", msg.Sender.Name)
	}

	got, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(at) {
		t.Fatalf("expected last activity %v, got %v", at, got.LastActivityAt)
	}
}

func TestPostgresStore_MarkRead_FlipsOnlyPeerMessages(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")
	conv := mustPGConv(t, store, alice, bob)

	for i := 0; i < 2; i++ {
		if _, err := store.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: alice, Content: fmt.Sprintf("to bob %d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := store.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: bob, Content: "to alice"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	flipped, err := store.MarkRead(ctx, conv.ID, bob)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(flipped) != 2 {
		t.Fatalf("expected 2 flipped messages, got %d", len(flipped))
	}
	for _, m := range flipped {
		if !m.Read || m.Sender.ID != alice {
			t.Fatalf("unexpected flipped message: %+v", m)
		}
	}

	n, err := store.UnreadCount(ctx, bob)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 0 {
		t.Fatalf("bob unread after mark: expected 0, got %d", n)
	}
	n, err = store.UnreadCount(ctx, alice)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 1 {
		t.Fatalf("alice unread: expected 1, got %d", n)
	}

	if _, err := store.MarkRead(ctx, conv.ID, "stranger-"+newTestHex(4)); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestPostgresStore_Delete_CascadesMessages(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewPGStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	alice := mustInsertUser(t, pool, schema, "Alice")
	bob := mustInsertUser(t, pool, schema, "Bob")
	conv := mustPGConv(t, store, alice, bob)

	if _, err := store.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: alice, Content: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := store.Delete(ctx, conv.ID, "stranger"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := store.Delete(ctx, conv.ID, bob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE conversation_id = $1`,
		conv.ID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected cascade delete, %d message rows remain", cnt)
	}
}

// ---- test helpers ----

func newTestHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func mustNewPGStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("ALUMNODE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: ALUMNODE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse ALUMNODE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	// Validate acquire quickly.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "alumnode_it_" + newTestHex(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	conversations := pgIdent(schema, "conversations")
	cursors := pgIdent(schema, "conversation_cursors")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with cmd/internal/app/migrations.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  avatar_url TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  user_lo          TEXT NOT NULL,
  user_hi          TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (user_lo, user_hi),
  CONSTRAINT chk_conversations_pair_order CHECK (user_lo < user_hi)
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
  next_seq        BIGINT NOT NULL DEFAULT 1,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  is_read         BOOLEAN NOT NULL DEFAULT FALSE,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at ASC, seq ASC);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %s (conversation_id, is_read) WHERE is_read = FALSE;
`, users, conversations, cursors, conversations, messages, conversations, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustInsertUser(t *testing.T, pool *pgxpool.Pool, schema, name string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := "user-" + newTestHex(6)
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "users")+` (id, name) VALUES ($1, $2)`,
		id, name,
	); err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
	return id
}

func mustPGConv(t *testing.T, store *PostgresStore, a, b string) Conversation {
	t.Helper()

	res, err := store.GetOrCreate(context.Background(), GetOrCreateInput{UserA: a, UserB: b})
	if err != nil {
		t.Fatalf("get-or-create (%s,%s): %v", a, b, err)
	}
	return res.Conversation
}
