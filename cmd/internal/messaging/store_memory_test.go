package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetOrCreate_SymmetricAndIdempotent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, GetOrCreateInput{UserA: "alice", UserB: "bob"})
	if err != nil {
		t.Fatalf("get-or-create: %v", err)
	}
	if !first.Created {
		t.Fatal("expected Created=true on first resolution")
	}

	// Same pair, both orders, repeatedly: always the same conversation.
	for i := 0; i < 3; i++ {
		a, b := "alice", "bob"
		if i%2 == 1 {
			a, b = b, a
		}
		res, err := s.GetOrCreate(ctx, GetOrCreateInput{UserA: a, UserB: b})
		if err != nil {
			t.Fatalf("get-or-create (%s,%s): %v", a, b, err)
		}
		if res.Created {
			t.Fatalf("get-or-create (%s,%s): expected Created=false", a, b)
		}
		if res.Conversation.ID != first.Conversation.ID {
			t.Fatalf("expected id %s, got %s", first.Conversation.ID, res.Conversation.ID)
		}
	}
}

func TestGetOrCreate_RejectsSelfPair(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	_, err := s.GetOrCreate(context.Background(), GetOrCreateInput{UserA: "alice", UserB: "alice"})
	if !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
}

func TestGetOrCreate_ConcurrentPairUnique(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	const n = 32
	idCh := make(chan string, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			res, err := s.GetOrCreate(ctx, GetOrCreateInput{UserA: a, UserB: b})
			if err != nil {
				t.Errorf("get-or-create: %v", err)
				return
			}
			idCh <- res.Conversation.ID
		}()
	}
	wg.Wait()
	close(idCh)

	seen := make(map[string]bool)
	for id := range idCh {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one conversation id, got %d", len(seen))
	}
}

func TestAppend_TrimsAndRejectsEmpty(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	conv := mustConv(t, s, "alice", "bob")

	for _, content := range []string{"", "   ", "\n\t "} {
		_, err := s.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: content})
		if !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("content=%q: expected ErrEmptyMessage, got %v", content, err)
		}
	}

	msg, err := s.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: "  hello bob  "})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Content != "hello bob" {
		t.Fatalf("expected trimmed content, got %q", msg.Content)
	}

	res, err := s.List(ctx, ListInput{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != msg.ID {
		t.Fatalf("expected the sent message as the only element, got %+v", res.Messages)
	}
	if res.Messages[0].Content != "hello bob" {
		t.Fatalf("list content mismatch: %q", res.Messages[0].Content)
	}
}

func TestAppend_RejectsNonParticipant(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	conv := mustConv(t, s, "alice", "bob")

	_, err := s.Append(context.Background(), AppendInput{ConversationID: conv.ID, SenderID: "mallory", Content: "hi"})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestAppend_TouchesLastActivity(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConv(t, s, "alice", "bob")

	at := time.Now().UTC().Add(1 * time.Hour)
	if _, err := s.Append(ctx, AppendInput{ConversationID: conv.ID, SenderID: "alice", Content: "ping", Now: at}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(at) {
		t.Fatalf("expected last activity %v, got %v", at, got.LastActivityAt)
	}
}

func TestTouch_MonotonicLastActivity(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConv(t, s, "alice", "bob")

	later := conv.LastActivityAt.Add(time.Hour)
	if err := s.Touch(ctx, conv.ID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Fatalf("expected last activity %v, got %v", later, got.LastActivityAt)
	}

	// An older timestamp never moves it backwards.
	if err := s.Touch(ctx, conv.ID, later.Add(-30*time.Minute)); err != nil {
		t.Fatalf("touch older: %v", err)
	}
	got, err = s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Fatalf("last activity moved backwards to %v", got.LastActivityAt)
	}

	if err := s.Touch(ctx, "missing", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList_OrderingAndPaging(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConv(t, s, "alice", "bob")

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, AppendInput{
			ConversationID: conv.ID,
			SenderID:       "alice",
			Content:        fmt.Sprintf("m%d", i),
			Now:            base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	res, err := s.List(ctx, ListInput{ConversationID: conv.ID, Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Messages) != 3 || !res.HasMore {
		t.Fatalf("expected 3 messages + HasMore, got %d hasMore=%v", len(res.Messages), res.HasMore)
	}
	for i := 1; i < len(res.Messages); i++ {
		if res.Messages[i].CreatedAt.Before(res.Messages[i-1].CreatedAt) {
			t.Fatal("ordering must be non-decreasing by creation time")
		}
	}

	after := res.Messages[len(res.Messages)-1].Seq
	res2, err := s.List(ctx, ListInput{ConversationID: conv.ID, AfterSeq: &after, Limit: 3})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(res2.Messages) != 2 || res2.HasMore {
		t.Fatalf("expected final 2 messages, got %d hasMore=%v", len(res2.Messages), res2.HasMore)
	}
	if res2.Messages[0].Content != "m3" || res2.Messages[1].Content != "m4" {
		t.Fatalf("unexpected page 2: %+v", res2.Messages)
	}
}

func TestMarkRead_IdempotentAndScoped(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConv(t, s, "alice", "bob")

	for i := 0; i < 3; i++ {
		mustAppend(t, s, conv.ID, "alice", fmt.Sprintf("to bob %d", i))
	}
	mustAppend(t, s, conv.ID, "bob", "to alice")

	// Bob has 3 unread, Alice 1.
	if n := mustUnread(t, s, "bob"); n != 3 {
		t.Fatalf("bob unread: expected 3, got %d", n)
	}
	if n := mustUnread(t, s, "alice"); n != 1 {
		t.Fatalf("alice unread: expected 1, got %d", n)
	}

	flipped, err := s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(flipped) != 3 {
		t.Fatalf("expected 3 flipped messages, got %d", len(flipped))
	}
	for _, m := range flipped {
		if !m.Read {
			t.Fatalf("flipped message %s not marked read", m.ID)
		}
	}

	if n := mustUnread(t, s, "bob"); n != 0 {
		t.Fatalf("bob unread after mark: expected 0, got %d", n)
	}
	// Alice's own unread is untouched; her sent messages never count for her.
	if n := mustUnread(t, s, "alice"); n != 1 {
		t.Fatalf("alice unread after bob's mark: expected 1, got %d", n)
	}

	// Second call is a no-op.
	flipped, err = s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(flipped) != 0 {
		t.Fatalf("expected no flips on second call, got %d", len(flipped))
	}
}

func TestDelete_ParticipantOnlyAndCascades(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	conv := mustConv(t, s, "alice", "bob")
	mustAppend(t, s, conv.ID, "alice", "hello")

	if err := s.Delete(ctx, conv.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := s.Delete(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// The pair can start fresh.
	res, err := s.GetOrCreate(ctx, GetOrCreateInput{UserA: "alice", UserB: "bob"})
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if !res.Created {
		t.Fatal("expected a fresh conversation after delete")
	}
}

func TestListForUser_MostRecentFirst(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	c1 := mustConv(t, s, "alice", "bob")
	c2 := mustConv(t, s, "alice", "carol")

	base := time.Now().UTC()
	if _, err := s.Append(ctx, AppendInput{ConversationID: c1.ID, SenderID: "bob", Content: "old", Now: base}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(ctx, AppendInput{ConversationID: c2.ID, SenderID: "carol", Content: "new", Now: base.Add(time.Minute)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	convs, err := s.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != c2.ID {
		t.Fatalf("expected most recent conversation first, got %+v", convs)
	}
}

// ---- helpers ----

func mustConv(t *testing.T, s *InMemoryStore, a, b string) Conversation {
	t.Helper()
	res, err := s.GetOrCreate(context.Background(), GetOrCreateInput{UserA: a, UserB: b})
	if err != nil {
		t.Fatalf("get-or-create (%s,%s): %v", a, b, err)
	}
	return res.Conversation
}

func mustAppend(t *testing.T, s *InMemoryStore, convID, sender, content string) Message {
	t.Helper()
	msg, err := s.Append(context.Background(), AppendInput{ConversationID: convID, SenderID: sender, Content: content})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return msg
}

func mustUnread(t *testing.T, s *InMemoryStore, userID string) int64 {
	t.Helper()
	n, err := s.UnreadCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	return n
}
