package messaging

import (
	"strings"
	"time"
)

// Conversation is the unique thread between an unordered pair of users.
// Participants are stored sorted (UserLo < UserHi) so the pair has exactly
// one canonical representation; uniqueness is enforced on that key.
type Conversation struct {
	ID             string    `json:"id"`
	UserLo         string    `json:"user_lo"`
	UserHi         string    `json:"user_hi"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserLo == userID || c.UserHi == userID)
}

// PeerOf returns the other participant, or "" if userID is not a participant.
func (c Conversation) PeerOf(userID string) string {
	switch userID {
	case c.UserLo:
		return c.UserHi
	case c.UserHi:
		return c.UserLo
	default:
		return ""
	}
}

// NormalizePair canonicalizes a participant pair.
// Self-pairs are rejected with ErrSelfConversation before any store work.
func NormalizePair(a, b string) (lo, hi string, err error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", "", ErrInvalidInput
	}
	if a == b {
		return "", "", ErrSelfConversation
	}
	if a < b {
		return a, b, nil
	}
	return b, a, nil
}

// Sender carries the minimal display fields joined onto a message.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is one entry in a conversation's append-only log.
// Content is never edited; the only mutation is flipping Read to true.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}
