// Package ws is the WebSocket delivery gateway for realtime messaging.
//
// A session authenticates with a hello, joins exactly one conversation at a
// time, and then exchanges typed JSON envelopes. Change-feed events for the
// joined conversation stream to the client as message.new / message.update.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"alumnode/cmd/internal/messaging"
)

const (
	// Version is the wire protocol version carried in every envelope.
	Version = 1

	// Subprotocol is offered during the WebSocket handshake.
	Subprotocol = "alumnode.realtime.v1"
)

// Envelope types.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello.ack"

	TypeJoin   = "conversation.join"
	TypeJoined = "conversation.joined"

	TypeMessageSend   = "message.send"
	TypeMessageAck    = "message.ack"
	TypeMessageNew    = "message.new"
	TypeMessageUpdate = "message.update"

	TypeHistoryFetch = "conversation.history.fetch"
	TypeHistoryChunk = "conversation.history.chunk"

	TypeMarkRead = "conversation.read"
	TypeReadAck  = "conversation.read.ack"

	TypeError = "error"
)

// Envelope is the framing for every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs framing-level checks; payload validation happens in the
// per-type handlers.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %d", e.V)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	return nil
}

// HelloPayload authenticates the session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload confirms authentication.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// JoinPayload requests the conversation with a peer.
type JoinPayload struct {
	PeerID string `json:"peer_id"`
}

// JoinedPayload confirms the active conversation.
type JoinedPayload struct {
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id"`
	Created        bool   `json:"created"`
}

// MessageSendPayload sends one message into the joined conversation.
type MessageSendPayload struct {
	Text string `json:"text"`
}

// MessageAckPayload confirms a stored message to its sender.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
}

// MessagePayload carries one message record (message.new, message.update,
// and history chunks).
type MessagePayload struct {
	Message messaging.Message `json:"message"`
}

// HistoryFetchPayload requests a history window.
type HistoryFetchPayload struct {
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns a history window, oldest first.
type HistoryChunkPayload struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []messaging.Message `json:"messages"`
	HasMore        bool                `json:"has_more"`
}

// ReadAckPayload reports how many messages a mark-as-read flipped.
type ReadAckPayload struct {
	ConversationID string `json:"conversation_id"`
	Flipped        int    `json:"flipped"`
}

// ErrorPayload reports a recoverable protocol or handler error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
