package ws

import (
	"context"
	"sync"
)

// Client is the gateway-side handle for one websocket session: a bounded
// outbound queue plus a stop signal.
//
// Send is never closed. Feed pumps and the read loop may still be
// enqueueing while the session tears down, so shutdown is signalled
// through done instead.
type Client struct {
	SessionID string
	UserID    string
	Send      chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// TrySend enqueues env without blocking. It reports false when the queue
// is full, the client is stopping, or ctx is done; the caller decides
// whether a drop is an error (acks) or acceptable (feed events).
func (c *Client) TrySend(ctx context.Context, env Envelope) bool {
	if c == nil {
		return false
	}
	// Stop signals win over a free queue slot.
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close stops the client's goroutines (idempotent). Send stays open.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
