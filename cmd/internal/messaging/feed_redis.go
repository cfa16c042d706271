package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisFeed is a ChangeFeed over Redis Pub/Sub, for deployments where more
// than one process serves realtime clients. One Redis channel per
// conversation.
//
// Ownership model: the redis client is owned by the caller; Close is a no-op.
type RedisFeed struct {
	log       *slog.Logger
	rdb       redis.UniversalClient
	prefix    string
	queueSize int
}

// RedisFeedOption configures RedisFeed behavior.
type RedisFeedOption func(*RedisFeed) error

// WithChannelPrefix sets the Redis channel name prefix (default "alumnode:feed").
func WithChannelPrefix(prefix string) RedisFeedOption {
	return func(f *RedisFeed) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("messaging: empty channel prefix")
		}
		f.prefix = prefix
		return nil
	}
}

// WithRedisQueueSize sets the per-subscriber local queue capacity.
func WithRedisQueueSize(n int) RedisFeedOption {
	return func(f *RedisFeed) error {
		if n < feedMinQueueSize {
			return errors.New("messaging: queue size too small")
		}
		f.queueSize = n
		return nil
	}
}

// NewRedisFeed constructs a Redis-backed change feed.
func NewRedisFeed(log *slog.Logger, rdb redis.UniversalClient, opts ...RedisFeedOption) (*RedisFeed, error) {
	f := &RedisFeed{
		log:       log,
		rdb:       rdb,
		prefix:    "alumnode:feed",
		queueSize: feedDefaultQueueSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if f.rdb == nil {
		return nil, errors.New("messaging: nil redis client")
	}
	return f, nil
}

func (f *RedisFeed) channel(conversationID string) string {
	return f.prefix + ":" + conversationID
}

// Subscribe opens a Redis subscription for one conversation and pumps
// decoded events into a bounded local queue.
func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, OpError{Op: "messaging.Subscribe", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ps := f.rdb.Subscribe(ctx, f.channel(conversationID))
	// Force the subscription handshake so a broken Redis fails fast here
	// instead of silently delivering nothing.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, f.queueSize)

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				if f.log != nil {
					f.log.Warn("feed.redis.decode.fail", "channel", msg.Channel, "err", err)
				}
				continue
			}
			select {
			case out <- ev:
			default:
				feedEventsDropped.Inc()
				if f.log != nil {
					f.log.Debug("feed.event.drop", "conversation_id", ev.ConversationID, "event_id", ev.ID)
				}
			}
		}
	}()

	return &Subscription{C: out, cancel: func() { _ = ps.Close() }}, nil
}

// Publish encodes ev and publishes it to the conversation channel.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.ConversationID) == "" {
		return OpError{Op: "messaging.Publish", Kind: ErrInvalidInput}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, f.channel(ev.ConversationID), payload).Err(); err != nil {
		return err
	}
	feedEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// Close is a no-op because the redis client is owned by the caller.
func (f *RedisFeed) Close() error { return nil }
