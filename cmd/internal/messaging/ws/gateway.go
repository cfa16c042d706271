package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"alumnode/cmd/internal/auth/guard"
	"alumnode/cmd/internal/connections"
	"alumnode/cmd/internal/messaging"
)

// TokenVerifier authenticates session tokens presented in the hello.
// Implemented by guard.TokenManager.
type TokenVerifier interface {
	Parse(tokenString string) (guard.Claims, error)
}

// ConnectionGate reports the connection status between two users.
// Implemented by connections.Service.
type ConnectionGate interface {
	Status(ctx context.Context, userA, userB string) (connections.Status, error)
}

// errNotConnected rejects realtime traffic between users whose connection
// is not in the accepted state.
var errNotConnected = errors.New("users are not connected")

// Notifier records a new-message notification for the recipient.
// Best effort: failures are logged, never surfaced to the sender.
type Notifier interface {
	MessageReceived(ctx context.Context, recipientID, senderID, conversationID string) error
}

// Config tunes gateway behavior. Zero values fall back to safe defaults.
type Config struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the handshake origin allowlist. "*" honors any.
	AllowedOrigins []string
	// DevInsecure disables TLS origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for realtime messaging.
//
// It enforces origin policy, subprotocol selection, authentication, rate
// limits, and heartbeats, and bridges the change feed to the client.
type Gateway struct {
	log    *slog.Logger
	convs  messaging.ConversationStore
	msgs   messaging.MessageStore
	feed   messaging.ChangeFeed
	tokens TokenVerifier
	gate   ConnectionGate
	notif  Notifier

	cfg            Config
	originPatterns []string
}

// NewGateway constructs a gateway. The notifier may be nil.
func NewGateway(
	log *slog.Logger,
	convs messaging.ConversationStore,
	msgs messaging.MessageStore,
	feed messaging.ChangeFeed,
	tokens TokenVerifier,
	gate ConnectionGate,
	notif Notifier,
	cfg Config,
) (*Gateway, error) {
	if convs == nil || msgs == nil || feed == nil || tokens == nil || gate == nil {
		return nil, errors.New("ws: missing dependency")
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:    log,
		convs:  convs,
		msgs:   msgs,
		feed:   feed,
		tokens: tokens,
		gate:   gate,
		notif:  notif,
		cfg:    cfg,
		// websocket.Accept authorizes same-host origins by default; for
		// cross-origin it needs host patterns derived from the allowlist.
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so the gateway mounts as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection mutable state, mutated only by the read loop.
type session struct {
	client *Client
	userID string

	conv   messaging.Conversation
	sub    *messaging.Subscription
	cancel context.CancelFunc
}

func (s *session) leave() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.conv = messaging.Conversation{}
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewRandomHex(10)
	sess := &session{client: NewClient(sessionID, g.cfg.SendQueueSize)}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send: feed pumps may
	// still be enqueueing.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.leave()
			sess.client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case env := <-sess.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess.client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess.client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess.client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeHello:
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case TypeJoin:
			if sess.userID == "" {
				g.trySendError(ctx, sess.client, "not_authenticated", "hello first")
				continue readLoop
			}
			if err := g.onJoin(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errorCode(err, "join_failed"), err.Error())
				continue readLoop
			}

		case TypeMessageSend:
			if sess.conv.ID == "" {
				g.trySendError(ctx, sess.client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, sess.client, errorCode(err, "send_failed"), err.Error())
				continue readLoop
			}

		case TypeHistoryFetch:
			if sess.conv.ID == "" {
				g.trySendError(ctx, sess.client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onHistoryFetch(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, errorCode(err, "history_failed"), err.Error())
				continue readLoop
			}

		case TypeMarkRead:
			if sess.conv.ID == "" {
				g.trySendError(ctx, sess.client, "not_joined", "join first")
				continue readLoop
			}
			if err := g.onMarkRead(ctx, sess); err != nil {
				g.trySendError(ctx, sess.client, errorCode(err, "read_failed"), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env Envelope) error {
	var p HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	claims, err := g.tokens.Parse(p.Token)
	if err != nil {
		return errors.New("invalid token")
	}
	sess.userID = claims.UserID
	sess.client.UserID = claims.UserID

	ackPayload, _ := json.Marshal(HelloAckPayload{
		SessionID: sess.client.SessionID,
		UserID:    claims.UserID,
	})
	if !sess.client.TrySend(ctx, newEnvelope(TypeHelloAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (g *Gateway) onJoin(ctx context.Context, sess *session, env Envelope) error {
	var p JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	peerID := strings.TrimSpace(p.PeerID)
	if peerID == "" {
		return errors.New("missing peer_id")
	}

	if err := g.requirePeerAccepted(ctx, sess.userID, peerID); err != nil {
		return err
	}

	res, err := g.convs.GetOrCreate(ctx, messaging.GetOrCreateInput{
		UserA: sess.userID,
		UserB: peerID,
	})
	if err != nil {
		return err
	}

	// One conversation per session: leave the old one before switching.
	sess.leave()

	sub, err := g.feed.Subscribe(ctx, res.Conversation.ID)
	if err != nil {
		return err
	}

	pumpCtx, pumpCancel := context.WithCancel(ctx)
	sess.conv = res.Conversation
	sess.sub = sub
	sess.cancel = pumpCancel

	go g.pumpFeed(pumpCtx, sess.client, sub)

	echoPayload, _ := json.Marshal(JoinedPayload{
		ConversationID: res.Conversation.ID,
		PeerID:         peerID,
		Created:        res.Created,
	})
	if !sess.client.TrySend(ctx, newEnvelope(TypeJoined, echoPayload, time.Now().UTC())) {
		sess.leave()
		return errors.New("backpressure: join echo")
	}
	return nil
}

// pumpFeed streams change-feed events for the joined conversation into the
// client queue until the subscription or session ends.
func (g *Gateway) pumpFeed(ctx context.Context, client *Client, sub *messaging.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			typ := TypeMessageNew
			if ev.Kind == messaging.EventUpdate {
				typ = TypeMessageUpdate
			}
			payload, err := json.Marshal(MessagePayload{Message: ev.Message})
			if err != nil {
				continue
			}
			if !client.TrySend(ctx, newEnvelope(typ, payload, ev.At)) {
				g.log.Debug("ws.feed.drop", "session_id", client.SessionID, "event_id", ev.ID)
			}
		}
	}
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *session, env Envelope, now time.Time) error {
	var p MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// Re-checked per send: a withdrawal or decline after join must cut the
	// conversation off, not just future joins.
	if err := g.requirePeerAccepted(ctx, sess.userID, sess.conv.PeerOf(sess.userID)); err != nil {
		return err
	}

	msg, err := g.msgs.Append(ctx, messaging.AppendInput{
		ConversationID: sess.conv.ID,
		SenderID:       sess.userID,
		Content:        p.Text,
		Now:            now,
	})
	if err != nil {
		return err
	}

	if err := g.feed.Publish(ctx, messaging.NewEvent(messaging.EventInsert, msg)); err != nil {
		g.log.Warn("ws.publish.fail", "conversation_id", sess.conv.ID, "message_id", msg.ID, "err", err)
	}

	ackPayload, _ := json.Marshal(MessageAckPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
	})
	if !sess.client.TrySend(ctx, newEnvelope(TypeMessageAck, ackPayload, now)) {
		return errors.New("backpressure: ack")
	}

	if g.notif != nil {
		if err := g.notif.MessageReceived(ctx, sess.conv.PeerOf(sess.userID), sess.userID, sess.conv.ID); err != nil {
			g.log.Warn("ws.notify.fail", "conversation_id", sess.conv.ID, "err", err)
		}
	}
	return nil
}

func (g *Gateway) onHistoryFetch(ctx context.Context, sess *session, env Envelope) error {
	var p HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	out, err := g.msgs.List(ctx, messaging.ListInput{
		ConversationID: sess.conv.ID,
		AfterSeq:       p.AfterSeq,
		Limit:          limit,
	})
	if err != nil {
		return err
	}

	chunkPayload, _ := json.Marshal(HistoryChunkPayload{
		ConversationID: sess.conv.ID,
		Messages:       out.Messages,
		HasMore:        out.HasMore,
	})
	if !sess.client.TrySend(ctx, newEnvelope(TypeHistoryChunk, chunkPayload, time.Now().UTC())) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

func (g *Gateway) onMarkRead(ctx context.Context, sess *session) error {
	flipped, err := g.msgs.MarkRead(ctx, sess.conv.ID, sess.userID)
	if err != nil {
		return err
	}

	// Every flipped message becomes an update event so the sender's view
	// reflects the read receipt.
	for _, m := range flipped {
		if err := g.feed.Publish(ctx, messaging.NewEvent(messaging.EventUpdate, m)); err != nil {
			g.log.Warn("ws.publish.fail", "conversation_id", sess.conv.ID, "message_id", m.ID, "err", err)
		}
	}

	ackPayload, _ := json.Marshal(ReadAckPayload{
		ConversationID: sess.conv.ID,
		Flipped:        len(flipped),
	})
	if !sess.client.TrySend(ctx, newEnvelope(TypeReadAck, ackPayload, time.Now().UTC())) {
		return errors.New("backpressure: read ack")
	}
	return nil
}

// requirePeerAccepted allows realtime traffic only between users whose
// connection is accepted. Gate lookup failures deny: messaging between
// strangers is worse than a transient refusal.
func (g *Gateway) requirePeerAccepted(ctx context.Context, userID, peerID string) error {
	status, err := g.gate.Status(ctx, userID, peerID)
	if err != nil {
		return fmt.Errorf("connection check: %w", err)
	}
	if status != connections.StatusAccepted {
		return fmt.Errorf("%w: status %s", errNotConnected, status)
	}
	return nil
}

// errorCode maps a handler error to the wire error code, falling back to
// the handler's generic code.
func errorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, errNotConnected):
		return "not_connected"
	case messaging.IsNotFound(err):
		return "not_found"
	case messaging.IsConflict(err):
		return "conflict"
	default:
		return fallback
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	_ = client.TrySend(ctx, newEnvelope(TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not
	// conn.Read. This fallback exists for robustness when error strings are
	// propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host.
	// Keep this strict: only hosts extracted from the allowlist.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
