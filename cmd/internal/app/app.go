// Package app wires the AlumNode server runtime: config, logging, stores,
// services, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic: every dependency is picked
// at startup from Config, and nothing is swapped at runtime.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"alumnode/cmd/internal/auth/guard"
	"alumnode/cmd/internal/connections"
	"alumnode/cmd/internal/directory"
	"alumnode/cmd/internal/messaging"
	"alumnode/cmd/internal/messaging/ws"
	"alumnode/cmd/internal/notify"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App owns the HTTP server wiring and the service graph built from Config.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	feed messaging.ChangeFeed
	rdb  *redis.Client

	users *directory.Service
	notis *notify.Service
	conns *connections.Service

	guard *guard.Guard
	ws    *ws.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	ctx := context.Background()

	st, dbPool, dbEnabled, err := newStoreLifecycle(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := buildServices(cfg, log, dbPool, dbEnabled)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}

	a.cfg = cfg
	a.log = log
	a.store = st
	a.dbPool = dbPool
	a.dbEnabled = dbEnabled
	return a, nil
}

// newStoreLifecycle decides between Postgres-backed persistence and
// in-memory dev mode, and owns the pool lifecycle either way.
func newStoreLifecycle(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	if cfg.MigrateOnStart {
		if err := RunMigrations(ctx, log, cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, nil, false, err
		}
	}

	log.Info("db.enabled.postgres_store")
	return dbStore{pool: pool}, pool, true, nil
}

// buildServices wires stores, services, the change feed, the guard, and
// the realtime gateway. Interfaces keep the graph acyclic: the directory
// service doubles as role verifier, name lookup, and sender lookup.
func buildServices(cfg Config, log Logger, pool *pgxpool.Pool, dbEnabled bool) (*App, error) {
	a := &App{}

	var userStore directory.Store
	if dbEnabled {
		s, err := directory.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		userStore = s
	} else {
		userStore = directory.NewInMemoryStore()
	}

	users, err := directory.NewService(log, userStore)
	if err != nil {
		return nil, err
	}
	a.users = users

	var convs messaging.ConversationStore
	var msgs messaging.MessageStore
	if dbEnabled {
		s, err := messaging.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		convs, msgs = s, s
	} else {
		s := messaging.NewInMemoryStore(messaging.WithSenderLookup(users))
		convs, msgs = s, s
	}

	var notifStore notify.Store
	if dbEnabled {
		s, err := notify.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		notifStore = s
	} else {
		notifStore = notify.NewInMemoryStore()
	}

	notis, err := notify.NewService(log, notifStore, notify.WithNameLookup(users))
	if err != nil {
		return nil, err
	}
	a.notis = notis

	var connStore connections.Store
	if dbEnabled {
		s, err := connections.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		connStore = s
	} else {
		connStore = connections.NewInMemoryStore()
	}

	conns, err := connections.NewService(log, connStore,
		connections.WithNotifier(notis),
		connections.WithAllowRerequest(cfg.AllowRerequest),
	)
	if err != nil {
		return nil, err
	}
	a.conns = conns

	feed, rdb, err := newChangeFeed(cfg, log)
	if err != nil {
		return nil, err
	}
	a.feed = feed
	a.rdb = rdb

	tokens, err := guard.NewTokenManager(tokenSecret(cfg, log), cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	gu, err := guard.New(log, tokens, users, guard.Config{
		FailOpen:      cfg.GuardFailOpen,
		VerifyTimeout: cfg.GuardVerifyTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.guard = gu

	gateway, err := ws.NewGateway(log, convs, msgs, feed, tokens, conns, notis, ws.Config{
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSOrigins,
		DevInsecure:    cfg.DevInsecure,
		RateEvents:     cfg.WSRateEvents,
		RateWindow:     cfg.WSRateWindow,
	})
	if err != nil {
		return nil, err
	}
	a.ws = gateway

	return a, nil
}

// newChangeFeed picks Redis pub/sub when an address is configured, the
// in-process broker otherwise.
func newChangeFeed(cfg Config, log Logger) (messaging.ChangeFeed, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		log.Info("feed.inprocess_broker")
		return messaging.NewBroker(log), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	feed, err := messaging.NewRedisFeed(log, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	log.Info("feed.redis", "addr", cfg.RedisAddr)
	return feed, rdb, nil
}

// tokenSecret returns the configured signing key, or a process-lifetime
// random key under DevInsecure. Ephemeral keys invalidate all sessions on
// restart, which is acceptable only in development.
func tokenSecret(cfg Config, log Logger) []byte {
	if cfg.TokenSecret != "" {
		return []byte(cfg.TokenSecret)
	}
	b := make([]byte, minTokenSecretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("app: crypto/rand unavailable: " + err.Error())
	}
	log.Warn("security.token_secret.ephemeral", "hint", "set ALUMNODE_TOKEN_SECRET")
	return []byte(hex.EncodeToString(b))
}

// Run starts the HTTP server and blocks until context cancellation or
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.guard)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"feed_redis", a.rdb != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeResources(shutdownCtx)

	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			a.log.Error("feed.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
