package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	MigrateOnStart bool

	// RedisAddr switches the change feed from the in-process broker to
	// Redis pub/sub. Empty means single-node.
	RedisAddr string

	// TokenSecret signs session tokens (HMAC-SHA256). Required unless
	// DevInsecure is set; see ValidateSecurityConfig.
	TokenSecret string
	TokenTTL    time.Duration

	// GuardFailOpen admits a cached admin when role verification fails.
	GuardFailOpen      bool
	GuardVerifyTimeout time.Duration

	// AllowRerequest lets a declined connection request be sent again.
	AllowRerequest bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// DevInsecure relaxes origin and token-secret policy. Dev only.
	DevInsecure bool

	WSOriginRequired bool
	WSOrigins        []string
	WSRateEvents     int
	WSRateWindow     time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ALUMNODE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ALUMNODE_LOG_LEVEL", "info"),
		LogPretty: EnvBool("ALUMNODE_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("ALUMNODE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ALUMNODE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ALUMNODE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ALUMNODE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ALUMNODE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("ALUMNODE_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("ALUMNODE_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("ALUMNODE_DB_MIN_CONNS", 0),
		MigrateOnStart: EnvBool("ALUMNODE_DB_MIGRATE", true),

		RedisAddr: EnvString("ALUMNODE_REDIS_ADDR", ""),

		TokenSecret: EnvString("ALUMNODE_TOKEN_SECRET", ""),
		TokenTTL:    EnvDuration("ALUMNODE_TOKEN_TTL", 24*time.Hour),

		GuardFailOpen:      EnvBool("ALUMNODE_GUARD_FAIL_OPEN", true),
		GuardVerifyTimeout: EnvDuration("ALUMNODE_GUARD_VERIFY_TIMEOUT", 5*time.Second),

		AllowRerequest: EnvBool("ALUMNODE_CONNECTIONS_ALLOW_REREQUEST", false),

		ReadinessRequireDB: EnvBool("ALUMNODE_READINESS_REQUIRE_DB", false),

		DevInsecure: EnvBool("ALUMNODE_DEV_INSECURE", false),

		WSOriginRequired: EnvBool("ALUMNODE_WS_ORIGIN_REQUIRED", true),
		WSOrigins:        EnvStrings("ALUMNODE_WS_ORIGINS", nil),
		WSRateEvents:     EnvInt("ALUMNODE_WS_RATE_EVENTS", 60),
		WSRateWindow:     EnvDuration("ALUMNODE_WS_RATE_WINDOW", 10*time.Second),
	}
}
