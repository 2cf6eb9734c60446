package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
//
// Package level knobs (token verification, API limits, websocket gateway) are
// loaded by their own packages from PARLEY_JWT_*, PARLEY_SEND_* and
// PARLEY_WS_*. A config file applied with ApplyConfigFile feeds all of them.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Storage backend, first match wins: Postgres, SQLite, in-memory.
	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool
	SQLitePath    string

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL enables the cross-node relay and the user summary cache.
	RedisURL     string
	NodeID       string
	UserCacheTTL time.Duration

	// NotifyQueue routes badge notifications through the asynq queue on RedisURL.
	NotifyQueue       bool
	NotifyConcurrency int

	PushTimeout time.Duration

	// DevUsers seeds the directory, "id:handle[:Display Name]" comma separated.
	DevUsers string
	DevMode  bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("PARLEY_LOG_FORMAT", "json")),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PARLEY_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:      EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:    EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("PARLEY_DB_AUTO_MIGRATE", false),
		SQLitePath:    EnvString("PARLEY_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		RedisURL:     EnvString("PARLEY_REDIS_URL", ""),
		NodeID:       EnvString("PARLEY_NODE_ID", defaultNodeID()),
		UserCacheTTL: EnvDuration("PARLEY_USER_CACHE_TTL", 5*time.Minute),

		NotifyQueue:       EnvBool("PARLEY_NOTIFY_QUEUE", false),
		NotifyConcurrency: EnvInt("PARLEY_NOTIFY_CONCURRENCY", 10),

		PushTimeout: EnvDuration("PARLEY_PUSH_TIMEOUT", 5*time.Second),

		DevUsers: EnvString("PARLEY_DEV_USERS", ""),
		DevMode:  EnvBool("PARLEY_DEV_MODE", false),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),
	}
}

// ValidateConfig rejects combinations the runtime cannot serve.
func ValidateConfig(cfg Config) error {
	var errs []error

	switch cfg.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("PARLEY_LOG_FORMAT must be json or pretty, got %q", cfg.LogFormat))
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		errs = append(errs, errors.New("PARLEY_HTTP_ADDR is required"))
	}
	if cfg.DatabaseURL != "" && strings.TrimSpace(cfg.DBSchema) == "" {
		errs = append(errs, errors.New("PARLEY_DB_SCHEMA is required with PARLEY_DATABASE_URL"))
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		errs = append(errs, fmt.Errorf("PARLEY_DB_MIN_CONNS (%d) exceeds PARLEY_DB_MAX_CONNS (%d)", cfg.DBMinConns, cfg.DBMaxConns))
	}
	if cfg.NotifyQueue && cfg.RedisURL == "" {
		errs = append(errs, errors.New("PARLEY_NOTIFY_QUEUE requires PARLEY_REDIS_URL"))
	}
	if cfg.ReadinessRequireDB && cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		errs = append(errs, errors.New("PARLEY_READINESS_REQUIRE_DB is set but no database is configured"))
	}
	for _, o := range cfg.CORSAllowedOrigins {
		if o == "*" && cfg.CORSAllowCredentials {
			errs = append(errs, errors.New("PARLEY_CORS_ALLOWED_ORIGINS=* cannot be combined with credentials"))
			break
		}
	}

	return errors.Join(errs...)
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "parley"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
