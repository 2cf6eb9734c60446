package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/cmd/identity"
	"parley/cmd/internal/messaging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does NOT apply schema; see Backend.Migrate.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Backend bundles the message store and the user directory that share one
// database (or none, in memory mode). The app owns the pool/db lifecycle.
type Backend struct {
	Kind  string // "postgres", "sqlite" or "memory"
	Store messaging.Store
	Users identity.Writer

	pool *pgxpool.Pool
	db   *sql.DB
}

// OpenBackend picks Postgres when PARLEY_DATABASE_URL is set, SQLite when
// PARLEY_SQLITE_PATH is set, and in-memory storage otherwise.
func OpenBackend(ctx context.Context, cfg Config, log *slog.Logger) (*Backend, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		users, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return &Backend{Kind: "postgres", Store: store, Users: users, pool: pool}, nil

	case cfg.SQLitePath != "":
		db, err := messaging.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		store, err := messaging.NewSQLStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		users, err := identity.NewSQLDirectory(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return &Backend{Kind: "sqlite", Store: store, Users: users, db: db}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		return &Backend{
			Kind:  "memory",
			Store: messaging.NewInMemoryStore(),
			Users: identity.NewInMemoryDirectory(),
		}, nil
	}
}

// Persistent reports whether the backend is database backed.
func (b *Backend) Persistent() bool { return b.pool != nil || b.db != nil }

// Migrate applies the store and directory schema. It is idempotent and a
// no-op for the in-memory backend.
func (b *Backend) Migrate(ctx context.Context) error {
	type migrator interface{ Migrate(context.Context) error }
	type schemaApplier interface{ ApplySchema(context.Context) error }

	for _, target := range []any{b.Store, b.Users} {
		var err error
		switch m := target.(type) {
		case schemaApplier:
			err = m.ApplySchema(ctx)
		case migrator:
			err = m.Migrate(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database reachability. The in-memory backend is always ready.
func (b *Backend) Ping(ctx context.Context) error {
	switch {
	case b.pool != nil:
		return PingDB(ctx, b.pool, 2*time.Second)
	case b.db != nil:
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return b.db.PingContext(pctx)
	default:
		return nil
	}
}

// Close releases the store and the underlying database handle.
func (b *Backend) Close() error {
	var errs []error
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
