package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLDirectory is a Directory over database/sql, used with the embedded SQLite backend.
// The *sql.DB is owned by the caller.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory wraps db. Call Migrate before first use on a fresh database.
func NewSQLDirectory(db *sql.DB) (*SQLDirectory, error) {
	if db == nil {
		return nil, errors.New("identity: nil db")
	}
	return &SQLDirectory{db: db}, nil
}

// Migrate creates the users table if needed.
func (d *SQLDirectory) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		handle       TEXT NOT NULL,
		handle_norm  TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_uri   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// CreateUser inserts a user row.
func (d *SQLDirectory) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.SQLDirectory.CreateUser"

	u, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, handle_norm, display_name, avatar_uri, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Handle, u.HandleNorm, u.DisplayName, u.AvatarURI, u.CreatedAt.UnixNano(),
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: users.handle_norm"):
			return User{}, ConflictError{Op: op, Field: "handle"}
		case strings.Contains(msg, "UNIQUE constraint failed: users.id"):
			return User{}, ConflictError{Op: op, Field: "id"}
		}
		return User{}, err
	}
	return u, nil
}

// UserExists implements Directory.
func (d *SQLDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE id = ?`, strings.TrimSpace(userID),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UserSummary implements Directory.
func (d *SQLDirectory) UserSummary(ctx context.Context, userID string) (Summary, error) {
	var s Summary
	err := d.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, avatar_uri FROM users WHERE id = ?`, strings.TrimSpace(userID),
	).Scan(&s.ID, &s.Handle, &s.DisplayName, &s.AvatarURI)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, NotFoundError{Op: "identity.SQLDirectory.UserSummary", Resource: "user"}
	}
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}
