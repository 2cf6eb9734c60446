package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the users table of the social application.
//
// The pgx pool is owned by the caller; the directory never closes it.
// Schema/table identifiers are validated and quoted.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema holding the users table (default "parley").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

// ApplySchema creates the users table when it does not exist yet.
func (d *PostgresDirectory) ApplySchema(ctx context.Context) error {
	users := pgIdent(d.schema, "users")
	_, err := d.pool.Exec(ctx, `
CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{d.schema}.Sanitize()+`;
CREATE TABLE IF NOT EXISTS `+users+` (
  id TEXT PRIMARY KEY,
  handle TEXT NOT NULL,
  handle_norm TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  avatar_uri TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT uq_users_handle_norm UNIQUE (handle_norm)
);`)
	if err != nil {
		return fmt.Errorf("identity: apply schema: %w", err)
	}
	return nil
}

// CreateUser inserts a user row.
func (d *PostgresDirectory) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.PostgresDirectory.CreateUser"

	u, err := prepareUser(op, in)
	if err != nil {
		return User{}, err
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(d.schema, "users")+` (id, handle, handle_norm, display_name, avatar_uri, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Handle, u.HandleNorm, u.DisplayName, u.AvatarURI, u.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}
	return u, nil
}

// UserExists implements Directory.
func (d *PostgresDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(d.schema, "users")+` WHERE id = $1)`,
		strings.TrimSpace(userID),
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UserSummary implements Directory.
func (d *PostgresDirectory) UserSummary(ctx context.Context, userID string) (Summary, error) {
	var s Summary
	err := d.pool.QueryRow(ctx,
		`SELECT id, handle, display_name, avatar_uri FROM `+pgIdent(d.schema, "users")+` WHERE id = $1`,
		strings.TrimSpace(userID),
	).Scan(&s.ID, &s.Handle, &s.DisplayName, &s.AvatarURI)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, NotFoundError{Op: "identity.PostgresDirectory.UserSummary", Resource: "user"}
	}
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_handle_norm" || strings.Contains(c, "handle"):
		return "handle", true
	case strings.Contains(c, "pkey"):
		return "id", true
	default:
		return "unique", true
	}
}
