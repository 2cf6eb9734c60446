package identity

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func mustOpenSQLiteDirectory(t *testing.T) *SQLDirectory {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	d, err := NewSQLDirectory(db)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestSQLDirectory_CreateAndLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := mustOpenSQLiteDirectory(t)

	u, err := d.CreateUser(ctx, CreateUserInput{ID: "u1", Handle: "ada", DisplayName: "Ada", AvatarURI: "https://cdn.example/a.png"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := d.UserExists(ctx, u.ID)
	if err != nil || !ok {
		t.Fatalf("expected user to exist: ok=%v err=%v", ok, err)
	}

	s, err := d.UserSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Handle != "ada" || s.DisplayName != "Ada" || s.AvatarURI != "https://cdn.example/a.png" {
		t.Fatalf("unexpected summary: %+v", s)
	}

	if _, err := d.UserSummary(ctx, "nobody"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLDirectory_HandleConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := mustOpenSQLiteDirectory(t)

	if _, err := d.CreateUser(ctx, CreateUserInput{ID: "u1", Handle: "Ada"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := d.CreateUser(ctx, CreateUserInput{ID: "u2", Handle: "ada"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
