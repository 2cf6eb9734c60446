package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/cmd/internal/auth"
)

const cliTestSecret = "0123456789abcdef0123456789abcdef"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", cliTestSecret)
	t.Setenv("PARLEY_CONFIG", "")

	out, err := runCLI(t, "token", "alice", "--handle", "alice", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	cfg := auth.DefaultConfig()
	cfg.Secret = cliTestSecret
	m, err := auth.NewManager(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	claims, err := m.Verify(strings.TrimSpace(out), time.Now().UTC())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "alice" || claims.Handle != "alice" {
		t.Fatalf("claims: %+v", claims)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt); ttl != 5*time.Minute {
		t.Fatalf("ttl: got %v want 5m", ttl)
	}
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", "")
	t.Setenv("PARLEY_CONFIG", "")

	if _, err := runCLI(t, "token", "alice"); err == nil {
		t.Fatalf("expected error without a secret")
	}
}

func TestMigrateAndUsersAdd_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "parley.yaml")
	dbPath := filepath.Join(dir, "parley.db")
	if err := os.WriteFile(cfgPath, []byte("sqlite_path: "+dbPath+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Registered so the value written by the config file is restored.
	t.Setenv("PARLEY_SQLITE_PATH", "")
	_ = os.Unsetenv("PARLEY_SQLITE_PATH")
	t.Setenv("PARLEY_DATABASE_URL", "")

	out, err := runCLI(t, "--config", cfgPath, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema applied (sqlite)") {
		t.Fatalf("migrate output: %q", out)
	}

	out, err = runCLI(t, "--config", cfgPath, "users", "add", "--id", "u1", "--handle", "ada", "--display-name", "Ada Lovelace")
	if err != nil {
		t.Fatalf("users add: %v", err)
	}
	if out != "u1\t@ada\n" {
		t.Fatalf("users add output: %q", out)
	}

	if _, err := runCLI(t, "--config", cfgPath, "users", "add", "--id", "u2", "--handle", "ADA"); err == nil {
		t.Fatalf("expected handle conflict")
	}
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	t.Setenv("PARLEY_DATABASE_URL", "")
	t.Setenv("PARLEY_SQLITE_PATH", "")
	t.Setenv("PARLEY_CONFIG", "")

	if _, err := runCLI(t, "migrate"); err == nil {
		t.Fatalf("expected error without a database")
	}
}
