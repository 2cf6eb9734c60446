package auth

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", testSecret)
	t.Setenv("PARLEY_JWT_ISSUER", "parley-test")
	t.Setenv("PARLEY_JWT_TTL", "2h")
	t.Setenv("PARLEY_JWT_CLOCK_SKEW", "5s")
	t.Setenv("PARLEY_DEV_MODE", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Issuer != "parley-test" || cfg.TTL != 2*time.Hour || cfg.ClockSkew != 5*time.Second {
		t.Fatalf("cfg: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_SecretPolicy(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", "short")
	t.Setenv("PARLEY_DEV_MODE", "")

	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("short secret: got %v want ErrConfig", err)
	}

	t.Setenv("PARLEY_DEV_MODE", "true")
	cfg, err := LoadConfigFromEnv()
	if err != nil || !cfg.DevMode {
		t.Fatalf("dev mode short secret: cfg=%+v err=%v", cfg, err)
	}

	t.Setenv("PARLEY_JWT_SECRET", "")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing secret: got %v want ErrConfig", err)
	}
}

func TestLoadConfigFromEnv_BadDuration(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", testSecret)
	t.Setenv("PARLEY_JWT_TTL", "soon")

	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("bad ttl: got %v want ErrConfig", err)
	}
}
