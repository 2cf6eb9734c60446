package auth

import (
	"os"
	"strings"
	"time"
)

// MinSecretBytes is the shortest HMAC secret accepted outside dev mode.
const MinSecretBytes = 32

// Config controls token verification and issuance.
type Config struct {
	// Issuer is the value set in, and required of, the "iss" claim.
	Issuer string

	// TTL is the lifetime of tokens issued by Manager.Issue.
	TTL time.Duration

	// ClockSkew is tolerated on exp/nbf/iat checks.
	ClockSkew time.Duration

	// Secret is the HS256 key.
	Secret string

	// DevMode allows short secrets for local runs.
	DevMode bool
}

// DefaultConfig returns development defaults. Secret is left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:    "parley",
		TTL:       24 * time.Hour,
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// Required:
//   - PARLEY_JWT_SECRET
//
// Optional:
//   - PARLEY_JWT_ISSUER
//   - PARLEY_JWT_TTL
//   - PARLEY_JWT_CLOCK_SKEW
//   - PARLEY_DEV_MODE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Secret = os.Getenv("PARLEY_JWT_SECRET")

	if v := strings.TrimSpace(os.Getenv("PARLEY_JWT_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("PARLEY_JWT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	if v := os.Getenv("PARLEY_JWT_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	switch strings.ToLower(strings.TrimSpace(os.Getenv("PARLEY_DEV_MODE"))) {
	case "1", "true", "yes", "y", "on":
		cfg.DevMode = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the secret length policy.
func (c Config) Validate() error {
	if c.Secret == "" {
		return ErrConfig
	}
	if len(c.Secret) < MinSecretBytes && !c.DevMode {
		return ErrConfig
	}
	if c.TTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	return nil
}
