package msgapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls HTTP limits of the messaging API.
type Config struct {
	MaxBodyBytes int64
	// SendRate is the sustained sends per second allowed per user; SendBurst
	// is the bucket size. A zero rate disables the limiter.
	SendRate  float64
	SendBurst int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		SendRate:     1,
		SendBurst:    10,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = envInt64("PARLEY_API_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.SendRate = envFloat("PARLEY_SEND_RATE", cfg.SendRate)
	cfg.SendBurst = envInt("PARLEY_SEND_BURST", cfg.SendBurst)
	return cfg.normalized()
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.SendRate < 0 {
		c.SendRate = 0
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
