package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by SummaryCache implementations on a missing key.
var ErrCacheMiss = errors.New("identity: cache miss")

// SummaryCache stores serialized summaries keyed by user id.
type SummaryCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CachedDirectory decorates a Directory with a read-through summary cache.
// Cache failures are logged and fall through to the underlying directory.
type CachedDirectory struct {
	log   *slog.Logger
	next  Directory
	cache SummaryCache
	ttl   time.Duration
}

// NewCachedDirectory wraps next. ttl <= 0 defaults to five minutes.
func NewCachedDirectory(log *slog.Logger, next Directory, cache SummaryCache, ttl time.Duration) *CachedDirectory {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{log: log, next: next, cache: cache, ttl: ttl}
}

func summaryKey(userID string) string { return "parley:user:summary:" + userID }

// UserExists consults the cache first; a cached summary implies existence.
func (d *CachedDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	if _, ok := d.cached(ctx, userID); ok {
		return true, nil
	}
	return d.next.UserExists(ctx, userID)
}

// UserSummary implements Directory.
func (d *CachedDirectory) UserSummary(ctx context.Context, userID string) (Summary, error) {
	if s, ok := d.cached(ctx, userID); ok {
		return s, nil
	}

	s, err := d.next.UserSummary(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	raw, err := json.Marshal(s)
	if err == nil {
		if err := d.cache.Set(ctx, summaryKey(userID), string(raw), d.ttl); err != nil {
			d.log.Warn("identity.cache.set.fail", "user_id", userID, "err", err)
		}
	}
	return s, nil
}

func (d *CachedDirectory) cached(ctx context.Context, userID string) (Summary, bool) {
	raw, err := d.cache.Get(ctx, summaryKey(userID))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			d.log.Warn("identity.cache.get.fail", "user_id", userID, "err", err)
		}
		return Summary{}, false
	}
	var s Summary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Summary{}, false
	}
	return s, true
}

// RedisSummaryCache is a SummaryCache backed by go-redis.
type RedisSummaryCache struct {
	client redis.UniversalClient
}

// NewRedisSummaryCache wraps an existing client. The client is owned by the caller.
func NewRedisSummaryCache(client redis.UniversalClient) *RedisSummaryCache {
	return &RedisSummaryCache{client: client}
}

var _ SummaryCache = (*RedisSummaryCache)(nil)

func (c *RedisSummaryCache) Get(ctx context.Context, key string) (string, error) {
	res, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
