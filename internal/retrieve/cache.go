package retrieve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docuchat/docuchat/internal/log"
)

const fingerprintKey = "docuchat:corpus:fingerprint"

// Cache stores merged retrieval results in Redis. Keys include the
// corpus fingerprint, a counter ingestion bumps on every visibility
// change, so stale entries simply become unreachable and expire.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger log.Logger
}

// NewCache creates a retrieval cache with the given entry TTL.
func NewCache(rdb *redis.Client, ttl time.Duration, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

// Bump invalidates all cached results by advancing the corpus
// fingerprint.
func (c *Cache) Bump(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, fingerprintKey).Err(); err != nil {
		return fmt.Errorf("bumping corpus fingerprint: %w", err)
	}
	return nil
}

// Fingerprint returns the current corpus fingerprint.
func (c *Cache) Fingerprint(ctx context.Context) (string, error) {
	fp, err := c.rdb.Get(ctx, fingerprintKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading corpus fingerprint: %w", err)
	}
	return fp, nil
}

func (c *Cache) key(ctx context.Context, query string, topK int) (string, error) {
	fp, err := c.Fingerprint(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", fp, topK, query))
	return "docuchat:retrieval:" + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached ranking for a query, if present. Cache
// failures degrade to a miss.
func (c *Cache) Get(ctx context.Context, query string, topK int) ([]Candidate, bool) {
	key, err := c.key(ctx, query, topK)
	if err != nil {
		c.logger.Warn("computing cache key", "error", err)
		return nil, false
	}
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("reading retrieval cache", "error", err)
		return nil, false
	}
	var results []Candidate
	if err := json.Unmarshal(payload, &results); err != nil {
		c.logger.Warn("decoding retrieval cache entry", "error", err)
		return nil, false
	}
	return results, true
}

// Set stores a ranking. Failures are logged and ignored; the cache is
// an optimization, never a source of truth.
func (c *Cache) Set(ctx context.Context, query string, topK int, results []Candidate) {
	key, err := c.key(ctx, query, topK)
	if err != nil {
		c.logger.Warn("computing cache key", "error", err)
		return
	}
	payload, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn("encoding retrieval cache entry", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("writing retrieval cache", "error", err)
	}
}
