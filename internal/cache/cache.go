// Package cache provides the single namespaced TTL cache abstraction called
// for by the re-architecture guidance in SPEC_FULL.md's Design Notes: rather
// than every collaborator growing its own ad-hoc map+mutex cache (as the
// teacher's plugin.go does for GitHub API responses), every cacheable lookup
// in this service shares one Redis-backed cache keyed by namespace.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace groups related keys under a shared TTL policy.
type Namespace string

const (
	NamespacePermissions  Namespace = "permissions"
	NamespaceGitHubAPI    Namespace = "github_api"
	NamespaceSearchResult Namespace = "search_results"
	NamespaceContextStats Namespace = "context_stats"
)

// defaultTTL is the spec's default 300s cache lifetime for cacheable
// code-host API responses.
const defaultTTL = 300 * time.Second

// Cache is a namespaced, JSON-serializing TTL cache over Redis.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Cache using ttl as the default entry lifetime. Pass 0 to use
// the 300s spec default.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) key(ns Namespace, key string) string {
	return fmt.Sprintf("ghrelay:cache:%s:%s", ns, key)
}

// Get unmarshals the cached value for (ns, key) into dest. The second
// return is false on a cache miss.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(ns, key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s/%s: %w", ns, key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache unmarshal %s/%s: %w", ns, key, err)
	}
	return true, nil
}

// Set stores value under (ns, key) with the cache's default TTL.
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value any) error {
	return c.SetTTL(ctx, ns, key, value, c.ttl)
}

// SetTTL stores value under (ns, key) with an explicit TTL override.
func (c *Cache) SetTTL(ctx context.Context, ns Namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s/%s: %w", ns, key, err)
	}
	if err := c.rdb.Set(ctx, c.key(ns, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s/%s: %w", ns, key, err)
	}
	return nil
}

// Invalidate removes a single cached entry. The code-host client's write
// operations invalidate through InvalidatePrefix rather than this method.
func (c *Cache) Invalidate(ctx context.Context, ns Namespace, key string) error {
	if err := c.rdb.Del(ctx, c.key(ns, key)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s/%s: %w", ns, key, err)
	}
	return nil
}

// InvalidatePrefix removes every key in ns whose key starts with prefix,
// used when a single write invalidates a family of cached list responses
// (e.g. a new comment invalidates "list comments for PR N").
func (c *Cache) InvalidatePrefix(ctx context.Context, ns Namespace, prefix string) error {
	pattern := c.key(ns, prefix) + "*"
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("cache invalidate-prefix %s/%s: %w", ns, prefix, err)
		}
	}
	return iter.Err()
}
