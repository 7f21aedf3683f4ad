// Package cache holds derived read results (snapshots, impact sets) keyed by
// the graph generation they were computed from.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/keboola/docloop/pkg/config"
)

// Entry is a cached JSON value
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Hits      int64           `json:"hits"`
}

// Config defines cache configuration
type Config struct {
	Enabled       bool          `json:"enabled"`
	DefaultTTL    time.Duration `json:"default_ttl"`
	MaxSize       int           `json:"max_size"`
	CleanupPeriod time.Duration `json:"cleanup_period"`
}

// DefaultConfig returns defaults for the in-memory backend
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		DefaultTTL:    10 * time.Minute,
		MaxSize:       256,
		CleanupPeriod: time.Minute,
	}
}

// Backend stores raw entries
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string)
	InvalidateByPrefix(ctx context.Context, prefix string) int
	Len(ctx context.Context) int
	Close() error
}

// Stats tracks cache performance
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache wraps a backend with JSON encoding and hit statistics
type Cache struct {
	backend Backend
	config  *Config

	mu    sync.Mutex
	stats Stats
}

// New creates a cache over the in-memory backend
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cache{backend: NewMemoryBackend(cfg), config: cfg}
}

// NewWithBackend creates a cache over an arbitrary backend
func NewWithBackend(cfg *Config, backend Backend) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cache{backend: backend, config: cfg}
}

// FromConfig builds the cache described by the application configuration.
// A disabled cache is still usable; every lookup misses.
func FromConfig(ctx context.Context, cfg config.CacheConfig) (*Cache, error) {
	c := &Config{
		Enabled:       cfg.Enabled,
		DefaultTTL:    cfg.DefaultTTL,
		MaxSize:       cfg.MaxSize,
		CleanupPeriod: time.Minute,
	}
	if !cfg.Enabled {
		return NewWithBackend(c, NewMemoryBackend(&Config{MaxSize: 1})), nil
	}
	switch cfg.Backend {
	case "", "memory":
		return New(c), nil
	case "redis":
		backend, err := NewRedisBackend(ctx, cfg.RedisURL, "docloop:cache:")
		if err != nil {
			return nil, err
		}
		return NewWithBackend(c, backend), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// GenerationKey builds a key scoped to one graph generation. Entries computed
// for an older generation are never returned for a newer one.
func GenerationKey(kind, subject string, generation uint64) string {
	hasher := sha256.New()
	hasher.Write([]byte(subject))
	hasher.Write([]byte(":"))
	hasher.Write([]byte(strconv.FormatUint(generation, 10)))
	return kind + ":" + hex.EncodeToString(hasher.Sum(nil))
}

// Get decodes the cached value for key into dst
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if !c.config.Enabled {
		return false
	}

	entry, ok := c.backend.Get(ctx, key)
	if ok {
		if err := json.Unmarshal(entry.Value, dst); err != nil {
			c.backend.Delete(ctx, key)
			ok = false
		}
	}
	c.record(ok)
	return ok
}

// Set stores value under key. A zero ttl uses the configured default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.config.Enabled {
		return nil
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	now := time.Now()
	return c.backend.Set(ctx, &Entry{
		Key:       key,
		Value:     raw,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
}

// Delete removes an entry
func (c *Cache) Delete(ctx context.Context, key string) {
	c.backend.Delete(ctx, key)
}

// InvalidateByPrefix removes every entry whose key starts with prefix
func (c *Cache) InvalidateByPrefix(ctx context.Context, prefix string) int {
	return c.backend.InvalidateByPrefix(ctx, prefix)
}

// GetStats returns current cache statistics
func (c *Cache) GetStats(ctx context.Context) *Stats {
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()

	stats.TotalEntries = int64(c.backend.Len(ctx))
	if mb, ok := c.backend.(*MemoryBackend); ok {
		stats.Evictions = mb.Evictions()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return &stats
}

// Close releases the backend
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) record(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}
