package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/keboola/docloop/pkg/config"
)

type cachedImpact struct {
	Dependents []string `json:"dependents"`
}

func TestCacheBasicOperations(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	key := GenerationKey("impact", "Document:docs/a.md", 7)
	if err := c.Set(ctx, key, cachedImpact{Dependents: []string{"Skill:claude/a"}}, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var got cachedImpact
	if !c.Get(ctx, key, &got) {
		t.Fatal("Expected cache hit, got miss")
	}
	if len(got.Dependents) != 1 || got.Dependents[0] != "Skill:claude/a" {
		t.Errorf("unexpected cached value %+v", got)
	}
}

func TestCacheMiss(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	var v cachedImpact
	if c.Get(ctx, "non-existent-key", &v) {
		t.Error("Expected cache miss, got hit")
	}

	stats := c.GetStats(ctx)
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
}

func TestCacheExpiration(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "expire", "soon", 100*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var s string
	if !c.Get(ctx, "expire", &s) {
		t.Fatal("Expected cache hit before expiration")
	}

	time.Sleep(150 * time.Millisecond)

	if c.Get(ctx, "expire", &s) {
		t.Fatal("Expected cache miss after expiration")
	}
}

func TestCacheMaxSize(t *testing.T) {
	c := New(&Config{Enabled: true, DefaultTTL: time.Hour, MaxSize: 3})
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := "key-" + string(rune('0'+i))
		if err := c.Set(ctx, key, i, 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var v int
	if c.Get(ctx, "key-0", &v) {
		t.Error("oldest entry should have been evicted")
	}
	if !c.Get(ctx, "key-3", &v) || v != 3 {
		t.Error("newest entry should be cached")
	}

	stats := c.GetStats(ctx)
	if stats.TotalEntries != 3 {
		t.Errorf("Expected 3 entries, got %d", stats.TotalEntries)
	}
	if stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestCacheDisabled(t *testing.T) {
	c := New(&Config{Enabled: false})
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", 1, time.Hour); err != nil {
		t.Fatalf("Set on disabled cache should be a no-op: %v", err)
	}
	var v int
	if c.Get(ctx, "k", &v) {
		t.Error("disabled cache must always miss")
	}
}

func TestInvalidateByPrefix(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, GenerationKey("impact", "a", 1), 1, 0)
	_ = c.Set(ctx, GenerationKey("impact", "b", 1), 2, 0)
	_ = c.Set(ctx, GenerationKey("snapshot", "", 1), 3, 0)

	if n := c.InvalidateByPrefix(ctx, "impact:"); n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}
	var v int
	if !c.Get(ctx, GenerationKey("snapshot", "", 1), &v) {
		t.Error("snapshot entry should survive")
	}
}

func TestGenerationKey(t *testing.T) {
	a := GenerationKey("impact", "Document:docs/a.md", 1)
	b := GenerationKey("impact", "Document:docs/a.md", 2)
	if a == b {
		t.Error("keys for different generations must differ")
	}
	if a != GenerationKey("impact", "Document:docs/a.md", 1) {
		t.Error("key must be deterministic")
	}
	if a[:len("impact:")] != "impact:" {
		t.Errorf("key should carry its kind prefix, got %s", a)
	}
}

func TestCacheHitRate(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", "v", 0)
	var s string
	c.Get(ctx, "k", &s)
	c.Get(ctx, "k", &s)
	c.Get(ctx, "k", &s)
	c.Get(ctx, "missing", &s)

	stats := c.GetStats(ctx)
	if stats.HitRate != 0.75 {
		t.Errorf("Expected hit rate 0.75, got %v", stats.HitRate)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	c, err := FromConfig(ctx, config.CacheConfig{Enabled: true, Backend: "memory", DefaultTTL: time.Minute, MaxSize: 10})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	defer c.Close()
	if _, ok := c.backend.(*MemoryBackend); !ok {
		t.Errorf("expected memory backend, got %T", c.backend)
	}

	if _, err := FromConfig(ctx, config.CacheConfig{Enabled: true, Backend: "memcached"}); err == nil {
		t.Error("expected error for unknown backend")
	}

	disabled, err := FromConfig(ctx, config.CacheConfig{Enabled: false, Backend: "redis"})
	if err != nil {
		t.Fatalf("disabled cache should not connect anywhere: %v", err)
	}
	defer disabled.Close()
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("DOCLOOP_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DOCLOOP_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	backend, err := NewRedisBackend(ctx, url, "docloop:test:")
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	c := NewWithBackend(DefaultConfig(), backend)
	defer c.Close()

	c.InvalidateByPrefix(ctx, "")
	if err := c.Set(ctx, "impact:x", []string{"Skill:a/b"}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	var got []string
	if !c.Get(ctx, "impact:x", &got) || len(got) != 1 {
		t.Fatalf("expected hit, got %v", got)
	}
	if n := c.InvalidateByPrefix(ctx, "impact:"); n != 1 {
		t.Errorf("Expected 1 removed, got %d", n)
	}
}

func TestNewRedisBackend_BadURL(t *testing.T) {
	if _, err := NewRedisBackend(context.Background(), "not a url", "x:"); err == nil {
		t.Error("expected error for invalid url")
	}
}
