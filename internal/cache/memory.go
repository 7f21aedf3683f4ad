package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps entries in a map with TTL expiry and oldest-first
// eviction.
type MemoryBackend struct {
	config    *Config
	mu        sync.RWMutex
	entries   map[string]*Entry
	evictions int64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMemoryBackend creates the backend and starts its cleanup loop
func NewMemoryBackend(cfg *Config) *MemoryBackend {
	b := &MemoryBackend{
		config:  cfg,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}
	if cfg.CleanupPeriod > 0 {
		go b.cleanupLoop()
	}
	return b
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(b.entries, key)
		return nil, false
	}
	entry.Hits++
	cp := *entry
	return &cp, true
}

func (b *MemoryBackend) Set(ctx context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[entry.Key]; !exists && b.config.MaxSize > 0 && len(b.entries) >= b.config.MaxSize {
		b.evictOldest()
	}
	cp := *entry
	b.entries[entry.Key] = &cp
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

func (b *MemoryBackend) InvalidateByPrefix(ctx context.Context, prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

func (b *MemoryBackend) Len(ctx context.Context) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Evictions reports how many entries were dropped to respect MaxSize
func (b *MemoryBackend) Evictions() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.evictions
}

func (b *MemoryBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}

func (b *MemoryBackend) cleanupLoop() {
	ticker := time.NewTicker(b.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.cleanup()
		case <-b.stop:
			return
		}
	}
}

func (b *MemoryBackend) cleanup() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entry := range b.entries {
		if now.After(entry.ExpiresAt) {
			delete(b.entries, key)
		}
	}
}

// evictOldest removes the entry cached first. Caller holds b.mu.
func (b *MemoryBackend) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range b.entries {
		if first || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(b.entries, oldestKey)
		b.evictions++
	}
}
