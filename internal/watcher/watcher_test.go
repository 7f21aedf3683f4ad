package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	changes []Change
}

func (c *collector) handle(_ context.Context, changes []Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changes...)
}

func (c *collector) find(path string) (Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.changes {
		if ch.Path == path {
			return ch, true
		}
	}
	return Change{}, false
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestDeduplicate(t *testing.T) {
	now := time.Now()
	got := Deduplicate([]Change{
		{Path: "docs/b.md", Op: OpWrite, Time: now},
		{Path: "docs/a.md", Op: OpCreate, Time: now},
		{Path: "docs/a.md", Op: OpWrite, Time: now},
		{Path: "docs/b.md", Op: OpRemove, Time: now},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "docs/a.md", got[0].Path)
	assert.Equal(t, OpCreate, got[0].Op)
	assert.Equal(t, "docs/b.md", got[1].Path)
	assert.Equal(t, OpRemove, got[1].Op)
	assert.True(t, got[1].Op.Removed())
}

func TestNew_RequiresRoots(t *testing.T) {
	_, err := New(t.TempDir(), nil, 0, nil)
	assert.Error(t, err)
}

func TestRelative(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, []string{"./docs"}, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.Equal(t, "docs/guide/intro.md", w.relative(filepath.Join(w.root, "docs", "guide", "intro.md")))
	assert.Equal(t, "", w.relative(filepath.Join(w.root, "src", "main.go")))
	assert.Equal(t, "", w.relative(filepath.Join(w.root, "docs")))
	assert.Equal(t, "", w.relative(filepath.Join(filepath.Dir(w.root), "other", "docs", "x.md")))
}

func TestWatcher_ReportsDocumentWrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))

	col := &collector{}
	w, err := New(dir, []string{"docs/"}, 50*time.Millisecond, col.handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "storage.md"), []byte("# Storage API"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := col.find("docs/storage.md")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	_, outside := col.find("src/main.go")
	assert.False(t, outside)
}

func TestWatcher_FollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))

	col := &collector{}
	w, err := New(dir, []string{"docs/"}, 50*time.Millisecond, col.handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	sub := filepath.Join(dir, "docs", "flows")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// give the watcher a moment to register the new directory
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "orchestration.md"), []byte("# Flows"), 0o644))

	require.Eventually(t, func() bool {
		_, ok := col.find("docs/flows/orchestration.md")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_MissingRootIsSkipped(t *testing.T) {
	col := &collector{}
	w, err := New(t.TempDir(), []string{"docs/"}, 10*time.Millisecond, col.handle)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
	assert.Equal(t, 0, col.len())
}
