// Package watcher reports changes to knowledge-base documents on disk.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/config"
)

// Op is the kind of change seen for a document
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

// Removed reports whether the document is gone from its path
func (op Op) Removed() bool {
	return op == OpRemove || op == OpRename
}

// Change is one debounced document change. Path is relative to the watched
// checkout and slash separated.
type Change struct {
	Path string    `json:"path"`
	Op   Op        `json:"op"`
	Time time.Time `json:"time"`
}

// Handler receives a batch of changes, one per path
type Handler func(ctx context.Context, changes []Change)

var ignored = []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~", ".#*"}

// Watcher watches the document roots of a checkout
type Watcher struct {
	root     string
	roots    []string
	debounce time.Duration
	handler  Handler
	fsw      *fsnotify.Watcher

	changes  chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// New creates a watcher over root. roots are the repository-relative
// document roots, e.g. "docs/".
func New(root string, roots []string, debounce time.Duration, handler Handler) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("watcher needs at least one document root")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	norm := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimPrefix(strings.TrimSpace(r), "./")
		if r == "" {
			continue
		}
		norm = append(norm, strings.TrimSuffix(r, "/")+"/")
	}

	return &Watcher{
		root:     abs,
		roots:    norm,
		debounce: debounce,
		handler:  handler,
		fsw:      fsw,
		changes:  make(chan Change, 1000),
		done:     make(chan struct{}),
	}, nil
}

// FromConfig creates a watcher from the watcher section and the graph
// document roots
func FromConfig(cfg config.WatcherConfig, roots []string, handler Handler) (*Watcher, error) {
	return New(cfg.RootDir, roots, cfg.Debounce, handler)
}

// Start registers every directory under the document roots and begins
// delivering changes. Missing roots are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	added := 0
	for _, r := range w.roots {
		dir := filepath.Join(w.root, filepath.FromSlash(r))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			log.Printf("[Watcher] Warning: document root %s does not exist, skipping", dir)
			continue
		}
		if err := w.addRecursive(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		added++
	}
	if added == 0 {
		log.Printf("[Watcher] Warning: no document roots found under %s", w.root)
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	log.Printf("[Watcher] Watching %d document roots under %s", added, w.root)
	return nil
}

// Stop ends delivery. A batch collected before Stop is flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if shouldIgnore(p) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func shouldIgnore(p string) bool {
	base := filepath.Base(p)
	for _, pattern := range ignored {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// relative maps an absolute event path to a document path, or "" when it
// falls outside the document roots.
func (w *Watcher) relative(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil {
		return ""
	}
	p, ok := ingest.CleanPath(filepath.ToSlash(rel))
	if !ok || !ingest.UnderRoot(p, w.roots) {
		return ""
	}
	return p
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpWrite
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						log.Printf("[Watcher] Warning: failed to watch %s: %v", event.Name, err)
					}
					continue
				}
			}

			p := w.relative(event.Name)
			if p == "" {
				continue
			}
			select {
			case w.changes <- Change{Path: p, Op: convertOp(event.Op), Time: time.Now()}:
			default:
				log.Printf("[Watcher] Warning: change buffer full, dropping %s", p)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] Warning: %v", err)
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(ctx, Deduplicate(batch))
		}
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case c := <-w.changes:
			batch = append(batch, c)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// Deduplicate keeps the last change per path. A create followed by writes
// stays a create; anything followed by a removal becomes the removal.
func Deduplicate(changes []Change) []Change {
	latest := make(map[string]Change, len(changes))
	for _, c := range changes {
		prev, seen := latest[c.Path]
		if seen && prev.Op == OpCreate && c.Op == OpWrite {
			c.Op = OpCreate
		}
		latest[c.Path] = c
	}
	out := make([]Change, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
