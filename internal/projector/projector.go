// Package projector exports read-only snapshots of the knowledge graph and
// its review state for dashboards and the static-site renderer.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keboola/docloop/internal/cache"
	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/models"
)

// SchemaVersion is bumped on backward-incompatible snapshot changes.
const SchemaVersion = "1.0"

// NodeView is a node as exported
type NodeView struct {
	ID         string            `json:"id"`
	Type       models.NodeType   `json:"type"`
	Properties models.Properties `json:"properties"`
}

// EdgeView is an edge as exported
type EdgeView struct {
	From         string              `json:"from"`
	To           string              `json:"to"`
	Relationship models.Relationship `json:"relationship"`
}

// ReviewView is the iteration state of one pull request
type ReviewView struct {
	PullRequestID    string  `json:"pull_request_id"`
	IssueID          string  `json:"issue_id"`
	State            string  `json:"state"`
	Iteration        int     `json:"iteration"`
	Verdict          string  `json:"verdict,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	EscalationReason string  `json:"escalation_reason,omitempty"`
	PreviousPR       string  `json:"previous_pr,omitempty"`
	SupersededBy     string  `json:"superseded_by,omitempty"`
}

// Counts summarises a snapshot
type Counts struct {
	Nodes               int            `json:"nodes"`
	Edges               int            `json:"edges"`
	NodesByType         map[string]int `json:"nodes_by_type"`
	EdgesByRelationship map[string]int `json:"edges_by_relationship"`
	ReviewsByState      map[string]int `json:"reviews_by_state"`
}

// Metadata describes when and from what a snapshot was built
type Metadata struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Version     string    `json:"version"`
	Generation  uint64    `json:"generation"`
	Counts      Counts    `json:"counts"`
}

// Snapshot is the exported document
type Snapshot struct {
	Nodes    []NodeView   `json:"nodes"`
	Edges    []EdgeView   `json:"edges"`
	Reviews  []ReviewView `json:"reviews"`
	Metadata Metadata     `json:"metadata"`
}

// Options configures a Projector
type Options struct {
	// Cache is optional; snapshots are keyed by graph generation.
	Cache      *cache.Cache
	OutputPath string
	// Interval between periodic file exports; 0 disables them.
	Interval time.Duration
}

// OptionsFromConfig maps the snapshot configuration section
func OptionsFromConfig(cfg config.SnapshotConfig, c *cache.Cache) Options {
	return Options{Cache: c, OutputPath: cfg.OutputPath, Interval: cfg.Interval}
}

// Projector builds snapshots. It never writes to the graph.
type Projector struct {
	store      graph.Store
	cache      *cache.Cache
	metrics    *metrics.Metrics
	flight     singleflight.Group
	outputPath string
	interval   time.Duration
	now        func() time.Time
}

// New creates a projector over store
func New(store graph.Store, opts Options) *Projector {
	return &Projector{
		store:      store,
		cache:      opts.Cache,
		metrics:    metrics.NewMetrics(),
		outputPath: opts.OutputPath,
		interval:   opts.Interval,
		now:        time.Now,
	}
}

// ExportSnapshot returns a point-in-time view of the graph. Concurrent
// callers at the same generation share one build.
func (p *Projector) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	gen, err := p.store.Generation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph generation: %w", err)
	}
	key := cache.GenerationKey("snapshot", "graph", gen)

	if p.cache != nil {
		var cached Snapshot
		hit := p.cache.Get(ctx, key, &cached)
		p.metrics.RecordCacheLookup(hit)
		if hit {
			return &cached, nil
		}
	}

	v, err, _ := p.flight.Do(key, func() (interface{}, error) {
		snap, err := p.build(ctx)
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			// keyed by the generation actually captured
			k := cache.GenerationKey("snapshot", "graph", snap.Metadata.Generation)
			if err := p.cache.Set(ctx, k, snap, 0); err != nil {
				log.Printf("[Projector] Warning: failed to cache snapshot: %v", err)
			}
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (p *Projector) build(ctx context.Context) (*Snapshot, error) {
	raw, err := p.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot graph: %w", err)
	}

	counts := Counts{
		Nodes:               len(raw.Nodes),
		Edges:               len(raw.Edges),
		NodesByType:         make(map[string]int),
		EdgesByRelationship: make(map[string]int),
		ReviewsByState:      make(map[string]int),
	}
	snap := &Snapshot{
		Nodes:   make([]NodeView, 0, len(raw.Nodes)),
		Edges:   make([]EdgeView, 0, len(raw.Edges)),
		Reviews: []ReviewView{},
	}

	for _, n := range raw.Nodes {
		snap.Nodes = append(snap.Nodes, NodeView{ID: n.ID, Type: n.Type, Properties: n.Properties.Clone()})
		counts.NodesByType[string(n.Type)]++
		if rv, ok := reviewOf(n); ok {
			snap.Reviews = append(snap.Reviews, rv)
			counts.ReviewsByState[rv.State]++
		}
	}
	for _, e := range raw.Edges {
		snap.Edges = append(snap.Edges, EdgeView{From: e.FromID, To: e.ToID, Relationship: e.Relationship})
		counts.EdgesByRelationship[string(e.Relationship)]++
	}
	sort.Slice(snap.Reviews, func(i, j int) bool {
		return snap.Reviews[i].PullRequestID < snap.Reviews[j].PullRequestID
	})

	generatedAt := raw.TakenAt
	if generatedAt.IsZero() {
		generatedAt = p.now()
	}
	snap.Metadata = Metadata{
		GeneratedAt: generatedAt.UTC(),
		Version:     SchemaVersion,
		Generation:  raw.Generation,
		Counts:      counts,
	}
	p.metrics.SnapshotsBuilt.Inc()
	p.metrics.RecordGraphStats(counts.NodesByType, counts.EdgesByRelationship, raw.Generation)
	return snap, nil
}

func reviewOf(n *models.Node) (ReviewView, bool) {
	if n.Type != models.NodeTypePullRequest {
		return ReviewView{}, false
	}
	state := n.Properties.String(ingest.PropReviewState, "")
	if state == "" {
		return ReviewView{}, false
	}
	return ReviewView{
		PullRequestID:    n.ID,
		IssueID:          n.Properties.String(ingest.PropIssueID, ""),
		State:            state,
		Iteration:        n.Properties.Int(ingest.PropIteration, 0),
		Verdict:          n.Properties.String(ingest.PropVerdict, ""),
		Confidence:       n.Properties.Float(ingest.PropConfidence, 0),
		EscalationReason: n.Properties.String(ingest.PropEscalationReason, ""),
		PreviousPR:       n.Properties.String(ingest.PropPreviousPR, ""),
		SupersededBy:     n.Properties.String(ingest.PropSupersededBy, ""),
	}, true
}

// WriteFile exports a snapshot to path. The file is replaced atomically so
// readers never observe a partial document.
func (p *Projector) WriteFile(ctx context.Context, path string) (*Snapshot, error) {
	snap, err := p.ExportSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return snap, nil
}

// Export writes the snapshot to the configured output path, if any.
func (p *Projector) Export(ctx context.Context) error {
	if p.outputPath == "" {
		return nil
	}
	snap, err := p.WriteFile(ctx, p.outputPath)
	if err != nil {
		return err
	}
	log.Printf("[Projector] Wrote snapshot generation %d (%d nodes, %d edges) to %s",
		snap.Metadata.Generation, snap.Metadata.Counts.Nodes, snap.Metadata.Counts.Edges, p.outputPath)
	return nil
}

// Run exports periodically until ctx is done. It returns immediately when
// no interval or output path is configured.
func (p *Projector) Run(ctx context.Context) {
	if p.interval <= 0 || p.outputPath == "" {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastGen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gen, err := p.store.Generation(ctx)
			if err != nil {
				log.Printf("[Projector] Warning: failed to read generation: %v", err)
				continue
			}
			if gen == lastGen && lastGen != 0 {
				continue
			}
			if err := p.Export(ctx); err != nil {
				log.Printf("[Projector] Warning: periodic export failed: %v", err)
				continue
			}
			lastGen = gen
		}
	}
}
