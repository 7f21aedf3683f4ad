// Package impact finds the graph nodes that must be rebuilt when a node
// changes.
package impact

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/keboola/docloop/internal/cache"
	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/internal/telemetry"
	"github.com/keboola/docloop/pkg/models"
)

// Direction selects which side of an edge a traversal rule follows
type Direction int

const (
	// Outgoing follows from -> to
	Outgoing Direction = iota
	// Incoming follows to -> from
	Incoming
)

// Rule is one traversable relationship
type Rule struct {
	Relationship models.Relationship
	Direction    Direction
}

// DefaultRules follow Document -GENERATES-> Skill and Skill -EXPLAINS->
// Concept forward, and Skill -INCLUDES-> Document backwards so that a skill
// embedding a changed document is rebuilt too.
func DefaultRules() []Rule {
	return []Rule{
		{Relationship: models.RelGenerates, Direction: Outgoing},
		{Relationship: models.RelExplains, Direction: Outgoing},
		{Relationship: models.RelIncludes, Direction: Incoming},
	}
}

// Result is a full impact report for one changed node
type Result struct {
	NodeID     string   `json:"node_id"`
	Dependents []string `json:"dependents"`
	// Skills is the subset of Dependents to regenerate.
	Skills []string `json:"skills"`
	// Authors are pull requests that MODIFIES the node. Informational only.
	Authors    []string `json:"authors,omitempty"`
	Generation uint64   `json:"generation"`
	Depth      int      `json:"depth"`
}

// Options configures an Analyzer
type Options struct {
	// MaxDepth bounds the traversal; 0 means unlimited.
	MaxDepth int
	Rules    []Rule
	// Cache is optional; results are keyed by graph generation.
	Cache *cache.Cache
}

// Analyzer answers dependency questions over a graph store. It only reads.
type Analyzer struct {
	store    graph.Store
	maxDepth int
	rules    []Rule
	cache    *cache.Cache
	metrics  *metrics.Metrics
}

// NewAnalyzer creates an analyzer over store
func NewAnalyzer(store graph.Store, opts Options) *Analyzer {
	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Analyzer{
		store:    store,
		maxDepth: opts.MaxDepth,
		rules:    rules,
		cache:    opts.Cache,
		metrics:  metrics.NewMetrics(),
	}
}

// FindDependents returns every node reachable from id through the traversal
// rules, excluding id itself. Order is unspecified.
func (a *Analyzer) FindDependents(ctx context.Context, id string) (map[string]struct{}, error) {
	res, err := a.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(res.Dependents))
	for _, dep := range res.Dependents {
		set[dep] = struct{}{}
	}
	return set, nil
}

// Analyze runs the traversal and classifies the result
func (a *Analyzer) Analyze(ctx context.Context, id string) (*Result, error) {
	if _, err := a.store.GetNode(ctx, id); err != nil {
		return nil, err
	}

	gen, err := a.store.Generation(ctx)
	if err != nil {
		return nil, err
	}

	var key string
	if a.cache != nil {
		key = cache.GenerationKey("impact", fmt.Sprintf("%s|%d", id, a.maxDepth), gen)
		var cached Result
		if a.cache.Get(ctx, key, &cached) {
			return &cached, nil
		}
	}

	start := time.Now()
	dependents, depth, err := a.traverse(ctx, id)
	if err != nil {
		return nil, err
	}
	a.metrics.ImpactDependents.Observe(float64(len(dependents)))
	telemetry.RecordImpactQuery(ctx, time.Since(start))
	authors, err := a.authors(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &Result{
		NodeID:     id,
		Dependents: dependents,
		Skills:     filterType(dependents, models.NodeTypeSkill),
		Authors:    authors,
		Generation: gen,
		Depth:      depth,
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, key, res, 0); err != nil {
			log.Printf("[Impact] Warning: failed to cache result for %s: %v", id, err)
		}
	}
	return res, nil
}

// AffectedSkills unions the skills impacted by each of ids. Missing nodes are
// skipped.
func (a *Analyzer) AffectedSkills(ctx context.Context, ids ...string) ([]string, error) {
	seen := make(map[string]bool)
	for _, id := range ids {
		res, err := a.Analyze(ctx, id)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, s := range res.Skills {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

type queued struct {
	id    string
	depth int
}

// traverse is a breadth-first walk with an explicit visited set, so cycles
// terminate. It returns the reached nodes and the deepest level visited.
func (a *Analyzer) traverse(ctx context.Context, start string) ([]string, int, error) {
	visited := map[string]bool{start: true}
	queue := []queued{{id: start}}
	reached := []string{}
	maxSeen := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		cur := queue[0]
		queue = queue[1:]

		if a.maxDepth > 0 && cur.depth >= a.maxDepth {
			continue
		}

		next, err := a.neighbours(ctx, cur.id)
		if err != nil {
			return nil, 0, err
		}
		for _, n := range next {
			if visited[n] {
				continue
			}
			visited[n] = true
			reached = append(reached, n)
			if cur.depth+1 > maxSeen {
				maxSeen = cur.depth + 1
			}
			queue = append(queue, queued{id: n, depth: cur.depth + 1})
		}
	}

	sort.Strings(reached)
	return reached, maxSeen, nil
}

func (a *Analyzer) neighbours(ctx context.Context, id string) ([]string, error) {
	var out []string
	var outEdges, inEdges []*models.Edge
	var haveOut, haveIn bool
	var err error

	for _, r := range a.rules {
		switch r.Direction {
		case Outgoing:
			if !haveOut {
				if outEdges, err = a.store.EdgesFrom(ctx, id); err != nil {
					return nil, err
				}
				haveOut = true
			}
			for _, e := range outEdges {
				if e.Relationship == r.Relationship {
					out = append(out, e.ToID)
				}
			}
		case Incoming:
			if !haveIn {
				if inEdges, err = a.store.EdgesTo(ctx, id); err != nil {
					return nil, err
				}
				haveIn = true
			}
			for _, e := range inEdges {
				if e.Relationship == r.Relationship {
					out = append(out, e.FromID)
				}
			}
		}
	}
	return out, nil
}

func (a *Analyzer) authors(ctx context.Context, id string) ([]string, error) {
	edges, err := a.store.EdgesTo(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range edges {
		if e.Relationship == models.RelModifies {
			out = append(out, e.FromID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func filterType(ids []string, t models.NodeType) []string {
	prefix := string(t) + ":"
	out := []string{}
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}
