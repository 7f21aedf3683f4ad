package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keboola/docloop/pkg/models"
)

// MemoryStore is an in-memory Store backed by adjacency maps. Each write holds
// the store lock only for the duration of a single upsert.
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[string]*models.Node
	out        map[string]map[models.EdgeKey]*models.Edge
	in         map[string]map[models.EdgeKey]*models.Edge
	edgeCount  int
	generation uint64
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory graph
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*models.Node),
		out:   make(map[string]map[models.EdgeKey]*models.Edge),
		in:    make(map[string]map[models.EdgeKey]*models.Edge),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) UpsertNode(ctx context.Context, id string, t models.NodeType, props models.Properties) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := PrepareNode(s.nodes[id], id, t, props, s.now())
	if err != nil {
		return nil, err
	}
	s.nodes[id] = node
	s.generation++
	return node.Clone(), nil
}

func (s *MemoryStore) UpsertEdge(ctx context.Context, fromID, toID string, rel models.Relationship, props models.Properties) (*models.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckRelationship(rel); err != nil {
		return nil, err
	}

	key := models.EdgeKey{FromID: fromID, ToID: toID, Relationship: rel}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.out[fromID][key]; ok {
		return existing.Clone(), nil
	}

	now := s.now()
	// Resolve both placeholders before touching the maps so a bad id
	// leaves no partial write behind.
	var placeholders []*models.Node
	for _, endpoint := range []string{fromID, toID} {
		if _, ok := s.nodes[endpoint]; ok {
			continue
		}
		if len(placeholders) == 1 && placeholders[0].ID == endpoint {
			continue
		}
		node, err := PlaceholderNode(endpoint, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create placeholder for %s: %w", endpoint, err)
		}
		placeholders = append(placeholders, node)
	}
	for _, node := range placeholders {
		s.nodes[node.ID] = node
	}

	edge := &models.Edge{
		FromID:       fromID,
		ToID:         toID,
		Relationship: rel,
		Properties:   props.Clone(),
		CreatedAt:    now,
	}
	if s.out[fromID] == nil {
		s.out[fromID] = make(map[models.EdgeKey]*models.Edge)
	}
	if s.in[toID] == nil {
		s.in[toID] = make(map[models.EdgeKey]*models.Edge)
	}
	s.out[fromID][key] = edge
	s.in[toID][key] = edge
	s.edgeCount++
	s.generation++
	return edge.Clone(), nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return node.Clone(), nil
}

func (s *MemoryStore) EdgesFrom(ctx context.Context, id string) ([]*models.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEdges(s.out[id]), nil
}

func (s *MemoryStore) EdgesTo(ctx context.Context, id string) ([]*models.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEdges(s.in[id]), nil
}

func (s *MemoryStore) NodesByType(ctx context.Context, t models.NodeType) ([]*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	s.mu.RLock()
	var nodes []*models.Node
	for _, node := range s.nodes {
		if node.Type == t {
			nodes = append(nodes, node.Clone())
		}
	}
	s.mu.RUnlock()

	SortNewestFirst(nodes)
	return nodes, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := CheckDeletable(node.Type); err != nil {
		return err
	}

	for key := range s.out[id] {
		delete(s.in[key.ToID], key)
		s.edgeCount--
	}
	for key := range s.in[id] {
		if key.FromID == id {
			continue // self-loop already counted above
		}
		delete(s.out[key.FromID], key)
		s.edgeCount--
	}
	delete(s.out, id)
	delete(s.in, id)
	delete(s.nodes, id)
	s.generation++
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*models.GraphStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.NewGraphStats()
	for _, node := range s.nodes {
		stats.NodeCountByType[node.Type]++
	}
	for _, edges := range s.out {
		for key := range edges {
			stats.EdgeCountByRelationship[key.Relationship]++
		}
	}
	stats.TotalNodes = len(s.nodes)
	stats.TotalEdges = s.edgeCount
	stats.Generation = s.generation
	return stats, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	snap := &Snapshot{
		Nodes:      make([]*models.Node, 0, len(s.nodes)),
		Edges:      make([]*models.Edge, 0, s.edgeCount),
		Generation: s.generation,
		TakenAt:    s.now(),
	}
	for _, node := range s.nodes {
		snap.Nodes = append(snap.Nodes, node.Clone())
	}
	for _, edges := range s.out {
		for _, edge := range edges {
			snap.Edges = append(snap.Edges, edge.Clone())
		}
	}
	s.mu.RUnlock()

	SortSnapshot(snap)
	return snap, nil
}

func (s *MemoryStore) Generation(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func cloneEdges(edges map[models.EdgeKey]*models.Edge) []*models.Edge {
	out := make([]*models.Edge, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.Clone())
	}
	SortEdges(out)
	return out
}

// SortEdges orders edges by relationship, then source, then target.
func SortEdges(edges []*models.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		if a.FromID != b.FromID {
			return a.FromID < b.FromID
		}
		return a.ToID < b.ToID
	})
}

// SortNewestFirst orders nodes by UpdatedAt descending, ties broken by id.
func SortNewestFirst(nodes []*models.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].UpdatedAt.Equal(nodes[j].UpdatedAt) {
			return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// SortSnapshot gives a snapshot a stable order: nodes by id, edges by triple.
func SortSnapshot(snap *Snapshot) {
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	SortEdges(snap.Edges)
}

var _ Store = (*MemoryStore)(nil)
