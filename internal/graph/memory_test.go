package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/graph/graphtest"
	"github.com/keboola/docloop/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	graphtest.Run(t, func(t *testing.T) graph.Store {
		return graph.NewMemoryStore()
	})
}

func TestMemoryStore_UpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	if _, err := s.UpsertNode(ctx, "Concept:Flows", models.NodeTypeConcept, models.Properties{models.PropName: "Flows"}); err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}

	// clock steps backwards
	s.SetClock(func() time.Time { return base.Add(-time.Hour) })
	node, err := s.UpsertNode(ctx, "Concept:Flows", models.NodeTypeConcept, models.Properties{"aliases": []string{"Flow"}})
	if err != nil {
		t.Fatalf("UpsertNode() error = %v", err)
	}
	if node.UpdatedAt.Before(node.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", node.UpdatedAt, node.CreatedAt)
	}
}

func TestMemoryStore_SelfLoopDelete(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertEdge(ctx, "Concept:A", "Concept:A", models.RelExplains, nil); err != nil {
		t.Fatalf("UpsertEdge() error = %v", err)
	}
	if err := s.DeleteNode(ctx, "Concept:A"); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}
	stats, _ := s.Stats(ctx)
	if stats.TotalEdges != 0 || stats.TotalNodes != 0 {
		t.Errorf("stats after delete = %+v", stats)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := graph.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.GetNode(ctx, "Issue:1"); err != context.Canceled {
		t.Errorf("GetNode() error = %v, want context.Canceled", err)
	}
}
