// Package graphtest holds a behavioural test suite shared by every
// graph.Store implementation.
package graphtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/models"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) graph.Store

// Run executes the full store suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s graph.Store)
	}{
		{"UpsertNodeCreatesAndMerges", testUpsertNodeCreatesAndMerges},
		{"UpsertNodeRejectsInvalid", testUpsertNodeRejectsInvalid},
		{"EdgeUniqueness", testEdgeUniqueness},
		{"PlaceholderAutoCreation", testPlaceholderAutoCreation},
		{"PlaceholderMaterialised", testPlaceholderMaterialised},
		{"EdgeWithBadEndpointWritesNothing", testEdgeWithBadEndpointWritesNothing},
		{"GetNodeNotFound", testGetNodeNotFound},
		{"Adjacency", testAdjacency},
		{"NodesByTypeNewestFirst", testNodesByTypeNewestFirst},
		{"DeleteNode", testDeleteNode},
		{"StatsAndGeneration", testStatsAndGeneration},
		{"Snapshot", testSnapshot},
		{"ConcurrentDisjointUpserts", testConcurrentDisjointUpserts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func issueProps(n int, status string) models.Properties {
	return models.Properties{models.PropNumber: n, models.PropStatus: status}
}

func testUpsertNodeCreatesAndMerges(t *testing.T, s graph.Store) {
	ctx := context.Background()

	created, err := s.UpsertNode(ctx, "Issue:69", models.NodeTypeIssue, models.Properties{
		models.PropNumber: 69,
		models.PropStatus: models.StatusOpen,
		models.PropTitle:  "missing pagination docs",
		"custom":          "kept",
	})
	require.NoError(t, err)
	assert.Equal(t, "Issue:69", created.ID)
	assert.Equal(t, models.NodeTypeIssue, created.Type)
	assert.False(t, created.UpdatedAt.Before(created.CreatedAt))

	time.Sleep(2 * time.Millisecond)
	updated, err := s.UpsertNode(ctx, "Issue:69", models.NodeTypeIssue, models.Properties{
		models.PropStatus: models.StatusClosed,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, updated.Properties.String(models.PropStatus, ""))
	assert.Equal(t, "missing pagination docs", updated.Properties.String(models.PropTitle, ""))
	assert.Equal(t, "kept", updated.Properties.String("custom", ""))
	assert.Equal(t, 69, updated.Properties.Int(models.PropNumber, 0))
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt), "created_at must not change")
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	got, err := s.GetNode(ctx, "Issue:69")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Properties.String(models.PropStatus, ""))
}

func testUpsertNodeRejectsInvalid(t *testing.T, s graph.Store) {
	ctx := context.Background()

	cases := []struct {
		id    string
		typ   models.NodeType
		props models.Properties
	}{
		{"Widget:1", models.NodeType("Widget"), models.Properties{}},
		{"Document:docs/a.md", models.NodeTypeDocument, models.Properties{}},
		{"Issue:1", models.NodeTypeIssue, models.Properties{models.PropNumber: 1}},
		{"Concept:StackURL", models.NodeTypeDocument, models.Properties{models.PropPath: "docs/a.md"}},
	}
	for _, c := range cases {
		_, err := s.UpsertNode(ctx, c.id, c.typ, c.props)
		assert.ErrorIs(t, err, graph.ErrInvalidType, "id %s", c.id)
		_, err = s.GetNode(ctx, c.id)
		assert.ErrorIs(t, err, graph.ErrNotFound, "rejected node %s must not be written", c.id)
	}

	_, err := s.UpsertNode(ctx, "Issue:2", models.NodeTypeIssue, issueProps(2, models.StatusOpen))
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, "Issue:2", models.NodeTypeIssue, models.Properties{models.PropStatus: ""})
	assert.ErrorIs(t, err, graph.ErrInvalidType)
	got, err := s.GetNode(ctx, "Issue:2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Properties.String(models.PropStatus, ""), "failed merge must leave node untouched")
}

func testEdgeUniqueness(t *testing.T, s graph.Store) {
	ctx := context.Background()

	first, err := s.UpsertEdge(ctx, "Issue:1", "Concept:StackURL", models.RelAbout, models.Properties{"source": "title"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := s.UpsertEdge(ctx, "Issue:1", "Concept:StackURL", models.RelAbout, models.Properties{"source": fmt.Sprint(i)})
		require.NoError(t, err)
		assert.Equal(t, first.Key(), again.Key())
		assert.Equal(t, "title", again.Properties.String("source", ""), "existing edge must be returned unchanged")
	}

	edges, err := s.EdgesFrom(ctx, "Issue:1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEdges)
	assert.Equal(t, 1, stats.EdgeCountByRelationship[models.RelAbout])

	// same endpoints, different relationship is a distinct edge
	_, err = s.UpsertEdge(ctx, "Issue:1", "Concept:StackURL", models.RelExplains, nil)
	require.NoError(t, err)
	edges, err = s.EdgesFrom(ctx, "Issue:1")
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func testPlaceholderAutoCreation(t *testing.T, s graph.Store) {
	ctx := context.Background()

	_, err := s.UpsertEdge(ctx, "Issue:1", "Concept:StackURL", models.RelAbout, nil)
	require.NoError(t, err)

	concept, err := s.GetNode(ctx, "Concept:StackURL")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTypeConcept, concept.Type)
	assert.Equal(t, "StackURL", concept.Properties.String(models.PropName, ""))
	assert.True(t, concept.IsPlaceholder())

	issue, err := s.GetNode(ctx, "Issue:1")
	require.NoError(t, err)
	assert.Equal(t, 1, issue.Properties.Int(models.PropNumber, 0))
	assert.Equal(t, models.StatusUnknown, issue.Properties.String(models.PropStatus, ""))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)
}

func testPlaceholderMaterialised(t *testing.T, s graph.Store) {
	ctx := context.Background()

	_, err := s.UpsertEdge(ctx, "Issue:5", "Document:docs/a.md", models.RelAbout, nil)
	require.NoError(t, err)

	node, err := s.UpsertNode(ctx, "Issue:5", models.NodeTypeIssue, models.Properties{
		models.PropNumber: 5,
		models.PropStatus: models.StatusOpen,
		models.PropTitle:  "real issue",
	})
	require.NoError(t, err)
	assert.False(t, node.IsPlaceholder())
	_, hasMarker := node.Properties[models.PropPlaceholder]
	assert.False(t, hasMarker)

	edges, err := s.EdgesFrom(ctx, "Issue:5")
	require.NoError(t, err)
	assert.Len(t, edges, 1, "materialising must keep edges")
}

func testEdgeWithBadEndpointWritesNothing(t *testing.T, s graph.Store) {
	ctx := context.Background()

	_, err := s.UpsertEdge(ctx, "Concept:Orphan", "Issue:not-a-number", models.RelAbout, nil)
	assert.ErrorIs(t, err, graph.ErrInvalidType)

	_, err = s.GetNode(ctx, "Concept:Orphan")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = s.UpsertEdge(ctx, "Issue:1", "Concept:X", "", nil)
	assert.ErrorIs(t, err, graph.ErrInvalidType)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalNodes)
	assert.Equal(t, 0, stats.TotalEdges)
}

func testGetNodeNotFound(t *testing.T, s graph.Store) {
	node, err := s.GetNode(context.Background(), "Document:docs/missing.md")
	assert.Nil(t, node)
	assert.True(t, errors.Is(err, graph.ErrNotFound))
}

func testAdjacency(t *testing.T, s graph.Store) {
	ctx := context.Background()
	doc := "Document:docs/keboola/02-storage-api.md"

	_, err := s.UpsertEdge(ctx, "PullRequest:70", doc, models.RelModifies, nil)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, doc, "Skill:claude/skills/storage.md", models.RelGenerates, nil)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, doc, "Concept:StorageAPI", models.RelExplains, nil)
	require.NoError(t, err)

	out, err := s.EdgesFrom(ctx, doc)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, e := range out {
		assert.Equal(t, doc, e.FromID)
	}

	in, err := s.EdgesTo(ctx, doc)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "PullRequest:70", in[0].FromID)
	assert.Equal(t, models.RelModifies, in[0].Relationship)

	none, err := s.EdgesFrom(ctx, "Document:docs/unknown.md")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNodesByTypeNewestFirst(t *testing.T, s graph.Store) {
	ctx := context.Background()

	for _, path := range []string{"docs/a.md", "docs/b.md", "docs/c.md"} {
		_, err := s.UpsertNode(ctx, models.DocumentID(path), models.NodeTypeDocument, models.Properties{models.PropPath: path})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := s.UpsertNode(ctx, models.DocumentID("docs/a.md"), models.NodeTypeDocument, models.Properties{"touched": true})
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, "Concept:Flows", models.NodeTypeConcept, models.Properties{models.PropName: "Flows"})
	require.NoError(t, err)

	docs, err := s.NodesByType(ctx, models.NodeTypeDocument)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "Document:docs/a.md", docs[0].ID)
	assert.Equal(t, "Document:docs/c.md", docs[1].ID)
	assert.Equal(t, "Document:docs/b.md", docs[2].ID)

	_, err = s.NodesByType(ctx, models.NodeType("Widget"))
	assert.ErrorIs(t, err, graph.ErrInvalidType)
}

func testDeleteNode(t *testing.T, s graph.Store) {
	ctx := context.Background()
	doc := "Document:docs/a.md"

	_, err := s.UpsertEdge(ctx, doc, "Skill:claude/skills/a.md", models.RelGenerates, nil)
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, "Issue:3", doc, models.RelAbout, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteNode(ctx, doc))

	_, err = s.GetNode(ctx, doc)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	out, err := s.EdgesFrom(ctx, "Issue:3")
	require.NoError(t, err)
	assert.Empty(t, out)
	in, err := s.EdgesTo(ctx, "Skill:claude/skills/a.md")
	require.NoError(t, err)
	assert.Empty(t, in)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEdges)
	assert.Equal(t, 2, stats.TotalNodes)

	assert.ErrorIs(t, s.DeleteNode(ctx, "Issue:3"), graph.ErrProtectedNode)
	assert.ErrorIs(t, s.DeleteNode(ctx, doc), graph.ErrNotFound)
}

func testStatsAndGeneration(t *testing.T, s graph.Store) {
	ctx := context.Background()

	g0, err := s.Generation(ctx)
	require.NoError(t, err)

	_, err = s.UpsertNode(ctx, "Issue:1", models.NodeTypeIssue, issueProps(1, models.StatusOpen))
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, "Issue:1", "PullRequest:2", models.RelFixedBy, nil)
	require.NoError(t, err)

	g1, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, g1, g0)

	// a duplicate edge is not a mutation
	_, err = s.UpsertEdge(ctx, "Issue:1", "PullRequest:2", models.RelFixedBy, nil)
	require.NoError(t, err)
	g2, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, g1, g2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodeCountByType[models.NodeTypeIssue])
	assert.Equal(t, 1, stats.NodeCountByType[models.NodeTypePullRequest])
	assert.Equal(t, 1, stats.EdgeCountByRelationship[models.RelFixedBy])
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, g2, stats.Generation)
}

func testSnapshot(t *testing.T, s graph.Store) {
	ctx := context.Background()

	_, err := s.UpsertEdge(ctx, "Document:docs/a.md", "Skill:claude/skills/a.md", models.RelGenerates, nil)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, "Issue:9", models.NodeTypeIssue, issueProps(9, models.StatusOpen))
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 3)
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "Document:docs/a.md", snap.Nodes[0].ID)
	assert.False(t, snap.TakenAt.IsZero())

	gen, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen, snap.Generation)

	// snapshot contents are copies
	snap.Nodes[0].Properties["mutated"] = true
	doc, err := s.GetNode(ctx, "Document:docs/a.md")
	require.NoError(t, err)
	_, mutated := doc.Properties["mutated"]
	assert.False(t, mutated)
}

func testConcurrentDisjointUpserts(t *testing.T, s graph.Store) {
	ctx := context.Background()
	_, err := s.UpsertNode(ctx, "PullRequest:70", models.NodeTypePullRequest, issueProps(70, models.StatusOpen))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertNode(ctx, "PullRequest:70", models.NodeTypePullRequest, models.Properties{
				fmt.Sprintf("key_%d", i): i,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	node, err := s.GetNode(ctx, "PullRequest:70")
	require.NoError(t, err)
	for i := 0; i < writers; i++ {
		assert.Equal(t, i, node.Properties.Int(fmt.Sprintf("key_%d", i), -1))
	}
}
