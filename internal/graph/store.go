// Package graph defines the knowledge graph store and its in-memory
// implementation.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keboola/docloop/pkg/models"
)

var (
	// ErrInvalidType is returned for unknown node types, ids that do not
	// match their type, or nodes missing mandatory properties.
	ErrInvalidType = models.ErrInvalidType
	// ErrNotFound is returned when a node does not exist.
	ErrNotFound = errors.New("node not found")
	// ErrConcurrentModification is returned when a write raced another
	// writer and the single retry also failed.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrProtectedNode is returned when deleting an Issue or PullRequest.
	ErrProtectedNode = errors.New("node type is protected from deletion")
)

// Store is durable keyed storage for typed nodes and deduplicated edges.
// Every method is atomic with respect to readers.
type Store interface {
	// UpsertNode creates the node or shallow-merges props into it.
	UpsertNode(ctx context.Context, id string, t models.NodeType, props models.Properties) (*models.Node, error)
	// UpsertEdge inserts the edge if its triple is new and otherwise returns
	// the existing edge unchanged. Missing endpoints become placeholders.
	UpsertEdge(ctx context.Context, fromID, toID string, rel models.Relationship, props models.Properties) (*models.Edge, error)
	GetNode(ctx context.Context, id string) (*models.Node, error)
	EdgesFrom(ctx context.Context, id string) ([]*models.Edge, error)
	EdgesTo(ctx context.Context, id string) ([]*models.Edge, error)
	// NodesByType lists nodes of one type, most recently updated first.
	NodesByType(ctx context.Context, t models.NodeType) ([]*models.Node, error)
	// DeleteNode removes a Document, Concept or Skill and its incident edges.
	DeleteNode(ctx context.Context, id string) error
	Stats(ctx context.Context) (*models.GraphStats, error)
	// Snapshot returns a consistent point-in-time copy of the graph.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Generation returns a counter that increases on every mutation.
	Generation(ctx context.Context) (uint64, error)
	Close() error
}

// Snapshot is a point-in-time copy of every node and edge
type Snapshot struct {
	Nodes      []*models.Node
	Edges      []*models.Edge
	Generation uint64
	TakenAt    time.Time
}

// CheckID verifies that id is well formed and carries type t.
func CheckID(id string, t models.NodeType) error {
	idType, _, err := models.ParseNodeID(id)
	if err != nil {
		return err
	}
	if idType != t {
		return fmt.Errorf("%w: id %q does not match type %s", ErrInvalidType, id, t)
	}
	return nil
}

// CheckRelationship rejects empty relationship labels. The label set is open.
func CheckRelationship(rel models.Relationship) error {
	if rel == "" {
		return fmt.Errorf("%w: empty relationship", ErrInvalidType)
	}
	return nil
}

// PrepareNode computes the node that results from upserting props into
// existing, which may be nil. It validates the outcome and never mutates
// existing. A placeholder is materialised when the update does not itself
// carry the placeholder marker.
func PrepareNode(existing *models.Node, id string, t models.NodeType, props models.Properties, now time.Time) (*models.Node, error) {
	if err := CheckID(id, t); err != nil {
		return nil, err
	}
	if existing == nil {
		merged := props.Clone()
		if err := models.ValidateNode(t, merged); err != nil {
			return nil, err
		}
		return &models.Node{
			ID:         id,
			Type:       t,
			Properties: merged,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, nil
	}

	if existing.Type != t {
		return nil, fmt.Errorf("%w: node %s already exists as %s", ErrInvalidType, id, existing.Type)
	}
	merged := existing.Properties.Merge(props)
	if _, ok := props[models.PropPlaceholder]; !ok {
		delete(merged, models.PropPlaceholder)
	}
	if err := models.ValidateNode(t, merged); err != nil {
		return nil, err
	}
	updated := existing.Clone()
	updated.Properties = merged
	updated.UpdatedAt = now
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		updated.UpdatedAt = updated.CreatedAt
	}
	return updated, nil
}

// PlaceholderNode builds the minimal node inferred from an edge endpoint id.
func PlaceholderNode(id string, now time.Time) (*models.Node, error) {
	t, props, err := models.PlaceholderProperties(id)
	if err != nil {
		return nil, err
	}
	return &models.Node{
		ID:         id,
		Type:       t,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CheckDeletable rejects deletion of audit-history node types.
func CheckDeletable(t models.NodeType) error {
	if t == models.NodeTypeIssue || t == models.NodeTypePullRequest {
		return fmt.Errorf("%w: %s", ErrProtectedNode, t)
	}
	return nil
}
