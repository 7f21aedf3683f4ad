package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/models"
)

// SkillSpec describes a generated skill and its provenance
type SkillSpec struct {
	Platform string `json:"platform"`
	Path     string `json:"path"`
	// Sources are the document paths the skill is generated from.
	Sources []string `json:"sources"`
	// Includes are document paths embedded verbatim.
	Includes []string `json:"includes,omitempty"`
	// Concepts are concept names the skill explains.
	Concepts   []string          `json:"concepts,omitempty"`
	Properties models.Properties `json:"properties,omitempty"`
}

// SkillResult reports what RegisterSkill did
type SkillResult struct {
	Node      *models.Node `json:"node"`
	Recreated bool         `json:"recreated"`
	Sources   []string     `json:"sources"`
}

// RegisterSkill records a skill and its GENERATES provenance. When the set of
// generating documents differs from what the graph holds, the skill node is
// deleted and recreated so its edges reflect only current provenance.
func (i *Ingestor) RegisterSkill(ctx context.Context, spec SkillSpec) (*SkillResult, error) {
	platform := strings.TrimSpace(spec.Platform)
	skillPath, ok := CleanPath(spec.Path)
	if platform == "" || strings.Contains(platform, "/") || !ok {
		return nil, fmt.Errorf("%w: skill needs a platform and a relative path", graph.ErrInvalidType)
	}
	skillID := models.SkillID(platform, skillPath)

	sources, err := i.documentIDs(spec.Sources)
	if err != nil {
		return nil, err
	}
	includes, err := i.documentIDs(spec.Includes)
	if err != nil {
		return nil, err
	}

	unlock, err := i.locks.Lock(ctx, skillID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, exists, err := i.currentSources(ctx, skillID)
	if err != nil {
		return nil, err
	}

	result := &SkillResult{Sources: sources}
	if exists && !equalSets(current, sources) {
		log.Printf("[Ingestor] Skill %s provenance changed (%d -> %d sources), recreating",
			skillID, len(current), len(sources))
		if err := i.store.DeleteNode(ctx, skillID); err != nil {
			return nil, fmt.Errorf("failed to delete %s for recreation: %w", skillID, err)
		}
		result.Recreated = true
	}

	props := spec.Properties.Clone()
	props[models.PropPlatform] = platform
	props[models.PropPath] = skillPath
	props[PropSources] = sourcePaths(sources)

	node, err := i.store.UpsertNode(ctx, skillID, models.NodeTypeSkill, props)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s: %w", skillID, err)
	}

	for _, docID := range sources {
		if _, err := i.store.UpsertEdge(ctx, docID, skillID, models.RelGenerates, nil); err != nil {
			return nil, fmt.Errorf("failed to link %s GENERATES %s: %w", docID, skillID, err)
		}
	}
	for _, docID := range includes {
		if _, err := i.store.UpsertEdge(ctx, skillID, docID, models.RelIncludes, nil); err != nil {
			return nil, fmt.Errorf("failed to link %s INCLUDES %s: %w", skillID, docID, err)
		}
	}
	for _, name := range spec.Concepts {
		name = ConceptName(name)
		if name == "" {
			continue
		}
		if _, err := i.store.UpsertEdge(ctx, skillID, models.ConceptID(name), models.RelExplains, nil); err != nil {
			return nil, fmt.Errorf("failed to link %s EXPLAINS %s: %w", skillID, name, err)
		}
	}

	result.Node = node
	return result, nil
}

func (i *Ingestor) documentIDs(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, raw := range paths {
		p, ok := CleanPath(raw)
		if !ok || !UnderRoot(p, i.extractor.roots) {
			return nil, fmt.Errorf("%w: %q is not under a document root", graph.ErrInvalidType, raw)
		}
		seen[models.DocumentID(p)] = true
	}
	return sortedKeys(seen), nil
}

// currentSources returns the documents that currently GENERATE skillID.
func (i *Ingestor) currentSources(ctx context.Context, skillID string) ([]string, bool, error) {
	if _, err := i.store.GetNode(ctx, skillID); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	edges, err := i.store.EdgesTo(ctx, skillID)
	if err != nil {
		return nil, true, err
	}
	var sources []string
	for _, e := range edges {
		if e.Relationship == models.RelGenerates {
			sources = append(sources, e.FromID)
		}
	}
	sort.Strings(sources)
	return sources, true, nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sourcePaths(docIDs []string) []string {
	out := make([]string, 0, len(docIDs))
	for _, id := range docIDs {
		out = append(out, strings.TrimPrefix(id, string(models.NodeTypeDocument)+":"))
	}
	return out
}
