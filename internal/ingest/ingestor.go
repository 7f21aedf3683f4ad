// Package ingest turns issue and pull request lifecycle events into graph
// mutations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
	"github.com/keboola/docloop/pkg/models"
)

// Review state properties attached to PullRequest nodes
const (
	PropIteration         = "iteration"
	PropVerdict           = "verdict"
	PropConfidence        = "confidence"
	PropFeedback          = "feedback"
	PropIssueID           = "issue_id"
	PropReviewState       = "review_state"
	PropEscalationReason  = "escalation_reason"
	PropEscalationMessage = "escalation_message"
	PropPreviousPR        = "previous_pr"
	PropSupersededBy      = "superseded_by"
	PropChangedFiles      = "changed_files"
	PropBranch            = "branch"
	PropSources           = "sources"

	StatePendingReview = "PENDING_REVIEW"
)

// Options configures extraction
type Options struct {
	DocumentRoots  []string
	Vocabulary     []config.VocabularyTerm
	ExtractPhrases bool
	// Locks serialises writes per node id. Share it with every other
	// writer of the same store; nil gets a private one.
	Locks *graph.KeyedMutex
}

// OptionsFromConfig builds ingest options from the graph configuration
func OptionsFromConfig(cfg config.GraphConfig) Options {
	return Options{
		DocumentRoots:  cfg.DocumentRoots,
		Vocabulary:     cfg.Vocabulary,
		ExtractPhrases: cfg.ExtractPhrases,
	}
}

// Result describes what one Ingest call wrote
type Result struct {
	NodeID     string   `json:"node_id"`
	Status     string   `json:"status"`
	Concepts   []string `json:"concepts,omitempty"`
	Documents  []string `json:"documents,omitempty"`
	Modified   []string `json:"modified,omitempty"`
	FixedIssue []string `json:"fixed_issues,omitempty"`
	// LinkedIssue is set when a pull request enters review for an issue.
	LinkedIssue string   `json:"linked_issue,omitempty"`
	NewReview   bool     `json:"new_review,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Ingestor converts lifecycle events into graph upserts. It holds no state
// between calls apart from per-node locks.
type Ingestor struct {
	store     graph.Store
	locks     *graph.KeyedMutex
	extractor *Extractor
}

// New creates an ingestor writing to store
func New(store graph.Store, opts Options) *Ingestor {
	locks := opts.Locks
	if locks == nil {
		locks = graph.NewKeyedMutex()
	}
	return &Ingestor{
		store:     store,
		locks:     locks,
		extractor: NewExtractor(opts.Vocabulary, opts.ExtractPhrases, opts.DocumentRoots),
	}
}

// Extractor exposes the configured extractor
func (i *Ingestor) Extractor() *Extractor {
	return i.extractor
}

// StatusFor maps a lifecycle action to the node status
func StatusFor(action messages.Action) string {
	switch action {
	case messages.ActionClosed:
		return models.StatusClosed
	case messages.ActionMerged:
		return models.StatusMerged
	default:
		return models.StatusOpen
	}
}

func entityID(ev *messages.LifecycleEvent) string {
	if ev.EntityType == messages.EntityIssue {
		return models.IssueID(ev.Number)
	}
	return models.PullRequestID(ev.Number)
}

// linkedIssues returns the issues a pull request event refers to through
// closing keywords or an explicit link.
func linkedIssues(ev *messages.LifecycleEvent) []int {
	refs := ClosingReferences(ev.Body)
	if ev.LinkedIssue > 0 {
		found := false
		for _, n := range refs {
			if n == ev.LinkedIssue {
				found = true
				break
			}
		}
		if !found {
			refs = append([]int{ev.LinkedIssue}, refs...)
		}
	}
	return refs
}

// Ingest applies ev to the graph. Replaying the same event yields the same
// properties and edge set. Extraction problems are logged and returned as
// warnings; store failures on the entity itself are returned as errors.
func (i *Ingestor) Ingest(ctx context.Context, ev *messages.LifecycleEvent) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	id := entityID(ev)
	isPR := ev.EntityType == messages.EntityPullRequest
	var issues []int
	if isPR {
		issues = linkedIssues(ev)
	}

	lockKeys := []string{id}
	if isPR && ev.Action == messages.ActionMerged {
		for _, n := range issues {
			lockKeys = append(lockKeys, models.IssueID(n))
		}
	}
	unlock, err := i.locks.LockAll(ctx, lockKeys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Result{NodeID: id, Status: StatusFor(ev.Action)}

	props := models.Properties{
		models.PropNumber: ev.Number,
		models.PropTitle:  ev.Title,
		models.PropStatus: result.Status,
		models.PropBody:   ev.Body,
	}
	if ev.URL != "" {
		props[models.PropURL] = ev.URL
	}
	if !ev.CreatedAt.IsZero() {
		props[models.PropCreatedAt] = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	if ev.Labels != nil {
		props[models.PropLabels] = append([]string(nil), ev.Labels...)
	}
	if isPR && len(ev.ChangedFiles) > 0 {
		props[PropChangedFiles] = append([]string(nil), ev.ChangedFiles...)
	}

	if isPR && len(issues) > 0 {
		existing, err := i.store.GetNode(ctx, id)
		switch {
		case errors.Is(err, graph.ErrNotFound) || (err == nil && existing.IsPlaceholder()):
			// first sighting of this PR: it starts a review at iteration 0
			props[PropIssueID] = models.IssueID(issues[0])
			props[PropIteration] = 0
			props[PropReviewState] = StatePendingReview
			result.NewReview = ev.Action == messages.ActionCreated || ev.Action == messages.ActionReopened
		case err != nil:
			return nil, fmt.Errorf("failed to read %s: %w", id, err)
		}
		result.LinkedIssue = models.IssueID(issues[0])
	}

	if _, err := i.store.UpsertNode(ctx, id, models.NodeType(ev.EntityType), props); err != nil {
		return nil, fmt.Errorf("failed to upsert %s: %w", id, err)
	}

	i.extract(ctx, id, ev, result)

	if isPR {
		for _, f := range ev.ChangedFiles {
			p, ok := CleanPath(f)
			if !ok || !UnderRoot(p, i.extractor.roots) {
				continue
			}
			docID := models.DocumentID(p)
			if _, err := i.store.UpsertEdge(ctx, id, docID, models.RelModifies, nil); err != nil {
				return result, fmt.Errorf("failed to link %s MODIFIES %s: %w", id, docID, err)
			}
			result.Modified = append(result.Modified, docID)
		}
		if ev.Action == messages.ActionMerged {
			// a merge delivery may omit the file list; earlier events recorded it
			recorded, err := i.modifiedDocuments(ctx, id)
			if err != nil {
				return result, err
			}
			result.Modified = append(result.Modified, recorded...)
		}
		result.Modified = dedupe(result.Modified)
	}

	if isPR && ev.Action == messages.ActionMerged {
		for _, n := range issues {
			issueID := models.IssueID(n)
			if _, err := i.store.UpsertEdge(ctx, issueID, id, models.RelFixedBy, nil); err != nil {
				return result, fmt.Errorf("failed to link %s FIXED_BY %s: %w", issueID, id, err)
			}
			if err := i.closeIssue(ctx, issueID); err != nil {
				return result, err
			}
			result.FixedIssue = append(result.FixedIssue, issueID)
		}
	}

	log.Printf("[Ingestor] %s -> %s (concepts=%d documents=%d modified=%d fixed=%d warnings=%d)",
		ev.Key(), id, len(result.Concepts), len(result.Documents), len(result.Modified),
		len(result.FixedIssue), len(result.Warnings))
	return result, nil
}

// modifiedDocuments lists the documents prID already MODIFIES
func (i *Ingestor) modifiedDocuments(ctx context.Context, prID string) ([]string, error) {
	edges, err := i.store.EdgesFrom(ctx, prID)
	if err != nil {
		return nil, fmt.Errorf("failed to read edges of %s: %w", prID, err)
	}
	var docs []string
	for _, e := range edges {
		if e.Relationship == models.RelModifies {
			docs = append(docs, e.ToID)
		}
	}
	return docs, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// closeIssue marks an issue closed, keeping a placeholder a placeholder.
func (i *Ingestor) closeIssue(ctx context.Context, issueID string) error {
	update := models.Properties{models.PropStatus: models.StatusClosed}
	existing, err := i.store.GetNode(ctx, issueID)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", issueID, err)
	}
	if existing.IsPlaceholder() {
		update[models.PropPlaceholder] = true
	}
	if _, err := i.store.UpsertNode(ctx, issueID, models.NodeTypeIssue, update); err != nil {
		return fmt.Errorf("failed to close %s: %w", issueID, err)
	}
	return nil
}

// extract links the entity to the concepts and documents its text mentions.
// It never fails; problems are recorded as warnings.
func (i *Ingestor) extract(ctx context.Context, id string, ev *messages.LifecycleEvent, result *Result) {
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[Ingestor] Warning: %s", msg)
		result.Warnings = append(result.Warnings, msg)
	}

	for _, name := range i.extractor.Concepts(ev.Title, ev.Body) {
		conceptID := models.ConceptID(name)
		if _, err := i.store.UpsertEdge(ctx, id, conceptID, models.RelAbout, nil); err != nil {
			warn("concept %s for %s: %v", conceptID, id, err)
			continue
		}
		result.Concepts = append(result.Concepts, conceptID)
	}

	for _, p := range i.extractor.DocumentRefs(ev.Title, ev.Body) {
		docID := models.DocumentID(p)
		if _, err := i.store.UpsertEdge(ctx, id, docID, models.RelAbout, nil); err != nil {
			warn("document %s for %s: %v", docID, id, err)
			continue
		}
		result.Documents = append(result.Documents, docID)
	}
}

// UpsertDocument records a knowledge-base document. The path must lie under
// a configured document root.
func (i *Ingestor) UpsertDocument(ctx context.Context, docPath string, props models.Properties) (*models.Node, error) {
	p, ok := CleanPath(docPath)
	if !ok || !UnderRoot(p, i.extractor.roots) {
		return nil, fmt.Errorf("%w: %q is not under a document root", graph.ErrInvalidType, docPath)
	}
	id := models.DocumentID(p)

	unlock, err := i.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	update := props.Clone()
	update[models.PropPath] = p
	return i.store.UpsertNode(ctx, id, models.NodeTypeDocument, update)
}
