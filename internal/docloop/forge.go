package docloop

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/models"
)

var _ review.Forge = (*offlineForge)(nil)

// offlineForge stands in for GitHub when it is disabled. Reads are answered
// from the graph and side effects are only logged, so the review loop can
// run against locally ingested events.
type offlineForge struct {
	store graph.Store

	mu   sync.Mutex
	next int
}

func newOfflineForge(store graph.Store) *offlineForge {
	return &offlineForge{store: store}
}

func (f *offlineForge) PRDiff(ctx context.Context, number int) (string, error) {
	pr, err := f.store.GetNode(ctx, models.PullRequestID(number))
	if err != nil {
		return "", err
	}
	return pr.Properties.String(models.PropBody, ""), nil
}

// ListPRFiles returns the documents the pull request MODIFIES
func (f *offlineForge) ListPRFiles(ctx context.Context, number int) ([]string, error) {
	edges, err := f.store.EdgesFrom(ctx, models.PullRequestID(number))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range edges {
		if e.Relationship != models.RelModifies {
			continue
		}
		if _, p, err := models.ParseNodeID(e.ToID); err == nil {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (f *offlineForge) MergePR(_ context.Context, number int) error {
	log.Printf("[Forge] offline: merge #%d", number)
	return nil
}

func (f *offlineForge) ClosePR(_ context.Context, number int, comment string) error {
	log.Printf("[Forge] offline: close #%d (%s)", number, comment)
	return nil
}

// CreatePR allocates the next pull request number above every number the
// graph knows.
func (f *offlineForge) CreatePR(ctx context.Context, spec review.PullRequestSpec) (*review.OpenedPullRequest, error) {
	if spec.Branch == "" {
		return nil, fmt.Errorf("branch is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	highest := f.next
	for _, t := range []models.NodeType{models.NodeTypePullRequest, models.NodeTypeIssue} {
		nodes, err := f.store.NodesByType(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if num := n.Properties.Int(models.PropNumber, 0); num > highest {
				highest = num
			}
		}
	}
	f.next = highest + 1
	log.Printf("[Forge] offline: opened #%d from %s", f.next, spec.Branch)
	return &review.OpenedPullRequest{Number: f.next}, nil
}

func (f *offlineForge) CloseIssue(_ context.Context, number int, comment string) error {
	log.Printf("[Forge] offline: close issue #%d (%s)", number, comment)
	return nil
}

func (f *offlineForge) CommentOnIssue(_ context.Context, number int, body string) error {
	log.Printf("[Forge] offline: comment on #%d (%d bytes)", number, len(body))
	return nil
}

func (f *offlineForge) AddLabels(_ context.Context, number int, labels ...string) error {
	if len(labels) > 0 {
		log.Printf("[Forge] offline: label #%d %v", number, labels)
	}
	return nil
}
