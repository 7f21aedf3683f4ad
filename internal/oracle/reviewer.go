package oracle

import (
	"context"
	"fmt"

	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/config"
)

// Reviewer calls POST {endpoint}/review
type Reviewer struct {
	c *client
}

// NewReviewer creates a reviewer client
func NewReviewer(cfg config.OracleEndpoint) (*Reviewer, error) {
	c, err := newClient("reviewer", cfg)
	if err != nil {
		return nil, err
	}
	return &Reviewer{c: c}, nil
}

type reviewRequest struct {
	Diff         string   `json:"diff"`
	IssueContext string   `json:"issueContext"`
	PullRequest  string   `json:"pullRequest,omitempty"`
	Iteration    int      `json:"iteration"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
}

// Missing scores must not decode as zero, so the fields are pointers.
type reviewResponse struct {
	Safety    *float64 `json:"safety"`
	Relevance *float64 `json:"relevance"`
	Quality   *float64 `json:"quality"`
	Feedback  string   `json:"feedback,omitempty"`
}

// Review implements review.Reviewer
func (r *Reviewer) Review(ctx context.Context, req review.ReviewRequest) (*review.Scores, error) {
	var resp reviewResponse
	err := r.c.postJSON(ctx, "/review", reviewRequest{
		Diff:         req.Diff,
		IssueContext: req.IssueContext,
		PullRequest:  req.PullRequestID,
		Iteration:    req.Iteration,
		ChangedFiles: req.ChangedFiles,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", review.ErrReviewerUnavailable, err)
	}

	if resp.Safety == nil || resp.Relevance == nil || resp.Quality == nil {
		return nil, fmt.Errorf("%w: response is missing scores", review.ErrReviewerUnavailable)
	}
	scores := &review.Scores{
		Safety:    *resp.Safety,
		Relevance: *resp.Relevance,
		Quality:   *resp.Quality,
		Feedback:  resp.Feedback,
	}
	if err := scores.Validate(); err != nil {
		return nil, err
	}
	return scores, nil
}

var _ review.Reviewer = (*Reviewer)(nil)
