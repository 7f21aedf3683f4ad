package activities

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/review"
)

// ReviewStepName is the registered activity name
const ReviewStepName = "ReviewStep"

// Stepper applies one review step
type Stepper interface {
	Step(ctx context.Context, prID string) (*review.Transition, error)
}

// StepResult is the serialisable outcome of one step
type StepResult struct {
	PullRequestID     string  `json:"pull_request_id"`
	From              string  `json:"from"`
	To                string  `json:"to"`
	Reason            string  `json:"reason,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	NextPullRequestID string  `json:"next_pull_request_id,omitempty"`
	// Replayed is set when the step had already been applied, typically by
	// an earlier attempt of this activity.
	Replayed bool `json:"replayed,omitempty"`
}

// Activities exposes the review orchestrator to Temporal workers
type Activities struct {
	stepper Stepper
	store   graph.Store
}

// NewActivities creates activities over stepper. store is read to recover
// the outcome of a step that was already applied.
func NewActivities(stepper Stepper, store graph.Store) *Activities {
	return &Activities{stepper: stepper, store: store}
}

// ReviewStep evaluates one pull request. Graph store errors are retried;
// a missing or mistyped node fails the workflow.
func (a *Activities) ReviewStep(ctx context.Context, prID string) (*StepResult, error) {
	logger := activity.GetLogger(ctx)

	t, err := a.stepper.Step(ctx, prID)
	switch {
	case err == nil:
		logger.Info("Review step applied", "pr", prID, "from", t.From, "to", t.To, "reason", t.Decision.Reason)
		return &StepResult{
			PullRequestID:     t.PullRequestID,
			From:              string(t.From),
			To:                string(t.To),
			Reason:            string(t.Decision.Reason),
			Confidence:        t.Decision.Confidence,
			NextPullRequestID: t.NextPullRequestID,
		}, nil
	case errors.Is(err, review.ErrTerminal), errors.Is(err, review.ErrNotPending):
		return a.recorded(ctx, prID)
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, graph.ErrInvalidType):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidPullRequest", err)
	default:
		return nil, err
	}
}

// recorded rebuilds a step result from the properties a previous step wrote.
func (a *Activities) recorded(ctx context.Context, prID string) (*StepResult, error) {
	pr, err := a.store.GetNode(ctx, prID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", prID, err)
	}
	res := &StepResult{
		PullRequestID: prID,
		From:          string(review.StatePendingReview),
		To:            pr.Properties.String(ingest.PropReviewState, ""),
		Reason:        pr.Properties.String(ingest.PropEscalationReason, ""),
		Confidence:    pr.Properties.Float(ingest.PropConfidence, 0),
		Replayed:      true,
	}
	if res.To == string(review.StateIterating) {
		res.NextPullRequestID = pr.Properties.String(ingest.PropSupersededBy, "")
		if res.NextPullRequestID == "" {
			return nil, fmt.Errorf("%s is iterating without a successor", prID)
		}
	}
	return res, nil
}
