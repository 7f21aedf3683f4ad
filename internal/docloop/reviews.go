package docloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/internal/telemetry"
	"github.com/keboola/docloop/pkg/messages"
)

// Step applies one review step to prID. It satisfies the Temporal
// activities' stepper and is what the in-process chain loop calls.
func (a *App) Step(ctx context.Context, prID string) (*review.Transition, error) {
	ctx, span := telemetry.StartSpan(ctx, "docloop.review.step", attribute.String("pull_request", prID))
	defer span.End()

	start := time.Now()
	t, err := a.orchestrator.Step(ctx, prID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("to", string(t.To)),
		attribute.String("reason", string(t.Decision.Reason)),
		attribute.Float64("confidence", t.Decision.Confidence),
	)
	telemetry.RecordReviewStep(ctx, string(t.To), time.Since(start))
	return t, nil
}

// ReviewHandle identifies a started review chain
type ReviewHandle struct {
	PullRequestID string `json:"pull_request_id"`
	Engine        string `json:"engine"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	AlreadyActive bool   `json:"already_active,omitempty"`
}

// StartReview starts the review chain for a PENDING_REVIEW pull request in
// the background, on Temporal when that engine is configured.
func (a *App) StartReview(ctx context.Context, prID string) (*ReviewHandle, error) {
	if a.ctx.Err() != nil {
		return nil, errShuttingDown
	}
	pr, err := a.store.GetNode(ctx, prID)
	if err != nil {
		return nil, err
	}
	state := review.State(pr.Properties.String(ingest.PropReviewState, ""))
	if state != review.StatePendingReview {
		if state.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", review.ErrTerminal, prID, state)
		}
		return nil, fmt.Errorf("%w: %s is %q", review.ErrNotPending, prID, state)
	}

	if a.temporal != nil {
		id, err := a.temporal.StartReviewChain(ctx, prID)
		if err != nil {
			return nil, err
		}
		return &ReviewHandle{PullRequestID: prID, Engine: "temporal", WorkflowID: id}, nil
	}

	h := &ReviewHandle{PullRequestID: prID, Engine: "inprocess"}
	a.reviewsMu.Lock()
	if a.running[prID] {
		a.reviewsMu.Unlock()
		h.AlreadyActive = true
		return h, nil
	}
	a.running[prID] = true
	a.reviews.Add(1)
	a.reviewsMu.Unlock()

	go func() {
		defer a.reviews.Done()
		defer func() {
			a.reviewsMu.Lock()
			delete(a.running, prID)
			a.reviewsMu.Unlock()
		}()
		a.runChain(a.ctx, prID)
	}()
	return h, nil
}

// RunReview steps prID and its successors synchronously until the chain
// leaves ITERATING
func (a *App) RunReview(ctx context.Context, prID string) ([]*review.Transition, error) {
	var transitions []*review.Transition
	maxSteps := a.orchestrator.Policy().MaxIterations + 2
	for i := 0; i < maxSteps; i++ {
		t, err := a.Step(ctx, prID)
		if err != nil {
			return transitions, err
		}
		transitions = append(transitions, t)
		if t.To != review.StateIterating {
			return transitions, nil
		}
		prID = t.NextPullRequestID
	}
	return transitions, fmt.Errorf("review chain exceeded %d steps at %s", maxSteps, prID)
}

func (a *App) runChain(ctx context.Context, prID string) {
	transitions, err := a.RunReview(ctx, prID)
	switch {
	case err == nil:
		last := transitions[len(transitions)-1]
		log.Printf("[Review] Chain from %s ended %s at %s after %d steps",
			prID, last.To, last.PullRequestID, len(transitions))
	case ctx.Err() != nil:
		log.Printf("[Review] Chain from %s interrupted, pending work resumes at startup", prID)
	case errors.Is(err, review.ErrTerminal), errors.Is(err, review.ErrNotPending):
		log.Printf("[Review] Chain from %s already advanced: %v", prID, err)
	default:
		log.Printf("[Review] Warning: chain from %s stopped: %v", prID, err)
		a.publish(messages.SystemError(review.EventSource, err.Error(), map[string]interface{}{
			"pull_request_id": prID,
		}))
	}
}

// ReviewChainStatus waits for a Temporal review chain to finish. It is only
// available with the temporal engine.
func (a *App) ReviewChainStatus(ctx context.Context, prID string) (interface{}, error) {
	if a.temporal == nil {
		return nil, fmt.Errorf("review engine is %s", a.config.Review.Engine)
	}
	return a.temporal.ReviewChainResult(ctx, prID)
}
