package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/keboola/docloop/internal/temporal/activities"
)

const (
	// QueryStatus returns the chain's ReviewChainStatus
	QueryStatus = "getStatus"
	// SignalStop ends the chain after the step in flight
	SignalStop = "stop"
)

// ReviewChainInput starts a chain at one pending pull request
type ReviewChainInput struct {
	PullRequestID string
	// MaxSteps bounds the loop; the orchestrator's own iteration cap ends
	// chains well before it.
	MaxSteps    int
	StepTimeout time.Duration
}

// ReviewChainStatus is reported by the status query and as the result
type ReviewChainStatus struct {
	CurrentPullRequestID string                  `json:"current_pull_request_id"`
	State                string                  `json:"state"`
	Steps                []activities.StepResult `json:"steps"`
	Stopped              bool                    `json:"stopped,omitempty"`
}

// ReviewChainWorkflow steps a pull request and each successor it iterates
// into until the chain is merged or escalated. Each step is an activity, so
// a worker restart resumes at the pull request that was pending.
func ReviewChainWorkflow(ctx workflow.Context, input ReviewChainInput) (*ReviewChainStatus, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Review chain started", "pr", input.PullRequestID)

	if input.MaxSteps <= 0 {
		input.MaxSteps = 10
	}
	if input.StepTimeout <= 0 {
		input.StepTimeout = 10 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: input.StepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    5,
		},
	})

	status := &ReviewChainStatus{
		CurrentPullRequestID: input.PullRequestID,
		State:                "PENDING_REVIEW",
		Steps:                []activities.StepResult{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (*ReviewChainStatus, error) {
		return status, nil
	}); err != nil {
		return nil, err
	}

	stopCh := workflow.GetSignalChannel(ctx, SignalStop)

	for step := 0; step < input.MaxSteps; step++ {
		var reason string
		if stopCh.ReceiveAsync(&reason) {
			logger.Info("Review chain stopped", "pr", status.CurrentPullRequestID, "reason", reason)
			status.Stopped = true
			return status, nil
		}

		var res activities.StepResult
		err := workflow.ExecuteActivity(ctx, activities.ReviewStepName, status.CurrentPullRequestID).Get(ctx, &res)
		if err != nil {
			return status, fmt.Errorf("review step for %s failed: %w", status.CurrentPullRequestID, err)
		}
		status.Steps = append(status.Steps, res)
		status.State = res.To

		if res.To != "ITERATING" {
			logger.Info("Review chain finished", "pr", res.PullRequestID, "state", res.To, "reason", res.Reason)
			return status, nil
		}
		status.CurrentPullRequestID = res.NextPullRequestID
		status.State = "PENDING_REVIEW"
	}

	return status, fmt.Errorf("review chain exceeded %d steps at %s", input.MaxSteps, status.CurrentPullRequestID)
}
