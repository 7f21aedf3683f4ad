// Package temporal drives review chains as durable Temporal workflows.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/keboola/docloop/internal/temporal/activities"
	temporalclient "github.com/keboola/docloop/internal/temporal/client"
	"github.com/keboola/docloop/internal/temporal/workflows"
	"github.com/keboola/docloop/pkg/config"
)

// Manager owns the Temporal client and the review worker
type Manager struct {
	client   *temporalclient.Client
	worker   worker.Worker
	config   *config.TemporalConfig
	maxSteps int
}

// NewManager dials Temporal and registers the review chain workflow and
// activities on the configured task queue. maxIterations sizes the chain
// step bound.
func NewManager(cfg *config.TemporalConfig, acts *activities.Activities, maxIterations int) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}
	c, err := temporalclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return newManager(c, cfg, acts, maxIterations), nil
}

func newManager(c *temporalclient.Client, cfg *config.TemporalConfig, acts *activities.Activities, maxIterations int) *Manager {
	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ReviewChainWorkflow)
	if acts != nil {
		w.RegisterActivity(acts)
	}
	log.Printf("[Temporal] Worker registered for task queue: %s", cfg.TaskQueue)

	return &Manager{
		client:   c,
		worker:   w,
		config:   cfg,
		maxSteps: maxIterations + 2,
	}
}

// Start runs the worker in the background
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	log.Println("[Temporal] Worker started")
	return nil
}

// Stop stops the worker and closes the client
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	log.Println("[Temporal] Manager stopped")
}

// WorkflowID names the chain workflow for a pull request
func WorkflowID(prID string) string {
	return "review-chain-" + prID
}

// StartReviewChain starts the chain workflow for prID. Starting a chain that
// is already running is not an error.
func (m *Manager) StartReviewChain(ctx context.Context, prID string) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(prID),
		TaskQueue:                m.config.TaskQueue,
		WorkflowExecutionTimeout: m.config.WorkflowExecutionTimeout,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	input := workflows.ReviewChainInput{PullRequestID: prID, MaxSteps: m.maxSteps}

	run, err := m.client.ExecuteWorkflow(ctx, opts, workflows.ReviewChainWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			log.Printf("[Temporal] Review chain for %s already started", prID)
			return opts.ID, nil
		}
		return "", fmt.Errorf("failed to start review chain for %s: %w", prID, err)
	}
	log.Printf("[Temporal] Started review chain %s (run %s)", run.GetID(), run.GetRunID())
	return run.GetID(), nil
}

// ReviewChainResult waits for a chain to finish
func (m *Manager) ReviewChainResult(ctx context.Context, prID string) (*workflows.ReviewChainStatus, error) {
	var status workflows.ReviewChainStatus
	if err := m.client.GetWorkflow(ctx, WorkflowID(prID), "").Get(ctx, &status); err != nil {
		return nil, fmt.Errorf("failed to get review chain result: %w", err)
	}
	return &status, nil
}
