package docloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keboola/docloop/internal/eventbus"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/internal/telemetry"
	"github.com/keboola/docloop/pkg/messages"
	"github.com/keboola/docloop/pkg/models"
)

// Submit queues ev for ingestion. Events for the same entity are applied in
// submission order.
func (a *App) Submit(ctx context.Context, ev *messages.LifecycleEvent) error {
	return a.pool.Submit(ctx, ev)
}

// SubmitAndWait queues ev and waits until it has been applied
func (a *App) SubmitAndWait(ctx context.Context, ev *messages.LifecycleEvent) error {
	return a.pool.SubmitAndWait(ctx, ev)
}

func (a *App) handleLifecycle(ctx context.Context, ev *messages.LifecycleEvent) error {
	_, err := a.Ingest(ctx, ev)
	return err
}

// consumeLifecycle applies an event delivered by NATS. Events the review
// loop emitted were already applied by the instance that produced them.
func (a *App) consumeLifecycle(ctx context.Context, ev *messages.LifecycleEvent) error {
	if ev.Source == review.EventSource {
		return nil
	}
	return a.pool.SubmitAndWait(ctx, ev)
}

// Ingest applies ev to the graph immediately and runs the follow-up work:
// change notification, skill regeneration and snapshot export after merges,
// and automatic review of pull requests that entered review.
func (a *App) Ingest(ctx context.Context, ev *messages.LifecycleEvent) (*ingest.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "docloop.ingest",
		attribute.String("entity_type", string(ev.EntityType)),
		attribute.String("action", string(ev.Action)),
		attribute.Int("number", ev.Number),
	)
	defer span.End()

	start := time.Now()
	res, err := a.ingestor.Ingest(ctx, ev)
	warnings := 0
	if res != nil {
		warnings = len(res.Warnings)
	}
	a.metrics.RecordIngest(string(ev.EntityType), string(ev.Action), err, warnings, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	telemetry.RecordEventIngested(ctx, string(ev.EntityType), string(ev.Action))

	a.publish(messages.LifecycleIngested(res.NodeID, ev.Action, ev.Source, map[string]interface{}{
		"status":       res.Status,
		"concepts":     res.Concepts,
		"documents":    res.Documents,
		"modified":     res.Modified,
		"linked_issue": res.LinkedIssue,
		"warnings":     len(res.Warnings),
	}))

	if ev.EntityType == messages.EntityPullRequest && ev.Action == messages.ActionMerged {
		a.afterMerge(ctx, res)
	}

	if res.NewReview && a.config.Review.AutoReview {
		if _, err := a.StartReview(ctx, res.NodeID); err != nil {
			log.Printf("Warning: failed to start review of %s: %v", res.NodeID, err)
		}
	}
	return res, nil
}

// afterMerge publishes the skills a merged pull request invalidated and
// refreshes the snapshot file.
func (a *App) afterMerge(ctx context.Context, res *ingest.Result) {
	if len(res.Modified) > 0 {
		if _, err := a.Regenerate(ctx, res.NodeID, res.Modified...); err != nil {
			log.Printf("Warning: impact analysis for %s failed: %v", res.NodeID, err)
		}
	}
	if err := a.projector.Export(ctx); err != nil {
		log.Printf("Warning: snapshot export after %s failed: %v", res.NodeID, err)
	}
}

// Regenerate finds the skills impacted by changed and publishes one
// regeneration trigger naming them. It returns the skills.
func (a *App) Regenerate(ctx context.Context, cause string, changed ...string) ([]string, error) {
	skills, err := a.analyzer.AffectedSkills(ctx, changed...)
	if err != nil {
		return nil, err
	}
	if len(skills) == 0 {
		return skills, nil
	}
	ev := messages.SkillsRegenerate(cause, skills, source)
	ev.Metadata = map[string]interface{}{"changed": changed}
	a.publish(ev)
	a.metrics.SkillsTriggered.Add(float64(len(skills)))
	log.Printf("[Impact] %s affects %d skills", cause, len(skills))
	return skills, nil
}

// emit is the orchestrator's event sink. Caused events are applied in line
// so the graph reflects them before the step returns, and shared on NATS.
func (a *App) emit(ctx context.Context, ev *messages.LifecycleEvent) error {
	if _, err := a.Ingest(ctx, ev); err != nil {
		return err
	}
	if a.messageBus != nil {
		if err := a.messageBus.PublishLifecycle(ctx, ev); err != nil {
			log.Printf("Warning: failed to publish %s: %v", ev.Key(), err)
		}
	}
	return nil
}

func (a *App) publish(ev *messages.EventMessage) {
	if err := a.eventBus.Publish(ev); err != nil {
		if !errors.Is(err, eventbus.ErrClosed) {
			log.Printf("Warning: failed to publish %s event: %v", ev.Type, err)
		}
		return
	}
	a.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
}

// Notify implements review.Notifier
func (a *App) Notify(ctx context.Context, t *review.Transition) {
	a.metrics.RecordReviewTransition(string(t.From), string(t.To), string(t.Decision.Reason),
		t.Decision.Confidence, t.Scores != nil)

	data := map[string]interface{}{
		"from":       string(t.From),
		"iteration":  t.Iteration,
		"verdict":    string(t.Decision.Verdict),
		"confidence": t.Decision.Confidence,
		"issue_id":   t.IssueID,
	}
	if t.NextPullRequestID != "" {
		data["next_pull_request_id"] = t.NextPullRequestID
	}
	if len(t.Decision.Disallowed) > 0 {
		data["disallowed"] = t.Decision.Disallowed
	}
	description := string(t.Decision.Reason)
	if t.Decision.Message != "" {
		description = fmt.Sprintf("%s: %s", t.Decision.Reason, t.Decision.Message)
	}
	ev := messages.ReviewTransition(t.PullRequestID, string(t.To), description, review.EventSource, data)
	ev.CorrelationID = t.IssueID
	a.publish(ev)
}

// Document records a knowledge-base document and reports the skills it feeds
func (a *App) Document(ctx context.Context, docPath string, props models.Properties) (*models.Node, []string, error) {
	node, err := a.ingestor.UpsertDocument(ctx, docPath, props)
	if err != nil {
		return nil, nil, err
	}
	a.publish(messages.DocumentChanged(node.ID, "upserted", source))
	skills, err := a.Regenerate(ctx, node.ID, node.ID)
	return node, skills, err
}

// RegisterSkill records a generated skill and its provenance
func (a *App) RegisterSkill(ctx context.Context, spec ingest.SkillSpec) (*ingest.SkillResult, error) {
	res, err := a.ingestor.RegisterSkill(ctx, spec)
	if err != nil {
		return nil, err
	}
	a.publish(messages.LifecycleIngested(res.Node.ID, "registered", source, map[string]interface{}{
		"recreated": res.Recreated,
		"sources":   res.Sources,
	}))
	return res, nil
}

// PullRequestFiles asks the forge which paths a pull request changes. The
// webhook intake uses it when a payload does not carry the file list.
func (a *App) PullRequestFiles(ctx context.Context, number int) ([]string, error) {
	return a.forge.ListPRFiles(ctx, number)
}
