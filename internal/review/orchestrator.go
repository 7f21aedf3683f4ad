package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/messages"
	"github.com/keboola/docloop/pkg/models"
)

// EventSource marks lifecycle events the orchestrator emits
const EventSource = "review"

// Transition records one orchestrator step
type Transition struct {
	PullRequestID     string    `json:"pull_request_id"`
	IssueID           string    `json:"issue_id,omitempty"`
	Iteration         int       `json:"iteration"`
	From              State     `json:"from"`
	To                State     `json:"to"`
	Decision          Decision  `json:"decision"`
	Scores            *Scores   `json:"scores,omitempty"`
	NextPullRequestID string    `json:"next_pull_request_id,omitempty"`
	At                time.Time `json:"at"`
}

// Options configures an Orchestrator
type Options struct {
	Policy   Policy
	Sink     EventSink
	Notifier Notifier
	// Locks is shared with the ingestor. Node writes take the node id;
	// chains take "chain:<issue id>".
	Locks *graph.KeyedMutex
}

// Orchestrator runs the review state machine. Steps for the same issue are
// serialised; different issues proceed independently.
type Orchestrator struct {
	store     graph.Store
	reviewer  Reviewer
	generator Generator
	forge     Forge
	sink      EventSink
	notifier  Notifier
	policy    Policy
	locks     *graph.KeyedMutex
}

// New creates an orchestrator
func New(store graph.Store, reviewer Reviewer, generator Generator, forge Forge, opts Options) *Orchestrator {
	locks := opts.Locks
	if locks == nil {
		locks = graph.NewKeyedMutex()
	}
	return &Orchestrator{
		store:     store,
		reviewer:  reviewer,
		generator: generator,
		forge:     forge,
		sink:      opts.Sink,
		notifier:  opts.Notifier,
		policy:    opts.Policy,
		locks:     locks,
	}
}

// Policy returns the active policy
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// chainState is what a step needs to know about the pull request under review
type chainState struct {
	pr          *models.Node
	number      int
	issueID     string
	issueNumber int
	issue       *models.Node
	files       []string
	diff        string
}

// Step evaluates one PENDING_REVIEW pull request and applies the outcome.
// Oracle and forge failures become escalations; graph store errors and
// cancellation of ctx are returned.
func (o *Orchestrator) Step(ctx context.Context, prID string) (*Transition, error) {
	pr, err := o.store.GetNode(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.Type != models.NodeTypePullRequest {
		return nil, fmt.Errorf("%w: %s is not a pull request", graph.ErrInvalidType, prID)
	}

	chainKey := pr.Properties.String(ingest.PropIssueID, "")
	if chainKey == "" {
		chainKey = prID
	}
	unlock, err := o.locks.Lock(ctx, "chain:"+chainKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the chain lock
	if pr, err = o.store.GetNode(ctx, prID); err != nil {
		return nil, err
	}
	state := State(pr.Properties.String(ingest.PropReviewState, string(StatePendingReview)))
	if state.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, prID, state)
	}
	if state != StatePendingReview {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, prID, state)
	}

	cs := &chainState{
		pr:      pr,
		number:  pr.Properties.Int(models.PropNumber, 0),
		issueID: pr.Properties.String(ingest.PropIssueID, ""),
	}
	t := &Transition{
		PullRequestID: prID,
		IssueID:       cs.issueID,
		Iteration:     pr.Properties.Int(ingest.PropIteration, 0),
		From:          state,
	}

	if cs.issueID == "" {
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonUnlinkedIssue,
			"pull request does not reference an issue"))
	}
	cs.issueNumber = issueNumber(cs.issueID)

	cs.issue, err = o.store.GetNode(ctx, cs.issueID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return nil, err
	}
	if cs.issue != nil && cs.issue.Properties.String(models.PropStatus, "") == models.StatusClosed {
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonCancelled,
			fmt.Sprintf("%s was closed while the review was pending", cs.issueID)))
	}
	switch pr.Properties.String(models.PropStatus, "") {
	case models.StatusClosed:
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonCancelled,
			"pull request was closed outside automated review"))
	case models.StatusMerged:
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonCancelled,
			"pull request was merged outside automated review"))
	}

	cs.files = pr.Properties.Strings(ingest.PropChangedFiles)
	if len(cs.files) == 0 {
		if cs.files, err = o.forge.ListPRFiles(ctx, cs.number); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonReviewerUnavailable,
				fmt.Sprintf("could not list changed files: %v", err)))
		}
	}
	if cs.diff, err = o.forge.PRDiff(ctx, cs.number); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonReviewerUnavailable,
			fmt.Sprintf("could not fetch diff: %v", err)))
	}

	scores, err := o.review(ctx, t, cs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.escalate(ctx, t, cs, o.policy.Escalation(ReasonReviewerUnavailable, err.Error()))
	}
	t.Scores = scores

	d := o.policy.Decide(*scores, t.Iteration, cs.files)
	switch d.Action {
	case ActionMerge:
		return o.merge(ctx, t, cs, d)
	case ActionIterate:
		return o.iterate(ctx, t, cs, d)
	default:
		return o.escalate(ctx, t, cs, d)
	}
}

// Run steps prID and each pull request that supersedes it until the chain
// reaches MERGED or ESCALATED.
func (o *Orchestrator) Run(ctx context.Context, prID string) ([]*Transition, error) {
	var transitions []*Transition
	for {
		t, err := o.Step(ctx, prID)
		if err != nil {
			return transitions, err
		}
		transitions = append(transitions, t)
		if t.To != StateIterating {
			return transitions, nil
		}
		prID = t.NextPullRequestID
	}
}

// Pending lists pull requests waiting for review, oldest first
func (o *Orchestrator) Pending(ctx context.Context) ([]string, error) {
	nodes, err := o.store.NodesByType(ctx, models.NodeTypePullRequest)
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Properties.String(ingest.PropIssueID, "") == "" {
			continue
		}
		if n.Properties.String(ingest.PropReviewState, "") == string(StatePendingReview) {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

func (o *Orchestrator) review(ctx context.Context, t *Transition, cs *chainState) (*Scores, error) {
	req := ReviewRequest{
		PullRequestID: t.PullRequestID,
		IssueID:       cs.issueID,
		Iteration:     t.Iteration,
		Diff:          cs.diff,
		IssueContext:  issueContext(cs),
		ChangedFiles:  cs.files,
	}

	rctx := ctx
	if o.policy.ReviewerTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, o.policy.ReviewerTimeout)
		defer cancel()
	}

	scores, err := o.reviewer.Review(rctx, req)
	if err != nil {
		if errors.Is(err, ErrReviewerUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReviewerUnavailable, err)
	}
	if err := scores.Validate(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (o *Orchestrator) merge(ctx context.Context, t *Transition, cs *chainState, d Decision) (*Transition, error) {
	if err := o.forge.MergePR(ctx, cs.number); err != nil {
		esc := o.policy.Escalation(ReasonMergeFailed, fmt.Sprintf("merge of #%d failed: %v", cs.number, err))
		esc.Confidence = d.Confidence
		return o.escalate(ctx, t, cs, esc)
	}
	if err := o.forge.CloseIssue(ctx, cs.issueNumber, fmt.Sprintf("Fixed by #%d.", cs.number)); err != nil {
		log.Printf("[Review] Warning: failed to close issue #%d: %v", cs.issueNumber, err)
	}

	props := models.Properties{
		ingest.PropReviewState: string(StateMerged),
		ingest.PropVerdict:     string(d.Verdict),
		ingest.PropConfidence:  d.Confidence,
		ingest.PropFeedback:    t.Scores.Feedback,
	}
	if _, err := o.upsert(ctx, t.PullRequestID, props); err != nil {
		return nil, fmt.Errorf("failed to record merge of %s: %w", t.PullRequestID, err)
	}

	t.To = StateMerged
	t.Decision = d
	o.emit(ctx, o.lifecycleEvent(cs.pr, messages.ActionMerged, cs.files, cs.issueNumber))
	return o.finish(ctx, t), nil
}

func (o *Orchestrator) iterate(ctx context.Context, t *Transition, cs *chainState, d Decision) (*Transition, error) {
	feedback := FeedbackText(cs.number, t.Iteration, *t.Scores, d)
	if err := o.forge.CommentOnIssue(ctx, cs.issueNumber, feedback); err != nil {
		log.Printf("[Review] Warning: failed to post feedback on issue #%d: %v", cs.issueNumber, err)
	}

	patch, err := o.generate(ctx, t, cs, feedback)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		esc := o.policy.Escalation(ReasonGeneratorUnavailable, err.Error())
		esc.Confidence = d.Confidence
		return o.escalate(ctx, t, cs, esc)
	}

	title := strings.TrimSpace(patch.Title)
	if title == "" {
		title = fmt.Sprintf("%s (iteration %d)", o.issueTitle(cs), t.Iteration+1)
	}
	body := strings.TrimSpace(patch.Description) + fmt.Sprintf("\n\nFixes #%d", cs.issueNumber)
	opened, err := o.forge.CreatePR(ctx, PullRequestSpec{Title: title, Body: body, Branch: patch.Branch})
	if err != nil {
		esc := o.policy.Escalation(ReasonGeneratorUnavailable, fmt.Sprintf("could not open pull request for %s: %v", patch.Branch, err))
		esc.Confidence = d.Confidence
		return o.escalate(ctx, t, cs, esc)
	}

	nextID := models.PullRequestID(opened.Number)
	next := models.Properties{
		models.PropNumber:      opened.Number,
		models.PropTitle:       title,
		models.PropStatus:      models.StatusOpen,
		models.PropBody:        body,
		ingest.PropIssueID:     cs.issueID,
		ingest.PropIteration:   t.Iteration + 1,
		ingest.PropReviewState: string(StatePendingReview),
		ingest.PropPreviousPR:  t.PullRequestID,
		ingest.PropBranch:      patch.Branch,
	}
	if opened.URL != "" {
		next[models.PropURL] = opened.URL
	}
	if len(patch.ChangedFiles) > 0 {
		next[ingest.PropChangedFiles] = append([]string(nil), patch.ChangedFiles...)
	}
	nextNode, err := o.upsert(ctx, nextID, next)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", nextID, err)
	}

	if err := o.forge.ClosePR(ctx, cs.number, fmt.Sprintf("Superseded by #%d.", opened.Number)); err != nil {
		log.Printf("[Review] Warning: failed to close #%d: %v", cs.number, err)
	}
	prev := models.Properties{
		ingest.PropReviewState:  string(StateIterating),
		ingest.PropVerdict:      string(d.Verdict),
		ingest.PropConfidence:   d.Confidence,
		ingest.PropFeedback:     feedback,
		ingest.PropSupersededBy: nextID,
		models.PropStatus:       models.StatusClosed,
	}
	if _, err := o.upsert(ctx, t.PullRequestID, prev); err != nil {
		return nil, fmt.Errorf("failed to record iteration of %s: %w", t.PullRequestID, err)
	}

	t.To = StateIterating
	t.Decision = d
	t.NextPullRequestID = nextID
	o.emit(ctx, o.lifecycleEvent(nextNode, messages.ActionCreated, patch.ChangedFiles, cs.issueNumber))
	o.emit(ctx, o.lifecycleEvent(cs.pr, messages.ActionClosed, nil, cs.issueNumber))
	return o.finish(ctx, t), nil
}

func (o *Orchestrator) generate(ctx context.Context, t *Transition, cs *chainState, feedback string) (*Patch, error) {
	req := GenerateRequest{
		IssueID:       cs.issueID,
		IssueNumber:   cs.issueNumber,
		IssueTitle:    o.issueTitle(cs),
		Iteration:     t.Iteration + 1,
		PreviousPatch: cs.diff,
		Feedback:      feedback,
	}
	if cs.issue != nil {
		req.IssueBody = cs.issue.Properties.String(models.PropBody, "")
	}

	gctx := ctx
	if o.policy.GeneratorTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, o.policy.GeneratorTimeout)
		defer cancel()
	}

	patch, err := o.generator.Generate(gctx, req)
	if err != nil {
		if errors.Is(err, ErrGeneratorUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}
	if patch == nil || strings.TrimSpace(patch.Branch) == "" {
		return nil, fmt.Errorf("%w: response has no branch", ErrGeneratorUnavailable)
	}
	return patch, nil
}

func (o *Orchestrator) escalate(ctx context.Context, t *Transition, cs *chainState, d Decision) (*Transition, error) {
	if cs.number > 0 {
		if err := o.forge.AddLabels(ctx, cs.number, o.policy.Labels(d.Reason)...); err != nil {
			log.Printf("[Review] Warning: failed to label #%d: %v", cs.number, err)
		}
		comment := fmt.Sprintf("Escalated for human review (%s): %s", d.Reason, d.Message)
		if err := o.forge.CommentOnIssue(ctx, cs.number, comment); err != nil {
			log.Printf("[Review] Warning: failed to comment on #%d: %v", cs.number, err)
		}
	}

	props := models.Properties{
		ingest.PropReviewState:       string(StateEscalated),
		ingest.PropVerdict:           string(d.Verdict),
		ingest.PropEscalationReason:  string(d.Reason),
		ingest.PropEscalationMessage: d.Message,
	}
	if t.Scores != nil {
		props[ingest.PropConfidence] = d.Confidence
		props[ingest.PropFeedback] = t.Scores.Feedback
	}
	if _, err := o.upsert(ctx, t.PullRequestID, props); err != nil {
		return nil, fmt.Errorf("failed to record escalation of %s: %w", t.PullRequestID, err)
	}

	t.To = StateEscalated
	t.Decision = d
	return o.finish(ctx, t), nil
}

// upsert writes a PullRequest node while holding its node lock, so an
// ingested event for the same pull request cannot interleave.
func (o *Orchestrator) upsert(ctx context.Context, id string, props models.Properties) (*models.Node, error) {
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.store.UpsertNode(ctx, id, models.NodeTypePullRequest, props)
}

func (o *Orchestrator) finish(ctx context.Context, t *Transition) *Transition {
	t.At = time.Now().UTC()
	if t.Decision.Reason != "" {
		log.Printf("[Review] %s %s -> %s (%s: %s)", t.PullRequestID, t.From, t.To, t.Decision.Reason, t.Decision.Message)
	} else {
		log.Printf("[Review] %s %s -> %s (confidence %.2f)", t.PullRequestID, t.From, t.To, t.Decision.Confidence)
	}
	if o.notifier != nil {
		o.notifier.Notify(ctx, t)
	}
	return t
}

func (o *Orchestrator) emit(ctx context.Context, ev *messages.LifecycleEvent) {
	if o.sink == nil || ev == nil {
		return
	}
	if err := o.sink.Emit(ctx, ev); err != nil {
		log.Printf("[Review] Warning: failed to emit %s: %v", ev.Key(), err)
	}
}

func (o *Orchestrator) lifecycleEvent(pr *models.Node, action messages.Action, files []string, linked int) *messages.LifecycleEvent {
	number := pr.Properties.Int(models.PropNumber, 0)
	if number <= 0 {
		return nil
	}
	return &messages.LifecycleEvent{
		EntityType:   messages.EntityPullRequest,
		Action:       action,
		Number:       number,
		Title:        pr.Properties.String(models.PropTitle, ""),
		Body:         pr.Properties.String(models.PropBody, ""),
		URL:          pr.Properties.String(models.PropURL, ""),
		ChangedFiles: files,
		LinkedIssue:  linked,
		Source:       EventSource,
	}
}

func (o *Orchestrator) issueTitle(cs *chainState) string {
	if cs.issue != nil {
		if title := cs.issue.Properties.String(models.PropTitle, ""); title != "" {
			return title
		}
	}
	return fmt.Sprintf("Issue #%d", cs.issueNumber)
}

func issueContext(cs *chainState) string {
	if cs.issue == nil {
		return cs.issueID
	}
	title := cs.issue.Properties.String(models.PropTitle, "")
	body := cs.issue.Properties.String(models.PropBody, "")
	return strings.TrimSpace(fmt.Sprintf("#%d %s\n\n%s", cs.issueNumber, title, body))
}

func issueNumber(issueID string) int {
	_, key, err := models.ParseNodeID(issueID)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return 0
	}
	return n
}
