// Package review drives a pull request through automated review: score it,
// then merge, iterate with a regenerated patch, or escalate to a human.
package review

import (
	"context"
	"errors"

	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/messages"
)

var (
	// ErrTerminal is returned when a pull request already reached MERGED or
	// ESCALATED.
	ErrTerminal = errors.New("pull request review is terminal")
	// ErrNotPending is returned for a pull request superseded by a newer
	// iteration.
	ErrNotPending = errors.New("pull request is not pending review")
	// ErrReviewerUnavailable wraps reviewer oracle failures
	ErrReviewerUnavailable = errors.New("reviewer unavailable")
	// ErrGeneratorUnavailable wraps generator oracle failures
	ErrGeneratorUnavailable = errors.New("generator unavailable")
)

// State is the review state stored on a PullRequest node
type State string

const (
	StatePendingReview State = ingest.StatePendingReview
	StateIterating     State = "ITERATING"
	StateMerged        State = "MERGED"
	StateEscalated     State = "ESCALATED"
)

// Terminal reports whether the state can never be re-evaluated
func (s State) Terminal() bool {
	return s == StateMerged || s == StateEscalated
}

// Verdict summarises a review round
type Verdict string

const (
	VerdictMerge          Verdict = "MERGE"
	VerdictRequestChanges Verdict = "REQUEST_CHANGES"
	VerdictNeedsReview    Verdict = "NEEDS_REVIEW"
)

// Reason explains an escalation
type Reason string

const (
	ReasonSafetyFloor          Reason = "safety-floor"
	ReasonDisallowedPath       Reason = "disallowed-path"
	ReasonLowConfidence        Reason = "low-confidence"
	ReasonIterationCap         Reason = "iteration-cap"
	ReasonReviewerUnavailable  Reason = "reviewer-unavailable"
	ReasonGeneratorUnavailable Reason = "generator-unavailable"
	ReasonCancelled            Reason = "cancelled"
	ReasonMergeFailed          Reason = "merge-failed"
	ReasonUnlinkedIssue        Reason = "unlinked-issue"
)

// Scores is a reviewer response. Each score is in [0,1].
type Scores struct {
	Safety    float64 `json:"safety"`
	Relevance float64 `json:"relevance"`
	Quality   float64 `json:"quality"`
	Feedback  string  `json:"feedback,omitempty"`
}

// ReviewRequest is sent to the reviewer oracle
type ReviewRequest struct {
	PullRequestID string   `json:"pull_request_id"`
	IssueID       string   `json:"issue_id"`
	Iteration     int      `json:"iteration"`
	Diff          string   `json:"diff"`
	IssueContext  string   `json:"issue_context"`
	ChangedFiles  []string `json:"changed_files,omitempty"`
}

// Reviewer scores a diff against the issue it claims to fix
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*Scores, error)
}

// GenerateRequest is sent to the generator oracle
type GenerateRequest struct {
	IssueID       string `json:"issue_id"`
	IssueNumber   int    `json:"issue_number"`
	IssueTitle    string `json:"issue_title"`
	IssueBody     string `json:"issue_body"`
	Iteration     int    `json:"iteration"`
	PreviousPatch string `json:"previous_patch,omitempty"`
	Feedback      string `json:"feedback,omitempty"`
}

// Patch is a generator response. The generator pushes Branch; the
// orchestrator opens the pull request.
type Patch struct {
	Description  string   `json:"patch_description"`
	Title        string   `json:"title,omitempty"`
	Branch       string   `json:"branch"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// Generator produces a new patch for an issue
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Patch, error)
}

// PullRequestSpec describes a pull request to open
type PullRequestSpec struct {
	Title  string
	Body   string
	Branch string
}

// OpenedPullRequest identifies a pull request created on the forge
type OpenedPullRequest struct {
	Number int
	URL    string
}

// Forge performs side effects on the code host
type Forge interface {
	PRDiff(ctx context.Context, number int) (string, error)
	ListPRFiles(ctx context.Context, number int) ([]string, error)
	MergePR(ctx context.Context, number int) error
	ClosePR(ctx context.Context, number int, comment string) error
	CreatePR(ctx context.Context, spec PullRequestSpec) (*OpenedPullRequest, error)
	CloseIssue(ctx context.Context, number int, comment string) error
	CommentOnIssue(ctx context.Context, number int, body string) error
	AddLabels(ctx context.Context, number int, labels ...string) error
}

// EventSink receives lifecycle events the orchestrator causes, so the graph
// records them the same way as externally observed events.
type EventSink interface {
	Emit(ctx context.Context, ev *messages.LifecycleEvent) error
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, ev *messages.LifecycleEvent) error

func (f EventSinkFunc) Emit(ctx context.Context, ev *messages.LifecycleEvent) error {
	return f(ctx, ev)
}

// Notifier observes completed transitions
type Notifier interface {
	Notify(ctx context.Context, t *Transition)
}
