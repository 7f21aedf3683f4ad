package messages

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// EntityType is the kind of GitHub entity a lifecycle event describes
type EntityType string

const (
	EntityIssue       EntityType = "Issue"
	EntityPullRequest EntityType = "PullRequest"
)

// Action is the lifecycle transition carried by an event
type Action string

const (
	ActionCreated  Action = "created"
	ActionClosed   Action = "closed"
	ActionMerged   Action = "merged"
	ActionReopened Action = "reopened"
)

// ErrInvalidEvent is returned when a lifecycle event fails validation
var ErrInvalidEvent = errors.New("invalid lifecycle event")

var lifecycleValidate *validator.Validate

func init() {
	lifecycleValidate = validator.New()
	_ = lifecycleValidate.RegisterValidation("repopath", validateRepoPath)
}

// validateRepoPath accepts clean, relative, slash-separated repository paths.
func validateRepoPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if path.Clean(p) != p {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}

// LifecycleEvent is an issue or pull request transition delivered by the
// webhook layer, the message bus or the review loop itself. Delivery is
// at-least-once; ingestion is idempotent.
type LifecycleEvent struct {
	ID           string     `json:"id,omitempty"`
	EntityType   EntityType `json:"entity_type" validate:"required,oneof=Issue PullRequest"`
	Action       Action     `json:"action" validate:"required,oneof=created closed merged reopened"`
	Number       int        `json:"number" validate:"required,gt=0"`
	Title        string     `json:"title" validate:"max=1024"`
	Body         string     `json:"body"`
	URL          string     `json:"url,omitempty" validate:"omitempty,url"`
	CreatedAt    time.Time  `json:"created_at"`
	ChangedFiles []string   `json:"changed_files,omitempty" validate:"omitempty,dive,repopath"`
	Labels       []string   `json:"labels,omitempty" validate:"omitempty,dive,required"`
	// LinkedIssue names the issue a pull request fixes when the body does not.
	LinkedIssue int    `json:"linked_issue,omitempty" validate:"gte=0"`
	Source      string `json:"source,omitempty"`
}

// Validate checks field constraints and the entity/action combination
func (e *LifecycleEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := lifecycleValidate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Action == ActionMerged && e.EntityType != EntityPullRequest {
		return fmt.Errorf("%w: only pull requests can be merged", ErrInvalidEvent)
	}
	return nil
}

// Key returns a short description used in log lines
func (e *LifecycleEvent) Key() string {
	return fmt.Sprintf("%s#%d/%s", e.EntityType, e.Number, e.Action)
}
