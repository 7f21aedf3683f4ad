package messages

import (
	"errors"
	"testing"
	"time"
)

func validEvent() *LifecycleEvent {
	return &LifecycleEvent{
		EntityType:   EntityPullRequest,
		Action:       ActionCreated,
		Number:       70,
		Title:        "Add pagination docs",
		Body:         "Fixes #69",
		URL:          "https://github.com/keboola/ai-kit/pull/70",
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ChangedFiles: []string{"docs/keboola/02-storage-api.md"},
	}
}

func TestLifecycleEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *LifecycleEvent)
		wantErr bool
	}{
		{"valid", func(e *LifecycleEvent) {}, false},
		{"valid merged pr", func(e *LifecycleEvent) { e.Action = ActionMerged }, false},
		{"unknown entity", func(e *LifecycleEvent) { e.EntityType = "Commit" }, true},
		{"unknown action", func(e *LifecycleEvent) { e.Action = "deleted" }, true},
		{"zero number", func(e *LifecycleEvent) { e.Number = 0 }, true},
		{"bad url", func(e *LifecycleEvent) { e.URL = "not a url" }, true},
		{"empty url allowed", func(e *LifecycleEvent) { e.URL = "" }, false},
		{"absolute path", func(e *LifecycleEvent) { e.ChangedFiles = []string{"/etc/passwd"} }, true},
		{"parent path", func(e *LifecycleEvent) { e.ChangedFiles = []string{"../secrets.md"} }, true},
		{"unclean path", func(e *LifecycleEvent) { e.ChangedFiles = []string{"docs//a.md"} }, true},
		{"merged issue", func(e *LifecycleEvent) { e.EntityType = EntityIssue; e.Action = ActionMerged }, true},
		{"negative linked issue", func(e *LifecycleEvent) { e.LinkedIssue = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("error should wrap ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestLifecycleEvent_ValidateNil(t *testing.T) {
	var e *LifecycleEvent
	if err := e.Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Validate() on nil = %v", err)
	}
}

func TestLifecycleEvent_Key(t *testing.T) {
	if got := validEvent().Key(); got != "PullRequest#70/created" {
		t.Errorf("Key() = %q", got)
	}
}
