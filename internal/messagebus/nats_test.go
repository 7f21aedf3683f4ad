package messagebus

import (
	"testing"
	"time"

	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if cfg.URL != "" {
		t.Error("URL should default to empty")
	}
	if cfg.StreamName != "" {
		t.Error("StreamName should default to empty")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.NATSConfig{
		URL:        "nats://custom:4222",
		StreamName: "CUSTOM",
		Timeout:    30 * time.Second,
	})
	if cfg.URL != "nats://custom:4222" {
		t.Errorf("got URL %q", cfg.URL)
	}
	if cfg.StreamName != "CUSTOM" {
		t.Errorf("got stream %q", cfg.StreamName)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("got timeout %v", cfg.Timeout)
	}
}

func TestSubjectForEvent(t *testing.T) {
	tests := []struct {
		eventType, want string
	}{
		{messages.TypeSkillsRegenerate, "docloop.regenerate.skills"},
		{messages.TypeReviewTransition, "docloop.events.review.transition"},
		{messages.TypeLifecycleIngested, "docloop.events.lifecycle.ingested"},
		{messages.TypeDocumentChanged, "docloop.events.document.changed"},
	}
	for _, tc := range tests {
		if got := SubjectForEvent(tc.eventType); got != tc.want {
			t.Errorf("SubjectForEvent(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}

func TestSubjectForLifecycle(t *testing.T) {
	if got := SubjectForLifecycle(messages.EntityPullRequest); got != "docloop.lifecycle.pullrequest" {
		t.Errorf("got %q", got)
	}
	if got := SubjectForLifecycle(messages.EntityIssue); got != "docloop.lifecycle.issue" {
		t.Errorf("got %q", got)
	}
}

func TestPrefixConsumer(t *testing.T) {
	mb := &NatsMessageBus{}
	if got := mb.prefixConsumer("lifecycle-intake"); got != "lifecycle-intake" {
		t.Errorf("got %q", got)
	}
	mb.consumerPrefix = "test"
	if got := mb.prefixConsumer("lifecycle-intake"); got != "test-lifecycle-intake" {
		t.Errorf("got %q", got)
	}
}

func TestNewNatsMessageBus_BadURL(t *testing.T) {
	_, err := NewNatsMessageBus(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Error("expected error connecting to nonexistent NATS")
	}
}
