package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/docloop/pkg/messages"
)

const webhookSource = "github-webhook"

// GitHubWebhookPayload is the subset of an issues or pull_request delivery
// that lifecycle ingestion uses
type GitHubWebhookPayload struct {
	Action      string             `json:"action"`
	Issue       *GitHubIssue       `json:"issue,omitempty"`
	PullRequest *GitHubPullRequest `json:"pull_request,omitempty"`
	Repository  *GitHubRepository  `json:"repository,omitempty"`
}

// GitHubIssue represents a GitHub issue
type GitHubIssue struct {
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	State     string        `json:"state"`
	URL       string        `json:"html_url"`
	Labels    []GitHubLabel `json:"labels,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	// PullRequest is set when the issue is really a pull request
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// GitHubPullRequest represents a GitHub pull request
type GitHubPullRequest struct {
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	State     string        `json:"state"`
	URL       string        `json:"html_url"`
	Labels    []GitHubLabel `json:"labels,omitempty"`
	Merged    bool          `json:"merged"`
	CreatedAt time.Time     `json:"created_at"`
}

// GitHubRepository represents a GitHub repository
type GitHubRepository struct {
	FullName string `json:"full_name"`
}

// GitHubLabel represents a GitHub label
type GitHubLabel struct {
	Name string `json:"name"`
}

// handleGitHubWebhook handles POST /api/v1/webhooks/github. Issue and pull
// request deliveries become lifecycle events; everything else is
// acknowledged and ignored.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	if s.config.Security.WebhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if !verifyGitHubSignature(body, signature, s.config.Security.WebhookSecret) {
			s.respondError(w, http.StatusUnauthorized, "Invalid webhook signature")
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		s.respondError(w, http.StatusBadRequest, "Missing X-GitHub-Event header")
		return
	}
	if eventType == "ping" {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	var payload GitHubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	ev := lifecycleFromWebhook(eventType, &payload)
	if ev == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	ev.ID = r.Header.Get("X-GitHub-Delivery")
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	if ev.EntityType == messages.EntityPullRequest &&
		(ev.Action == messages.ActionCreated || ev.Action == messages.ActionMerged) {
		files, err := s.app.PullRequestFiles(r.Context(), ev.Number)
		if err != nil {
			log.Printf("[Webhook] Warning: failed to list files of PR #%d: %v", ev.Number, err)
		} else {
			ev.ChangedFiles = files
		}
	}

	if err := s.app.Submit(r.Context(), ev); err != nil {
		s.respondErr(w, err)
		return
	}
	log.Printf("[Webhook] Queued %s (delivery %s)", ev.Key(), ev.ID)
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"event":  ev,
	})
}

// lifecycleFromWebhook maps a delivery onto a lifecycle event, or nil when
// the delivery carries no lifecycle change
func lifecycleFromWebhook(eventType string, p *GitHubWebhookPayload) *messages.LifecycleEvent {
	switch eventType {
	case "issues":
		if p.Issue == nil || p.Issue.PullRequest != nil {
			return nil
		}
		action, ok := issueAction(p.Action)
		if !ok {
			return nil
		}
		return &messages.LifecycleEvent{
			EntityType: messages.EntityIssue,
			Action:     action,
			Number:     p.Issue.Number,
			Title:      p.Issue.Title,
			Body:       p.Issue.Body,
			URL:        p.Issue.URL,
			CreatedAt:  p.Issue.CreatedAt,
			Labels:     labelNames(p.Issue.Labels),
			Source:     webhookSource,
		}

	case "pull_request":
		if p.PullRequest == nil {
			return nil
		}
		action, ok := pullRequestAction(p.Action, p.PullRequest.Merged)
		if !ok {
			return nil
		}
		return &messages.LifecycleEvent{
			EntityType: messages.EntityPullRequest,
			Action:     action,
			Number:     p.PullRequest.Number,
			Title:      p.PullRequest.Title,
			Body:       p.PullRequest.Body,
			URL:        p.PullRequest.URL,
			CreatedAt:  p.PullRequest.CreatedAt,
			Labels:     labelNames(p.PullRequest.Labels),
			Source:     webhookSource,
		}
	}
	return nil
}

// Edits re-ingest as created, which upserts the node and its references.
func issueAction(action string) (messages.Action, bool) {
	switch action {
	case "opened", "edited":
		return messages.ActionCreated, true
	case "reopened":
		return messages.ActionReopened, true
	case "closed":
		return messages.ActionClosed, true
	}
	return "", false
}

func pullRequestAction(action string, merged bool) (messages.Action, bool) {
	switch action {
	case "opened", "edited", "synchronize", "ready_for_review":
		return messages.ActionCreated, true
	case "reopened":
		return messages.ActionReopened, true
	case "closed":
		if merged {
			return messages.ActionMerged, true
		}
		return messages.ActionClosed, true
	}
	return "", false
}

func labelNames(labels []GitHubLabel) []string {
	var names []string
	for _, l := range labels {
		if name := strings.TrimSpace(l.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// verifyGitHubSignature verifies the HMAC-SHA256 signature of a GitHub webhook
func verifyGitHubSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
