package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/config"
)

// Generator calls POST {endpoint}/generate
type Generator struct {
	c *client
}

// NewGenerator creates a generator client
func NewGenerator(cfg config.OracleEndpoint) (*Generator, error) {
	c, err := newClient("generator", cfg)
	if err != nil {
		return nil, err
	}
	return &Generator{c: c}, nil
}

type generateRequest struct {
	Issue struct {
		ID     string `json:"id"`
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Iteration     int    `json:"iteration"`
	PreviousPatch string `json:"previousPatch,omitempty"`
	Feedback      string `json:"feedback,omitempty"`
}

type generateResponse struct {
	PatchDescription string   `json:"patchDescription"`
	Title            string   `json:"title,omitempty"`
	Branch           string   `json:"branch"`
	ChangedFiles     []string `json:"changedFiles,omitempty"`
}

// Generate implements review.Generator
func (g *Generator) Generate(ctx context.Context, req review.GenerateRequest) (*review.Patch, error) {
	var body generateRequest
	body.Issue.ID = req.IssueID
	body.Issue.Number = req.IssueNumber
	body.Issue.Title = req.IssueTitle
	body.Issue.Body = req.IssueBody
	body.Iteration = req.Iteration
	body.PreviousPatch = req.PreviousPatch
	body.Feedback = req.Feedback

	var resp generateResponse
	if err := g.c.postJSON(ctx, "/generate", body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", review.ErrGeneratorUnavailable, err)
	}
	if strings.TrimSpace(resp.PatchDescription) == "" {
		return nil, fmt.Errorf("%w: response has no patch description", review.ErrGeneratorUnavailable)
	}
	if strings.TrimSpace(resp.Branch) == "" {
		return nil, fmt.Errorf("%w: response has no branch", review.ErrGeneratorUnavailable)
	}

	return &review.Patch{
		Description:  resp.PatchDescription,
		Title:        resp.Title,
		Branch:       resp.Branch,
		ChangedFiles: resp.ChangedFiles,
	}, nil
}

var _ review.Generator = (*Generator)(nil)
