// Package github wraps the gh CLI to perform the review loop's side effects
// on GitHub. The gh binary handles token refresh, rate limiting and
// pagination, and emits parseable JSON via --json flags.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/config"
)

var _ review.Forge = (*Client)(nil)

// https://github.com/owner/name/pull/71
var prURLPattern = regexp.MustCompile(`/pull/(\d+)\b`)

// runner executes the gh binary. Tests replace it.
type runner func(ctx context.Context, bin string, env []string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// Client wraps gh CLI commands against a single repository.
type Client struct {
	repo   string
	ghPath string
	token  string // optional; if empty, gh uses its stored credentials
	dryRun bool
	run    runner
}

// NewClient creates a GitHub client for repo (owner/name).
func NewClient(repo, token string) *Client {
	return &Client{repo: repo, ghPath: "gh", token: token, run: execRunner}
}

// FromConfig builds a client from the github configuration section
func FromConfig(cfg config.GitHubConfig, token string) *Client {
	c := NewClient(cfg.Repo, token)
	if cfg.GHPath != "" {
		c.ghPath = cfg.GHPath
	}
	c.dryRun = cfg.DryRun
	return c
}

// gh runs a gh CLI command scoped to the configured repository.
func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	if c.repo != "" {
		args = append(args, "--repo", c.repo)
	}
	var env []string
	if c.token != "" {
		env = append(env, "GH_TOKEN="+c.token)
	}
	out, err := c.run(ctx, c.ghPath, env, args...)
	if err != nil {
		return nil, fmt.Errorf("gh %s: %w\n%s", strings.Join(args, " "), err, string(out))
	}
	return out, nil
}

// mutate runs a command with side effects, or only logs it in dry-run mode.
func (c *Client) mutate(ctx context.Context, args ...string) ([]byte, error) {
	if c.dryRun {
		log.Printf("[GitHub] dry-run: gh %s", strings.Join(args, " "))
		return nil, nil
	}
	return c.gh(ctx, args...)
}

// GetIssue returns a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	out, err := c.gh(ctx, "issue", "view", strconv.Itoa(number),
		"--json", "number,title,body,state,url,author,labels,createdAt")
	if err != nil {
		return nil, err
	}
	var r ghItem
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("parse issue view: %w", err)
	}
	return &Issue{
		Number:    r.Number,
		Title:     r.Title,
		Body:      r.Body,
		State:     r.State,
		URL:       r.URL,
		Author:    r.Author.Login,
		Labels:    r.labelNames(),
		CreatedAt: r.CreatedAt,
	}, nil
}

// GetPR returns a single pull request with its changed files.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(number),
		"--json", "number,title,body,state,url,author,labels,headRefName,baseRefName,files,createdAt")
	if err != nil {
		return nil, err
	}
	var r ghItem
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("parse pr view: %w", err)
	}
	return &PullRequest{
		Number:    r.Number,
		Title:     r.Title,
		Body:      r.Body,
		State:     r.State,
		URL:       r.URL,
		Author:    r.Author.Login,
		Labels:    r.labelNames(),
		HeadRef:   r.HeadRefName,
		BaseRef:   r.BaseRefName,
		Files:     r.filePaths(),
		CreatedAt: r.CreatedAt,
	}, nil
}

// PRDiff returns the unified diff of a pull request.
func (c *Client) PRDiff(ctx context.Context, number int) (string, error) {
	out, err := c.gh(ctx, "pr", "diff", strconv.Itoa(number))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ListPRFiles returns the paths a pull request changes.
func (c *Client) ListPRFiles(ctx context.Context, number int) ([]string, error) {
	out, err := c.gh(ctx, "pr", "view", strconv.Itoa(number), "--json", "files")
	if err != nil {
		return nil, err
	}
	var r ghItem
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("parse pr files: %w", err)
	}
	return r.filePaths(), nil
}

// MergePR squash-merges a pull request and deletes its branch.
func (c *Client) MergePR(ctx context.Context, number int) error {
	_, err := c.mutate(ctx, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	return err
}

// ClosePR closes a pull request, optionally with a comment.
func (c *Client) ClosePR(ctx context.Context, number int, comment string) error {
	args := []string{"pr", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := c.mutate(ctx, args...)
	return err
}

// CreatePR opens a pull request from spec.Branch. gh prints the new pull
// request URL, from which the number is parsed.
func (c *Client) CreatePR(ctx context.Context, spec review.PullRequestSpec) (*review.OpenedPullRequest, error) {
	if spec.Branch == "" {
		return nil, fmt.Errorf("create pr: branch is required")
	}
	args := []string{"pr", "create",
		"--title", spec.Title,
		"--body", spec.Body,
		"--head", spec.Branch,
	}
	if c.dryRun {
		log.Printf("[GitHub] dry-run: gh %s", strings.Join(args, " "))
		return &review.OpenedPullRequest{}, nil
	}
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseCreatedPR(string(out))
}

func parseCreatedPR(out string) (*review.OpenedPullRequest, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		m := prURLPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return &review.OpenedPullRequest{Number: n, URL: line}, nil
	}
	return nil, fmt.Errorf("parse create pr: no pull request URL in %q", out)
}

// CloseIssue closes an issue, optionally with a comment.
func (c *Client) CloseIssue(ctx context.Context, number int, comment string) error {
	args := []string{"issue", "close", strconv.Itoa(number)}
	if comment != "" {
		args = append(args, "--comment", comment)
	}
	_, err := c.mutate(ctx, args...)
	return err
}

// CommentOnIssue adds a comment to an issue.
func (c *Client) CommentOnIssue(ctx context.Context, number int, body string) error {
	_, err := c.mutate(ctx, "issue", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// AddLabels adds labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, number int, labels ...string) error {
	if len(labels) == 0 {
		return nil
	}
	_, err := c.mutate(ctx, "issue", "edit", strconv.Itoa(number), "--add-label", strings.Join(labels, ","))
	return err
}
