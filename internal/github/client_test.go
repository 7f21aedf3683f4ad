package github

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/config"
)

type call struct {
	bin  string
	env  []string
	args []string
}

type fakeGH struct {
	mu     sync.Mutex
	calls  []call
	output map[string]string // keyed by "<noun> <verb>"
	err    error
}

func (f *fakeGH) run(_ context.Context, bin string, env []string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{bin: bin, env: env, args: args})
	if f.err != nil {
		return []byte("boom"), f.err
	}
	if len(args) >= 2 {
		return []byte(f.output[args[0]+" "+args[1]]), nil
	}
	return nil, nil
}

func newFakeClient(cfg config.GitHubConfig) (*Client, *fakeGH) {
	fake := &fakeGH{output: map[string]string{}}
	c := FromConfig(cfg, "secret")
	c.run = fake.run
	return c, fake
}

func TestClient_ScopesToRepoAndToken(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{Repo: "keboola/docs", GHPath: "/usr/bin/gh"})

	require.NoError(t, c.CommentOnIssue(context.Background(), 69, "hello"))

	require.Len(t, fake.calls, 1)
	got := fake.calls[0]
	assert.Equal(t, "/usr/bin/gh", got.bin)
	assert.Equal(t, []string{"GH_TOKEN=secret"}, got.env)
	assert.Equal(t, []string{"issue", "comment", "69", "--body", "hello", "--repo", "keboola/docs"}, got.args)
}

func TestClient_ListPRFiles(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{Repo: "keboola/docs"})
	fake.output["pr view"] = `{"files":[{"path":"docs/stack.md"},{"path":"README.md"}]}`

	files, err := c.ListPRFiles(context.Background(), 70)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/stack.md", "README.md"}, files)
}

func TestClient_GetPR(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{})
	fake.output["pr view"] = `{"number":70,"title":"Fix stack URL","body":"Fixes #69","state":"OPEN",
		"author":{"login":"bot"},"labels":[{"name":"docs"}],"headRefName":"fix-69",
		"files":[{"path":"docs/stack.md"}],"createdAt":"2024-05-01T10:00:00Z"}`

	pr, err := c.GetPR(context.Background(), 70)
	require.NoError(t, err)
	assert.Equal(t, 70, pr.Number)
	assert.Equal(t, "bot", pr.Author)
	assert.Equal(t, []string{"docs"}, pr.Labels)
	assert.Equal(t, []string{"docs/stack.md"}, pr.Files)
	assert.Equal(t, "fix-69", pr.HeadRef)
	assert.Equal(t, 2024, pr.CreatedAt.Year())
}

func TestClient_CreatePRParsesNumber(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{Repo: "keboola/docs"})
	fake.output["pr create"] = "Creating pull request for fix-69 into main\n\nhttps://github.com/keboola/docs/pull/71\n"

	opened, err := c.CreatePR(context.Background(), review.PullRequestSpec{
		Title: "Fix stack URL", Body: "Fixes #69", Branch: "fix-69",
	})
	require.NoError(t, err)
	assert.Equal(t, 71, opened.Number)
	assert.Equal(t, "https://github.com/keboola/docs/pull/71", opened.URL)
	assert.Contains(t, fake.calls[0].args, "--head")
}

func TestClient_CreatePRWithoutURL(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{})
	fake.output["pr create"] = "something unexpected"

	_, err := c.CreatePR(context.Background(), review.PullRequestSpec{Title: "t", Branch: "b"})
	assert.Error(t, err)

	_, err = c.CreatePR(context.Background(), review.PullRequestSpec{Title: "t"})
	assert.Error(t, err)
}

func TestClient_MutationsArgs(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{})
	ctx := context.Background()

	require.NoError(t, c.MergePR(ctx, 70))
	require.NoError(t, c.ClosePR(ctx, 70, "superseded by #71"))
	require.NoError(t, c.CloseIssue(ctx, 69, ""))
	require.NoError(t, c.AddLabels(ctx, 72, "needs-human-review", "iteration-cap-exhausted"))
	require.NoError(t, c.AddLabels(ctx, 72))

	require.Len(t, fake.calls, 4)
	assert.Equal(t, []string{"pr", "merge", "70", "--squash", "--delete-branch"}, fake.calls[0].args)
	assert.Equal(t, []string{"pr", "close", "70", "--comment", "superseded by #71"}, fake.calls[1].args)
	assert.Equal(t, []string{"issue", "close", "69"}, fake.calls[2].args)
	assert.Equal(t, []string{"issue", "edit", "72", "--add-label", "needs-human-review,iteration-cap-exhausted"}, fake.calls[3].args)
}

func TestClient_DryRunSkipsMutations(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{DryRun: true})
	fake.output["pr diff"] = "diff --git a/docs/stack.md b/docs/stack.md"
	ctx := context.Background()

	require.NoError(t, c.MergePR(ctx, 70))
	require.NoError(t, c.CommentOnIssue(ctx, 69, "x"))
	_, err := c.CreatePR(ctx, review.PullRequestSpec{Title: "t", Branch: "b"})
	require.NoError(t, err)
	assert.Empty(t, fake.calls)

	diff, err := c.PRDiff(ctx, 70)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(diff, "diff --git"))
	assert.Len(t, fake.calls, 1)
}

func TestClient_ErrorIncludesOutput(t *testing.T) {
	c, fake := newFakeClient(config.GitHubConfig{})
	fake.err = errors.New("exit status 1")

	_, err := c.PRDiff(context.Background(), 70)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gh pr diff 70")
	assert.Contains(t, err.Error(), "boom")
}
