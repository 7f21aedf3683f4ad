package review

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keboola/docloop/pkg/messages"
)

type mockReviewer struct {
	mu       sync.Mutex
	scores   []Scores
	err      error
	block    bool
	requests []ReviewRequest
}

func (m *mockReviewer) Review(ctx context.Context, req ReviewRequest) (*Scores, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	if len(m.scores) == 0 {
		return nil, nil
	}
	idx := n - 1
	if idx >= len(m.scores) {
		idx = len(m.scores) - 1
	}
	s := m.scores[idx]
	return &s, nil
}

func (m *mockReviewer) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockGenerator struct {
	mu       sync.Mutex
	err      error
	files    []string
	requests []GenerateRequest
}

func (m *mockGenerator) Generate(_ context.Context, req GenerateRequest) (*Patch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &Patch{
		Description:  fmt.Sprintf("Regenerated docs for #%d", req.IssueNumber),
		Branch:       fmt.Sprintf("docloop/issue-%d-iter-%d", req.IssueNumber, req.Iteration),
		ChangedFiles: m.files,
	}, nil
}

func (m *mockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockForge struct {
	mu           sync.Mutex
	diff         string
	files        map[int][]string
	mergeErr     error
	createErr    error
	nextPR       int
	merged       []int
	closedPRs    []int
	closedIssues []int
	created      []PullRequestSpec
	comments     map[int][]string
	labels       map[int][]string
}

func newMockForge() *mockForge {
	return &mockForge{
		diff:     "--- a/docs/keboola/02-storage-api.md\n+++ b/docs/keboola/02-storage-api.md\n",
		files:    make(map[int][]string),
		nextPR:   71,
		comments: make(map[int][]string),
		labels:   make(map[int][]string),
	}
}

func (m *mockForge) PRDiff(_ context.Context, number int) (string, error) {
	return m.diff, nil
}

func (m *mockForge) ListPRFiles(_ context.Context, number int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.files[number]
	if !ok {
		return nil, errors.New("no such pull request")
	}
	return files, nil
}

func (m *mockForge) MergePR(_ context.Context, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mergeErr != nil {
		return m.mergeErr
	}
	m.merged = append(m.merged, number)
	return nil
}

func (m *mockForge) ClosePR(_ context.Context, number int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedPRs = append(m.closedPRs, number)
	return nil
}

func (m *mockForge) CreatePR(_ context.Context, spec PullRequestSpec) (*OpenedPullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, spec)
	n := m.nextPR
	m.nextPR++
	return &OpenedPullRequest{Number: n, URL: fmt.Sprintf("https://github.com/keboola/docs/pull/%d", n)}, nil
}

func (m *mockForge) CloseIssue(_ context.Context, number int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedIssues = append(m.closedIssues, number)
	return nil
}

func (m *mockForge) CommentOnIssue(_ context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[number] = append(m.comments[number], body)
	return nil
}

func (m *mockForge) AddLabels(_ context.Context, number int, labels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[number] = append(m.labels[number], labels...)
	return nil
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []*Transition
}

func (r *recordingNotifier) Notify(_ context.Context, t *Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*messages.LifecycleEvent
	next   EventSink
}

func (r *recordingSink) Emit(ctx context.Context, ev *messages.LifecycleEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.next != nil {
		return r.next.Emit(ctx, ev)
	}
	return nil
}
