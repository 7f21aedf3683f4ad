package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/impact"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/config"
	"github.com/keboola/docloop/pkg/messages"
	"github.com/keboola/docloop/pkg/models"
)

const storageDoc = "docs/keboola/02-storage-api.md"

type harness struct {
	store     *graph.MemoryStore
	ingestor  *ingest.Ingestor
	reviewer  *mockReviewer
	generator *mockGenerator
	forge     *mockForge
	sink      *recordingSink
	notifier  *recordingNotifier
	orch      *Orchestrator
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		store:     graph.NewMemoryStore(),
		reviewer:  &mockReviewer{},
		generator: &mockGenerator{files: []string{storageDoc}},
		forge:     newMockForge(),
		notifier:  &recordingNotifier{},
	}
	locks := graph.NewKeyedMutex()
	ingestOpts := ingest.OptionsFromConfig(config.DefaultConfig().Graph)
	ingestOpts.Locks = locks
	h.ingestor = ingest.New(h.store, ingestOpts)
	h.sink = &recordingSink{next: EventSinkFunc(func(ctx context.Context, ev *messages.LifecycleEvent) error {
		_, err := h.ingestor.Ingest(ctx, ev)
		return err
	})}
	h.orch = New(h.store, h.reviewer, h.generator, h.forge, Options{
		Policy:   policy,
		Sink:     h.sink,
		Notifier: h.notifier,
		Locks:    locks,
	})

	ctx := context.Background()
	_, err := h.ingestor.Ingest(ctx, &messages.LifecycleEvent{
		EntityType: messages.EntityIssue,
		Action:     messages.ActionCreated,
		Number:     69,
		Title:      "missing pagination docs",
		Body:       "The Storage API page does not explain pagination.",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) openPR(t *testing.T, number int, files ...string) string {
	t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), &messages.LifecycleEvent{
		EntityType:   messages.EntityPullRequest,
		Action:       messages.ActionCreated,
		Number:       number,
		Title:        "Document storage pagination",
		Body:         "Fixes #69",
		ChangedFiles: files,
	})
	require.NoError(t, err)
	require.True(t, res.NewReview)
	return res.NodeID
}

func (h *harness) node(t *testing.T, id string) *models.Node {
	t.Helper()
	n, err := h.store.GetNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestRun_MergeScenario(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()

	_, err := h.ingestor.RegisterSkill(ctx, ingest.SkillSpec{
		Platform: "claude",
		Path:     "skills/claude/storage.md",
		Sources:  []string{storageDoc},
	})
	require.NoError(t, err)

	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.95, Relevance: 0.88, Quality: 0.91}}

	transitions, err := h.orch.Run(ctx, prID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)

	tr := transitions[0]
	assert.Equal(t, StatePendingReview, tr.From)
	assert.Equal(t, StateMerged, tr.To)
	assert.Equal(t, VerdictMerge, tr.Decision.Verdict)
	assert.InDelta(t, 0.9225, tr.Decision.Confidence, 1e-9)

	assert.Equal(t, []int{70}, h.forge.merged)
	assert.Equal(t, []int{69}, h.forge.closedIssues)

	pr := h.node(t, prID)
	assert.Equal(t, string(StateMerged), pr.Properties.String(ingest.PropReviewState, ""))
	assert.Equal(t, models.StatusMerged, pr.Properties.String(models.PropStatus, ""))

	issue := h.node(t, "Issue:69")
	assert.Equal(t, models.StatusClosed, issue.Properties.String(models.PropStatus, ""))

	edges, err := h.store.EdgesFrom(ctx, "Issue:69")
	require.NoError(t, err)
	found := false
	for _, e := range edges {
		if e.Relationship == models.RelFixedBy && e.ToID == prID {
			found = true
		}
	}
	assert.True(t, found, "merge event should be re-ingested as FIXED_BY")

	require.Len(t, h.sink.events, 1)
	assert.Equal(t, messages.ActionMerged, h.sink.events[0].Action)

	deps, err := impact.NewAnalyzer(h.store, impact.Options{}).FindDependents(ctx, models.DocumentID(storageDoc))
	require.NoError(t, err)
	assert.Contains(t, deps, "Skill:claude/skills/claude/storage.md")

	require.Len(t, h.notifier.transitions, 1)
}

func TestRun_IterationBound(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()

	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.85, Relevance: 0.55, Quality: 0.55, Feedback: "Add an example."}}

	transitions, err := h.orch.Run(ctx, prID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)

	assert.Equal(t, StateIterating, transitions[0].To)
	assert.Equal(t, "PullRequest:71", transitions[0].NextPullRequestID)
	assert.Equal(t, StateIterating, transitions[1].To)
	assert.Equal(t, "PullRequest:72", transitions[1].NextPullRequestID)
	assert.Equal(t, StateEscalated, transitions[2].To)
	assert.Equal(t, ReasonIterationCap, transitions[2].Decision.Reason)

	for i, tr := range transitions {
		assert.Equal(t, i, tr.Iteration)
	}
	assert.Equal(t, 2, h.generator.calls(), "no generation attempt past the cap")
	assert.Equal(t, 3, h.reviewer.calls())
	assert.Empty(t, h.forge.merged)
	assert.Equal(t, []int{70, 71}, h.forge.closedPRs)
	assert.ElementsMatch(t, []string{"needs-human-review", "iteration-cap-exhausted"}, h.forge.labels[72])

	first := h.node(t, "PullRequest:70")
	assert.Equal(t, string(StateIterating), first.Properties.String(ingest.PropReviewState, ""))
	assert.Equal(t, "PullRequest:71", first.Properties.String(ingest.PropSupersededBy, ""))
	assert.Equal(t, models.StatusClosed, first.Properties.String(models.PropStatus, ""))

	last := h.node(t, "PullRequest:72")
	assert.Equal(t, 2, last.Properties.Int(ingest.PropIteration, -1))
	assert.Equal(t, "PullRequest:71", last.Properties.String(ingest.PropPreviousPR, ""))
	assert.Equal(t, string(ReasonIterationCap), last.Properties.String(ingest.PropEscalationReason, ""))

	// feedback went to the issue twice, carrying the reviewer's text
	require.Len(t, h.forge.comments[69], 2)
	assert.Contains(t, h.forge.comments[69][0], "Add an example.")
	assert.Equal(t, h.forge.comments[69][0], h.generator.requests[0].Feedback)
	assert.Equal(t, h.forge.diff, h.generator.requests[0].PreviousPatch)

	// the re-ingested PRs kept their chain properties and document links
	edges, err := h.store.EdgesFrom(ctx, "PullRequest:71")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Equal(t, models.RelModifies, edges[0].Relationship)

	_, err = h.orch.Step(ctx, "PullRequest:70")
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = h.orch.Step(ctx, "PullRequest:72")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestStep_MergeGate(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc, "src/main.go")
	h.reviewer.scores = []Scores{{Safety: 0.95, Relevance: 0.95, Quality: 0.95}}

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, tr.To)
	assert.Equal(t, ReasonDisallowedPath, tr.Decision.Reason)
	assert.Equal(t, []string{"src/main.go"}, tr.Decision.Disallowed)
	assert.Empty(t, h.forge.merged)
	assert.Equal(t, []string{"needs-human-review"}, h.forge.labels[70])
}

func TestStep_SafetyFloor(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.7, Relevance: 1, Quality: 1}}

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, ReasonSafetyFloor, tr.Decision.Reason)
	assert.Empty(t, h.forge.merged)
	assert.Zero(t, h.generator.calls())
}

func TestStep_LowConfidence(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.85, Relevance: 0.1, Quality: 0.1}}

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, tr.To)
	assert.Equal(t, ReasonLowConfidence, tr.Decision.Reason)
	assert.Zero(t, h.generator.calls())

	pr := h.node(t, prID)
	assert.Equal(t, string(VerdictNeedsReview), pr.Properties.String(ingest.PropVerdict, ""))
	assert.NotEmpty(t, pr.Properties.String(ingest.PropEscalationMessage, ""))
}

func TestStep_ReviewerFailures(t *testing.T) {
	tests := []struct {
		name     string
		reviewer *mockReviewer
		timeout  time.Duration
	}{
		{"error", &mockReviewer{err: errors.New("connection refused")}, 0},
		{"timeout", &mockReviewer{block: true}, 20 * time.Millisecond},
		{"empty response", &mockReviewer{}, 0},
		{"out of range", &mockReviewer{scores: []Scores{{Safety: 1.2, Relevance: 1, Quality: 1}}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.ReviewerTimeout = tt.timeout
			h := newHarness(t, policy)
			h.reviewer = tt.reviewer
			h.orch.reviewer = tt.reviewer
			prID := h.openPR(t, 70, storageDoc)

			tr, err := h.orch.Step(context.Background(), prID)
			require.NoError(t, err)
			assert.Equal(t, StateEscalated, tr.To)
			assert.Equal(t, ReasonReviewerUnavailable, tr.Decision.Reason)
			assert.Nil(t, tr.Scores)
			assert.Empty(t, h.forge.merged)
			assert.Zero(t, h.generator.calls())
		})
	}
}

func TestStep_GeneratorFailure(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.85, Relevance: 0.55, Quality: 0.55}}
	h.generator.err = errors.New("model overloaded")

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, tr.To)
	assert.Equal(t, ReasonGeneratorUnavailable, tr.Decision.Reason)
	assert.InDelta(t, 0.70, tr.Decision.Confidence, 1e-9)
	assert.Empty(t, h.forge.created)
	assert.Empty(t, h.forge.closedPRs)
}

func TestStep_MergeFailure(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.95, Relevance: 0.95, Quality: 0.95}}
	h.forge.mergeErr = errors.New("merge conflict")

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, tr.To)
	assert.Equal(t, ReasonMergeFailed, tr.Decision.Reason)
	assert.Empty(t, h.forge.closedIssues)
	assert.Empty(t, h.sink.events)
}

func TestStep_IssueClosedCancels(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	prID := h.openPR(t, 70, storageDoc)

	_, err := h.ingestor.Ingest(ctx, &messages.LifecycleEvent{
		EntityType: messages.EntityIssue,
		Action:     messages.ActionClosed,
		Number:     69,
		Title:      "missing pagination docs",
	})
	require.NoError(t, err)

	tr, err := h.orch.Step(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, tr.To)
	assert.Equal(t, ReasonCancelled, tr.Decision.Reason)
	assert.Zero(t, h.reviewer.calls())
}

func TestStep_UnlinkedPullRequest(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	_, err := h.ingestor.Ingest(ctx, &messages.LifecycleEvent{
		EntityType: messages.EntityPullRequest,
		Action:     messages.ActionCreated,
		Number:     80,
		Title:      "Typo",
	})
	require.NoError(t, err)

	tr, err := h.orch.Step(ctx, "PullRequest:80")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnlinkedIssue, tr.Decision.Reason)
	assert.Zero(t, h.reviewer.calls())
}

func TestStep_FilesFromForge(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70)
	h.forge.files[70] = []string{"README.md"}
	h.reviewer.scores = []Scores{{Safety: 0.95, Relevance: 0.95, Quality: 0.95}}

	tr, err := h.orch.Step(context.Background(), prID)
	require.NoError(t, err)
	assert.Equal(t, ReasonDisallowedPath, tr.Decision.Reason)
	assert.Equal(t, []string{"README.md"}, h.reviewer.requests[0].ChangedFiles)
}

func TestStep_CancelledContextLeavesPending(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.Step(ctx, prID)
	assert.ErrorIs(t, err, context.Canceled)

	pr := h.node(t, prID)
	assert.Equal(t, string(StatePendingReview), pr.Properties.String(ingest.PropReviewState, ""))
}

func TestStep_NotFoundAndWrongType(t *testing.T) {
	h := newHarness(t, DefaultPolicy())

	_, err := h.orch.Step(context.Background(), "PullRequest:404")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = h.orch.Step(context.Background(), "Issue:69")
	assert.ErrorIs(t, err, graph.ErrInvalidType)
}

func TestStep_ConcurrentStepsEvaluateOnce(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	prID := h.openPR(t, 70, storageDoc)
	h.reviewer.scores = []Scores{{Safety: 0.95, Relevance: 0.95, Quality: 0.95}}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Step(context.Background(), prID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrTerminal)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.reviewer.calls())
	assert.Equal(t, []int{70}, h.forge.merged)
}

func TestPending(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	ctx := context.Background()
	h.openPR(t, 70, storageDoc)
	time.Sleep(2 * time.Millisecond)
	h.openPR(t, 71, storageDoc)

	pending, err := h.orch.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"PullRequest:70", "PullRequest:71"}, pending)

	h.reviewer.scores = []Scores{{Safety: 0.1, Relevance: 0.1, Quality: 0.1}}
	_, err = h.orch.Step(ctx, "PullRequest:70")
	require.NoError(t, err)

	pending, err = h.orch.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"PullRequest:71"}, pending)
}

// readHookStore runs onRead after the first read of target.
type readHookStore struct {
	graph.Store
	target string
	once   sync.Once
	onRead func()
}

func (s *readHookStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	n, err := s.Store.GetNode(ctx, id)
	if id == s.target {
		s.once.Do(s.onRead)
	}
	return n, err
}

func TestOrchestrator_NodeWritesSerialiseWithIngest(t *testing.T) {
	ctx := context.Background()
	mem := graph.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	locks := graph.NewKeyedMutex()

	const prID = "PullRequest:71"
	var orch *Orchestrator
	written := make(chan struct{})
	store := &readHookStore{Store: mem, target: prID}
	store.onRead = func() {
		// the orchestrator opens the next iteration while the ingestor is
		// between its read and its write of the same pull request
		go func() {
			defer close(written)
			_, err := orch.upsert(ctx, prID, models.Properties{
				models.PropNumber:      71,
				models.PropStatus:      models.StatusOpen,
				ingest.PropIssueID:     "Issue:69",
				ingest.PropIteration:   1,
				ingest.PropReviewState: string(StatePendingReview),
				ingest.PropPreviousPR:  "PullRequest:70",
			})
			assert.NoError(t, err)
		}()
		select {
		case <-written:
		case <-time.After(50 * time.Millisecond):
		}
	}

	ingestOpts := ingest.OptionsFromConfig(config.DefaultConfig().Graph)
	ingestOpts.Locks = locks
	ing := ingest.New(store, ingestOpts)
	orch = New(store, &mockReviewer{}, &mockGenerator{}, newMockForge(), Options{
		Policy: DefaultPolicy(),
		Locks:  locks,
	})

	_, err := ing.Ingest(ctx, &messages.LifecycleEvent{
		EntityType: messages.EntityPullRequest,
		Action:     messages.ActionCreated,
		Number:     71,
		Title:      "Document storage pagination (iteration 1)",
		Body:       "Fixes #69",
	})
	require.NoError(t, err)
	<-written

	pr, err := mem.GetNode(ctx, prID)
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Properties.Int(ingest.PropIteration, -1))
	assert.Equal(t, "PullRequest:70", pr.Properties.String(ingest.PropPreviousPR, ""))
	assert.Equal(t, string(StatePendingReview), pr.Properties.String(ingest.PropReviewState, ""))
}
