package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/models"
)

func putPR(t *testing.T, store graph.Store, n int, props models.Properties) {
	t.Helper()
	props[models.PropNumber] = n
	props[models.PropStatus] = models.StatusOpen
	_, err := store.UpsertNode(context.Background(), models.PullRequestID(n), models.NodeTypePullRequest, props)
	require.NoError(t, err)
}

func TestWatchdog_Check(t *testing.T) {
	store := graph.NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return t0 })

	putPR(t, store, 1, models.Properties{ingest.PropIssueID: "Issue:1", ingest.PropReviewState: "PENDING_REVIEW"})
	putPR(t, store, 2, models.Properties{ingest.PropIssueID: "Issue:2", ingest.PropReviewState: "ITERATING"})
	putPR(t, store, 3, models.Properties{ingest.PropIssueID: "Issue:3", ingest.PropReviewState: "ITERATING", ingest.PropSupersededBy: "PullRequest:4"})
	putPR(t, store, 5, models.Properties{ingest.PropReviewState: "PENDING_REVIEW"})
	putPR(t, store, 6, models.Properties{ingest.PropIssueID: "Issue:6", ingest.PropReviewState: "MERGED"})

	// Updated recently, not stale yet.
	store.SetClock(func() time.Time { return t0.Add(50 * time.Minute) })
	putPR(t, store, 7, models.Properties{ingest.PropIssueID: "Issue:7", ingest.PropReviewState: "PENDING_REVIEW"})

	var resumed []string
	w := NewWatchdog(store, func(_ context.Context, id string) error {
		resumed = append(resumed, id)
		return nil
	}, time.Minute, 30*time.Minute)
	w.now = func() time.Time { return t0.Add(time.Hour) }

	report, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"PullRequest:1"}, report.Pending)
	assert.Equal(t, []string{"PullRequest:2"}, report.Orphaned)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, []string{"PullRequest:1"}, resumed)
}

func TestWatchdog_ResumeFailure(t *testing.T) {
	store := graph.NewMemoryStore()
	putPR(t, store, 1, models.Properties{ingest.PropIssueID: "Issue:1", ingest.PropReviewState: "PENDING_REVIEW"})

	w := NewWatchdog(store, func(context.Context, string) error {
		return errors.New("shutting down")
	}, 0, 0)
	w.now = func() time.Time { return time.Now().Add(time.Second) }

	report, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Pending, 1)
	assert.Zero(t, report.Resumed)
}

func TestWatchdog_StartStops(t *testing.T) {
	w := NewWatchdog(graph.NewMemoryStore(), nil, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
