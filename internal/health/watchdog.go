// Package health watches for reviews that stopped making progress.
package health

import (
	"context"
	"log"
	"time"

	"github.com/keboola/docloop/internal/graph"
	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/internal/metrics"
	"github.com/keboola/docloop/internal/review"
	"github.com/keboola/docloop/pkg/models"
)

// ResumeFunc restarts the review chain of a pending pull request
type ResumeFunc func(ctx context.Context, prID string) error

// Report lists the stalled pull requests found by one check
type Report struct {
	// Pending pull requests waited longer than the stale threshold.
	Pending []string `json:"pending"`
	// Orphaned pull requests are ITERATING with no successor recorded.
	Orphaned []string `json:"orphaned"`
	Resumed  int      `json:"resumed"`
}

// Watchdog periodically looks for reviews left behind by a crash or a lost
// event and restarts the ones that can be restarted.
type Watchdog struct {
	store      graph.Store
	resume     ResumeFunc
	metrics    *metrics.Metrics
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewWatchdog creates a Watchdog. resume may be nil, in which case stalled
// reviews are only reported.
func NewWatchdog(store graph.Store, resume ResumeFunc, interval, staleAfter time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watchdog{
		store:      store,
		resume:     resume,
		metrics:    metrics.NewMetrics(),
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start runs checks until ctx is done
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Watchdog] Warning: review check failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Check performs one pass over the pull requests under review
func (w *Watchdog) Check(ctx context.Context) (*Report, error) {
	prs, err := w.store.NodesByType(ctx, models.NodeTypePullRequest)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	cutoff := w.now().Add(-w.staleAfter)
	for _, pr := range prs {
		if pr.Properties.String(ingest.PropIssueID, "") == "" || pr.UpdatedAt.After(cutoff) {
			continue
		}
		switch review.State(pr.Properties.String(ingest.PropReviewState, "")) {
		case review.StatePendingReview:
			report.Pending = append(report.Pending, pr.ID)
		case review.StateIterating:
			if pr.Properties.String(ingest.PropSupersededBy, "") == "" {
				report.Orphaned = append(report.Orphaned, pr.ID)
			}
		}
	}

	w.metrics.ReviewsStalled.WithLabelValues(string(review.StatePendingReview)).Set(float64(len(report.Pending)))
	w.metrics.ReviewsStalled.WithLabelValues(string(review.StateIterating)).Set(float64(len(report.Orphaned)))

	for _, id := range report.Orphaned {
		log.Printf("[Watchdog] Warning: %s is ITERATING without a successor, needs manual attention", id)
	}
	if w.resume != nil {
		for _, id := range report.Pending {
			if err := w.resume(ctx, id); err != nil {
				log.Printf("[Watchdog] Warning: failed to resume %s: %v", id, err)
				continue
			}
			report.Resumed++
		}
	}
	if len(report.Pending)+len(report.Orphaned) > 0 {
		log.Printf("[Watchdog] Found %d stalled pending and %d orphaned reviews, resumed %d",
			len(report.Pending), len(report.Orphaned), report.Resumed)
	}
	return report, nil
}
