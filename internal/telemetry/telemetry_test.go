package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/keboola/docloop/pkg/config"
)

func TestFromConfig_Disabled(t *testing.T) {
	shutdown, err := FromConfig(context.Background(), config.TelemetryConfig{Enabled: false, Endpoint: "localhost:4317"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown returned %v", err)
	}
}

func TestRecordersWithoutInit(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	// must not panic before InitTelemetry
	RecordEventIngested(ctx, "Issue", "created")
	RecordReviewStep(ctx, "MERGED", time.Millisecond)
	RecordImpactQuery(ctx, time.Millisecond)
}

func TestInitMetrics(t *testing.T) {
	if err := initMetrics(); err != nil {
		t.Fatalf("initMetrics: %v", err)
	}
	RecordReviewStep(context.Background(), "ESCALATED", 3*time.Millisecond)
	RecordEventIngested(context.Background(), "PullRequest", "merged")
}
