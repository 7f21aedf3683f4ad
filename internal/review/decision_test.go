package review

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/keboola/docloop/pkg/config"
)

func TestPolicy_Confidence(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		scores Scores
		want   float64
	}{
		{Scores{Safety: 0.95, Relevance: 0.88, Quality: 0.91}, 0.9225},
		{Scores{Safety: 0.85, Relevance: 0.55, Quality: 0.55}, 0.70},
		{Scores{Safety: 0.8, Relevance: 0.8, Quality: 0.8}, 0.80},
		{Scores{}, 0},
	}
	for _, tt := range tests {
		if got := p.Confidence(tt.scores); got != tt.want {
			t.Errorf("Confidence(%+v) = %v, want %v", tt.scores, got, tt.want)
		}
	}
}

func TestPolicy_Decide(t *testing.T) {
	p := DefaultPolicy()
	docs := []string{"docs/keboola/02-storage-api.md"}

	tests := []struct {
		name      string
		scores    Scores
		iteration int
		files     []string
		action    Action
		verdict   Verdict
		reason    Reason
	}{
		{"high confidence merges", Scores{0.95, 0.88, 0.91, ""}, 0, docs, ActionMerge, VerdictMerge, ""},
		{"exact merge threshold merges", Scores{0.8, 0.8, 0.8, ""}, 0, docs, ActionMerge, VerdictMerge, ""},
		{"middle band iterates", Scores{0.85, 0.55, 0.55, ""}, 0, docs, ActionIterate, VerdictRequestChanges, ""},
		{"middle band at iteration 1 iterates", Scores{0.85, 0.55, 0.55, ""}, 1, docs, ActionIterate, VerdictRequestChanges, ""},
		{"middle band at cap escalates", Scores{0.85, 0.55, 0.55, ""}, 2, docs, ActionEscalate, VerdictNeedsReview, ReasonIterationCap},
		{"low confidence escalates", Scores{0.85, 0.1, 0.1, ""}, 0, docs, ActionEscalate, VerdictNeedsReview, ReasonLowConfidence},
		{"safety floor beats confidence", Scores{0.79, 1, 1, ""}, 0, docs, ActionEscalate, VerdictNeedsReview, ReasonSafetyFloor},
		{"disallowed path beats confidence", Scores{0.95, 0.95, 0.95, ""}, 0, []string{"docs/a.md", "src/main.go"}, ActionEscalate, VerdictNeedsReview, ReasonDisallowedPath},
		{"skills are allowed", Scores{0.95, 0.95, 0.95, ""}, 0, []string{"skills/claude/storage.md"}, ActionMerge, VerdictMerge, ""},
		{"weak relevance and quality consume an iteration", Scores{0.9, 0.5, 0.5, ""}, 0, docs, ActionIterate, VerdictRequestChanges, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.scores, tt.iteration, tt.files)
			if d.Action != tt.action || d.Verdict != tt.verdict || d.Reason != tt.reason {
				t.Errorf("Decide() = %s/%s/%s, want %s/%s/%s (%s)",
					d.Action, d.Verdict, d.Reason, tt.action, tt.verdict, tt.reason, d.Message)
			}
			if d.Action == ActionEscalate && d.Message == "" {
				t.Error("escalations must carry a message")
			}
		})
	}
}

func TestPolicyFromConfig_ClampsIterations(t *testing.T) {
	cfg := config.DefaultConfig().Review
	cfg.MaxIterations = 5
	p := PolicyFromConfig(cfg)
	if p.MaxIterations != config.MaxReviewIterations {
		t.Fatalf("MaxIterations = %d, want %d", p.MaxIterations, config.MaxReviewIterations)
	}

	d := p.Decide(Scores{Safety: 0.85, Relevance: 0.55, Quality: 0.55}, 2, []string{"docs/a.md"})
	if d.Action != ActionEscalate || d.Reason != ReasonIterationCap {
		t.Errorf("Decide at iteration 2 = %s/%s, want escalate/%s", d.Action, d.Reason, ReasonIterationCap)
	}

	cfg.MaxIterations = -3
	if got := PolicyFromConfig(cfg).MaxIterations; got != 0 {
		t.Errorf("negative MaxIterations clamped to %d, want 0", got)
	}
}

func TestPolicy_DisallowedPaths(t *testing.T) {
	p := DefaultPolicy()
	p.AllowedPaths = []string{"docs", "./skills/"}

	got := p.DisallowedPaths([]string{"docs/a.md", "skills/x/y.md", "docsy/a.md", "../docs/a.md", "README.md"})
	want := []string{"docsy/a.md", "../docs/a.md", "README.md"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("DisallowedPaths() = %v, want %v", got, want)
	}
}

func TestPolicy_Labels(t *testing.T) {
	p := DefaultPolicy()

	if got := p.Labels(ReasonLowConfidence); len(got) != 1 || got[0] != "needs-human-review" {
		t.Errorf("Labels(low-confidence) = %v", got)
	}
	got := p.Labels(ReasonIterationCap)
	if len(got) != 2 || got[1] != "iteration-cap-exhausted" {
		t.Errorf("Labels(iteration-cap) = %v", got)
	}
}

func TestScores_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scores  *Scores
		wantErr bool
	}{
		{"valid", &Scores{Safety: 1, Relevance: 0, Quality: 0.5}, false},
		{"nil", nil, true},
		{"above one", &Scores{Safety: 1.5}, true},
		{"negative", &Scores{Safety: 0.9, Relevance: -0.1}, true},
		{"nan", &Scores{Safety: 0.9, Quality: math.NaN()}, true},
	}
	for _, tt := range tests {
		err := tt.scores.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrReviewerUnavailable) {
			t.Errorf("%s: error should wrap ErrReviewerUnavailable", tt.name)
		}
	}
}

func TestFeedbackText(t *testing.T) {
	s := Scores{Safety: 0.85, Relevance: 0.55, Quality: 0.55, Feedback: "Cover the cursor parameter."}
	text := FeedbackText(70, 0, s, DefaultPolicy().Decide(s, 0, nil))

	for _, want := range []string{"#70", "iteration 0", "0.70", "relevance | 0.55", "Cover the cursor parameter."} {
		if !strings.Contains(text, want) {
			t.Errorf("feedback text missing %q:\n%s", want, text)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	if StatePendingReview.Terminal() || StateIterating.Terminal() {
		t.Error("pending and iterating are not terminal")
	}
	if !StateMerged.Terminal() || !StateEscalated.Terminal() {
		t.Error("merged and escalated are terminal")
	}
}
