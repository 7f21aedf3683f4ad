package review

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/keboola/docloop/internal/ingest"
	"github.com/keboola/docloop/pkg/config"
)

// Action is what a decision asks the orchestrator to do
type Action string

const (
	ActionMerge    Action = "merge"
	ActionIterate  Action = "iterate"
	ActionEscalate Action = "escalate"
)

// Policy holds the thresholds that turn scores into an action
type Policy struct {
	MergeThreshold    float64
	IterateThreshold  float64
	SafetyFloor       float64
	MaxIterations     int
	Weights           config.ScoreWeights
	AllowedPaths      []string
	ReviewerTimeout   time.Duration
	GeneratorTimeout  time.Duration
	EscalationLabel   string
	IterationCapLabel string
}

// PolicyFromConfig builds a policy from the review configuration.
// MaxIterations is clamped to [0, config.MaxReviewIterations].
func PolicyFromConfig(cfg config.ReviewConfig) Policy {
	maxIterations := cfg.MaxIterations
	if maxIterations > config.MaxReviewIterations {
		maxIterations = config.MaxReviewIterations
	}
	if maxIterations < 0 {
		maxIterations = 0
	}
	return Policy{
		MergeThreshold:    cfg.MergeThreshold,
		IterateThreshold:  cfg.IterateThreshold,
		SafetyFloor:       cfg.SafetyFloor,
		MaxIterations:     maxIterations,
		Weights:           cfg.Weights,
		AllowedPaths:      cfg.AllowedPaths,
		ReviewerTimeout:   cfg.ReviewerTimeout,
		GeneratorTimeout:  cfg.GeneratorTimeout,
		EscalationLabel:   cfg.EscalationLabel,
		IterationCapLabel: cfg.IterationCapLabel,
	}
}

// DefaultPolicy is PolicyFromConfig over the default configuration
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.DefaultConfig().Review)
}

// Decision is the outcome of one review round
type Decision struct {
	Action     Action   `json:"action"`
	Verdict    Verdict  `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Reason     Reason   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	Disallowed []string `json:"disallowed,omitempty"`
}

// Validate rejects scores a reviewer should never return
func (s *Scores) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: empty response", ErrReviewerUnavailable)
	}
	for name, v := range map[string]float64{"safety": s.Safety, "relevance": s.Relevance, "quality": s.Quality} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s score %v out of range", ErrReviewerUnavailable, name, v)
		}
	}
	return nil
}

// Confidence is the weighted mean of the three scores, rounded to four
// decimals so threshold comparisons are stable.
func (p Policy) Confidence(s Scores) float64 {
	w := p.Weights
	total := w.Safety + w.Relevance + w.Quality
	if total <= 0 {
		return 0
	}
	c := (w.Safety*s.Safety + w.Relevance*s.Relevance + w.Quality*s.Quality) / total
	return math.Round(c*1e4) / 1e4
}

// DisallowedPaths returns the files outside every allowed prefix
func (p Policy) DisallowedPaths(files []string) []string {
	var roots []string
	for _, r := range p.AllowedPaths {
		r = strings.TrimPrefix(strings.TrimSpace(r), "./")
		if r == "" {
			continue
		}
		if !strings.HasSuffix(r, "/") {
			r += "/"
		}
		roots = append(roots, r)
	}

	var out []string
	for _, f := range files {
		clean, ok := ingest.CleanPath(f)
		if !ok || !ingest.UnderRoot(clean, roots) {
			out = append(out, f)
		}
	}
	return out
}

// Decide maps scores for a pull request at iteration to an action. Only the
// safety score can force escalation on its own; weak relevance or quality
// lower the combined confidence instead.
func (p Policy) Decide(s Scores, iteration int, changedFiles []string) Decision {
	d := Decision{Confidence: p.Confidence(s)}

	if s.Safety < p.SafetyFloor {
		return p.escalate(d, ReasonSafetyFloor,
			fmt.Sprintf("safety score %.2f is below the floor %.2f", s.Safety, p.SafetyFloor))
	}
	if bad := p.DisallowedPaths(changedFiles); len(bad) > 0 {
		d.Disallowed = bad
		return p.escalate(d, ReasonDisallowedPath,
			fmt.Sprintf("changes outside allowed paths: %s", strings.Join(bad, ", ")))
	}

	switch {
	case d.Confidence >= p.MergeThreshold:
		d.Action = ActionMerge
		d.Verdict = VerdictMerge
		d.Message = fmt.Sprintf("confidence %.2f meets the merge threshold %.2f", d.Confidence, p.MergeThreshold)
		return d
	case d.Confidence >= p.IterateThreshold && iteration < p.MaxIterations:
		d.Action = ActionIterate
		d.Verdict = VerdictRequestChanges
		d.Message = fmt.Sprintf("confidence %.2f, requesting iteration %d of %d", d.Confidence, iteration+1, p.MaxIterations)
		return d
	case d.Confidence >= p.IterateThreshold:
		return p.escalate(d, ReasonIterationCap,
			fmt.Sprintf("confidence %.2f is still below %.2f after %d iterations", d.Confidence, p.MergeThreshold, iteration))
	default:
		return p.escalate(d, ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f is below the iterate threshold %.2f", d.Confidence, p.IterateThreshold))
	}
}

// Escalation builds an escalation decision for failures outside scoring
func (p Policy) Escalation(reason Reason, message string) Decision {
	return p.escalate(Decision{}, reason, message)
}

func (p Policy) escalate(d Decision, reason Reason, message string) Decision {
	d.Action = ActionEscalate
	d.Verdict = VerdictNeedsReview
	d.Reason = reason
	d.Message = message
	return d
}

// Labels returns the labels an escalation with reason applies
func (p Policy) Labels(reason Reason) []string {
	labels := []string{p.EscalationLabel}
	if reason == ReasonIterationCap && p.IterationCapLabel != "" {
		labels = append(labels, p.IterationCapLabel)
	}
	return labels
}

// FeedbackText renders the structured feedback posted to the issue before a
// new iteration is generated.
func FeedbackText(prNumber, iteration int, s Scores, d Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Automated review of #%d (iteration %d)\n\n", prNumber, iteration)
	fmt.Fprintf(&b, "Confidence: **%.2f**\n\n", d.Confidence)
	b.WriteString("| score | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| safety | %.2f |\n| relevance | %.2f |\n| quality | %.2f |\n", s.Safety, s.Relevance, s.Quality)
	if fb := strings.TrimSpace(s.Feedback); fb != "" {
		b.WriteString("\n")
		b.WriteString(fb)
		b.WriteString("\n")
	}
	return b.String()
}
