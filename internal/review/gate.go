// Package review decides which verdicts need a human look and applies
// the verification workflow on top of the queue store.
package review

import (
	"context"
	"fmt"
	"strings"

	"uxrmate/internal/analysis"
	"uxrmate/internal/config"
	"uxrmate/internal/queue"
)

// Gate flags verdicts for human review. Low-confidence verdicts always
// qualify; partial verdicts qualify when configured, since "partial"
// is where the model hedges most.
type Gate struct {
	threshold     int
	partialAlways bool
}

// NewGate builds a gate from the review configuration.
func NewGate(cfg config.Review) *Gate {
	return &Gate{
		threshold:     cfg.ConfidenceThreshold,
		partialAlways: cfg.PartialAlways,
	}
}

// Evaluate reports whether a verdict needs review and why.
func (g *Gate) Evaluate(verdict analysis.Verdict) (bool, string) {
	var reasons []string
	if verdict.Confidence < g.threshold {
		reasons = append(reasons, fmt.Sprintf("confidence %d below threshold %d", verdict.Confidence, g.threshold))
	}
	if g.partialAlways && verdict.Status == "partial" {
		reasons = append(reasons, "partial verdicts always reviewed")
	}
	if len(reasons) == 0 {
		return false, ""
	}
	return true, strings.Join(reasons, "; ")
}

// Verifier applies human sign-off to stored verdicts.
type Verifier struct {
	store *queue.Store
}

// NewVerifier builds a verifier over the store.
func NewVerifier(store *queue.Store) *Verifier {
	return &Verifier{store: store}
}

// Verify records a human decision for a pair's live verdict. Passing
// overrides replaces the model's judgement in every downstream view;
// the model's original values stay on the row.
func (v *Verifier) Verify(ctx context.Context, pairID int64, override queue.Verification) (*queue.AnalysisResult, error) {
	return v.store.VerifyResult(ctx, pairID, override)
}

// Pending lists unverified flagged verdicts, optionally scoped to a
// batch.
func (v *Verifier) Pending(ctx context.Context, batchID string) ([]*queue.AnalysisResult, error) {
	return v.store.ResultsNeedingReview(ctx, batchID)
}

// ForceRerun discards a pair's verdict history (verified or not) and
// requeues it from the start of the lifecycle.
func (v *Verifier) ForceRerun(ctx context.Context, pairID int64) error {
	return v.store.ResetForRerun(ctx, pairID)
}
