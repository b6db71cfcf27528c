package review_test

import (
	"context"
	"strings"
	"testing"

	"uxrmate/internal/analysis"
	"uxrmate/internal/config"
	"uxrmate/internal/queue"
	"uxrmate/internal/review"
	"uxrmate/internal/testsupport"
)

func TestGateEvaluate(t *testing.T) {
	gate := review.NewGate(config.Review{ConfidenceThreshold: 3, PartialAlways: true})

	cases := []struct {
		name       string
		verdict    analysis.Verdict
		wantReview bool
		wantReason string
	}{
		{
			name:       "confident pass",
			verdict:    analysis.Verdict{Status: "pass", Confidence: 5},
			wantReview: false,
		},
		{
			name:       "low confidence",
			verdict:    analysis.Verdict{Status: "pass", Confidence: 2},
			wantReview: true,
			wantReason: "confidence 2 below threshold 3",
		},
		{
			name:       "confident partial",
			verdict:    analysis.Verdict{Status: "partial", Confidence: 5},
			wantReview: true,
			wantReason: "partial verdicts always reviewed",
		},
		{
			name:       "threshold boundary",
			verdict:    analysis.Verdict{Status: "fail", Confidence: 3},
			wantReview: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := gate.Evaluate(tc.verdict)
			if got != tc.wantReview {
				t.Fatalf("Evaluate = %v, want %v", got, tc.wantReview)
			}
			if tc.wantReason != "" && !strings.Contains(reason, tc.wantReason) {
				t.Fatalf("reason %q missing %q", reason, tc.wantReason)
			}
		})
	}
}

func TestGatePartialPolicyDisabled(t *testing.T) {
	gate := review.NewGate(config.Review{ConfidenceThreshold: 3, PartialAlways: false})
	if review, _ := gate.Evaluate(analysis.Verdict{Status: "partial", Confidence: 5}); review {
		t.Fatal("partial with policy off should not require review")
	}
}

func TestVerifierRoundTrip(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	ctx := context.Background()

	if _, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictPartial, FrictionScore: 3, Confidence: 2,
		NeedsReview: true, ReviewReason: "low confidence",
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	verifier := review.NewVerifier(store)
	pending, err := verifier.Pending(ctx, "batch-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending review, got %d", len(pending))
	}

	result, err := verifier.Verify(ctx, pair.ID, queue.Verification{
		OverrideVerdict: queue.VerdictFail, Note: "user abandoned the cart",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.EffectiveVerdict() != queue.VerdictFail {
		t.Fatalf("override should win, got %s", result.EffectiveVerdict())
	}

	pending, err = verifier.Pending(ctx, "batch-1")
	if err != nil {
		t.Fatalf("Pending after verify: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("verified verdict should leave the review list, got %d", len(pending))
	}

	if err := verifier.ForceRerun(ctx, pair.ID); err != nil {
		t.Fatalf("ForceRerun: %v", err)
	}
	if latest, _ := store.LatestResult(ctx, pair.ID); latest != nil {
		t.Fatalf("force rerun should supersede verdicts, got %+v", latest)
	}
}
