package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"uxrmate/internal/queue"
	"uxrmate/internal/services"
	"uxrmate/internal/testsupport"
)

func TestRegisterMediaDeduplicatesByChecksum(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first, err := store.RegisterMedia(ctx, &queue.MediaAsset{
		Name: "a.mp4", Path: "/tmp/a.mp4", Checksum: "cafe", DurationSec: 60, Origin: "local",
	})
	if err != nil {
		t.Fatalf("RegisterMedia: %v", err)
	}
	second, err := store.RegisterMedia(ctx, &queue.MediaAsset{
		Name: "copy.mp4", Path: "/tmp/copy.mp4", Checksum: "cafe", DurationSec: 60, Origin: "local",
	})
	if err != nil {
		t.Fatalf("RegisterMedia duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected dedupe to return asset %d, got %d", first.ID, second.ID)
	}

	assets, err := store.ListMedia(ctx)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(assets))
	}
}

func TestCriteriaLifecycle(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	criterion, err := store.CreateCriterion(ctx, "Checkout", "User completes checkout without confusion")
	if err != nil {
		t.Fatalf("CreateCriterion: %v", err)
	}
	if _, err := store.CreateCriterion(ctx, "Checkout", "duplicate"); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}

	if err := store.UpdateCriterion(ctx, criterion.ID, "Checkout flow", "updated"); err != nil {
		t.Fatalf("UpdateCriterion: %v", err)
	}
	if err := store.ArchiveCriterion(ctx, criterion.ID, true); err != nil {
		t.Fatalf("ArchiveCriterion: %v", err)
	}

	active, err := store.ListCriteria(ctx, false)
	if err != nil {
		t.Fatalf("ListCriteria: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("archived criterion should be hidden, got %d entries", len(active))
	}
	all, err := store.ListCriteria(ctx, true)
	if err != nil {
		t.Fatalf("ListCriteria all: %v", err)
	}
	if len(all) != 1 || !all[0].Archived {
		t.Fatalf("expected one archived criterion, got %+v", all)
	}
}

func TestCreatePairIsIdempotent(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")

	first := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	second := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	if second.ID != first.ID {
		t.Fatalf("same triple should map to one pair: %d vs %d", first.ID, second.ID)
	}

	other := testsupport.SeedPair(t, store, "batch-2", asset.ID, criterion.ID)
	if other.ID == first.ID {
		t.Fatal("different batch must create a distinct pair")
	}
}

func TestUpdatePairEnforcesForwardLifecycle(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	ctx := context.Background()

	pair.Status = queue.StatusUploading
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("advance to uploading: %v", err)
	}

	pair, _ = store.PairByID(ctx, pair.ID)
	pair.Status = queue.StatusNew
	if err := store.UpdatePair(ctx, pair); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("backwards transition should conflict, got %v", err)
	}

	pair, _ = store.PairByID(ctx, pair.ID)
	pair.Status = queue.StatusDone
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("advance to done: %v", err)
	}
	pair, _ = store.PairByID(ctx, pair.ID)
	pair.Status = queue.StatusFailed
	if err := store.UpdatePair(ctx, pair); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("terminal pair must not move, got %v", err)
	}
}

func TestUpdatePairRejectsStaleWrites(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	ctx := context.Background()

	copyA, _ := store.PairByID(ctx, pair.ID)
	copyB, _ := store.PairByID(ctx, pair.ID)

	copyA.Status = queue.StatusUploading
	if err := store.UpdatePair(ctx, copyA); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	copyB.Status = queue.StatusUploading
	copyB.ProgressMessage = "stale"
	if err := store.UpdatePair(ctx, copyB); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("stale writer should conflict, got %v", err)
	}
}

func TestInsertResultSupersedesAndFreezesVerified(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	ctx := context.Background()

	first, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictFail, FrictionScore: 4, Confidence: 2,
		NeedsReview: true, ReviewReason: "low confidence",
	})
	if err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	second, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictPass, FrictionScore: 2, Confidence: 5,
	})
	if err != nil {
		t.Fatalf("InsertResult second: %v", err)
	}

	latest, err := store.LatestResult(ctx, pair.ID)
	if err != nil {
		t.Fatalf("LatestResult: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest should be the new verdict, got %d", latest.ID)
	}
	history, err := store.ResultHistory(ctx, pair.ID)
	if err != nil {
		t.Fatalf("ResultHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history should keep both verdicts, got %d", len(history))
	}
	if refetched, _ := store.ResultByID(ctx, first.ID); !refetched.Superseded {
		t.Fatal("older verdict should be superseded")
	}

	verified, err := store.VerifyResult(ctx, pair.ID, queue.Verification{
		OverrideVerdict: queue.VerdictPartial, OverrideFriction: 3, Note: "watched the tape",
	})
	if err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}
	if !verified.Verified || verified.EffectiveVerdict() != queue.VerdictPartial || verified.EffectiveFriction() != 3 {
		t.Fatalf("override not applied: %+v", verified)
	}

	if _, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictPass, FrictionScore: 1, Confidence: 5,
	}); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("verified verdict must block new inserts, got %v", err)
	}
	if _, err := store.VerifyResult(ctx, pair.ID, queue.Verification{}); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("double verification should conflict, got %v", err)
	}
}

func TestResetForRerunClearsVerification(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	ctx := context.Background()

	pair.Status = queue.StatusDone
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("complete pair: %v", err)
	}
	if _, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictPass, FrictionScore: 1, Confidence: 5,
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	if _, err := store.VerifyResult(ctx, pair.ID, queue.Verification{Note: "ok"}); err != nil {
		t.Fatalf("VerifyResult: %v", err)
	}

	if err := store.ResetForRerun(ctx, pair.ID); err != nil {
		t.Fatalf("ResetForRerun: %v", err)
	}

	reloaded, _ := store.PairByID(ctx, pair.ID)
	if reloaded.Status != queue.StatusNew || reloaded.RemoteURI != "" || reloaded.Attempt != 0 {
		t.Fatalf("pair not reset: %+v", reloaded)
	}
	if latest, _ := store.LatestResult(ctx, pair.ID); latest != nil {
		t.Fatalf("rerun should supersede all verdicts, latest = %+v", latest)
	}

	if _, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: pair.ID, Model: "m", Verdict: queue.VerdictFail, FrictionScore: 4, Confidence: 4,
	}); err != nil {
		t.Fatalf("insert after rerun: %v", err)
	}
}

func TestReclaimInFlightReturnsPairsToCheckpoints(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	ctx := context.Background()

	uploading := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	uploading.Status = queue.StatusUploading
	if err := store.UpdatePair(ctx, uploading); err != nil {
		t.Fatalf("set uploading: %v", err)
	}

	other := testsupport.SeedCriterion(t, store, "Search", "desc")
	analyzing := testsupport.SeedPair(t, store, "batch-1", asset.ID, other.ID)
	for _, status := range []queue.Status{queue.StatusUploading, queue.StatusUploaded, queue.StatusAnalyzing} {
		analyzing, _ = store.PairByID(ctx, analyzing.ID)
		analyzing.Status = status
		if err := store.UpdatePair(ctx, analyzing); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}

	reclaimed, err := store.ReclaimInFlight(ctx)
	if err != nil {
		t.Fatalf("ReclaimInFlight: %v", err)
	}
	if reclaimed != 2 {
		t.Fatalf("expected 2 reclaimed pairs, got %d", reclaimed)
	}

	if p, _ := store.PairByID(ctx, uploading.ID); p.Status != queue.StatusNew {
		t.Fatalf("interrupted upload should restart, got %s", p.Status)
	}
	if p, _ := store.PairByID(ctx, analyzing.ID); p.Status != queue.StatusUploaded {
		t.Fatalf("interrupted analysis should resume from uploaded, got %s", p.Status)
	}
}

func TestReclaimStaleHonorsCutoff(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	ctx := context.Background()

	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	pair.Status = queue.StatusUploading
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("set uploading: %v", err)
	}
	if err := store.UpdateHeartbeat(ctx, pair.ID); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	reclaimed, err := store.ReclaimStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("fresh heartbeat should not be reclaimed, got %d", reclaimed)
	}

	reclaimed, err = store.ReclaimStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale past cutoff: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expired heartbeat should be reclaimed, got %d", reclaimed)
	}
}

func TestBatchStatsAggregatesCountsAndSpend(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	checkout := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	search := testsupport.SeedCriterion(t, store, "Search", "desc")
	ctx := context.Background()

	done := testsupport.SeedPair(t, store, "batch-1", asset.ID, checkout.ID)
	done.Status = queue.StatusDone
	if err := store.UpdatePair(ctx, done); err != nil {
		t.Fatalf("complete pair: %v", err)
	}
	if _, err := store.InsertResult(ctx, &queue.AnalysisResult{
		PairID: done.ID, Model: "m", Verdict: queue.VerdictPass, FrictionScore: 2, Confidence: 2,
		CostEstimated: 0.0100, CostActual: 0.0125, NeedsReview: true, ReviewReason: "low confidence",
	}); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	testsupport.SeedPair(t, store, "batch-1", asset.ID, search.ID)

	stats, err := store.BatchStats(ctx, "batch-1")
	if err != nil {
		t.Fatalf("BatchStats: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[queue.StatusDone] != 1 || stats.ByStatus[queue.StatusNew] != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.Pending() != 1 {
		t.Fatalf("expected one pending pair, got %d", stats.Pending())
	}
	if stats.NeedsReview != 1 {
		t.Fatalf("expected one review item, got %d", stats.NeedsReview)
	}
	if stats.TotalCost != 0.0125 {
		t.Fatalf("expected cost 0.0125, got %f", stats.TotalCost)
	}

	result, err := store.LatestResult(ctx, done.ID)
	if err != nil || result == nil {
		t.Fatalf("LatestResult: %v", err)
	}
	if result.CostEstimated != 0.0100 || result.CostActual != 0.0125 {
		t.Fatalf("both cost figures should survive storage: %+v", result)
	}
	if result.EffectiveCost() != 0.0125 {
		t.Fatalf("effective cost should prefer the provider figure, got %f", result.EffectiveCost())
	}

	avgFriction, err := store.AverageFriction(ctx, "batch-1")
	if err != nil {
		t.Fatalf("AverageFriction: %v", err)
	}
	if avgFriction != 2 {
		t.Fatalf("expected average friction 2, got %f", avgFriction)
	}
}

func TestRetryFailedClearsRemoteState(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	asset := testsupport.SeedMedia(t, store, "a.mp4", "c1", 60)
	criterion := testsupport.SeedCriterion(t, store, "Checkout", "desc")
	ctx := context.Background()

	pair := testsupport.SeedPair(t, store, "batch-1", asset.ID, criterion.ID)
	pair.Status = queue.StatusUploading
	pair.RemoteURI = "files/abc"
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("set uploading: %v", err)
	}
	pair, _ = store.PairByID(ctx, pair.ID)
	pair.SetFailed("model unavailable")
	if err := store.UpdatePair(ctx, pair); err != nil {
		t.Fatalf("fail pair: %v", err)
	}

	retried, err := store.RetryFailed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected one retried pair, got %d", retried)
	}
	reloaded, _ := store.PairByID(ctx, pair.ID)
	if reloaded.Status != queue.StatusNew || reloaded.RemoteURI != "" || reloaded.ErrorMessage != "" {
		t.Fatalf("retry should reset pair: %+v", reloaded)
	}
}
