package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"uxrmate/internal/analysis"
	"uxrmate/internal/config"
	"uxrmate/internal/pipeline"
	"uxrmate/internal/queue"
	"uxrmate/internal/services"
	"uxrmate/internal/services/gemini"
	"uxrmate/internal/testsupport"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploads  int
	deletes  []string
	fail     error
	failOnce bool
}

func (f *fakeUploader) UploadFile(ctx context.Context, path, displayName, mimeType string) (gemini.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		err := f.fail
		if f.failOnce {
			f.fail = nil
		}
		return gemini.RemoteFile{}, err
	}
	f.uploads++
	name := fmt.Sprintf("files/u%d", f.uploads)
	return gemini.RemoteFile{Name: name, URI: "https://example/" + name, State: "PROCESSING"}, nil
}

func (f *fakeUploader) AwaitActive(ctx context.Context, name string, interval, timeout time.Duration) (gemini.RemoteFile, error) {
	return gemini.RemoteFile{Name: name, URI: "https://example/" + name, State: "ACTIVE"}, nil
}

func (f *fakeUploader) GetFile(ctx context.Context, name string) (gemini.RemoteFile, error) {
	return gemini.RemoteFile{Name: name, URI: "https://example/" + name, State: "ACTIVE"}, nil
}

func (f *fakeUploader) DeleteFile(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return nil
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeUploader) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   int
	outcome analysis.Outcome
	err     error
	// perCriterion lets one criterion fail while others succeed.
	perCriterion map[string]error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.perCriterion != nil {
		if err, ok := f.perCriterion[req.Criterion.Name]; ok && err != nil {
			return analysis.Outcome{Attempts: 1}, err
		}
	}
	if f.err != nil {
		return analysis.Outcome{Attempts: 1}, f.err
	}
	outcome := f.outcome
	if outcome.Verdict.Status == "" {
		outcome = analysis.Outcome{
			Verdict:       analysis.Verdict{Status: "pass", FrictionScore: 2, Confidence: 5, Observations: "fine"},
			Usage:         gemini.Usage{InputTokens: 1000, OutputTokens: 100},
			CostEstimated: 0.002,
			CostActual:    0.001,
			Attempts:      1,
		}
	}
	return outcome, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastConfig(t *testing.T) *config.Config {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.WorkerConcurrency = 2
	cfg.Pipeline.BaseBackoffMs = 1
	cfg.Pipeline.PollIntervalMs = 1
	cfg.Pipeline.PollTimeoutMs = 100
	return cfg
}

func seedBatchInputs(t *testing.T, store *queue.Store, mediaCount, criterionCount int) ([]int64, []int64) {
	t.Helper()
	var mediaIDs, criterionIDs []int64
	for i := 0; i < mediaCount; i++ {
		asset := testsupport.SeedMedia(t, store, fmt.Sprintf("m%d.mp4", i), fmt.Sprintf("sum%d", i), 60)
		mediaIDs = append(mediaIDs, asset.ID)
	}
	for i := 0; i < criterionCount; i++ {
		criterion := testsupport.SeedCriterion(t, store, fmt.Sprintf("criterion-%d", i), "desc")
		criterionIDs = append(criterionIDs, criterion.ID)
	}
	return mediaIDs, criterionIDs
}

func TestRunBatchCompletesAllPairs(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{}
	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 2, 2)

	handle, err := orch.RunBatch(context.Background(), "", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	stats, err := store.BatchStats(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("BatchStats: %v", err)
	}
	if stats.Total != 4 || stats.ByStatus[queue.StatusDone] != 4 {
		t.Fatalf("expected 4 done pairs, got %+v", stats)
	}
	if uploader.uploadCount() != 4 || analyzer.callCount() != 4 {
		t.Fatalf("expected 4 uploads and 4 analyses, got %d/%d", uploader.uploadCount(), analyzer.callCount())
	}
	if uploader.deleteCount() != 4 {
		t.Fatalf("remote media should be deleted after completion, got %d", uploader.deleteCount())
	}

	pairs, _ := store.PairsByBatch(context.Background(), handle.ID)
	for _, pair := range pairs {
		if pair.RemoteURI != "" {
			t.Fatalf("pair %d kept its remote handle", pair.ID)
		}
		result, err := store.LatestResult(context.Background(), pair.ID)
		if err != nil || result == nil {
			t.Fatalf("pair %d missing verdict: %v", pair.ID, err)
		}
	}
}

func TestRunBatchRerunIsIdempotent(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{}
	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 2)

	handle, err := orch.RunBatch(context.Background(), "batch-x", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	uploadsAfterFirst := uploader.uploadCount()
	callsAfterFirst := analyzer.callCount()

	rerun, err := orch.RunBatch(context.Background(), "batch-x", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch rerun: %v", err)
	}
	if err := rerun.Wait(); err != nil {
		t.Fatalf("Wait rerun: %v", err)
	}

	if uploader.uploadCount() != uploadsAfterFirst {
		t.Fatalf("rerun must not upload: %d -> %d", uploadsAfterFirst, uploader.uploadCount())
	}
	if analyzer.callCount() != callsAfterFirst {
		t.Fatalf("rerun must not invoke the model: %d -> %d", callsAfterFirst, analyzer.callCount())
	}
}

func TestRunBatchIsolatesPairFailures(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{perCriterion: map[string]error{
		"criterion-0": services.Wrap(services.ErrValidation, "analysis", "analyze", "model rejected media", nil),
	}}
	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 3)

	handle, err := orch.RunBatch(context.Background(), "", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	stats, _ := store.BatchStats(context.Background(), handle.ID)
	if stats.ByStatus[queue.StatusFailed] != 1 || stats.ByStatus[queue.StatusDone] != 2 {
		t.Fatalf("one failure must not sink the batch: %+v", stats)
	}
}

func TestRunBatchResumesFromUploadedCheckpoint(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{}
	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 1)
	ctx := context.Background()

	// Simulate a previous run that uploaded and then died mid-analysis.
	pair := testsupport.SeedPair(t, store, "batch-x", mediaIDs[0], criterionIDs[0])
	for _, status := range []queue.Status{queue.StatusUploading, queue.StatusUploaded, queue.StatusAnalyzing} {
		pair, _ = store.PairByID(ctx, pair.ID)
		pair.Status = status
		if status == queue.StatusUploaded {
			pair.RemoteURI = "https://example/files/prior"
			pair.RemoteName = "files/prior"
		}
		if err := store.UpdatePair(ctx, pair); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
	if _, err := orch.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if p, _ := store.PairByID(ctx, pair.ID); p.Status != queue.StatusUploaded {
		t.Fatalf("resume should restore the uploaded checkpoint, got %s", p.Status)
	}

	handle, err := orch.RunBatch(ctx, "batch-x", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if uploader.uploadCount() != 0 {
		t.Fatalf("valid remote handle should be reused, got %d uploads", uploader.uploadCount())
	}
	if analyzer.callCount() != 1 {
		t.Fatalf("expected one analysis, got %d", analyzer.callCount())
	}
	if p, _ := store.PairByID(ctx, pair.ID); p.Status != queue.StatusDone {
		t.Fatalf("pair should finish, got %s", p.Status)
	}
}

func TestQuotaExhaustionHaltsAdmission(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Pipeline.WorkerConcurrency = 1
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{err: services.Wrap(services.ErrQuota, "analysis", "analyze", "provider quota exhausted", nil)}
	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 4)

	handle, err := orch.RunBatch(context.Background(), "", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !orch.QuotaHalted() {
		t.Fatal("quota flag should be set")
	}
	stats, _ := store.BatchStats(context.Background(), handle.ID)
	if stats.ByStatus[queue.StatusNew] == 0 {
		t.Fatalf("quota exhaustion should leave pairs unadmitted: %+v", stats)
	}
}

func TestCancelRecordsTerminalOutcome(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Pipeline.WorkerConcurrency = 1
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	analyzer := &blockingAnalyzer{started: started, release: release, once: &once}

	orch := pipeline.New(cfg, store, uploader, analyzer)
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 3)

	handle, err := orch.RunBatch(context.Background(), "", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	<-started
	handle.Cancel()
	close(release)
	_ = handle.Wait()

	stats, _ := store.BatchStats(context.Background(), handle.ID)
	if stats.ByStatus[queue.StatusDone] != 0 {
		t.Fatalf("no pair should complete after cancel, got %+v", stats)
	}

	// The interrupted pair becomes a terminal failure; pairs never
	// admitted stay new for the next run.
	pairs, err := store.PairsByBatch(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("PairsByBatch: %v", err)
	}
	var cancelled *queue.Pair
	for _, pair := range pairs {
		if pair.Status == queue.StatusFailed {
			if cancelled != nil {
				t.Fatalf("only the in-flight pair should fail, got a second: %d", pair.ID)
			}
			cancelled = pair
			continue
		}
		if pair.Status != queue.StatusNew {
			t.Fatalf("pair %d should stay new, got %s", pair.ID, pair.Status)
		}
	}
	if cancelled == nil {
		t.Fatal("interrupted pair should be recorded as failed")
	}
	if cancelled.ErrorMessage != "cancelled" {
		t.Fatalf("expected cancelled marker, got %q", cancelled.ErrorMessage)
	}
	if cancelled.RemoteName == "" {
		t.Fatal("remote handle should survive for the cleanup sweep")
	}

	// Nothing in flight remains, and the sweep releases the handle.
	reclaimed, err := store.ReclaimInFlight(context.Background())
	if err != nil {
		t.Fatalf("ReclaimInFlight: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("cancelled pair is terminal, expected no reclaims, got %d", reclaimed)
	}
	if _, err := orch.CleanupRemote(context.Background()); err != nil {
		t.Fatalf("CleanupRemote: %v", err)
	}
	if uploader.deleteCount() != 1 {
		t.Fatalf("sweep should release the cancelled pair's handle, got %d deletes", uploader.deleteCount())
	}
}

type blockingAnalyzer struct {
	started chan struct{}
	release chan struct{}
	once    *sync.Once
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Outcome, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return analysis.Outcome{}, services.Wrap(services.ErrCancelled, "analysis", "analyze", "invocation cancelled", ctx.Err())
	case <-b.release:
		return analysis.Outcome{}, errors.New("released without cancel")
	}
}

func TestProgressEventsReachSink(t *testing.T) {
	cfg := fastConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	uploader := &fakeUploader{}
	analyzer := &fakeAnalyzer{}

	sink := &recordingSink{}

	orch := pipeline.New(cfg, store, uploader, analyzer, pipeline.WithProgressSink(sink))
	mediaIDs, criterionIDs := seedBatchInputs(t, store, 1, 2)

	handle, err := orch.RunBatch(context.Background(), "", mediaIDs, criterionIDs)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if sink.pairCount() == 0 {
		t.Fatal("expected pair progress events")
	}
	for _, e := range sink.pairEvents() {
		if e.Criterion == "" {
			t.Fatalf("pair event for pair %d missing criterion name: %+v", e.PairID, e)
		}
	}
	if !sink.sawCompletion(2) {
		t.Fatalf("expected a batch event showing 2 completed pairs: %+v", sink.batches)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	pairs   []pipeline.PairEvent
	batches []pipeline.BatchEvent
}

func (s *recordingSink) PairProgress(e pipeline.PairEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, e)
}

func (s *recordingSink) BatchProgress(e pipeline.BatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, e)
}

func (s *recordingSink) pairCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func (s *recordingSink) pairEvents() []pipeline.PairEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]pipeline.PairEvent, len(s.pairs))
	copy(events, s.pairs)
	return events
}

func (s *recordingSink) sawCompletion(want int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.batches {
		if e.Completed == want && e.Total == want {
			return true
		}
	}
	return false
}
