// Package pipeline orchestrates batches of media/criterion pairs
// through upload, analysis, and verdict persistence. Workers pull
// pairs from a shared feed; every lifecycle advance is written to the
// store before the next stage runs, so a crash resumes at the last
// durable checkpoint.
package pipeline

import (
	"context"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"uxrmate/internal/analysis"
	"uxrmate/internal/config"
	"uxrmate/internal/logging"
	"uxrmate/internal/queue"
	"uxrmate/internal/retry"
	"uxrmate/internal/review"
	"uxrmate/internal/services/gemini"
)

// MediaUploader is the slice of the provider client the pipeline needs
// for media handling.
type MediaUploader interface {
	UploadFile(ctx context.Context, path, displayName, mimeType string) (gemini.RemoteFile, error)
	AwaitActive(ctx context.Context, name string, interval, timeout time.Duration) (gemini.RemoteFile, error)
	GetFile(ctx context.Context, name string) (gemini.RemoteFile, error)
	DeleteFile(ctx context.Context, name string) error
}

// Analyzer produces a validated verdict for an uploaded pair.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Outcome, error)
}

// Orchestrator drives batches through the pipeline.
type Orchestrator struct {
	cfg      *config.Config
	store    *queue.Store
	uploader MediaUploader
	analyzer Analyzer
	gate     *review.Gate
	rateGate *retry.Gate
	sink     ProgressSink
	logger   *slog.Logger

	// quotaHalted stops admission of new pairs once the provider
	// reports daily-quota exhaustion. In-flight pairs finish.
	quotaHalted atomic.Bool
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithProgressSink routes progress events to the given sink.
func WithProgressSink(sink ProgressSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logging.NewComponentLogger(logger, "pipeline")
		}
	}
}

// WithRateGate shares an existing provider rate gate.
func WithRateGate(gate *retry.Gate) Option {
	return func(o *Orchestrator) {
		if gate != nil {
			o.rateGate = gate
		}
	}
}

// New builds an orchestrator over the store and provider client.
func New(cfg *config.Config, store *queue.Store, uploader MediaUploader, analyzer Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		analyzer: analyzer,
		gate:     review.NewGate(cfg.Review),
		rateGate: retry.NewGate(),
		sink:     NopSink(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RateGate exposes the shared provider gate, for wiring an analyzer
// built outside the orchestrator to the same throttle.
func (o *Orchestrator) RateGate() *retry.Gate {
	return o.rateGate
}

// QuotaHalted reports whether new pair admission is stopped.
func (o *Orchestrator) QuotaHalted() bool {
	return o.quotaHalted.Load()
}

// uploadPolicy is the backoff applied to provider media operations.
func (o *Orchestrator) uploadPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: o.cfg.Pipeline.MaxRetriesStorage,
		BaseDelay:   time.Duration(o.cfg.Pipeline.BaseBackoffMs) * time.Millisecond,
		Multiplier:  o.cfg.Pipeline.BackoffMultiplier,
		RetryAfter:  gemini.RetryAfterHint,
		Gate:        o.rateGate,
	}
}

// ModelPolicy is the backoff applied to model invocations, sharing the
// provider gate with upload traffic.
func (o *Orchestrator) ModelPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: o.cfg.Pipeline.MaxRetriesModel,
		BaseDelay:   time.Duration(o.cfg.Pipeline.BaseBackoffMs) * time.Millisecond,
		Multiplier:  o.cfg.Pipeline.BackoffMultiplier,
		RetryAfter:  gemini.RetryAfterHint,
		Gate:        o.rateGate,
	}
}

// BatchHandle tracks one running batch.
type BatchHandle struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel stops admission and interrupts in-flight work for the batch.
func (h *BatchHandle) Cancel() {
	h.cancel()
}

// Wait blocks until the batch settles and returns the first
// orchestration error, if any. Individual pair failures are not batch
// errors; they are visible in the store.
func (h *BatchHandle) Wait() error {
	<-h.done
	return h.err
}

// BuildPairs creates the batch's pairs, interleaving criteria across
// media so early results cover every recording instead of finishing
// one recording at a time.
func (o *Orchestrator) BuildPairs(ctx context.Context, batchID string, mediaIDs, criterionIDs []int64) ([]*queue.Pair, error) {
	var pairs []*queue.Pair
	for _, criterionID := range criterionIDs {
		for _, mediaID := range mediaIDs {
			pair, err := o.store.CreatePair(ctx, batchID, mediaID, criterionID)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

// RunBatch starts (or resumes) a batch over the given media and
// criteria. A batchID of "" generates a fresh one; passing a previous
// id resumes that batch, skipping pairs that already finished.
func (o *Orchestrator) RunBatch(ctx context.Context, batchID string, mediaIDs, criterionIDs []int64) (*BatchHandle, error) {
	if strings.TrimSpace(batchID) == "" {
		batchID = uuid.NewString()
	}
	pairs, err := o.BuildPairs(ctx, batchID, mediaIDs, criterionIDs)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &BatchHandle{ID: batchID, cancel: cancel, done: make(chan struct{})}

	concurrency := o.cfg.Pipeline.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	feed := make(chan *queue.Pair)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range feed {
				o.processPair(runCtx, pair)
				o.emitBatchProgress(runCtx, batchID)
			}
		}()
	}

	go func() {
		defer close(handle.done)
		defer cancel()
	feed:
		for _, pair := range pairs {
			if o.quotaHalted.Load() {
				o.logger.Warn("quota exhausted, halting admission",
					logging.String(logging.FieldBatchID, batchID))
				break
			}
			select {
			case feed <- pair:
			case <-runCtx.Done():
				break feed
			}
		}
		close(feed)
		wg.Wait()
		if err := runCtx.Err(); err != nil && ctx.Err() != nil {
			handle.err = ctx.Err()
		}
	}()

	return handle, nil
}

func (o *Orchestrator) emitBatchProgress(ctx context.Context, batchID string) {
	stats, err := o.store.BatchStats(ctx, batchID)
	if err != nil {
		return
	}
	o.sink.BatchProgress(BatchEvent{
		BatchID:   batchID,
		Total:     stats.Total,
		Completed: stats.ByStatus[queue.StatusDone],
		Failed:    stats.ByStatus[queue.StatusFailed],
		Cost:      stats.TotalCost,
	})
}

func mimeFromPath(path string) string {
	if mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); mimeType != "" {
		return mimeType
	}
	return "video/mp4"
}
