package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"uxrmate/internal/analysis"
	"uxrmate/internal/logging"
	"uxrmate/internal/queue"
	"uxrmate/internal/retry"
	"uxrmate/internal/services"
	"uxrmate/internal/services/gemini"
)

// processPair walks one pair through its remaining stages. Every
// failure is contained to the pair; the worker never lets an error
// escape to the batch.
func (o *Orchestrator) processPair(ctx context.Context, stale *queue.Pair) {
	pair, err := o.store.PairByID(ctx, stale.ID)
	if err != nil || pair == nil {
		o.logger.Error("load pair", logging.Int64(logging.FieldPairID, stale.ID), logging.Error(err))
		return
	}

	criterion, err := o.store.CriterionByID(ctx, pair.CriterionID)
	criterionName := ""
	if criterion != nil {
		criterionName = criterion.Name
	}

	if pair.IsTerminal() {
		o.emitPair(pair, criterionName, "", true, nil)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil || criterion == nil {
		o.failPair(ctx, pair, criterionName, fmt.Sprintf("criterion %d unavailable", pair.CriterionID))
		return
	}
	media, err := o.store.MediaByID(ctx, pair.MediaID)
	if err != nil || media == nil {
		o.failPair(ctx, pair, criterionName, fmt.Sprintf("media asset %d unavailable", pair.MediaID))
		return
	}

	stop := o.startHeartbeat(ctx, pair.ID)
	defer stop()

	remote, ok := o.ensureUploaded(ctx, pair, media, criterionName)
	if !ok {
		return
	}

	o.analyze(ctx, pair, media, criterion, remote)
}

// ensureUploaded brings the pair to the uploaded checkpoint, reusing a
// still-valid provider handle when one survives from a previous run.
func (o *Orchestrator) ensureUploaded(ctx context.Context, pair *queue.Pair, media *queue.MediaAsset, criterionName string) (gemini.RemoteFile, bool) {
	if pair.Status == queue.StatusUploaded && pair.RemoteHandleValid(time.Now()) {
		return gemini.RemoteFile{Name: pair.RemoteName, URI: pair.RemoteURI, MIMEType: mimeFromPath(media.Path), State: "ACTIVE"}, true
	}

	if pair.Status == queue.StatusNew {
		pair.Status = queue.StatusUploading
		pair.SetProgress("uploading media", 10)
		if err := o.store.UpdatePair(ctx, pair); err != nil {
			o.logger.Error("mark uploading", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
			return gemini.RemoteFile{}, false
		}
		o.emitPair(pair, criterionName, "uploading media", false, nil)
	}

	interval := time.Duration(o.cfg.Pipeline.PollIntervalMs) * time.Millisecond
	timeout := time.Duration(o.cfg.Pipeline.PollTimeoutMs) * time.Millisecond

	remote, _, err := retry.Do(ctx, o.uploadPolicy(), gemini.Classify, func(ctx context.Context) (gemini.RemoteFile, error) {
		uploaded, err := o.uploader.UploadFile(ctx, media.Path, media.Name, mimeFromPath(media.Path))
		if err != nil {
			return gemini.RemoteFile{}, err
		}
		return o.uploader.AwaitActive(ctx, uploaded.Name, interval, timeout)
	})
	if err != nil {
		if ctx.Err() != nil {
			o.markCancelled(ctx, pair, criterionName)
			return gemini.RemoteFile{}, false
		}
		o.noteQuota(err)
		o.failPair(ctx, pair, criterionName, fmt.Sprintf("upload failed: %v", err))
		return gemini.RemoteFile{}, false
	}

	pair.Status = queue.StatusUploaded
	pair.RemoteURI = remote.URI
	pair.RemoteName = remote.Name
	if !remote.ExpiresAt.IsZero() {
		expires := remote.ExpiresAt
		pair.RemoteExpiresAt = &expires
	}
	pair.SetProgress("media uploaded", 40)
	if err := o.store.UpdatePair(ctx, pair); err != nil {
		o.logger.Error("mark uploaded", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
		return gemini.RemoteFile{}, false
	}
	o.emitPair(pair, criterionName, "media uploaded", false, nil)
	return remote, true
}

func (o *Orchestrator) analyze(ctx context.Context, pair *queue.Pair, media *queue.MediaAsset, criterion *queue.Criterion, remote gemini.RemoteFile) {
	pair.Status = queue.StatusAnalyzing
	pair.SetProgress("analyzing", 60)
	if err := o.store.UpdatePair(ctx, pair); err != nil {
		o.logger.Error("mark analyzing", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
		return
	}
	o.emitPair(pair, criterion.Name, "analyzing", false, nil)

	outcome, err := o.analyzer.Analyze(ctx, analysis.Request{
		Media:        remote,
		Criterion:    criterion,
		DurationSec:  media.DurationSec,
		SystemPrompt: o.cfg.Gemini.SystemPrompt,
	})
	pair.Attempt = outcome.Attempts
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, services.ErrCancelled) {
			o.markCancelled(ctx, pair, criterion.Name)
			return
		}
		o.noteQuota(err)
		o.failPair(ctx, pair, criterion.Name, fmt.Sprintf("analysis failed: %v", err))
		return
	}

	needsReview, reason := o.gate.Evaluate(outcome.Verdict)
	result := &queue.AnalysisResult{
		PairID:         pair.ID,
		Model:          o.cfg.Gemini.Model,
		Verdict:        queue.Verdict(outcome.Verdict.Status),
		FrictionScore:  outcome.Verdict.FrictionScore,
		Confidence:     outcome.Verdict.Confidence,
		Observations:   outcome.Verdict.Observations,
		KeyMomentsJSON: encodeKeyMoments(outcome.Verdict.KeyMoments),
		Recommendation: outcome.Verdict.Recommendation,
		InputTokens:    outcome.Usage.InputTokens,
		OutputTokens:   outcome.Usage.OutputTokens,
		CostEstimated:  outcome.CostEstimated,
		CostActual:     outcome.CostActual,
		NeedsReview:    needsReview,
		ReviewReason:   reason,
	}
	if _, err := o.store.InsertResult(ctx, result); err != nil {
		if errors.Is(err, services.ErrConflict) {
			// A verified verdict survived a concurrent path; keep it.
			o.logger.Warn("verdict kept, verified result exists",
				logging.Int64(logging.FieldPairID, pair.ID))
		} else {
			o.failPair(ctx, pair, criterion.Name, fmt.Sprintf("persist verdict: %v", err))
			return
		}
	}

	pair.Status = queue.StatusDone
	pair.ErrorMessage = ""
	pair.LastHeartbeat = nil
	pair.SetProgress("complete", 100)
	if err := o.store.UpdatePair(ctx, pair); err != nil {
		o.logger.Error("mark done", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
		return
	}
	o.emitPair(pair, criterion.Name, "complete", false, nil)

	o.releaseRemote(ctx, pair)
}

// releaseRemote deletes the provider handle once the pair is done and
// clears it from the row. Failures are left for the cleanup sweep.
func (o *Orchestrator) releaseRemote(ctx context.Context, pair *queue.Pair) {
	if pair.RemoteName == "" {
		return
	}
	if err := o.uploader.DeleteFile(ctx, pair.RemoteName); err != nil {
		o.logger.Warn("delete remote media",
			logging.Int64(logging.FieldPairID, pair.ID),
			logging.Error(err))
		return
	}
	fresh, err := o.store.PairByID(ctx, pair.ID)
	if err != nil || fresh == nil {
		return
	}
	fresh.RemoteURI = ""
	fresh.RemoteName = ""
	fresh.RemoteExpiresAt = nil
	if err := o.store.UpdatePair(ctx, fresh); err != nil {
		o.logger.Warn("clear remote handle",
			logging.Int64(logging.FieldPairID, pair.ID),
			logging.Error(err))
	}
}

func (o *Orchestrator) failPair(ctx context.Context, pair *queue.Pair, criterionName, message string) {
	pair.SetFailed(message)
	if err := o.store.UpdatePair(ctx, pair); err != nil {
		o.logger.Error("mark failed", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
	}
	o.emitPair(pair, criterionName, message, false, errors.New(message))
}

// markCancelled records cancellation as a terminal failed outcome. The
// write runs detached from the cancelled context; the remote handle
// stays on the row so the cleanup sweep can release it.
func (o *Orchestrator) markCancelled(ctx context.Context, pair *queue.Pair, criterionName string) {
	pair.SetFailed("cancelled")
	if err := o.store.UpdatePair(context.WithoutCancel(ctx), pair); err != nil {
		o.logger.Error("mark cancelled", logging.Int64(logging.FieldPairID, pair.ID), logging.Error(err))
		return
	}
	o.emitPair(pair, criterionName, "cancelled", false, nil)
}

func (o *Orchestrator) noteQuota(err error) {
	if errors.Is(err, services.ErrQuota) || gemini.IsQuotaExhausted(err) {
		o.quotaHalted.Store(true)
	}
}

// startHeartbeat refreshes the pair's liveness stamp until the
// returned stop function runs.
func (o *Orchestrator) startHeartbeat(ctx context.Context, pairID int64) func() {
	interval := time.Duration(o.cfg.Pipeline.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := o.store.UpdateHeartbeat(hbCtx, pairID); err != nil && hbCtx.Err() == nil {
					o.logger.Warn("heartbeat", logging.Int64(logging.FieldPairID, pairID), logging.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func encodeKeyMoments(moments []analysis.KeyMoment) string {
	if len(moments) == 0 {
		return ""
	}
	encoded, err := json.Marshal(moments)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (o *Orchestrator) emitPair(pair *queue.Pair, criterionName, message string, skipped bool, err error) {
	o.sink.PairProgress(PairEvent{
		BatchID:   pair.BatchID,
		PairID:    pair.ID,
		MediaID:   pair.MediaID,
		Criterion: criterionName,
		Status:    pair.Status,
		Message:   message,
		Percent:   pair.ProgressPercent,
		Skipped:   skipped,
		Err:       err,
	})
}
