package pipeline

import (
	"context"

	"uxrmate/internal/logging"
	"uxrmate/internal/queue"
)

// Resume returns interrupted pairs to their checkpoints after a
// restart. Call once before running any batch.
func (o *Orchestrator) Resume(ctx context.Context) (int64, error) {
	reclaimed, err := o.store.ReclaimInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		o.logger.Info("reclaimed interrupted pairs", logging.Int64("count", reclaimed))
	}
	return reclaimed, nil
}

// CleanupRemote sweeps terminal pairs that still hold a provider
// handle and deletes the remote media. Cancelled and failed pairs
// land here; done pairs do too when the inline delete lost a race.
func (o *Orchestrator) CleanupRemote(ctx context.Context) (int, error) {
	pairs, err := o.store.PairsByStatus(ctx, queue.StatusDone, queue.StatusFailed)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, pair := range pairs {
		if pair.RemoteName == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		if err := o.uploader.DeleteFile(ctx, pair.RemoteName); err != nil {
			o.logger.Warn("sweep remote media",
				logging.Int64(logging.FieldPairID, pair.ID),
				logging.Error(err))
			continue
		}
		pair.RemoteURI = ""
		pair.RemoteName = ""
		pair.RemoteExpiresAt = nil
		if err := o.store.UpdatePair(ctx, pair); err != nil {
			o.logger.Warn("clear swept handle",
				logging.Int64(logging.FieldPairID, pair.ID),
				logging.Error(err))
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
