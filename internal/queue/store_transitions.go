package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uxrmate/internal/services"
)

// UpdatePair persists a modified pair with optimistic concurrency: the
// write succeeds only if nobody else has touched the row since it was
// loaded. A stale write returns services.ErrConflict and the caller
// must re-read before retrying.
func (s *Store) UpdatePair(ctx context.Context, pair *Pair) error {
	if pair == nil {
		return errors.New("pair is nil")
	}

	current, err := s.PairByID(ctx, pair.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return services.Wrap(services.ErrNotFound, "queue", "update pair", fmt.Sprintf("pair %d not found", pair.ID), nil)
	}
	if !CanAdvance(current.Status, pair.Status) {
		return services.Wrap(services.ErrConflict, "queue", "update pair",
			fmt.Sprintf("pair %d cannot move from %s to %s", pair.ID, current.Status, pair.Status), nil)
	}

	loadedAt := pair.UpdatedAt.UTC().Format(time.RFC3339Nano)
	pair.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE pairs
         SET status = ?, attempt = ?, remote_uri = ?, remote_name = ?, remote_expires_at = ?,
             error_message = ?, progress_message = ?, progress_percent = ?, last_heartbeat = ?,
             updated_at = ?
         WHERE id = ? AND updated_at = ?`,
		pair.Status,
		pair.Attempt,
		nullableString(pair.RemoteURI),
		nullableString(pair.RemoteName),
		nullableTime(pair.RemoteExpiresAt),
		nullableString(pair.ErrorMessage),
		nullableString(pair.ProgressMessage),
		pair.ProgressPercent,
		nullableTime(pair.LastHeartbeat),
		pair.UpdatedAt.Format(time.RFC3339Nano),
		pair.ID,
		loadedAt,
	)
	if err != nil {
		return fmt.Errorf("update pair: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrConflict, "queue", "update pair",
			fmt.Sprintf("pair %d was modified concurrently", pair.ID), nil)
	}
	return nil
}

// UpdateHeartbeat refreshes the liveness timestamp for an in-flight
// pair without bumping the optimistic-concurrency token.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE pairs SET last_heartbeat = ? WHERE id = ?`,
		now,
		id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimInFlight returns interrupted pairs to their last durable
// checkpoint after a restart. An upload that never finished starts
// over; an analysis call that never returned re-enters from the
// uploaded checkpoint so the remote handle can be reused.
func (s *Store) ReclaimInFlight(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE pairs
         SET status = CASE status
             WHEN ? THEN ?
             WHEN ? THEN ?
             ELSE status
         END,
             progress_message = 'Reclaimed after restart', progress_percent = 0,
             last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?)`,
		StatusUploading, StatusNew,
		StatusAnalyzing, StatusUploaded,
		now,
		StatusUploading,
		StatusAnalyzing,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim in-flight pairs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns in-flight pairs whose heartbeat expired before
// the cutoff to their last durable checkpoint.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE pairs
         SET status = CASE status
             WHEN ? THEN ?
             WHEN ? THEN ?
             ELSE status
         END,
             progress_message = 'Reclaimed from stale worker', progress_percent = 0,
             last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusUploading, StatusNew,
		StatusAnalyzing, StatusUploaded,
		now,
		StatusUploading,
		StatusAnalyzing,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale pairs: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed pairs in a batch back to new for another
// run. Remote state is cleared so the upload stage starts fresh.
func (s *Store) RetryFailed(ctx context.Context, batchID string) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE pairs
         SET status = ?, attempt = 0, remote_uri = NULL, remote_name = NULL, remote_expires_at = NULL,
             error_message = NULL, progress_message = 'Retry requested', progress_percent = 0,
             last_heartbeat = NULL, updated_at = ?
         WHERE batch_id = ? AND status = ?`,
		StatusNew,
		time.Now().UTC().Format(time.RFC3339Nano),
		batchID,
		StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed pairs: %w", err)
	}
	return res.RowsAffected()
}

// ResetForRerun forces a completed pair back to the start of the
// lifecycle. All existing verdicts for the pair are superseded,
// including verified ones: a forced re-run explicitly discards the
// human sign-off.
func (s *Store) ResetForRerun(ctx context.Context, pairID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rerun tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE pairs
         SET status = ?, attempt = 0, remote_uri = NULL, remote_name = NULL, remote_expires_at = NULL,
             error_message = NULL, progress_message = NULL, progress_percent = 0,
             last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusNew,
		now,
		pairID,
	)
	if err != nil {
		return fmt.Errorf("reset pair: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "reset pair", fmt.Sprintf("pair %d not found", pairID), nil)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE analysis_results SET superseded = 1 WHERE pair_id = ?`,
		pairID,
	); err != nil {
		return fmt.Errorf("supersede results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rerun: %w", err)
	}
	return nil
}
