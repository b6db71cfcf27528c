package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pairColumns = "id, batch_id, media_id, criterion_id, status, attempt, remote_uri, remote_name, remote_expires_at, error_message, progress_message, progress_percent, last_heartbeat, created_at, updated_at"

// CreatePair inserts a new pair for a batch. An existing
// (batch, media, criterion) row is returned untouched, which is what
// lets a batch re-run skip work already done.
func (s *Store) CreatePair(ctx context.Context, batchID string, mediaID, criterionID int64) (*Pair, error) {
	if existing, err := s.PairByKey(ctx, batchID, mediaID, criterionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO pairs (batch_id, media_id, criterion_id, status, attempt, progress_percent, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		batchID,
		mediaID,
		criterionID,
		StatusNew,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pair: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.PairByID(ctx, id)
}

// PairByID fetches a pair by identifier.
func (s *Store) PairByID(ctx context.Context, id int64) (*Pair, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pairColumns+` FROM pairs WHERE id = ?`, id)
	pair, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return pair, nil
}

// PairByKey fetches a pair by its (batch, media, criterion) identity.
func (s *Store) PairByKey(ctx context.Context, batchID string, mediaID, criterionID int64) (*Pair, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE batch_id = ? AND media_id = ? AND criterion_id = ?`,
		batchID, mediaID, criterionID,
	)
	pair, err := scanPair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pair by key: %w", err)
	}
	return pair, nil
}

// PairsByBatch returns all pairs in a batch in creation order.
func (s *Store) PairsByBatch(ctx context.Context, batchID string) ([]*Pair, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE batch_id = ? ORDER BY id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("pairs by batch: %w", err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

// PairsByStatus returns pairs matching any of the given statuses,
// oldest first.
func (s *Store) PairsByStatus(ctx context.Context, statuses ...Status) ([]*Pair, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+pairColumns+` FROM pairs WHERE status IN (`+placeholders+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("pairs by status: %w", err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

// ListBatches returns known batch identifiers, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id FROM pairs GROUP BY batch_id ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []string
	for rows.Next() {
		var batchID string
		if err := rows.Scan(&batchID); err != nil {
			return nil, err
		}
		batches = append(batches, batchID)
	}
	return batches, rows.Err()
}

// BatchStats aggregates pair counts, review backlog, and spend for a
// batch. Spend sums only the live (non-superseded) verdicts.
func (s *Store) BatchStats(ctx context.Context, batchID string) (BatchStats, error) {
	stats := BatchStats{BatchID: batchID, ByStatus: make(map[Status]int)}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(1) FROM pairs WHERE batch_id = ? GROUP BY status`,
		batchID,
	)
	if err != nil {
		return stats, fmt.Errorf("batch stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(CASE WHEN r.cost_actual > 0 THEN r.cost_actual ELSE r.cost_estimated END), 0),
		        COALESCE(SUM(CASE WHEN r.needs_review = 1 AND r.verified = 0 THEN 1 ELSE 0 END), 0)
         FROM analysis_results r
         JOIN pairs p ON p.id = r.pair_id
         WHERE p.batch_id = ? AND r.superseded = 0`,
		batchID,
	)
	if err := row.Scan(&stats.TotalCost, &stats.NeedsReview); err != nil {
		return stats, fmt.Errorf("batch spend: %w", err)
	}
	return stats, nil
}

// RemoveBatch deletes a batch's pairs and their verdicts.
func (s *Store) RemoveBatch(ctx context.Context, batchID string) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM pairs WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, fmt.Errorf("remove batch: %w", err)
	}
	return res.RowsAffected()
}

func collectPairs(rows *sql.Rows) ([]*Pair, error) {
	var pairs []*Pair
	for rows.Next() {
		pair, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

func scanPair(scanner interface{ Scan(dest ...any) error }) (*Pair, error) {
	var (
		id              int64
		batchID         string
		mediaID         int64
		criterionID     int64
		statusStr       string
		attempt         int
		remoteURI       sql.NullString
		remoteName      sql.NullString
		remoteExpiresAt sql.NullString
		errorMessage    sql.NullString
		progressMessage sql.NullString
		progressPercent sql.NullFloat64
		heartbeatRaw    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&batchID,
		&mediaID,
		&criterionID,
		&statusStr,
		&attempt,
		&remoteURI,
		&remoteName,
		&remoteExpiresAt,
		&errorMessage,
		&progressMessage,
		&progressPercent,
		&heartbeatRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	pair := &Pair{
		ID:              id,
		BatchID:         batchID,
		MediaID:         mediaID,
		CriterionID:     criterionID,
		Status:          Status(statusStr),
		Attempt:         attempt,
		RemoteURI:       remoteURI.String,
		RemoteName:      remoteName.String,
		ErrorMessage:    errorMessage.String,
		ProgressMessage: progressMessage.String,
		ProgressPercent: progressPercent.Float64,
	}
	if remoteExpiresAt.Valid {
		if expires, err := parseTimeString(remoteExpiresAt.String); err == nil {
			pair.RemoteExpiresAt = &expires
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			pair.LastHeartbeat = &heartbeat
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		pair.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		pair.UpdatedAt = updated
	}
	return pair, nil
}
