package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"uxrmate/internal/services"
)

const resultColumns = "id, pair_id, model, verdict, friction_score, confidence, observations, key_moments_json, recommendation, input_tokens, output_tokens, cost_estimated, cost_actual, needs_review, review_reason, verified, verified_at, override_set, override_verdict, override_friction, verifier_note, superseded, created_at"

// InsertResult records a new verdict for a pair. Older verdicts are
// marked superseded rather than deleted. A verified live verdict
// blocks the insert: re-analysis must not silently discard a human
// sign-off, so callers reset the pair first.
func (s *Store) InsertResult(ctx context.Context, result *AnalysisResult) (*AnalysisResult, error) {
	if result == nil {
		return nil, errors.New("result is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin result tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var verifiedCount int
	row := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM analysis_results WHERE pair_id = ? AND superseded = 0 AND verified = 1`,
		result.PairID,
	)
	if err := row.Scan(&verifiedCount); err != nil {
		return nil, fmt.Errorf("check verified verdict: %w", err)
	}
	if verifiedCount > 0 {
		return nil, services.Wrap(services.ErrConflict, "queue", "insert result",
			fmt.Sprintf("pair %d has a verified verdict; force a re-run to replace it", result.PairID), nil)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE analysis_results SET superseded = 1 WHERE pair_id = ? AND superseded = 0`,
		result.PairID,
	); err != nil {
		return nil, fmt.Errorf("supersede prior results: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO analysis_results (
            pair_id, model, verdict, friction_score, confidence, observations,
            key_moments_json, recommendation, input_tokens, output_tokens,
            cost_estimated, cost_actual,
            needs_review, review_reason, verified, override_set, override_friction,
            superseded, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?)`,
		result.PairID,
		result.Model,
		result.Verdict,
		result.FrictionScore,
		result.Confidence,
		nullableString(result.Observations),
		nullableString(result.KeyMomentsJSON),
		nullableString(result.Recommendation),
		result.InputTokens,
		result.OutputTokens,
		result.CostEstimated,
		result.CostActual,
		boolToInt(result.NeedsReview),
		nullableString(result.ReviewReason),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit result: %w", err)
	}
	return s.ResultByID(ctx, id)
}

// ResultByID fetches a verdict by identifier.
func (s *Store) ResultByID(ctx context.Context, id int64) (*AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM analysis_results WHERE id = ?`, id)
	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// LatestResult returns the live verdict for a pair, if any.
func (s *Store) LatestResult(ctx context.Context, pairID int64) (*AnalysisResult, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE pair_id = ? AND superseded = 0 ORDER BY id DESC LIMIT 1`,
		pairID,
	)
	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest result: %w", err)
	}
	return result, nil
}

// ResultHistory returns every verdict ever recorded for a pair, newest
// first.
func (s *Store) ResultHistory(ctx context.Context, pairID int64) ([]*AnalysisResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE pair_id = ? ORDER BY id DESC`,
		pairID,
	)
	if err != nil {
		return nil, fmt.Errorf("result history: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// ResultsNeedingReview returns live verdicts flagged for review that
// nobody has verified yet, scoped to a batch when one is given.
func (s *Store) ResultsNeedingReview(ctx context.Context, batchID string) ([]*AnalysisResult, error) {
	query := `SELECT ` + prefixedResultColumns("r") + `
        FROM analysis_results r
        JOIN pairs p ON p.id = r.pair_id
        WHERE r.superseded = 0 AND r.needs_review = 1 AND r.verified = 0`
	args := []any{}
	if batchID != "" {
		query += ` AND p.batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY r.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("results needing review: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

// AverageFriction returns the mean effective friction across a batch's
// live verdicts, honoring human overrides. Zero when no verdicts exist.
func (s *Store) AverageFriction(ctx context.Context, batchID string) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(CASE WHEN r.override_set = 1 AND r.override_friction > 0
		                          THEN r.override_friction ELSE r.friction_score END), 0)
		   FROM analysis_results r
		   JOIN pairs p ON p.id = r.pair_id
		  WHERE p.batch_id = ? AND r.superseded = 0`,
		batchID,
	)
	var avg float64
	if err := row.Scan(&avg); err != nil {
		return 0, fmt.Errorf("average friction: %w", err)
	}
	return avg, nil
}

// Verification is the human input applied to a verdict. A zero
// OverrideVerdict or OverrideFriction leaves the model's value in
// place.
type Verification struct {
	OverrideVerdict  Verdict
	OverrideFriction int
	Note             string
}

// VerifyResult marks the live verdict for a pair as human-verified,
// optionally recording overrides. A verified verdict is frozen: later
// verification attempts fail until the pair is force re-run.
func (s *Store) VerifyResult(ctx context.Context, pairID int64, v Verification) (*AnalysisResult, error) {
	latest, err := s.LatestResult(ctx, pairID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, services.Wrap(services.ErrNotFound, "queue", "verify result",
			fmt.Sprintf("pair %d has no verdict to verify", pairID), nil)
	}
	if latest.Verified {
		return nil, services.Wrap(services.ErrConflict, "queue", "verify result",
			fmt.Sprintf("verdict %d is already verified", latest.ID), nil)
	}
	if v.OverrideFriction != 0 && (v.OverrideFriction < 1 || v.OverrideFriction > 5) {
		return nil, services.Wrap(services.ErrValidation, "queue", "verify result",
			fmt.Sprintf("friction override %d outside 1-5", v.OverrideFriction), nil)
	}
	if v.OverrideVerdict != "" {
		if _, ok := ParseVerdict(string(v.OverrideVerdict)); !ok {
			return nil, services.Wrap(services.ErrValidation, "queue", "verify result",
				fmt.Sprintf("unknown verdict override %q", v.OverrideVerdict), nil)
		}
	}

	overrideSet := v.OverrideVerdict != "" || v.OverrideFriction != 0
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE analysis_results
         SET verified = 1, verified_at = ?, override_set = ?, override_verdict = ?,
             override_friction = ?, verifier_note = ?
         WHERE id = ? AND verified = 0`,
		now,
		boolToInt(overrideSet),
		nullableString(string(v.OverrideVerdict)),
		v.OverrideFriction,
		nullableString(v.Note),
		latest.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("verify result: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, services.Wrap(services.ErrConflict, "queue", "verify result",
			fmt.Sprintf("verdict %d was verified concurrently", latest.ID), nil)
	}
	return s.ResultByID(ctx, latest.ID)
}

func collectResults(rows *sql.Rows) ([]*AnalysisResult, error) {
	var results []*AnalysisResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func prefixedResultColumns(alias string) string {
	return alias + ".id, " + alias + ".pair_id, " + alias + ".model, " + alias + ".verdict, " +
		alias + ".friction_score, " + alias + ".confidence, " + alias + ".observations, " +
		alias + ".key_moments_json, " + alias + ".recommendation, " + alias + ".input_tokens, " +
		alias + ".output_tokens, " + alias + ".cost_estimated, " + alias + ".cost_actual, " +
		alias + ".needs_review, " +
		alias + ".review_reason, " + alias + ".verified, " + alias + ".verified_at, " +
		alias + ".override_set, " + alias + ".override_verdict, " + alias + ".override_friction, " +
		alias + ".verifier_note, " + alias + ".superseded, " + alias + ".created_at"
}

func scanResult(scanner interface{ Scan(dest ...any) error }) (*AnalysisResult, error) {
	var (
		id               int64
		pairID           int64
		model            string
		verdictStr       string
		frictionScore    int
		confidence       int
		observations     sql.NullString
		keyMoments       sql.NullString
		recommendation   sql.NullString
		inputTokens      int64
		outputTokens     int64
		costEstimated    float64
		costActual       float64
		needsReview      int
		reviewReason     sql.NullString
		verified         int
		verifiedRaw      sql.NullString
		overrideSet      int
		overrideVerdict  sql.NullString
		overrideFriction int
		verifierNote     sql.NullString
		superseded       int
		createdRaw       sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&pairID,
		&model,
		&verdictStr,
		&frictionScore,
		&confidence,
		&observations,
		&keyMoments,
		&recommendation,
		&inputTokens,
		&outputTokens,
		&costEstimated,
		&costActual,
		&needsReview,
		&reviewReason,
		&verified,
		&verifiedRaw,
		&overrideSet,
		&overrideVerdict,
		&overrideFriction,
		&verifierNote,
		&superseded,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	result := &AnalysisResult{
		ID:               id,
		PairID:           pairID,
		Model:            model,
		Verdict:          Verdict(verdictStr),
		FrictionScore:    frictionScore,
		Confidence:       confidence,
		Observations:     observations.String,
		KeyMomentsJSON:   keyMoments.String,
		Recommendation:   recommendation.String,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		CostEstimated:    costEstimated,
		CostActual:       costActual,
		NeedsReview:      needsReview != 0,
		ReviewReason:     reviewReason.String,
		Verified:         verified != 0,
		OverrideSet:      overrideSet != 0,
		OverrideVerdict:  Verdict(overrideVerdict.String),
		OverrideFriction: overrideFriction,
		VerifierNote:     verifierNote.String,
		Superseded:       superseded != 0,
	}
	if verifiedRaw.Valid {
		if at, err := parseTimeString(verifiedRaw.String); err == nil {
			result.VerifiedAt = &at
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		result.CreatedAt = created
	}
	return result, nil
}
