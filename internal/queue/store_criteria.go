package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"uxrmate/internal/services"
)

const criterionColumns = "id, name, description, archived, created_at, updated_at"

// CreateCriterion inserts a new criterion. Names are unique.
func (s *Store) CreateCriterion(ctx context.Context, name, description string) (*Criterion, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "create criterion", "name is required", nil)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO criteria (name, description, archived, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		name,
		description,
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, services.Wrap(services.ErrConflict, "queue", "create criterion", fmt.Sprintf("criterion %q already exists", name), nil)
		}
		return nil, fmt.Errorf("insert criterion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.CriterionByID(ctx, id)
}

// UpdateCriterion rewrites a criterion's name and description.
func (s *Store) UpdateCriterion(ctx context.Context, id int64, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return services.Wrap(services.ErrValidation, "queue", "update criterion", "name is required", nil)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE criteria SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		name,
		description,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update criterion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "update criterion", fmt.Sprintf("criterion %d not found", id), nil)
	}
	return nil
}

// ArchiveCriterion hides a criterion from new batches without touching
// historical results.
func (s *Store) ArchiveCriterion(ctx context.Context, id int64, archived bool) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE criteria SET archived = ?, updated_at = ? WHERE id = ?`,
		boolToInt(archived),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("archive criterion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "queue", "archive criterion", fmt.Sprintf("criterion %d not found", id), nil)
	}
	return nil
}

// CriterionByID fetches a criterion by identifier.
func (s *Store) CriterionByID(ctx context.Context, id int64) (*Criterion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+criterionColumns+` FROM criteria WHERE id = ?`, id)
	criterion, err := scanCriterion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get criterion: %w", err)
	}
	return criterion, nil
}

// ListCriteria returns criteria ordered by name. Archived entries are
// included only when requested.
func (s *Store) ListCriteria(ctx context.Context, includeArchived bool) ([]*Criterion, error) {
	query := `SELECT ` + criterionColumns + ` FROM criteria`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list criteria: %w", err)
	}
	defer rows.Close()

	var criteria []*Criterion
	for rows.Next() {
		criterion, err := scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		criteria = append(criteria, criterion)
	}
	return criteria, rows.Err()
}

func scanCriterion(scanner interface{ Scan(dest ...any) error }) (*Criterion, error) {
	var (
		id          int64
		name        string
		description string
		archived    int
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(&id, &name, &description, &archived, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	criterion := &Criterion{
		ID:          id,
		Name:        name,
		Description: description,
		Archived:    archived != 0,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		criterion.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		criterion.UpdatedAt = updated
	}
	return criterion, nil
}
