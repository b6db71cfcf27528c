package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mediaColumns = "id, name, path, remote_ref, duration_sec, size_bytes, checksum, origin, created_at"

// RegisterMedia inserts a media asset, or returns the existing row when
// the checksum is already registered.
func (s *Store) RegisterMedia(ctx context.Context, asset *MediaAsset) (*MediaAsset, error) {
	if asset == nil {
		return nil, errors.New("asset is nil")
	}
	if existing, err := s.MediaByChecksum(ctx, asset.Checksum); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO media_assets (name, path, remote_ref, duration_sec, size_bytes, checksum, origin, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.Name,
		asset.Path,
		nullableString(asset.RemoteRef),
		asset.DurationSec,
		asset.SizeBytes,
		asset.Checksum,
		asset.Origin,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert media asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.MediaByID(ctx, id)
}

// MediaByID fetches a media asset by identifier.
func (s *Store) MediaByID(ctx context.Context, id int64) (*MediaAsset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE id = ?`, id)
	asset, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get media asset: %w", err)
	}
	return asset, nil
}

// MediaByChecksum returns the asset matching a checksum, if any.
func (s *Store) MediaByChecksum(ctx context.Context, checksum string) (*MediaAsset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_assets WHERE checksum = ?`, checksum)
	asset, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find media by checksum: %w", err)
	}
	return asset, nil
}

// ListMedia returns all registered assets ordered by registration time.
func (s *Store) ListMedia(ctx context.Context) ([]*MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mediaColumns+` FROM media_assets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	defer rows.Close()

	var assets []*MediaAsset
	for rows.Next() {
		asset, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// RemoveMedia deletes an asset by identifier. Assets referenced by
// pairs stay put; the foreign key rejects the delete.
func (s *Store) RemoveMedia(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM media_assets WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete media asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanMedia(scanner interface{ Scan(dest ...any) error }) (*MediaAsset, error) {
	var (
		id         int64
		name       string
		path       string
		remoteRef  sql.NullString
		duration   float64
		sizeBytes  int64
		checksum   string
		origin     string
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &name, &path, &remoteRef, &duration, &sizeBytes, &checksum, &origin, &createdRaw); err != nil {
		return nil, err
	}

	asset := &MediaAsset{
		ID:          id,
		Name:        name,
		Path:        path,
		RemoteRef:   remoteRef.String,
		DurationSec: duration,
		SizeBytes:   sizeBytes,
		Checksum:    checksum,
		Origin:      origin,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		asset.CreatedAt = created
	}
	return asset, nil
}
