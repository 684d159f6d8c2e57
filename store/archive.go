package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveArchive stores a compressed payload under its content hash. An
// existing row with the same hash is left untouched.
func (s *Store) SaveArchive(ctx context.Context, a *Archive) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO archive (hash, project_id, compressed_payload, original_size, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		a.Hash, a.ProjectID, a.CompressedPayload, a.OriginalSize, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save archive: %w", err)
	}
	return nil
}

// FindArchive returns the archive with the given hash, or nil.
func (s *Store) FindArchive(ctx context.Context, hash string) (*Archive, error) {
	var a Archive
	err := s.q.QueryRowContext(ctx,
		`SELECT hash, project_id, compressed_payload, original_size, created_at
		 FROM archive WHERE hash = ?`, hash).Scan(
		&a.Hash, &a.ProjectID, &a.CompressedPayload, &a.OriginalSize, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find archive: %w", err)
	}
	return &a, nil
}

// ArchiveExists reports whether an archive with the given hash is stored.
func (s *Store) ArchiveExists(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM archive WHERE hash = ?`, hash).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: archive exists: %w", err)
	}
	return count > 0, nil
}

// CountArchives returns the total number of stored archives.
func (s *Store) CountArchives(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count archives: %w", err)
	}
	return count, nil
}

// ListArchives streams every archive to fn in insertion order. Used by
// the export command; payloads are not accumulated in memory.
func (s *Store) ListArchives(ctx context.Context, fn func(*Archive) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT hash, project_id, compressed_payload, original_size, created_at
		 FROM archive ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("store: list archives: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.Hash, &a.ProjectID, &a.CompressedPayload,
			&a.OriginalSize, &a.CreatedAt); err != nil {
			return fmt.Errorf("store: scan archive: %w", err)
		}
		if err := fn(&a); err != nil {
			return err
		}
	}
	return rows.Err()
}
