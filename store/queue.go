package store

import (
	"context"
	"fmt"
	"time"
)

// Enqueue adds an archive hash to the processing queue. Enqueueing a hash
// that is already queued is not an error; the existing entry's id is
// returned.
func (s *Store) Enqueue(ctx context.Context, archiveHash string) (int64, error) {
	now := time.Now().UnixMilli()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO queue (archive_hash, created_at) VALUES (?, ?)
		 ON CONFLICT(archive_hash) DO NOTHING`, archiveHash, now)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue: %w", err)
	}

	var id int64
	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM queue WHERE archive_hash = ?`, archiveHash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue reread: %w", err)
	}
	return id, nil
}

// DequeueBatch returns up to limit queue entries in arrival order without
// removing them. Entries leave the queue only through RemoveQueued, after
// their outcome is known.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, archive_hash, created_at FROM queue
		 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: dequeue batch: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.ID, &it.ArchiveHash, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RemoveQueued deletes the queue entry for an archive hash.
func (s *Store) RemoveQueued(ctx context.Context, archiveHash string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM queue WHERE archive_hash = ?`, archiveHash)
	if err != nil {
		return fmt.Errorf("store: remove queued: %w", err)
	}
	return nil
}

// CountQueued returns the number of pending queue entries.
func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count queued: %w", err)
	}
	return count, nil
}

// RecordQueueError upserts the latest digest failure for an archive hash.
// A later failure for the same hash replaces the message and timestamp.
func (s *Store) RecordQueueError(ctx context.Context, archiveHash, message string) error {
	now := time.Now().UnixMilli()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO queue_error (archive_hash, error, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(archive_hash) DO UPDATE SET error = excluded.error,
		 created_at = excluded.created_at`, archiveHash, message, now)
	if err != nil {
		return fmt.Errorf("store: record queue error: %w", err)
	}
	return nil
}

// RemoveQueueError deletes the error entry for an archive hash.
func (s *Store) RemoveQueueError(ctx context.Context, archiveHash string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM queue_error WHERE archive_hash = ?`, archiveHash)
	if err != nil {
		return fmt.Errorf("store: remove queue error: %w", err)
	}
	return nil
}

// CountQueueErrors returns the number of archives parked in the error
// table.
func (s *Store) CountQueueErrors(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_error`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count queue errors: %w", err)
	}
	return count, nil
}

// ListQueueErrors returns all error entries, most recent first.
func (s *Store) ListQueueErrors(ctx context.Context) ([]QueueError, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, archive_hash, error, created_at FROM queue_error
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list queue errors: %w", err)
	}
	defer rows.Close()

	var out []QueueError
	for rows.Next() {
		var qe QueueError
		if err := rows.Scan(&qe.ID, &qe.ArchiveHash, &qe.Error, &qe.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan queue error: %w", err)
		}
		out = append(out, qe)
	}
	return out, rows.Err()
}
