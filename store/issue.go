package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IssueGetOrCreate returns the issue id for a stack fingerprint. An
// existing issue has its last_seen bumped and event_count incremented; a
// new one starts at count 1 with the exception type as title.
func (s *Store) IssueGetOrCreate(ctx context.Context, fingerprintHash string, exceptionTypeID *int64, title string) (int64, error) {
	now := time.Now().UnixMilli()

	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM issue WHERE fingerprint_hash = ?`, fingerprintHash).Scan(&id)
	if err == nil {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE issue SET last_seen = ?, event_count = event_count + 1
			 WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("store: issue update: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: issue lookup: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO issue (fingerprint_hash, exception_type_id, title,
		                    first_seen, last_seen, event_count)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		fingerprintHash, exceptionTypeID, title, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: issue insert: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: issue id: %w", err)
	}
	return id, nil
}

// FindIssueByFingerprint returns the issue for a fingerprint, or nil.
func (s *Store) FindIssueByFingerprint(ctx context.Context, fingerprintHash string) (*Issue, error) {
	var i Issue
	err := s.q.QueryRowContext(ctx,
		`SELECT id, fingerprint_hash, exception_type_id, title,
		        first_seen, last_seen, event_count
		 FROM issue WHERE fingerprint_hash = ?`, fingerprintHash).Scan(
		&i.ID, &i.FingerprintHash, &i.ExceptionTypeID, &i.Title,
		&i.FirstSeen, &i.LastSeen, &i.EventCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find issue: %w", err)
	}
	return &i, nil
}

// ListIssues returns all issues ordered by most recent activity.
func (s *Store) ListIssues(ctx context.Context) ([]Issue, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, fingerprint_hash, exception_type_id, title,
		        first_seen, last_seen, event_count
		 FROM issue ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list issues: %w", err)
	}
	defer rows.Close()

	var out []Issue
	for rows.Next() {
		var i Issue
		if err := rows.Scan(&i.ID, &i.FingerprintHash, &i.ExceptionTypeID,
			&i.Title, &i.FirstSeen, &i.LastSeen, &i.EventCount); err != nil {
			return nil, fmt.Errorf("store: scan issue: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
