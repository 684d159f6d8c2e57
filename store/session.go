package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertSession stores the latest state for (project_id, sid) and returns
// the row id. A later update for a known sid replaces its mutable fields.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM session WHERE project_id = ? AND sid = ?`,
		sess.ProjectID, sess.SID).Scan(&id)
	if err == nil {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE session SET init = ?, started_at = ?, timestamp = ?,
			        errors = ?, status_id = ?, release_id = ?, environment_id = ?
			 WHERE id = ?`,
			sess.Init, sess.StartedAt, sess.Timestamp,
			sess.Errors, sess.StatusID, sess.ReleaseID, sess.EnvironmentID,
			id); err != nil {
			return 0, fmt.Errorf("store: session update: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: session lookup: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO session (project_id, sid, init, started_at, timestamp,
		                      errors, status_id, release_id, environment_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ProjectID, sess.SID, sess.Init, sess.StartedAt, sess.Timestamp,
		sess.Errors, sess.StatusID, sess.ReleaseID, sess.EnvironmentID)
	if err != nil {
		return 0, fmt.Errorf("store: session insert: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: session id: %w", err)
	}
	return id, nil
}

// FindSessionBySID returns the session for (project_id, sid), or nil.
func (s *Store) FindSessionBySID(ctx context.Context, projectID int64, sid string) (*Session, error) {
	var sess Session
	err := s.q.QueryRowContext(ctx,
		`SELECT id, project_id, sid, init, started_at, timestamp,
		        errors, status_id, release_id, environment_id
		 FROM session WHERE project_id = ? AND sid = ?`, projectID, sid).Scan(
		&sess.ID, &sess.ProjectID, &sess.SID, &sess.Init,
		&sess.StartedAt, &sess.Timestamp, &sess.Errors,
		&sess.StatusID, &sess.ReleaseID, &sess.EnvironmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find session: %w", err)
	}
	return &sess, nil
}

// CountSessionsByProject returns the number of sessions for one project.
func (s *Store) CountSessionsByProject(ctx context.Context, projectID int64) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session WHERE project_id = ?`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return count, nil
}

// CountSessionsByStatus returns the number of sessions per status value.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT d.value, COUNT(*) FROM session s
		 JOIN dict_session_status d ON d.id = s.status_id
		 GROUP BY d.value`)
	if err != nil {
		return nil, fmt.Errorf("store: count sessions by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan session count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
