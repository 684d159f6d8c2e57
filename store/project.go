package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateProject registers a new project and returns it with its assigned
// id.
func (s *Store) CreateProject(ctx context.Context, name, publicKey string) (*Project, error) {
	now := time.Now().UnixMilli()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO project (public_key, name, created_at) VALUES (?, ?, ?)`,
		publicKey, name, now)
	if err != nil {
		return nil, fmt.Errorf("store: create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create project id: %w", err)
	}
	return &Project{ID: id, PublicKey: publicKey, Name: name, CreatedAt: now}, nil
}

// FindProject returns the project with the given id, or nil.
func (s *Store) FindProject(ctx context.Context, id int64) (*Project, error) {
	var p Project
	err := s.q.QueryRowContext(ctx,
		`SELECT id, public_key, name, created_at FROM project WHERE id = ?`, id).Scan(
		&p.ID, &p.PublicKey, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find project: %w", err)
	}
	return &p, nil
}

// ProjectExists reports whether a project with the given id is registered.
func (s *Store) ProjectExists(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: project exists: %w", err)
	}
	return count > 0, nil
}

// ValidateProjectKey checks a sentry_key against the project's stored
// public key. A project with an empty stored key accepts any key. Returns
// ErrProjectNotFound when no project has that id; otherwise reports
// whether the key matched.
func (s *Store) ValidateProjectKey(ctx context.Context, id int64, key string) (bool, error) {
	p, err := s.FindProject(ctx, id)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrProjectNotFound
	}
	if p.PublicKey == "" {
		return true, nil
	}
	return p.PublicKey == key, nil
}

// DeleteProject removes a project row. Archives and reports referencing
// it are left in place.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM project WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, public_key, name, created_at FROM project
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.PublicKey, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
