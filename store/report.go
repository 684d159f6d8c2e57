package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertReport stores a digested report. The event_id is checked first so
// a replayed archive surfaces as ErrDuplicateEvent instead of a bare
// constraint violation.
func (s *Store) InsertReport(ctx context.Context, r *Report) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report WHERE event_id = ?`, r.EventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: report dedupe check: %w", err)
	}
	if count > 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateEvent, r.EventID)
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO report (
		    event_id, archive_hash, timestamp, received_at, project_id,
		    platform_id, environment_id, os_name_id, os_version_id,
		    manufacturer_id, brand_id, model_id, chipset_id, device_specs_id,
		    locale_code_id, timezone_id, connection_type_id, orientation_id,
		    app_name_id, app_version_id, app_build_id, user_id,
		    exception_type_id, exception_message_id, stacktrace_id,
		    issue_id, session_id
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EventID, r.ArchiveHash, r.Timestamp, r.ReceivedAt, r.ProjectID,
		r.PlatformID, r.EnvironmentID, r.OSNameID, r.OSVersionID,
		r.ManufacturerID, r.BrandID, r.ModelID, r.ChipsetID, r.DeviceSpecsID,
		r.LocaleCodeID, r.TimezoneID, r.ConnectionTypeID, r.OrientationID,
		r.AppNameID, r.AppVersionID, r.AppBuildID, r.UserID,
		r.ExceptionTypeID, r.ExceptionMessageID, r.StacktraceID,
		r.IssueID, r.SessionID)
	if err != nil {
		return 0, fmt.Errorf("store: insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert report id: %w", err)
	}
	return id, nil
}

// FindReportByEventID returns the report for an event id, or nil.
func (s *Store) FindReportByEventID(ctx context.Context, eventID string) (*Report, error) {
	var r Report
	err := s.q.QueryRowContext(ctx,
		`SELECT id, event_id, archive_hash, timestamp, received_at, project_id,
		        platform_id, environment_id, os_name_id, os_version_id,
		        manufacturer_id, brand_id, model_id, chipset_id, device_specs_id,
		        locale_code_id, timezone_id, connection_type_id, orientation_id,
		        app_name_id, app_version_id, app_build_id, user_id,
		        exception_type_id, exception_message_id, stacktrace_id,
		        issue_id, session_id
		 FROM report WHERE event_id = ?`, eventID).Scan(
		&r.ID, &r.EventID, &r.ArchiveHash, &r.Timestamp, &r.ReceivedAt, &r.ProjectID,
		&r.PlatformID, &r.EnvironmentID, &r.OSNameID, &r.OSVersionID,
		&r.ManufacturerID, &r.BrandID, &r.ModelID, &r.ChipsetID, &r.DeviceSpecsID,
		&r.LocaleCodeID, &r.TimezoneID, &r.ConnectionTypeID, &r.OrientationID,
		&r.AppNameID, &r.AppVersionID, &r.AppBuildID, &r.UserID,
		&r.ExceptionTypeID, &r.ExceptionMessageID, &r.StacktraceID,
		&r.IssueID, &r.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find report: %w", err)
	}
	return &r, nil
}

// CountReports returns the total number of digested reports.
func (s *Store) CountReports(ctx context.Context) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM report`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return count, nil
}

// CountReportsByProject returns the number of reports for one project.
func (s *Store) CountReportsByProject(ctx context.Context, projectID int64) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report WHERE project_id = ?`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count reports by project: %w", err)
	}
	return count, nil
}

// CountReportsByIssue returns the number of reports attached to an issue.
func (s *Store) CountReportsByIssue(ctx context.Context, issueID int64) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM report WHERE issue_id = ?`, issueID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count reports by issue: %w", err)
	}
	return count, nil
}
