package store

import (
	"context"
	"fmt"
	"time"
)

// ruminateTables lists every derived table, ordered so rows referencing
// other rows go first. Archives and projects are the source material and
// stay.
var ruminateTables = []string{
	"report",
	"session",
	"issue",
	"dict_stacktrace",
	"dict_exception_message",
	"dict_device_specs",
	"dict_platform",
	"dict_environment",
	"dict_os_name",
	"dict_os_version",
	"dict_manufacturer",
	"dict_brand",
	"dict_model",
	"dict_chipset",
	"dict_locale_code",
	"dict_timezone",
	"dict_connection_type",
	"dict_orientation",
	"dict_app_name",
	"dict_app_version",
	"dict_app_build",
	"dict_user",
	"dict_exception_type",
	"dict_session_status",
	"dict_session_release",
	"dict_session_environment",
	"queue",
	"queue_error",
	"bucket_rate_limit_global",
	"bucket_rate_limit_dsn",
	"bucket_rate_limit_subnet",
	"bucket_request_latency",
}

// RuminateTables returns the tables Ruminate will clear, for display
// before the operation is confirmed.
func RuminateTables() []string {
	out := make([]string, len(ruminateTables))
	copy(out, ruminateTables)
	return out
}

// Ruminate wipes every derived table and re-enqueues all stored archives
// for a fresh digest pass. Returns the number of archives queued.
func (s *Store) Ruminate(ctx context.Context) (int64, error) {
	var queued int64
	err := s.Tx(ctx, func(tx *Store) error {
		for _, table := range ruminateTables {
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("store: ruminate clear %s: %w", table, err)
			}
			if _, err := tx.q.ExecContext(ctx,
				`DELETE FROM sqlite_sequence WHERE name = ?`, table); err != nil {
				return fmt.Errorf("store: ruminate reset %s: %w", table, err)
			}
		}

		now := time.Now().UnixMilli()
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO queue (archive_hash, created_at)
			 SELECT hash, ? FROM archive`, now)
		if err != nil {
			return fmt.Errorf("store: ruminate requeue: %w", err)
		}
		queued, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: ruminate requeue: %w", err)
		}
		return nil
	})
	return queued, err
}
