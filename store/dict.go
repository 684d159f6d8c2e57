package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dict names a single-value dictionary table. Only these constants reach
// the SQL text, never caller input.
type Dict string

const (
	DictPlatform           Dict = "dict_platform"
	DictEnvironment        Dict = "dict_environment"
	DictOSName             Dict = "dict_os_name"
	DictOSVersion          Dict = "dict_os_version"
	DictManufacturer       Dict = "dict_manufacturer"
	DictBrand              Dict = "dict_brand"
	DictModel              Dict = "dict_model"
	DictChipset            Dict = "dict_chipset"
	DictLocaleCode         Dict = "dict_locale_code"
	DictTimezone           Dict = "dict_timezone"
	DictConnectionType     Dict = "dict_connection_type"
	DictOrientation        Dict = "dict_orientation"
	DictAppName            Dict = "dict_app_name"
	DictAppVersion         Dict = "dict_app_version"
	DictAppBuild           Dict = "dict_app_build"
	DictUser               Dict = "dict_user"
	DictExceptionType      Dict = "dict_exception_type"
	DictSessionStatus      Dict = "dict_session_status"
	DictSessionRelease     Dict = "dict_session_release"
	DictSessionEnvironment Dict = "dict_session_environment"
)

// DictID returns the id for value in the given dictionary table, creating
// the row on first sight. Identical values always map to the same id.
func (s *Store) DictID(ctx context.Context, d Dict, value string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM `+string(d)+` WHERE value = ?`, value).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: %s lookup: %w", d, err)
	}

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO `+string(d)+` (value) VALUES (?) ON CONFLICT(value) DO NOTHING`,
		value); err != nil {
		return 0, fmt.Errorf("store: %s insert: %w", d, err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM `+string(d)+` WHERE value = ?`, value).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: %s reread: %w", d, err)
	}
	return id, nil
}

// OptionalDictID is DictID for values that may be absent. An empty value
// yields nil without touching the table.
func (s *Store) OptionalDictID(ctx context.Context, d Dict, value string) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	id, err := s.DictID(ctx, d, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// DictValue resolves an id back to its value.
func (s *Store) DictValue(ctx context.Context, d Dict, id int64) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx,
		`SELECT value FROM `+string(d)+` WHERE id = ?`, id).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("store: %s value: %w", d, err)
	}
	return value, nil
}

// DeviceSpecsID deduplicates a device spec row on the exact combination
// of its fields, NULLs included.
func (s *Store) DeviceSpecsID(ctx context.Context, specs DeviceSpecs) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM dict_device_specs
		 WHERE screen_width IS ? AND screen_height IS ? AND screen_density IS ?
		   AND screen_dpi IS ? AND processor_count IS ? AND memory_size IS ?
		   AND archs IS ?`,
		specs.ScreenWidth, specs.ScreenHeight, specs.ScreenDensity,
		specs.ScreenDPI, specs.ProcessorCount, specs.MemorySize,
		specs.Archs).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: device specs lookup: %w", err)
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO dict_device_specs
		 (screen_width, screen_height, screen_density, screen_dpi,
		  processor_count, memory_size, archs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		specs.ScreenWidth, specs.ScreenHeight, specs.ScreenDensity,
		specs.ScreenDPI, specs.ProcessorCount, specs.MemorySize,
		specs.Archs)
	if err != nil {
		return 0, fmt.Errorf("store: device specs insert: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: device specs id: %w", err)
	}
	return id, nil
}

// ExceptionMessageID deduplicates exception messages by content hash, so
// long messages are stored once.
func (s *Store) ExceptionMessageID(ctx context.Context, hash, value string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM dict_exception_message WHERE hash = ?`, hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: exception message lookup: %w", err)
	}

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO dict_exception_message (hash, value) VALUES (?, ?)
		 ON CONFLICT(hash) DO NOTHING`, hash, value); err != nil {
		return 0, fmt.Errorf("store: exception message insert: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM dict_exception_message WHERE hash = ?`, hash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: exception message reread: %w", err)
	}
	return id, nil
}

// StacktraceID deduplicates serialized frame lists by content hash.
// fingerprintHash links the full trace to its in-app fingerprint.
func (s *Store) StacktraceID(ctx context.Context, hash string, fingerprintHash *string, framesJSON string) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM dict_stacktrace WHERE hash = ?`, hash).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: stacktrace lookup: %w", err)
	}

	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO dict_stacktrace (hash, fingerprint_hash, frames_json)
		 VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		hash, fingerprintHash, framesJSON); err != nil {
		return 0, fmt.Errorf("store: stacktrace insert: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM dict_stacktrace WHERE hash = ?`, hash).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: stacktrace reread: %w", err)
	}
	return id, nil
}
