package store

// Schema is the complete crashcache schema, applied idempotently at open.
//
// Timestamps are INTEGER unix milliseconds except report.timestamp, which
// is the event's own time in unix seconds, and session started_at/timestamp,
// which keep the client's ISO 8601 strings verbatim.
const Schema = `
-- Receiving side
CREATE TABLE IF NOT EXISTS project (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    public_key  TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archive (
    hash               TEXT PRIMARY KEY,
    project_id         INTEGER NOT NULL REFERENCES project(id),
    compressed_payload BLOB NOT NULL,
    original_size      INTEGER,
    created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    archive_hash TEXT NOT NULL UNIQUE,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at);

CREATE TABLE IF NOT EXISTS queue_error (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    archive_hash TEXT NOT NULL UNIQUE,
    error        TEXT NOT NULL,
    created_at   INTEGER NOT NULL
);

-- Dictionary tables: one row per distinct value
CREATE TABLE IF NOT EXISTS dict_platform            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_environment         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_os_name             (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_os_version          (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_manufacturer        (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_brand               (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_model               (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_chipset             (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_locale_code         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_timezone            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_connection_type     (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_orientation         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_app_name            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_app_version         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_app_build           (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_user                (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_exception_type      (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_session_status      (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_session_release     (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS dict_session_environment (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);

-- Composite dictionaries
CREATE TABLE IF NOT EXISTS dict_device_specs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    screen_width    INTEGER,
    screen_height   INTEGER,
    screen_density  REAL,
    screen_dpi      INTEGER,
    processor_count INTEGER,
    memory_size     INTEGER,
    archs           TEXT
);

CREATE TABLE IF NOT EXISTS dict_exception_message (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    hash  TEXT NOT NULL UNIQUE,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dict_stacktrace (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    hash             TEXT NOT NULL UNIQUE,
    fingerprint_hash TEXT,
    frames_json      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dict_stacktrace_fingerprint ON dict_stacktrace(fingerprint_hash);

-- Digested side
CREATE TABLE IF NOT EXISTS issue (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint_hash  TEXT NOT NULL UNIQUE,
    exception_type_id INTEGER,
    title             TEXT NOT NULL DEFAULT '',
    first_seen        INTEGER NOT NULL,
    last_seen         INTEGER NOT NULL,
    event_count       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id     INTEGER NOT NULL REFERENCES project(id),
    sid            TEXT NOT NULL,
    init           INTEGER NOT NULL DEFAULT 0,
    started_at     TEXT NOT NULL,
    timestamp      TEXT NOT NULL,
    errors         INTEGER NOT NULL DEFAULT 0,
    status_id      INTEGER NOT NULL,
    release_id     INTEGER,
    environment_id INTEGER,
    UNIQUE(project_id, sid)
);

CREATE TABLE IF NOT EXISTS report (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id             TEXT NOT NULL UNIQUE,
    archive_hash         TEXT NOT NULL REFERENCES archive(hash),
    timestamp            INTEGER NOT NULL,
    received_at          INTEGER NOT NULL,
    project_id           INTEGER NOT NULL REFERENCES project(id),
    platform_id          INTEGER,
    environment_id       INTEGER,
    os_name_id           INTEGER,
    os_version_id        INTEGER,
    manufacturer_id      INTEGER,
    brand_id             INTEGER,
    model_id             INTEGER,
    chipset_id           INTEGER,
    device_specs_id      INTEGER,
    locale_code_id       INTEGER,
    timezone_id          INTEGER,
    connection_type_id   INTEGER,
    orientation_id       INTEGER,
    app_name_id          INTEGER,
    app_version_id       INTEGER,
    app_build_id         INTEGER,
    user_id              INTEGER,
    exception_type_id    INTEGER,
    exception_message_id INTEGER,
    stacktrace_id        INTEGER,
    issue_id             INTEGER,
    session_id           INTEGER
);
CREATE INDEX IF NOT EXISTS idx_report_project ON report(project_id);
CREATE INDEX IF NOT EXISTS idx_report_issue ON report(issue_id);
CREATE INDEX IF NOT EXISTS idx_report_archive ON report(archive_hash);

-- Analytics minute buckets
CREATE TABLE IF NOT EXISTS bucket_rate_limit_global (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    bucket_start INTEGER NOT NULL UNIQUE,
    hit_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bucket_rate_limit_dsn (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    dsn          TEXT NOT NULL,
    project_id   INTEGER,
    bucket_start INTEGER NOT NULL,
    hit_count    INTEGER NOT NULL DEFAULT 0,
    UNIQUE(dsn, bucket_start)
);

CREATE TABLE IF NOT EXISTS bucket_rate_limit_subnet (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    subnet       TEXT NOT NULL,
    bucket_start INTEGER NOT NULL,
    hit_count    INTEGER NOT NULL DEFAULT 0,
    UNIQUE(subnet, bucket_start)
);

CREATE TABLE IF NOT EXISTS bucket_request_latency (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint      TEXT NOT NULL,
    bucket_start  INTEGER NOT NULL,
    request_count INTEGER NOT NULL DEFAULT 0,
    total_ms      INTEGER NOT NULL DEFAULT 0,
    min_ms        INTEGER,
    max_ms        INTEGER,
    UNIQUE(endpoint, bucket_start)
);
`
