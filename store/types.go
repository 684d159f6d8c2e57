package store

// Project is a registered client of the collector. An empty PublicKey
// means the project accepts any sentry_key.
type Project struct {
	ID        int64
	PublicKey string
	Name      string
	CreatedAt int64
}

// Archive is a content-addressed compressed payload. OriginalSize is nil
// when the client sent the body gzip-encoded and the uncompressed size is
// unknown.
type Archive struct {
	Hash              string
	ProjectID         int64
	CompressedPayload []byte
	OriginalSize      *int64
	CreatedAt         int64
}

// QueueItem is one pending digest entry.
type QueueItem struct {
	ID          int64
	ArchiveHash string
	CreatedAt   int64
}

// QueueError records the latest digest failure for an archive.
type QueueError struct {
	ID          int64
	ArchiveHash string
	Error       string
	CreatedAt   int64
}

// Issue groups reports sharing a stack fingerprint.
type Issue struct {
	ID              int64
	FingerprintHash string
	ExceptionTypeID *int64
	Title           string
	FirstSeen       int64
	LastSeen        int64
	EventCount      int64
}

// Session is the latest state of a client session, keyed by
// (project_id, sid).
type Session struct {
	ID            int64
	ProjectID     int64
	SID           string
	Init          bool
	StartedAt     string
	Timestamp     string
	Errors        int64
	StatusID      int64
	ReleaseID     *int64
	EnvironmentID *int64
}

// Report is a digested event. The *_id columns point into the dictionary
// tables; nil means the event did not carry that attribute.
type Report struct {
	ID                 int64
	EventID            string
	ArchiveHash        string
	Timestamp          int64
	ReceivedAt         int64
	ProjectID          int64
	PlatformID         *int64
	EnvironmentID      *int64
	OSNameID           *int64
	OSVersionID        *int64
	ManufacturerID     *int64
	BrandID            *int64
	ModelID            *int64
	ChipsetID          *int64
	DeviceSpecsID      *int64
	LocaleCodeID       *int64
	TimezoneID         *int64
	ConnectionTypeID   *int64
	OrientationID      *int64
	AppNameID          *int64
	AppVersionID       *int64
	AppBuildID         *int64
	UserID             *int64
	ExceptionTypeID    *int64
	ExceptionMessageID *int64
	StacktraceID       *int64
	IssueID            *int64
	SessionID          *int64
}

// DeviceSpecs is the composite dictionary row for numeric device
// characteristics. Nil fields match NULL columns, so absent and zero
// dedupe separately.
type DeviceSpecs struct {
	ScreenWidth    *int64
	ScreenHeight   *int64
	ScreenDensity  *float64
	ScreenDPI      *int64
	ProcessorCount *int64
	MemorySize     *int64
	Archs          *string
}

// HealthCounts is the snapshot behind /health. Orphaned archives are
// derived, not queried: archives absent from report, queue and
// queue_error alike.
type HealthCounts struct {
	Archives     int64
	Reports      int64
	Queued       int64
	Regurgitated int64
	Orphaned     int64
}
