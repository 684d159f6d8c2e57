// Package digest drains the ingest queue: it decompresses archived
// payloads, extracts the report metadata into the dictionary tables and
// groups reports into issues by stack fingerprint.
package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/envelope"
	"github.com/hazyhaar/crashcache/sentry"
	"github.com/hazyhaar/crashcache/store"
)

// ErrNoEvent is returned when an archived payload holds neither a raw
// event nor an envelope with an event item.
var ErrNoEvent = errors.New("digest: no event in payload")

// UseCase processes queued archives.
type UseCase struct {
	st *store.Store
}

// NewUseCase builds the digest pipeline on st.
func NewUseCase(st *store.Store) *UseCase {
	return &UseCase{st: st}
}

// ProcessBatch digests up to limit queued archives and returns how many
// reports were stored. A duplicate event id settles quietly and any other
// failure parks the archive in the error table; neither counts toward the
// total, but both remove the queue entry so one bad archive cannot wedge
// the queue.
func (u *UseCase) ProcessBatch(ctx context.Context, limit int) (int, error) {
	items, err := u.st.DequeueBatch(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, item := range items {
		err := u.processItem(ctx, item)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, store.ErrDuplicateEvent):
			slog.Debug("digest: event already digested", "hash", item.ArchiveHash)
			if err := u.st.RemoveQueued(ctx, item.ArchiveHash); err != nil {
				return processed, err
			}
		default:
			slog.Warn("digest: archive failed", "hash", item.ArchiveHash, "error", err)
			if err := u.st.RecordQueueError(ctx, item.ArchiveHash, err.Error()); err != nil {
				return processed, err
			}
			if err := u.st.RemoveQueued(ctx, item.ArchiveHash); err != nil {
				return processed, err
			}
		}
	}
	return processed, nil
}

// processItem digests one archive inside a single transaction.
func (u *UseCase) processItem(ctx context.Context, item store.QueueItem) error {
	return u.st.Tx(ctx, func(tx *store.Store) error {
		archive, err := tx.FindArchive(ctx, item.ArchiveHash)
		if err != nil {
			return err
		}
		if archive == nil {
			return fmt.Errorf("%w: %s", store.ErrArchiveNotFound, item.ArchiveHash)
		}

		raw, err := codec.Decompress(archive.CompressedPayload)
		if err != nil {
			return err
		}

		sessionID := extractSession(ctx, tx, archive.ProjectID, raw)

		report, err := parsePayload(raw)
		if err != nil {
			return err
		}

		row, err := buildRow(ctx, tx, archive, report)
		if err != nil {
			return err
		}
		row.SessionID = sessionID

		if _, err := tx.InsertReport(ctx, row); err != nil {
			return err
		}
		return tx.RemoveQueued(ctx, item.ArchiveHash)
	})
}

// parsePayload accepts either a bare event JSON body or an envelope whose
// first event item holds the body.
func parsePayload(raw []byte) (*sentry.Report, error) {
	if json.Valid(raw) {
		report, err := sentry.ParseReport(raw)
		if err == nil {
			return report, nil
		}
	}
	if env, ok := envelope.Parse(raw); ok {
		if payload, found := env.FindEventPayload(); found {
			report, err := sentry.ParseReport(payload)
			if err != nil {
				return nil, fmt.Errorf("digest: envelope event: %w", err)
			}
			return report, nil
		}
	}
	return nil, ErrNoEvent
}

// extractSession upserts the first session item of an envelope payload
// and returns its row id. Session extraction never fails the digest; any
// trouble is logged and the report simply stays unlinked.
func extractSession(ctx context.Context, tx *store.Store, projectID int64, raw []byte) *int64 {
	env, ok := envelope.Parse(raw)
	if !ok {
		return nil
	}
	payloads := env.FindSessionPayloads()
	if len(payloads) == 0 {
		return nil
	}
	sess, ok := sentry.ParseSession(payloads[0])
	if !ok {
		slog.Warn("digest: malformed session item skipped", "project", projectID)
		return nil
	}

	statusID, err := tx.DictID(ctx, store.DictSessionStatus, sess.Status)
	if err != nil {
		slog.Warn("digest: session status failed", "error", err)
		return nil
	}
	releaseID, err := tx.OptionalDictID(ctx, store.DictSessionRelease, sess.Attrs.Release)
	if err != nil {
		slog.Warn("digest: session release failed", "error", err)
		return nil
	}
	envID, err := tx.OptionalDictID(ctx, store.DictSessionEnvironment, sess.Attrs.Environment)
	if err != nil {
		slog.Warn("digest: session environment failed", "error", err)
		return nil
	}

	id, err := tx.UpsertSession(ctx, &store.Session{
		ProjectID:     projectID,
		SID:           sess.SID,
		Init:          sess.Init,
		StartedAt:     sess.Started,
		Timestamp:     sess.Timestamp,
		Errors:        sess.Errors,
		StatusID:      statusID,
		ReleaseID:     releaseID,
		EnvironmentID: envID,
	})
	if err != nil {
		slog.Warn("digest: session upsert failed", "error", err)
		return nil
	}
	return &id
}

// buildRow resolves every dictionary reference for one report.
func buildRow(ctx context.Context, tx *store.Store, archive *store.Archive, r *sentry.Report) (*store.Report, error) {
	row := &store.Report{
		EventID:     r.EventID,
		ArchiveHash: archive.Hash,
		Timestamp:   parseTimestamp(r.Timestamp),
		ReceivedAt:  time.Now().UnixMilli(),
		ProjectID:   archive.ProjectID,
	}
	if row.EventID == "" {
		row.EventID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	var err error
	dict := func(d store.Dict, value string) *int64 {
		if err != nil {
			return nil
		}
		var id *int64
		id, err = tx.OptionalDictID(ctx, d, value)
		return id
	}

	row.PlatformID = dict(store.DictPlatform, r.Platform)
	row.EnvironmentID = dict(store.DictEnvironment, r.Environment)

	osName, osVersion := r.OSInfo()
	row.OSNameID = dict(store.DictOSName, osName)
	row.OSVersionID = dict(store.DictOSVersion, osVersion)

	if dev := r.Device(); dev != nil {
		row.ManufacturerID = dict(store.DictManufacturer, dev.Manufacturer)
		row.BrandID = dict(store.DictBrand, dev.Brand)
		row.ModelID = dict(store.DictModel, dev.Model)
		row.ChipsetID = dict(store.DictChipset, dev.Chipset)
		row.ConnectionTypeID = dict(store.DictConnectionType, dev.ConnectionType)
		row.OrientationID = dict(store.DictOrientation, dev.Orientation)
	}
	row.LocaleCodeID = dict(store.DictLocaleCode, r.LocaleCode())
	row.TimezoneID = dict(store.DictTimezone, r.TimezoneName())

	appName, appVersion, appBuild := r.AppInfo()
	row.AppNameID = dict(store.DictAppName, appName)
	row.AppVersionID = dict(store.DictAppVersion, appVersion)
	row.AppBuildID = dict(store.DictAppBuild, appBuild)
	row.UserID = dict(store.DictUser, r.UserID())

	excType, excMessage := r.ErrorInfo()
	row.ExceptionTypeID = dict(store.DictExceptionType, excType)
	if err != nil {
		return nil, err
	}

	if specs := deviceSpecs(r.Device()); specs != nil {
		id, err := tx.DeviceSpecsID(ctx, *specs)
		if err != nil {
			return nil, err
		}
		row.DeviceSpecsID = &id
	}

	if excMessage != "" {
		id, err := tx.ExceptionMessageID(ctx, codec.Hash([]byte(excMessage)), excMessage)
		if err != nil {
			return nil, err
		}
		row.ExceptionMessageID = &id
	}

	// Grouping happens only when the event has in-app frames; a trace
	// made of framework frames alone gets no issue and no stored trace.
	if fingerprint := fingerprintHash(r.InAppFrames()); fingerprint != nil {
		if frames := r.FirstExceptionFrames(); len(frames) > 0 {
			framesJSON, err := json.Marshal(frames)
			if err != nil {
				return nil, fmt.Errorf("digest: marshal frames: %w", err)
			}
			id, err := tx.StacktraceID(ctx, codec.Hash(framesJSON), fingerprint, string(framesJSON))
			if err != nil {
				return nil, err
			}
			row.StacktraceID = &id
		}

		id, err := tx.IssueGetOrCreate(ctx, *fingerprint, row.ExceptionTypeID, excType)
		if err != nil {
			return nil, err
		}
		row.IssueID = &id
	}

	return row, nil
}

// fingerprintHash condenses the in-app frames into a stable grouping key:
// "filename:function:lineno" per frame, joined with "|", hashed. No
// in-app frames means no fingerprint and no issue.
func fingerprintHash(frames []sentry.Frame) *string {
	if len(frames) == 0 {
		return nil
	}
	parts := make([]string, 0, len(frames))
	for _, f := range frames {
		var lineno int64
		if f.Lineno != nil {
			lineno = *f.Lineno
		}
		parts = append(parts, f.Filename+":"+f.Function+":"+strconv.FormatInt(lineno, 10))
	}
	h := codec.Hash([]byte(strings.Join(parts, "|")))
	return &h
}

// deviceSpecs maps the numeric device characteristics, or nil when the
// context carries none of them.
func deviceSpecs(dev *sentry.DeviceContext) *store.DeviceSpecs {
	if dev == nil {
		return nil
	}
	specs := store.DeviceSpecs{
		ScreenWidth:    dev.ScreenWidthPixels,
		ScreenHeight:   dev.ScreenHeightPixels,
		ScreenDensity:  dev.ScreenDensity,
		ScreenDPI:      dev.ScreenDPI,
		ProcessorCount: dev.ProcessorCount,
		MemorySize:     dev.MemorySize,
	}
	if len(dev.Archs) > 0 {
		joined := strings.Join(dev.Archs, ",")
		specs.Archs = &joined
	}
	if specs == (store.DeviceSpecs{}) {
		return nil
	}
	return &specs
}

// parseTimestamp reads an RFC 3339 event time as unix seconds, falling
// back to now for anything unreadable.
func parseTimestamp(ts string) int64 {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.Unix()
	}
	return time.Now().Unix()
}
