package digest_test

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/dbopen"
	"github.com/hazyhaar/crashcache/digest"
	"github.com/hazyhaar/crashcache/store"

	_ "modernc.org/sqlite"
)

const sampleEvent = `{
	"event_id": "fc6d8c0c43fc4630ad850ee518f1b9d0",
	"timestamp": "2026-08-26T09:14:00Z",
	"platform": "cocoa",
	"release": "io.example.app@2.1.0+42",
	"environment": "production",
	"sdk": {"name": "sentry.cocoa", "version": "8.0.0"},
	"user": {"id": "user-77"},
	"contexts": {
		"os": {"name": "iOS", "version": "17.4"},
		"device": {
			"manufacturer": "Apple",
			"brand": "Apple",
			"model": "iPhone14,2",
			"screen_width_pixels": 1170,
			"screen_height_pixels": 2532,
			"processor_count": 6,
			"archs": ["arm64e"],
			"locale": "fr_FR",
			"timezone": "Europe/Paris"
		},
		"culture": {"locale": "fr-FR"}
	},
	"exception": {"values": [{
		"type": "NSRangeException",
		"value": "index 5 beyond bounds",
		"stacktrace": {"frames": [
			{"filename": "AppKit", "function": "run", "lineno": 10, "in_app": false},
			{"filename": "Cart.swift", "function": "checkout", "lineno": 42, "in_app": true}
		]}
	}]}
}`

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	return store.New(db)
}

func archivePayload(t *testing.T, st *store.Store, projectID int64, payload []byte) string {
	t.Helper()
	ctx := context.Background()
	compressed, err := codec.Compress(payload)
	if err != nil {
		t.Fatal(err)
	}
	hash := codec.Hash(compressed)
	size := int64(len(payload))
	if err := st.SaveArchive(ctx, &store.Archive{
		Hash: hash, ProjectID: projectID,
		CompressedPayload: compressed, OriginalSize: &size,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Enqueue(ctx, hash); err != nil {
		t.Fatal(err)
	}
	return hash
}

func TestProcessBatchFullEvent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	hash := archivePayload(t, st, p.ID, []byte(sampleEvent))

	uc := digest.NewUseCase(st)
	n, err := uc.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d", n)
	}

	r, err := st.FindReportByEventID(ctx, "fc6d8c0c43fc4630ad850ee518f1b9d0")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("report not stored")
	}
	if r.ArchiveHash != hash {
		t.Errorf("archive hash = %s", r.ArchiveHash)
	}
	if r.Timestamp != time.Date(2026, 8, 26, 9, 14, 0, 0, time.UTC).Unix() {
		t.Errorf("timestamp = %d", r.Timestamp)
	}
	for name, id := range map[string]*int64{
		"platform":          r.PlatformID,
		"environment":       r.EnvironmentID,
		"os name":           r.OSNameID,
		"os version":        r.OSVersionID,
		"manufacturer":      r.ManufacturerID,
		"model":             r.ModelID,
		"device specs":      r.DeviceSpecsID,
		"locale":            r.LocaleCodeID,
		"timezone":          r.TimezoneID,
		"app name":          r.AppNameID,
		"app version":       r.AppVersionID,
		"app build":         r.AppBuildID,
		"user":              r.UserID,
		"exception type":    r.ExceptionTypeID,
		"exception message": r.ExceptionMessageID,
		"stacktrace":        r.StacktraceID,
		"issue":             r.IssueID,
	} {
		if id == nil {
			t.Errorf("%s id is nil", name)
		}
	}

	// Culture context wins the locale; the release string backfills the
	// app fields.
	locale, err := st.DictValue(ctx, store.DictLocaleCode, *r.LocaleCodeID)
	if err != nil {
		t.Fatal(err)
	}
	if locale != "fr-FR" {
		t.Errorf("locale = %q", locale)
	}
	appName, err := st.DictValue(ctx, store.DictAppName, *r.AppNameID)
	if err != nil {
		t.Fatal(err)
	}
	if appName != "io.example.app" {
		t.Errorf("app name = %q", appName)
	}
	appBuild, err := st.DictValue(ctx, store.DictAppBuild, *r.AppBuildID)
	if err != nil {
		t.Fatal(err)
	}
	if appBuild != "42" {
		t.Errorf("app build = %q", appBuild)
	}

	issue, err := st.FindIssueByFingerprint(ctx,
		codec.Hash([]byte("Cart.swift:checkout:42")))
	if err != nil {
		t.Fatal(err)
	}
	if issue == nil {
		t.Fatal("issue not created from in-app frames")
	}
	if issue.Title != "NSRangeException" {
		t.Errorf("issue title = %q", issue.Title)
	}
	if *r.IssueID != issue.ID {
		t.Error("report not linked to issue")
	}

	if q, _ := st.CountQueued(ctx); q != 0 {
		t.Errorf("queued after digest = %d", q)
	}
	if e, _ := st.CountQueueErrors(ctx); e != 0 {
		t.Errorf("queue errors = %d", e)
	}
}

func TestProcessBatchGroupsSameFingerprint(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}

	event2 := []byte(`{
		"event_id": "00000000000000000000000000000002",
		"platform": "cocoa",
		"exception": {"values": [{
			"type": "NSRangeException",
			"value": "index 9 beyond bounds",
			"stacktrace": {"frames": [
				{"filename": "Cart.swift", "function": "checkout", "lineno": 42, "in_app": true}
			]}
		}]}
	}`)
	archivePayload(t, st, p.ID, []byte(sampleEvent))
	archivePayload(t, st, p.ID, event2)

	uc := digest.NewUseCase(st)
	if _, err := uc.ProcessBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}

	issue, err := st.FindIssueByFingerprint(ctx,
		codec.Hash([]byte("Cart.swift:checkout:42")))
	if err != nil {
		t.Fatal(err)
	}
	if issue == nil {
		t.Fatal("issue not found")
	}
	if issue.EventCount != 2 {
		t.Errorf("event count = %d", issue.EventCount)
	}
}

func TestProcessBatchDuplicateEventID(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}

	// Two distinct payloads carrying the same event id.
	archivePayload(t, st, p.ID, []byte(`{"event_id":"aaaa","platform":"go"}`))
	archivePayload(t, st, p.ID, []byte(`{"event_id":"aaaa","platform":"rust"}`))

	uc := digest.NewUseCase(st)
	n, err := uc.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	// Only the stored report counts; the duplicate does not.
	if n != 1 {
		t.Errorf("processed = %d", n)
	}

	if c, _ := st.CountReports(ctx); c != 1 {
		t.Errorf("reports = %d", c)
	}
	// The duplicate settles quietly: no error entry, queue drained.
	if e, _ := st.CountQueueErrors(ctx); e != 0 {
		t.Errorf("queue errors = %d", e)
	}
	if q, _ := st.CountQueued(ctx); q != 0 {
		t.Errorf("queued = %d", q)
	}
}

func TestProcessBatchMalformedPayload(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	hash := archivePayload(t, st, p.ID, []byte("this is not json at all"))

	uc := digest.NewUseCase(st)
	n, err := uc.ProcessBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	// A failed archive is parked, not counted as processed.
	if n != 0 {
		t.Errorf("processed = %d", n)
	}

	errs, err := st.ListQueueErrors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].ArchiveHash != hash {
		t.Fatalf("queue errors = %+v", errs)
	}
	if q, _ := st.CountQueued(ctx); q != 0 {
		t.Errorf("queued = %d", q)
	}
	if c, _ := st.CountReports(ctx); c != 0 {
		t.Errorf("reports = %d", c)
	}
}

func TestProcessBatchMissingArchive(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, "no-such-archive"); err != nil {
		t.Fatal(err)
	}

	uc := digest.NewUseCase(st)
	if _, err := uc.ProcessBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if e, _ := st.CountQueueErrors(ctx); e != 1 {
		t.Errorf("queue errors = %d", e)
	}
}

func TestProcessBatchEnvelopeWithSession(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}

	env := `{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc"}
{"type":"session"}
{"sid":"sess-9","init":true,"started":"2026-08-26T09:00:00Z","timestamp":"2026-08-26T09:10:00Z","status":"crashed","errors":1}
{"type":"event"}
{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc","platform":"cocoa","timestamp":"2026-08-26T09:10:00Z"}
`
	archivePayload(t, st, p.ID, []byte(env))

	uc := digest.NewUseCase(st)
	if _, err := uc.ProcessBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}

	r, err := st.FindReportByEventID(ctx, "9ec79c33ec9942ab8353589fcb2e04dc")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("report not stored")
	}
	if r.SessionID == nil {
		t.Fatal("report not linked to session")
	}

	sess, err := st.FindSessionBySID(ctx, p.ID, "sess-9")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil || sess.ID != *r.SessionID {
		t.Error("session linkage mismatch")
	}
	status, err := st.DictValue(ctx, store.DictSessionStatus, sess.StatusID)
	if err != nil {
		t.Fatal(err)
	}
	if status != "crashed" {
		t.Errorf("status = %q", status)
	}
}

func TestProcessBatchMissingEventID(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	archivePayload(t, st, p.ID, []byte(`{"platform":"go","message":"no id"}`))

	uc := digest.NewUseCase(st)
	if _, err := uc.ProcessBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}
	c, err := st.CountReports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != 1 {
		t.Errorf("reports = %d; generated event id expected", c)
	}
}

func TestWorkerDrainsQueue(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := st.CreateProject(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	archivePayload(t, st, p.ID, []byte(`{"event_id":"bbbb","platform":"go"}`))

	w := digest.NewWorker(digest.NewUseCase(st), 10*time.Millisecond, 9*time.Millisecond, 5)
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := st.CountQueued(context.Background()); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	w.Shutdown()

	if n, _ := st.CountQueued(context.Background()); n != 0 {
		t.Errorf("queued = %d", n)
	}
	if c, _ := st.CountReports(context.Background()); c != 1 {
		t.Errorf("reports = %d", c)
	}
}
