package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/crashcache/codec"
	"github.com/hazyhaar/crashcache/dbopen"
	"github.com/hazyhaar/crashcache/ingest"
	"github.com/hazyhaar/crashcache/shield"
	"github.com/hazyhaar/crashcache/store"

	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)

	uc := ingest.NewUseCase(st, 1<<20, 10<<20, 2)
	projects := ingest.NewProjectCache(st, time.Minute)
	health := ingest.NewHealthCache(context.Background(), st)

	r := chi.NewRouter()
	ingest.NewHandler(uc, projects, health).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return st, srv
}

func createProject(t *testing.T, st *store.Store, key string) *store.Project {
	t.Helper()
	p, err := st.CreateProject(context.Background(), "test", key)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func postBody(t *testing.T, url, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestStoreEndpoint(t *testing.T) {
	st, srv := newTestServer(t)
	p := createProject(t, st, "pubkey1")

	event := `{"event_id":"abc","message":"boom"}`
	url := srv.URL + "/api/1/store?sentry_key=pubkey1"
	resp, body := postBody(t, url, event, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	hash, _ := body["id"].(string)
	if hash == "" {
		t.Fatal("no id in response")
	}

	ctx := context.Background()
	a, err := st.FindArchive(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("archive not stored")
	}
	if a.ProjectID != p.ID {
		t.Errorf("archive project = %d", a.ProjectID)
	}
	if a.OriginalSize == nil || *a.OriginalSize != int64(len(event)) {
		t.Errorf("original size = %v", a.OriginalSize)
	}
	decompressed, err := codec.Decompress(a.CompressedPayload)
	if err != nil {
		t.Fatal(err)
	}
	if string(decompressed) != event {
		t.Error("payload round trip mismatch")
	}

	n, err := st.CountQueued(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("queued = %d", n)
	}

	// Same payload again: same id, still one queue entry.
	resp, body = postBody(t, url, event, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	if body["id"] != hash {
		t.Errorf("duplicate id = %v", body["id"])
	}
	n, _ = st.CountQueued(ctx)
	if n != 1 {
		t.Errorf("queued after duplicate = %d", n)
	}
}

func TestStoreGzipPassthrough(t *testing.T) {
	st, srv := newTestServer(t)
	createProject(t, st, "")

	event := []byte(`{"event_id":"abc"}`)
	compressed, err := codec.Compress(event)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", srv.URL+"/api/1/store?sentry_key=any",
		bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Stored verbatim: the hash is over the client's bytes and the
	// original size is unknown.
	a, err := st.FindArchive(context.Background(), codec.Hash(compressed))
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("archive not stored under client hash")
	}
	if a.OriginalSize != nil {
		t.Errorf("original size = %v, want nil", *a.OriginalSize)
	}
}

func TestStoreAuth(t *testing.T) {
	st, srv := newTestServer(t)
	createProject(t, st, "pubkey1")

	// No key at all.
	resp, body := postBody(t, srv.URL+"/api/1/store", `{}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", resp.StatusCode)
	}
	if body["error"] != "Missing sentry_key" {
		t.Errorf("missing key error = %v", body["error"])
	}

	// Wrong key.
	resp, body = postBody(t, srv.URL+"/api/1/store?sentry_key=wrong", `{}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", resp.StatusCode)
	}
	if body["error"] != "Invalid public key" {
		t.Errorf("wrong key error = %v", body["error"])
	}

	// Key via X-Sentry-Auth header.
	resp, _ = postBody(t, srv.URL+"/api/1/store", `{}`, map[string]string{
		"X-Sentry-Auth": "Sentry sentry_key=pubkey1, sentry_version=7",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("header auth status = %d", resp.StatusCode)
	}

	// Unknown project.
	resp, body = postBody(t, srv.URL+"/api/99/store?sentry_key=pubkey1", `{}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown project status = %d", resp.StatusCode)
	}
	if body["error"] != "Project not found" {
		t.Errorf("unknown project error = %v", body["error"])
	}
}

func TestEnvelopeWithEvent(t *testing.T) {
	st, srv := newTestServer(t)
	createProject(t, st, "")

	env := `{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc"}
{"type":"event"}
{"message":"boom"}
`
	resp, body := postBody(t, srv.URL+"/api/1/envelope?sentry_key=k", env, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["id"] == "" {
		t.Fatal("no id in response")
	}
	n, err := st.CountQueued(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("queued = %d", n)
	}
}

func TestEnvelopeSessionsOnly(t *testing.T) {
	st, srv := newTestServer(t)
	p := createProject(t, st, "")

	env := `{"sent_at":"2026-08-26T10:00:00Z"}
{"type":"session"}
{"sid":"s1","init":true,"started":"2026-08-26T10:00:00Z","timestamp":"2026-08-26T10:00:05Z","status":"exited","attrs":{"release":"app@1.0.0"}}
`
	resp, body := postBody(t, srv.URL+"/api/1/envelope?sentry_key=k", env, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v", body["sessions"])
	}

	ctx := context.Background()
	sess, err := st.FindSessionBySID(ctx, p.ID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil {
		t.Fatal("session not stored")
	}
	if !sess.Init {
		t.Error("init flag lost")
	}

	// No archive, no queue entry.
	if n, _ := st.CountArchives(ctx); n != 0 {
		t.Errorf("archives = %d", n)
	}
	if n, _ := st.CountQueued(ctx); n != 0 {
		t.Errorf("queued = %d", n)
	}
}

func TestEnvelopeGzipSessionsOnly(t *testing.T) {
	st, srv := newTestServer(t)
	p := createProject(t, st, "")

	// No timestamp on the session item: started stands in for it.
	env := `{"sent_at":"2026-08-26T10:00:00Z"}
{"type":"session"}
{"sid":"s1","init":true,"started":"2026-08-26T10:00:00Z","status":"exited"}
`
	compressed, err := codec.Compress([]byte(env))
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", srv.URL+"/api/1/envelope/?sentry_key=k",
		bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["sessions"] != float64(1) {
		t.Fatalf("body = %v, want sessions count", body)
	}

	// Stored inline like a plain session envelope: no archive, no queue.
	ctx := context.Background()
	sess, err := st.FindSessionBySID(ctx, p.ID, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess == nil {
		t.Fatal("session not stored")
	}
	if sess.Timestamp != sess.StartedAt {
		t.Errorf("timestamp = %q, want started time %q", sess.Timestamp, sess.StartedAt)
	}
	if n, _ := st.CountArchives(ctx); n != 0 {
		t.Errorf("archives = %d", n)
	}
	if n, _ := st.CountQueued(ctx); n != 0 {
		t.Errorf("queued = %d", n)
	}
}

func TestEnvelopeGzipWithEvent(t *testing.T) {
	st, srv := newTestServer(t)
	createProject(t, st, "")

	env := `{"event_id":"9ec79c33ec9942ab8353589fcb2e04dc"}
{"type":"event"}
{"message":"boom"}
`
	compressed, err := codec.Compress([]byte(env))
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest("POST", srv.URL+"/api/1/envelope?sentry_key=k",
		bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The compressed bytes are archived verbatim under the client hash.
	a, err := st.FindArchive(context.Background(), codec.Hash(compressed))
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("archive not stored")
	}
	if n, _ := st.CountQueued(context.Background()); n != 1 {
		t.Errorf("queued = %d", n)
	}
}

func TestEnvelopeEmpty(t *testing.T) {
	st, srv := newTestServer(t)
	createProject(t, st, "")

	env := `{"sent_at":"2026-08-26T10:00:00Z"}
{"type":"attachment","length":3}
abc
`
	resp, body := postBody(t, srv.URL+"/api/1/envelope?sentry_key=k", env, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["error"] != "No event or session in envelope" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status  string           `json:"status"`
		Service string           `json:"service"`
		Stats   map[string]int64 `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Service != "crash-cache" {
		t.Errorf("body = %+v", body)
	}
	for _, key := range []string{"ingested", "digested", "queued", "regurgitated", "orphaned"} {
		if _, ok := body.Stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}

func TestTransportBodyCap(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	createProject(t, st, "")

	// Wired the way serve does it: the wire cap is the compressed limit,
	// so a plain body between the compressed and uncompressed limits is
	// rejected at the edge.
	uc := ingest.NewUseCase(st, 64, 1<<20, 2)
	projects := ingest.NewProjectCache(st, time.Minute)
	health := ingest.NewHealthCache(context.Background(), st)

	r := chi.NewRouter()
	r.Use(shield.MaxBody(64))
	ingest.NewHandler(uc, projects, health).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	body := strings.Repeat("x", 200)
	resp, decoded := postBody(t, srv.URL+"/api/1/store?sentry_key=k", body, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if decoded["error"] != "Payload too large" {
		t.Errorf("error = %v", decoded["error"])
	}
}

func TestConditionTooLarge(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	uc := ingest.NewUseCase(store.New(db), 16, 16, 1)

	if _, _, err := uc.Condition(make([]byte, 32), ""); err == nil {
		t.Error("oversized plain body accepted")
	}
	if _, _, err := uc.Condition(make([]byte, 32), "gzip"); err == nil {
		t.Error("oversized gzip body accepted")
	}
}

func TestProjectCacheKeyChange(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	ctx := context.Background()

	p, err := st.CreateProject(ctx, "app", "oldkey")
	if err != nil {
		t.Fatal(err)
	}

	cache := ingest.NewProjectCache(st, time.Minute)
	if err := cache.Validate(ctx, p.ID, "oldkey"); err != nil {
		t.Fatal(err)
	}
	// A different key is not served from cache and fails on the db.
	if err := cache.Validate(ctx, p.ID, "newkey"); err == nil {
		t.Error("stale cache accepted a different key")
	}
}
