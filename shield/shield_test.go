package shield_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/crashcache/shield"
)

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:4431"
	if got := shield.ExtractIP(r); got != "203.0.113.9" {
		t.Errorf("ExtractIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 203.0.113.9")
	if got := shield.ExtractIP(r); got != "198.51.100.4" {
		t.Errorf("ExtractIP with XFF = %q", got)
	}
}

func TestProjectFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/7/store":     "7",
		"/api/7/envelope/": "7",
		"/api/42/store":    "42",
		"/health":          "",
		"/api":             "",
		"/other/7/store":   "",
	}
	for path, want := range cases {
		if got := shield.ProjectFromPath(path); got != want {
			t.Errorf("ProjectFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLimiterDisabledTiers(t *testing.T) {
	l := shield.NewLimiter(shield.Limits{})
	for i := 0; i < 100; i++ {
		if _, ok := l.Allow("1.2.3.4", "7"); !ok {
			t.Fatal("disabled limiter blocked a request")
		}
	}
}

func TestLimiterGlobalBlocks(t *testing.T) {
	l := shield.NewLimiter(shield.Limits{GlobalPerSec: 1, BurstMultiplier: 1})

	if _, ok := l.Allow("1.2.3.4", ""); !ok {
		t.Fatal("first request blocked")
	}
	tier, ok := l.Allow("1.2.3.4", "")
	if ok {
		t.Fatal("burst-exhausted request allowed")
	}
	if tier != shield.TierGlobal {
		t.Errorf("tier = %v", tier)
	}
}

func TestLimiterPerIPIsolation(t *testing.T) {
	l := shield.NewLimiter(shield.Limits{PerIPPerSec: 1, BurstMultiplier: 1})

	if _, ok := l.Allow("1.1.1.1", ""); !ok {
		t.Fatal("first request from A blocked")
	}
	if tier, ok := l.Allow("1.1.1.1", ""); ok || tier != shield.TierIP {
		t.Errorf("second request from A: ok=%v tier=%v", ok, tier)
	}
	// A different address has its own bucket.
	if _, ok := l.Allow("2.2.2.2", ""); !ok {
		t.Error("request from B blocked by A's bucket")
	}
}

func TestLimiterPerProject(t *testing.T) {
	l := shield.NewLimiter(shield.Limits{PerProjectPerSec: 1, BurstMultiplier: 1})

	if _, ok := l.Allow("1.1.1.1", "7"); !ok {
		t.Fatal("first request blocked")
	}
	if tier, ok := l.Allow("9.9.9.9", "7"); ok || tier != shield.TierProject {
		t.Errorf("same project from other ip: ok=%v tier=%v", ok, tier)
	}
	if _, ok := l.Allow("1.1.1.1", "8"); !ok {
		t.Error("other project blocked")
	}
}

func TestMiddlewareBlockedResponse(t *testing.T) {
	l := shield.NewLimiter(shield.Limits{GlobalPerSec: 1, BurstMultiplier: 1})

	var blockedTier shield.Tier
	var blockedProject string
	l.OnBlocked = func(tier shield.Tier, ip, project string) {
		blockedTier = tier
		blockedProject = project
	}

	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/7/store", nil)
	req.RemoteAddr = "1.2.3.4:999"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "rate limit exceeded") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if blockedTier != shield.TierGlobal || blockedProject != "7" {
		t.Errorf("callback tier=%v project=%q", blockedTier, blockedProject)
	}
}

func TestMaxBody(t *testing.T) {
	h := shield.MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("small")))
	if rec.Code != http.StatusOK {
		t.Errorf("small body status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("way too large body")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", rec.Code)
	}
}

func TestRecordLatency(t *testing.T) {
	var endpoint string
	called := false
	h := shield.RecordLatency(func(e string, ms int64) {
		endpoint = e
		called = true
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
	if !called {
		t.Fatal("latency callback not invoked")
	}
	if endpoint != "/health" {
		t.Errorf("endpoint = %q", endpoint)
	}
}
