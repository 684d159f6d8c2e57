package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/crashcache/config"
)

var required = map[string]string{
	"DATABASE_URL":                   "crashcache.db",
	"SERVER_HOST":                    "127.0.0.1",
	"SERVER_PORT":                    "3000",
	"WORKER_INTERVAL_SECS":           "10",
	"WORKER_REPORTS_BATCH_SIZE":      "50",
	"MAX_CONCURRENT_COMPRESSIONS":    "4",
	"MAX_COMPRESSED_PAYLOAD_BYTES":   "1 * 1024 * 1024",
	"MAX_UNCOMPRESSED_PAYLOAD_BYTES": "10 * 1024 * 1024",
	"RATE_LIMIT_GLOBAL_PER_SEC":      "100",
	"RATE_LIMIT_PER_IP_PER_SEC":      "10",
	"RATE_LIMIT_PER_PROJECT_PER_SEC": "20",
	"RATE_LIMIT_BURST_MULTIPLIER":    "2",
	"ANALYTICS_FLUSH_INTERVAL_SECS":  "30",
	"ANALYTICS_RETENTION_DAYS":       "30",
	"ANALYTICS_BUFFER_SIZE":          "1024",
	"DATABASE_POOL_SIZE":             "5",
	"DATABASE_POOL_TIMEOUT_SECS":     "30",
}

func setAll(t *testing.T) {
	t.Helper()
	for k, v := range required {
		t.Setenv(k, v)
	}
}

func TestLoadComplete(t *testing.T) {
	setAll(t)

	s, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.ListenAddr() != "127.0.0.1:3000" {
		t.Errorf("listen addr = %q", s.ListenAddr())
	}
	if s.MaxCompressedPayloadBytes != 1<<20 {
		t.Errorf("max compressed = %d", s.MaxCompressedPayloadBytes)
	}
	if s.MaxUncompressedPayloadBytes != 10<<20 {
		t.Errorf("max uncompressed = %d", s.MaxUncompressedPayloadBytes)
	}
	if s.WorkerInterval() != 10*time.Second {
		t.Errorf("interval = %v", s.WorkerInterval())
	}
	if s.WorkerBudget() != 9*time.Second {
		t.Errorf("budget = %v", s.WorkerBudget())
	}
	if s.AnalyticsRetention() != 30*24*time.Hour {
		t.Errorf("retention = %v", s.AnalyticsRetention())
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setAll(t)
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	if !errors.Is(err, config.ErrMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setAll(t)
	t.Setenv("SERVER_PORT", "99999")

	if _, err := config.Load(); err == nil {
		t.Fatal("out-of-range port accepted")
	}

	setAll(t)
	t.Setenv("WORKER_INTERVAL_SECS", "0")
	if _, err := config.Load(); err == nil {
		t.Fatal("zero interval accepted")
	}
}

func TestYAMLSeedWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashcache.yaml")
	yaml := ""
	for k, v := range required {
		yaml += k + ": \"" + v + "\"\n"
	}
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	for k := range required {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("CRASHCACHE_CONFIG", path)
	t.Setenv("SERVER_PORT", "4000")

	s, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.ServerPort != 4000 {
		t.Errorf("env override ignored, port = %d", s.ServerPort)
	}
	if s.DatabaseURL != "crashcache.db" {
		t.Errorf("yaml seed ignored, url = %q", s.DatabaseURL)
	}
}

func TestParseIntExpr(t *testing.T) {
	cases := map[string]int64{
		"42":               42,
		"2 * 3":            6,
		"10 * 1024 * 1024": 10485760,
	}
	for in, want := range cases {
		got, err := config.ParseIntExpr(in)
		if err != nil {
			t.Fatalf("ParseIntExpr(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseIntExpr(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := config.ParseIntExpr("two * 3"); err == nil {
		t.Error("non-numeric factor accepted")
	}
}
