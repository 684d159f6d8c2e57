// Package config loads the collector settings. Every setting comes from
// an environment variable; an optional YAML file named by
// CRASHCACHE_CONFIG seeds values that the environment then overrides.
//
// Numeric values accept small multiplication expressions so sizes can be
// written readably: "10 * 1024 * 1024".
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissing wraps the name of a required setting with no value.
var ErrMissing = errors.New("config: missing required setting")

// Settings is the complete runtime configuration.
type Settings struct {
	DatabaseURL string
	ServerHost  string
	ServerPort  int

	WorkerIntervalSecs     int64
	WorkerReportsBatchSize int

	MaxConcurrentCompressions   int64
	MaxCompressedPayloadBytes   int64
	MaxUncompressedPayloadBytes int64

	RateLimitGlobalPerSec     float64
	RateLimitPerIPPerSec      float64
	RateLimitPerProjectPerSec float64
	RateLimitBurstMultiplier  float64

	AnalyticsFlushIntervalSecs int64
	AnalyticsRetentionDays     int64
	AnalyticsBufferSize        int

	DatabasePoolSize        int
	DatabasePoolTimeoutSecs int64
}

// ListenAddr returns the host:port the server binds.
func (s *Settings) ListenAddr() string {
	return net.JoinHostPort(s.ServerHost, strconv.Itoa(s.ServerPort))
}

// WorkerInterval is the digest tick period.
func (s *Settings) WorkerInterval() time.Duration {
	return time.Duration(s.WorkerIntervalSecs) * time.Second
}

// WorkerBudget is how long one digest pass may run: 90% of the interval,
// leaving headroom before the next tick.
func (s *Settings) WorkerBudget() time.Duration {
	return time.Duration(float64(s.WorkerInterval()) * 0.9)
}

// AnalyticsFlushInterval is the bucket flush period.
func (s *Settings) AnalyticsFlushInterval() time.Duration {
	return time.Duration(s.AnalyticsFlushIntervalSecs) * time.Second
}

// AnalyticsRetention is how long analytics buckets are kept.
func (s *Settings) AnalyticsRetention() time.Duration {
	return time.Duration(s.AnalyticsRetentionDays) * 24 * time.Hour
}

// DatabasePoolTimeout bounds waiting for a pool connection.
func (s *Settings) DatabasePoolTimeout() time.Duration {
	return time.Duration(s.DatabasePoolTimeoutSecs) * time.Second
}

// Load reads settings from the environment, seeded by the YAML file named
// in CRASHCACHE_CONFIG when set.
func Load() (*Settings, error) {
	seed := map[string]string{}
	if path := os.Getenv("CRASHCACHE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return load(func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		if v, ok := seed[name]; ok {
			return v, true
		}
		v, ok := seed[strings.ToLower(name)]
		return v, ok
	})
}

func load(lookup func(string) (string, bool)) (*Settings, error) {
	var s Settings
	var errs []error

	str := func(name string, dst *string) {
		v, ok := lookup(name)
		if !ok || v == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, name))
			return
		}
		*dst = v
	}
	i64 := func(name string, dst *int64) {
		v, ok := lookup(name)
		if !ok || v == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, name))
			return
		}
		n, err := ParseIntExpr(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			return
		}
		*dst = n
	}
	f64 := func(name string, dst *float64) {
		v, ok := lookup(name)
		if !ok || v == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, name))
			return
		}
		n, err := ParseFloatExpr(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
			return
		}
		*dst = n
	}
	intv := func(name string, dst *int) {
		var n int64
		i64(name, &n)
		*dst = int(n)
	}

	str("DATABASE_URL", &s.DatabaseURL)
	str("SERVER_HOST", &s.ServerHost)
	intv("SERVER_PORT", &s.ServerPort)
	i64("WORKER_INTERVAL_SECS", &s.WorkerIntervalSecs)
	intv("WORKER_REPORTS_BATCH_SIZE", &s.WorkerReportsBatchSize)
	i64("MAX_CONCURRENT_COMPRESSIONS", &s.MaxConcurrentCompressions)
	i64("MAX_COMPRESSED_PAYLOAD_BYTES", &s.MaxCompressedPayloadBytes)
	i64("MAX_UNCOMPRESSED_PAYLOAD_BYTES", &s.MaxUncompressedPayloadBytes)
	f64("RATE_LIMIT_GLOBAL_PER_SEC", &s.RateLimitGlobalPerSec)
	f64("RATE_LIMIT_PER_IP_PER_SEC", &s.RateLimitPerIPPerSec)
	f64("RATE_LIMIT_PER_PROJECT_PER_SEC", &s.RateLimitPerProjectPerSec)
	f64("RATE_LIMIT_BURST_MULTIPLIER", &s.RateLimitBurstMultiplier)
	i64("ANALYTICS_FLUSH_INTERVAL_SECS", &s.AnalyticsFlushIntervalSecs)
	i64("ANALYTICS_RETENTION_DAYS", &s.AnalyticsRetentionDays)
	intv("ANALYTICS_BUFFER_SIZE", &s.AnalyticsBufferSize)
	intv("DATABASE_POOL_SIZE", &s.DatabasePoolSize)
	i64("DATABASE_POOL_TIMEOUT_SECS", &s.DatabasePoolTimeoutSecs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects values that cannot run.
func (s *Settings) Validate() error {
	var errs []error
	bad := func(name string) {
		errs = append(errs, fmt.Errorf("config: %s must be positive", name))
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("config: SERVER_PORT out of range: %d", s.ServerPort))
	}
	if s.WorkerIntervalSecs <= 0 {
		bad("WORKER_INTERVAL_SECS")
	}
	if s.WorkerReportsBatchSize <= 0 {
		bad("WORKER_REPORTS_BATCH_SIZE")
	}
	if s.MaxConcurrentCompressions <= 0 {
		bad("MAX_CONCURRENT_COMPRESSIONS")
	}
	if s.MaxCompressedPayloadBytes <= 0 {
		bad("MAX_COMPRESSED_PAYLOAD_BYTES")
	}
	if s.MaxUncompressedPayloadBytes <= 0 {
		bad("MAX_UNCOMPRESSED_PAYLOAD_BYTES")
	}
	if s.RateLimitGlobalPerSec < 0 || s.RateLimitPerIPPerSec < 0 || s.RateLimitPerProjectPerSec < 0 {
		errs = append(errs, errors.New("config: rate limits must not be negative"))
	}
	if s.RateLimitBurstMultiplier <= 0 {
		bad("RATE_LIMIT_BURST_MULTIPLIER")
	}
	if s.AnalyticsFlushIntervalSecs <= 0 {
		bad("ANALYTICS_FLUSH_INTERVAL_SECS")
	}
	if s.AnalyticsRetentionDays <= 0 {
		bad("ANALYTICS_RETENTION_DAYS")
	}
	if s.AnalyticsBufferSize <= 0 {
		bad("ANALYTICS_BUFFER_SIZE")
	}
	if s.DatabasePoolSize <= 0 {
		bad("DATABASE_POOL_SIZE")
	}
	if s.DatabasePoolTimeoutSecs <= 0 {
		bad("DATABASE_POOL_TIMEOUT_SECS")
	}
	return errors.Join(errs...)
}

// ParseIntExpr parses an integer or a product of integers joined by '*',
// e.g. "10 * 1024 * 1024".
func ParseIntExpr(v string) (int64, error) {
	product := int64(1)
	for _, part := range strings.Split(v, "*") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		product *= n
	}
	return product, nil
}

// ParseFloatExpr is ParseIntExpr for floating point values.
func ParseFloatExpr(v string) (float64, error) {
	product := 1.0
	for _, part := range strings.Split(v, "*") {
		n, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v)
		}
		product *= n
	}
	return product, nil
}
