package store

import (
	"context"
	"fmt"
	"time"
)

// The analytics flush writes one upsert per bucket with the counts
// accumulated in memory, instead of one statement per event.

// AddRateLimitGlobal adds hits to the global rate-limit bucket starting
// at bucketStart (unix milliseconds, minute aligned).
func (s *Store) AddRateLimitGlobal(ctx context.Context, bucketStart, hits int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bucket_rate_limit_global (bucket_start, hit_count) VALUES (?, ?)
		 ON CONFLICT(bucket_start) DO UPDATE SET hit_count = hit_count + excluded.hit_count`,
		bucketStart, hits)
	if err != nil {
		return fmt.Errorf("store: rate limit global bucket: %w", err)
	}
	return nil
}

// AddRateLimitDSN adds hits to the per-DSN rate-limit bucket. projectID
// is nil when the DSN did not resolve to a registered project.
func (s *Store) AddRateLimitDSN(ctx context.Context, dsn string, projectID *int64, bucketStart, hits int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bucket_rate_limit_dsn (dsn, project_id, bucket_start, hit_count)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(dsn, bucket_start) DO UPDATE SET hit_count = hit_count + excluded.hit_count`,
		dsn, projectID, bucketStart, hits)
	if err != nil {
		return fmt.Errorf("store: rate limit dsn bucket: %w", err)
	}
	return nil
}

// AddRateLimitSubnet adds hits to the per-subnet rate-limit bucket.
func (s *Store) AddRateLimitSubnet(ctx context.Context, subnet string, bucketStart, hits int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bucket_rate_limit_subnet (subnet, bucket_start, hit_count)
		 VALUES (?, ?, ?)
		 ON CONFLICT(subnet, bucket_start) DO UPDATE SET hit_count = hit_count + excluded.hit_count`,
		subnet, bucketStart, hits)
	if err != nil {
		return fmt.Errorf("store: rate limit subnet bucket: %w", err)
	}
	return nil
}

// AddRequestLatency folds aggregated latency figures for one endpoint
// into its minute bucket.
func (s *Store) AddRequestLatency(ctx context.Context, endpoint string, bucketStart, count, totalMs, minMs, maxMs int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bucket_request_latency
		 (endpoint, bucket_start, request_count, total_ms, min_ms, max_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint, bucket_start) DO UPDATE SET
		   request_count = request_count + excluded.request_count,
		   total_ms = total_ms + excluded.total_ms,
		   min_ms = MIN(min_ms, excluded.min_ms),
		   max_ms = MAX(max_ms, excluded.max_ms)`,
		endpoint, bucketStart, count, totalMs, minMs, maxMs)
	if err != nil {
		return fmt.Errorf("store: request latency bucket: %w", err)
	}
	return nil
}

// CleanupBuckets deletes analytics buckets older than the retention
// window and returns the number of rows removed.
func (s *Store) CleanupBuckets(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	var total int64
	for _, table := range []string{
		"bucket_rate_limit_global",
		"bucket_rate_limit_dsn",
		"bucket_rate_limit_subnet",
		"bucket_request_latency",
	} {
		res, err := s.q.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE bucket_start < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("store: cleanup %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("store: cleanup %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
