// Package analytics aggregates operational events (rate-limit hits,
// request latencies) into minute buckets and flushes them to the store on
// an interval. Recording never blocks the request path: events go through
// a bounded channel and are dropped when the collector falls behind.
package analytics

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/crashcache/store"
)

// Kind discriminates collector events.
type Kind int

const (
	KindRateLimitGlobal Kind = iota
	KindRateLimitSubnet
	KindRateLimitDSN
	KindRequestLatency
)

// Event is one occurrence to aggregate.
type Event struct {
	Kind       Kind
	IP         string
	DSN        string
	Endpoint   string
	DurationMs int64
}

// Collector owns the event channel and the in-memory buffer. All buffer
// access happens on the run goroutine.
type Collector struct {
	events        chan Event
	flushInterval time.Duration
	retention     time.Duration
	st            *store.Store
	buf           *buffer
	done          chan struct{}
}

// New builds a collector flushing every flushInterval and trimming
// buckets older than retention once an hour.
func New(st *store.Store, bufferSize int, flushInterval, retention time.Duration) *Collector {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Collector{
		events:        make(chan Event, bufferSize),
		flushInterval: flushInterval,
		retention:     retention,
		st:            st,
		buf:           newBuffer(),
		done:          make(chan struct{}),
	}
}

// Record queues an event. When the channel is full the event is dropped;
// analytics are best effort and must not slow down ingestion.
func (c *Collector) Record(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Debug("analytics: event dropped, buffer full")
	}
}

// Run drains events until ctx is cancelled, then does a final flush.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case ev := <-c.events:
			c.buf.add(ev)
		case <-flush.C:
			c.flush(context.Background())
		case <-cleanup.C:
			removed, err := c.st.CleanupBuckets(context.Background(), c.retention)
			if err != nil {
				slog.Warn("analytics: bucket cleanup failed", "error", err)
			} else if removed > 0 {
				slog.Info("analytics: expired buckets removed", "rows", removed)
			}
		case <-ctx.Done():
			c.drain()
			c.flush(context.Background())
			return
		}
	}
}

// Wait blocks until Run has returned.
func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) drain() {
	for {
		select {
		case ev := <-c.events:
			c.buf.add(ev)
		default:
			return
		}
	}
}

// flush writes the buffered totals into the bucket for the current
// minute. Flushes landing inside the same minute accumulate into the
// same rows through the store's upserts.
func (c *Collector) flush(ctx context.Context) {
	b := c.buf
	if b.empty() {
		return
	}
	c.buf = newBuffer()

	bucket := time.Now().Truncate(time.Minute).UnixMilli()
	if b.global > 0 {
		if err := c.st.AddRateLimitGlobal(ctx, bucket, b.global); err != nil {
			slog.Warn("analytics: flush failed", "bucket", "global", "error", err)
		}
	}
	for subnet, hits := range b.subnet {
		if err := c.st.AddRateLimitSubnet(ctx, subnet, bucket, hits); err != nil {
			slog.Warn("analytics: flush failed", "bucket", "subnet", "error", err)
		}
	}
	for dsn, hits := range b.dsn {
		if err := c.st.AddRateLimitDSN(ctx, dsn, nil, bucket, hits); err != nil {
			slog.Warn("analytics: flush failed", "bucket", "dsn", "error", err)
		}
	}
	for endpoint, agg := range b.latency {
		if err := c.st.AddRequestLatency(ctx, endpoint, bucket,
			agg.count, agg.totalMs, agg.minMs, agg.maxMs); err != nil {
			slog.Warn("analytics: flush failed", "bucket", "latency", "error", err)
		}
	}
}

type latencyAgg struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

type buffer struct {
	global  int64
	subnet  map[string]int64
	dsn     map[string]int64
	latency map[string]latencyAgg
}

func newBuffer() *buffer {
	return &buffer{
		subnet:  make(map[string]int64),
		dsn:     make(map[string]int64),
		latency: make(map[string]latencyAgg),
	}
}

func (b *buffer) empty() bool {
	return b.global == 0 && len(b.subnet) == 0 &&
		len(b.dsn) == 0 && len(b.latency) == 0
}

func (b *buffer) add(ev Event) {
	switch ev.Kind {
	case KindRateLimitGlobal:
		b.global++
	case KindRateLimitSubnet:
		b.subnet[SubnetForIP(ev.IP)]++
	case KindRateLimitDSN:
		b.dsn[ev.DSN]++
	case KindRequestLatency:
		agg, ok := b.latency[ev.Endpoint]
		if !ok {
			agg = latencyAgg{minMs: ev.DurationMs, maxMs: ev.DurationMs}
		}
		agg.count++
		agg.totalMs += ev.DurationMs
		if ev.DurationMs < agg.minMs {
			agg.minMs = ev.DurationMs
		}
		if ev.DurationMs > agg.maxMs {
			agg.maxMs = ev.DurationMs
		}
		b.latency[ev.Endpoint] = agg
	}
}

// SubnetForIP collapses an address to its subnet prefix: the first three
// octets for IPv4, the first four hextets for IPv6. Anything unparseable
// is kept as-is.
func SubnetForIP(ip string) string {
	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[:4], ":")
		}
		return ip
	}
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ".")
	}
	return ip
}
