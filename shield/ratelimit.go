package shield

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// Tier names the limit that blocked a request.
type Tier int

const (
	TierGlobal Tier = iota
	TierIP
	TierProject
)

func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "global"
	case TierIP:
		return "ip"
	case TierProject:
		return "project"
	default:
		return "unknown"
	}
}

// Limits configures the three rate-limit tiers in requests per second.
// A tier with rate 0 is disabled. Burst is rate times BurstMultiplier.
type Limits struct {
	GlobalPerSec     float64
	PerIPPerSec      float64
	PerProjectPerSec float64
	BurstMultiplier  float64
}

// keyedLimiters caps the number of tracked keys so an address scan cannot
// grow the map without bound. On overflow the map is reset; the brief
// window of extra allowance is acceptable.
const maxTrackedKeys = 16384

// Limiter enforces global, per-IP and per-project token buckets.
type Limiter struct {
	limits Limits
	global *rate.Limiter

	mu        sync.Mutex
	byIP      map[string]*rate.Limiter
	byProject map[string]*rate.Limiter

	// OnBlocked is invoked for every rejected request, off the hot path
	// concerns of the caller (it must not block).
	OnBlocked func(tier Tier, ip, project string)
}

// NewLimiter builds a limiter from the configured rates.
func NewLimiter(limits Limits) *Limiter {
	if limits.BurstMultiplier <= 0 {
		limits.BurstMultiplier = 2
	}
	l := &Limiter{
		limits:    limits,
		byIP:      make(map[string]*rate.Limiter),
		byProject: make(map[string]*rate.Limiter),
	}
	if limits.GlobalPerSec > 0 {
		l.global = rate.NewLimiter(rate.Limit(limits.GlobalPerSec), burst(limits.GlobalPerSec, limits.BurstMultiplier))
	}
	return l
}

func burst(perSec, multiplier float64) int {
	b := int(perSec * multiplier)
	if b < 1 {
		b = 1
	}
	return b
}

func (l *Limiter) limiterFor(m map[string]*rate.Limiter, key string, perSec float64) *rate.Limiter {
	if lim, ok := m[key]; ok {
		return lim
	}
	if len(m) >= maxTrackedKeys {
		clear(m)
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst(perSec, l.limits.BurstMultiplier))
	m[key] = lim
	return lim
}

// Allow checks all enabled tiers for one request. It returns the first
// tier that rejects, global before IP before project.
func (l *Limiter) Allow(ip, project string) (Tier, bool) {
	if l.global != nil && !l.global.Allow() {
		return TierGlobal, false
	}
	if l.limits.PerIPPerSec > 0 && ip != "" {
		l.mu.Lock()
		lim := l.limiterFor(l.byIP, ip, l.limits.PerIPPerSec)
		l.mu.Unlock()
		if !lim.Allow() {
			return TierIP, false
		}
	}
	if l.limits.PerProjectPerSec > 0 && project != "" {
		l.mu.Lock()
		lim := l.limiterFor(l.byProject, project, l.limits.PerProjectPerSec)
		l.mu.Unlock()
		if !lim.Allow() {
			return TierProject, false
		}
	}
	return 0, true
}

// Middleware rejects over-limit requests with a 429 JSON body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ExtractIP(r)
		project := ProjectFromPath(r.URL.Path)

		tier, ok := l.Allow(ip, project)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "tier", tier.String(), "ip", ip, "project", project)
		if l.OnBlocked != nil {
			l.OnBlocked(tier, ip, project)
		}

		w.Header().Set("Retry-After", "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
		})
	})
}
