package admin

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// rateWindow and rateRequests define the per-IP budget:
	// 100 requests per 15 minutes.
	rateWindow   = 15 * time.Minute
	rateRequests = 100

	// limiterIdleTTL drops per-IP state not seen for this long.
	limiterIdleTTL = time.Hour
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter enforces the per-source-IP request budget.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	now     func() time.Time
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{
		entries: make(map[string]*ipEntry),
		now:     time.Now,
	}
}

// allow reports whether ip has budget left, creating state on first use.
func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Every(rateWindow/rateRequests), rateRequests)}
		l.entries[ip] = e
	}
	e.lastSeen = l.now()

	if len(l.entries) > 10_000 {
		l.pruneLocked()
	}
	return e.limiter.Allow()
}

func (l *ipLimiter) pruneLocked() {
	cutoff := l.now().Add(-limiterIdleTTL)
	for ip, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// clientIP extracts the caller address: the first X-Forwarded-For entry
// when present (we sit behind a proxy), else the connection peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
