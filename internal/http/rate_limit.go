package httpx

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateSweepInterval = 5 * time.Minute

// RateDecision is the outcome of counting one request against a quota.
type RateDecision struct {
	Allowed bool
	Count   int
	Reset   time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) RateDecision
	Close()
}

// rateRule names a quota and how requests are keyed against it.
type rateRule struct {
	name   string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

type windowCounter struct {
	count int
	reset time.Time
}

// memoryRateLimiter keeps counters in process. Expired counters are dropped
// by the first Allow after each sweep interval.
type memoryRateLimiter struct {
	mu        sync.Mutex
	counters  map[string]windowCounter
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{counters: make(map[string]windowCounter), now: time.Now}
}

func (m *memoryRateLimiter) Allow(key string, limit int, window time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.After(m.nextSweep) {
		m.sweep(now)
		m.nextSweep = now.Add(rateSweepInterval)
	}
	c := m.counters[key]
	if !now.Before(c.reset) {
		c = windowCounter{reset: now.Add(window)}
	}
	if c.count >= limit {
		return RateDecision{Count: c.count, Reset: c.reset}
	}
	c.count++
	m.counters[key] = c
	return RateDecision{Allowed: true, Count: c.count, Reset: c.reset}
}

// sweep must be called with mu held.
func (m *memoryRateLimiter) sweep(now time.Time) {
	for key, c := range m.counters {
		if !now.Before(c.reset) {
			delete(m.counters, key)
		}
	}
}

func (m *memoryRateLimiter) Close() {}

// throttle applies rule to next. Rejected requests get 429 with Retry-After.
func (r *Router) throttle(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key := rule.key(req)
		if key == "" {
			key = keyByIP(req)
		}
		d := r.limiter.Allow(rule.name+"|"+key, rule.limit, rule.window)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rule.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(max(rule.limit-d.Count, 0)))
		if !d.Reset.IsZero() {
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		}
		if d.Allowed {
			next(w, req)
			return
		}
		if wait := time.Until(d.Reset); wait > 0 {
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		kind, _, _ := strings.Cut(key, ":")
		r.recordRateLimitHit(rule.name, kind)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

// keyByPrincipal returns "" for anonymous requests, which throttle then keys
// by address.
func keyByPrincipal(req *http.Request) string {
	if p, ok := principalFromContext(req.Context()); ok && p.ID != "" {
		return "principal:" + p.ID
	}
	return ""
}

func keyByIP(req *http.Request) string {
	if ip := clientIP(req); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	addr := strings.TrimSpace(req.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
