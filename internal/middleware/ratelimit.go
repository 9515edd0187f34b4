package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/templui/provenance/internal/cache"
	"github.com/templui/provenance/internal/ctxkeys"
)

var rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "provenance_rate_limited_total",
	Help: "Requests refused by the per-IP rate limiter.",
}, []string{"scope"})

// RateLimiter counts requests per IP in fixed windows. Counters live in the
// shared cache so every instance sees the same totals when Redis is configured.
type RateLimiter struct {
	store  cache.Store
	scope  string
	limit  int64         // Max requests allowed
	window time.Duration // Time window for rate limiting
	now    func() time.Time
}

func NewRateLimiter(store cache.Store, scope string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		store:  store,
		scope:  scope,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

// Allow checks if request from IP should be allowed. A failing counter store lets the request through.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	bucket := rl.now().UnixNano() / int64(rl.window)
	key := "ratelimit:" + rl.scope + ":" + ip + ":" + strconv.FormatInt(bucket, 10)

	n, err := rl.store.IncrBy(ctx, key, 1, rl.window)
	if err != nil {
		slog.Warn("rate limit counter unavailable", "scope", rl.scope, "error", err)
		return true
	}
	return n <= rl.limit
}

// Limit wraps a handler with the limiter
func (rl *RateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := ctxkeys.ClientIP(r.Context())
		if ip == "" {
			ip = clientIP(r)
		}

		if !rl.Allow(r.Context(), ip) {
			rateLimitedTotal.WithLabelValues(rl.scope).Inc()
			slog.Warn("rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"scope", rl.scope,
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}

		next(w, r)
	}
}

// clientIP extracts real client IP from request
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (proxy/load balancer)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take first IP in list
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	// Check X-Real-IP header
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fallback to RemoteAddr
	ip := r.RemoteAddr
	// Remove port if present
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	return strings.Trim(ip, "[]")
}
