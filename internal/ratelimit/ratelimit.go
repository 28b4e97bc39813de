// Package ratelimit provides sliding-window rate limiting with automatic
// banning for the Sentry API surface.
//
// Each key (normally a client IP) accumulates request timestamps; a request
// is limited when the count inside the rolling window reaches the limit.
// Repeated violations escalate to a timed ban that expires on its own.
package ratelimit

import (
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rivetgames/sentry/internal/metrics"
)

// Config configures the limiter.
type Config struct {
	// Limit is the max requests per key per Window.
	Limit int
	// Window is the sliding window size.
	Window time.Duration
	// BanThreshold is the number of violations before a key is banned.
	BanThreshold int
	// BanDuration is how long an automatic ban lasts.
	BanDuration time.Duration
	// CleanupInterval is how often stale request history is dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Limit:           100,
		Window:          time.Minute,
		BanThreshold:    5,
		BanDuration:     time.Hour,
		CleanupInterval: time.Minute,
	}
}

// endpointLimit is a per-endpoint-pattern override, checked before the
// global limit. First matching pattern wins.
type endpointLimit struct {
	raw     string
	pattern *regexp.Regexp
	limit   int
	window  time.Duration
}

// banEntry records an active ban. The generation distinguishes a ban from
// any earlier ban of the same key, so a stale expiry timer cannot lift a
// newer ban.
type banEntry struct {
	reason     string
	expiresAt  time.Time
	generation uint64
}

// EndpointLimitInfo describes a configured endpoint limit in Stats.
type EndpointLimitInfo struct {
	Limit  int     `json:"limit"`
	Window float64 `json:"windowSeconds"`
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	Limit          int                          `json:"limit"`
	Window         float64                      `json:"windowSeconds"`
	ActiveKeys     int                          `json:"activeKeys"`
	BannedKeys     int                          `json:"bannedKeys"`
	EndpointLimits map[string]EndpointLimitInfo `json:"endpointLimits"`
	TotalRequests  int                          `json:"totalRequests"`
}

// Limiter tracks request history, violations, and bans per key.
// All methods are safe for concurrent use.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	requests       map[string][]time.Time
	endpointLimits []endpointLimit
	violations     map[string]int
	bans           map[string]*banEntry
	generation     uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:        cfg,
		logger:     logger,
		requests:   make(map[string][]time.Time),
		violations: make(map[string]int),
		bans:       make(map[string]*banEntry),
		stop:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup drops request history for keys that have gone quiet.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.Window)
			l.mu.Lock()
			for key, ts := range l.requests {
				if len(ts) == 0 || ts[len(ts)-1].Before(cutoff) {
					delete(l.requests, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Pending ban timers still fire; their
// removal is idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// AddEndpointLimit registers a stricter limit for endpoints matching the
// given regular expression. Returns an error for an invalid pattern.
func (l *Limiter) AddEndpointLimit(pattern string, limit int, window time.Duration) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpointLimits = append(l.endpointLimits, endpointLimit{
		raw:     pattern,
		pattern: re,
		limit:   limit,
		window:  window,
	})
	l.logger.Debug("endpoint limit added", "pattern", pattern, "limit", limit, "window", window)
	return nil
}

// IsRateLimited reports whether a request from key should be rejected.
// Endpoint-specific limits are checked before the global limit; a request
// that is not limited records its own timestamp, so the window maintains
// itself without a separate sweep.
func (l *Limiter) IsRateLimited(key, endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bans[key] != nil {
		return true
	}

	now := time.Now()

	// Drop timestamps that fell out of the global window.
	ts := l.requests[key]
	cutoff := now.Add(-l.cfg.Window)
	start := 0
	for start < len(ts) && ts[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		ts = ts[start:]
	}

	if endpoint != "" {
		for _, el := range l.endpointLimits {
			if !el.pattern.MatchString(endpoint) {
				continue
			}
			count := 0
			elCutoff := now.Add(-el.window)
			for _, t := range ts {
				if !t.Before(elCutoff) {
					count++
				}
			}
			if count >= el.limit {
				l.requests[key] = ts
				l.recordViolation(key, now)
				return true
			}
			break // first matching pattern wins
		}
	}

	if len(ts) >= l.cfg.Limit {
		l.requests[key] = ts
		l.recordViolation(key, now)
		return true
	}

	l.requests[key] = append(ts, now)
	return false
}

// recordViolation bumps the violation counter and bans the key once the
// threshold is reached. Caller holds the lock.
func (l *Limiter) recordViolation(key string, now time.Time) {
	l.violations[key]++
	if l.violations[key] >= l.cfg.BanThreshold {
		l.banLocked(key, "rate limit violations", l.cfg.BanDuration, now, "auto")
	}
}

// banLocked installs a ban and schedules its expiry. Caller holds the lock.
func (l *Limiter) banLocked(key, reason string, duration time.Duration, now time.Time, source string) {
	l.generation++
	gen := l.generation
	l.bans[key] = &banEntry{
		reason:     reason,
		expiresAt:  now.Add(duration),
		generation: gen,
	}
	metrics.BansTotal.WithLabelValues(source).Inc()
	metrics.ActiveBans.Set(float64(len(l.bans)))
	l.logger.Warn("key banned",
		"key", key,
		"reason", reason,
		"duration", duration,
		"source", source,
	)

	time.AfterFunc(duration, func() { l.expireBan(key, gen) })
}

// expireBan lifts a ban when its timer fires. A generation mismatch means
// the key was manually unbanned and possibly re-banned since; the stale
// timer must not touch the newer entry.
func (l *Limiter) expireBan(key string, generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.bans[key]
	if !ok || entry.generation != generation {
		return
	}
	delete(l.bans, key)
	l.violations[key] = 0
	metrics.ActiveBans.Set(float64(len(l.bans)))
	l.logger.Info("ban expired", "key", key)
}

// Ban manually bans a key. A non-positive duration uses the configured
// default.
func (l *Limiter) Ban(key, reason string, duration time.Duration) {
	if duration <= 0 {
		duration = l.cfg.BanDuration
	}
	if reason == "" {
		reason = "manual ban"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.banLocked(key, reason, duration, time.Now(), "manual")
}

// Unban lifts a ban immediately. Unbanning a key that is not banned is a
// no-op.
func (l *Limiter) Unban(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bans[key]; !ok {
		return
	}
	delete(l.bans, key)
	l.violations[key] = 0
	metrics.ActiveBans.Set(float64(len(l.bans)))
	l.logger.Info("key unbanned", "key", key)
}

// IsBanned reports whether a key is currently banned.
func (l *Limiter) IsBanned(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bans[key] != nil
}

// BanReason returns the reason and expiry for an active ban.
func (l *Limiter) BanReason(key string) (reason string, expiresAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, found := l.bans[key]
	if !found {
		return "", time.Time{}, false
	}
	return entry.reason, entry.expiresAt, true
}

// Stats returns a snapshot of limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	eps := make(map[string]EndpointLimitInfo, len(l.endpointLimits))
	for _, el := range l.endpointLimits {
		eps[el.raw] = EndpointLimitInfo{Limit: el.limit, Window: el.window.Seconds()}
	}
	total := 0
	for _, ts := range l.requests {
		total += len(ts)
	}
	return Stats{
		Limit:          l.cfg.Limit,
		Window:         l.cfg.Window.Seconds(),
		ActiveKeys:     len(l.requests),
		BannedKeys:     len(l.bans),
		EndpointLimits: eps,
		TotalRequests:  total,
	}
}

// Reset clears all request history, violations, and bans.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = make(map[string][]time.Time)
	l.violations = make(map[string]int)
	l.bans = make(map[string]*banEntry)
	metrics.ActiveBans.Set(0)
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.IsRateLimited(c.ClientIP(), c.Request.URL.Path) {
			metrics.RateLimitRejectionsTotal.Inc()
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
