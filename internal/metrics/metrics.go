// Package metrics provides Prometheus instrumentation for the Sentry risk core.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentry",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RiskDecisionsTotal counts monitor decisions by monitor and action.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentry",
			Name:      "risk_decisions_total",
			Help:      "Risk decisions emitted, by monitor and action.",
		},
		[]string{"monitor", "action"},
	)

	// RateLimitRejectionsTotal counts requests rejected by the limiter.
	RateLimitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentry",
		Name:      "ratelimit_rejections_total",
		Help:      "Requests rejected by the sliding-window rate limiter.",
	})

	// BansTotal counts key bans by source ("auto" or "manual").
	BansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentry",
			Name:      "bans_total",
			Help:      "Keys banned, by source.",
		},
		[]string{"source"},
	)

	// ActiveBans tracks currently banned keys.
	ActiveBans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentry",
		Name:      "active_bans",
		Help:      "Number of currently banned keys.",
	})

	// BotDetectionsTotal counts classified bot requests by verdict.
	BotDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentry",
			Name:      "bot_detections_total",
			Help:      "Bot classifications, by verdict (allowed/blocked).",
		},
		[]string{"verdict"},
	)

	// ReputationLookupsTotal counts IP reputation lookups by resolution source.
	ReputationLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentry",
			Name:      "reputation_lookups_total",
			Help:      "IP reputation lookups, by resolution source (cache/list/provider/fallback).",
		},
		[]string{"source"},
	)

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentry",
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RiskDecisionsTotal,
		RateLimitRejectionsTotal,
		BansTotal,
		ActiveBans,
		BotDetectionsTotal,
		ReputationLookupsTotal,
		GoroutineCount,
	)
}

// StartRuntimeCollector updates runtime gauges every interval until ctx is done.
func StartRuntimeCollector(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				GoroutineCount.Set(float64(runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
