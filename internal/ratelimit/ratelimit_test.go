package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testConfig() Config {
	return Config{
		Limit:           5,
		Window:          time.Minute,
		BanThreshold:    3,
		BanDuration:     time.Hour,
		CleanupInterval: time.Minute,
	}
}

func TestWindowLimit(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if l.IsRateLimited("1.2.3.4", "") {
			t.Errorf("request %d should be allowed", i)
		}
	}

	// Every subsequent call within the window is limited.
	for i := 0; i < 3; i++ {
		if !l.IsRateLimited("1.2.3.4", "") {
			t.Errorf("request over limit should be rejected (attempt %d)", i)
		}
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	// Backfill old timestamps that should fall out of the window.
	l.mu.Lock()
	old := time.Now().Add(-2 * time.Minute)
	for i := 0; i < 5; i++ {
		l.requests["10.0.0.1"] = append(l.requests["10.0.0.1"], old)
	}
	l.mu.Unlock()

	if l.IsRateLimited("10.0.0.1", "") {
		t.Error("expired timestamps must not count against the limit")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	for i := 0; i < 6; i++ {
		l.IsRateLimited("busy", "")
	}
	if l.IsRateLimited("quiet", "") {
		t.Error("an unrelated key should not be limited")
	}
}

func TestEndpointLimitCheckedFirst(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	if err := l.AddEndpointLimit(`^/v1/auth/`, 2, time.Minute); err != nil {
		t.Fatalf("AddEndpointLimit: %v", err)
	}

	// Two requests to the restricted endpoint are fine.
	for i := 0; i < 2; i++ {
		if l.IsRateLimited("9.9.9.9", "/v1/auth/login") {
			t.Errorf("request %d should pass the endpoint limit", i)
		}
	}
	// The third trips the endpoint limit even though the global limit (5)
	// has headroom.
	if !l.IsRateLimited("9.9.9.9", "/v1/auth/login") {
		t.Error("endpoint limit should reject before the global limit")
	}
	// Other endpoints still use the global limit.
	if l.IsRateLimited("9.9.9.9", "/v1/items") {
		t.Error("unrelated endpoint should still be allowed")
	}
}

func TestAddEndpointLimitBadPattern(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()
	if err := l.AddEndpointLimit(`([`, 1, time.Minute); err == nil {
		t.Error("expected error for invalid regexp")
	}
}

func TestAutoBanAfterViolations(t *testing.T) {
	cfg := testConfig()
	cfg.BanDuration = 100 * time.Millisecond
	l := New(cfg, nil)
	defer l.Stop()

	// Fill the window, then trip the limit BanThreshold times.
	for i := 0; i < 5; i++ {
		l.IsRateLimited("8.8.8.8", "")
	}
	for i := 0; i < 3; i++ {
		l.IsRateLimited("8.8.8.8", "")
	}

	if !l.IsBanned("8.8.8.8") {
		t.Fatal("key should be auto-banned after threshold violations")
	}

	// Ban lifts on its own after BanDuration with no further calls.
	time.Sleep(200 * time.Millisecond)
	if l.IsBanned("8.8.8.8") {
		t.Error("ban should expire automatically")
	}
}

func TestManualBanUnban(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	l.Ban("5.5.5.5", "abuse report", 0)
	if !l.IsBanned("5.5.5.5") {
		t.Fatal("manual ban should take effect")
	}
	if !l.IsRateLimited("5.5.5.5", "") {
		t.Error("banned key must always be limited")
	}

	reason, _, ok := l.BanReason("5.5.5.5")
	if !ok || reason != "abuse report" {
		t.Errorf("BanReason = %q, %v", reason, ok)
	}

	l.Unban("5.5.5.5")
	if l.IsBanned("5.5.5.5") {
		t.Error("unban should lift the ban")
	}
	// Removal is idempotent.
	l.Unban("5.5.5.5")
}

func TestStaleExpiryTimerIgnoresNewerBan(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	l.Ban("7.7.7.7", "first", 50*time.Millisecond)
	l.Unban("7.7.7.7")
	l.Ban("7.7.7.7", "second", time.Hour)

	// The first ban's timer fires but must not lift the second ban.
	time.Sleep(120 * time.Millisecond)
	if !l.IsBanned("7.7.7.7") {
		t.Error("stale expiry timer removed a newer ban")
	}
}

func TestStatsAndReset(t *testing.T) {
	l := New(testConfig(), nil)
	defer l.Stop()

	_ = l.AddEndpointLimit(`^/v1/auth/`, 2, 30*time.Second)
	for i := 0; i < 3; i++ {
		l.IsRateLimited(fmt.Sprintf("ip-%d", i), "")
	}
	l.Ban("bad", "test", time.Hour)

	s := l.Stats()
	if s.ActiveKeys != 3 || s.TotalRequests != 3 || s.BannedKeys != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if _, ok := s.EndpointLimits[`^/v1/auth/`]; !ok {
		t.Error("endpoint limit missing from stats")
	}

	l.Reset()
	s = l.Stats()
	if s.ActiveKeys != 0 || s.BannedKeys != 0 {
		t.Errorf("reset should clear state: %+v", s)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	cfg.Limit = 2
	l := New(cfg, nil)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	status := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "3.3.3.3:1234"
		r.ServeHTTP(w, req)
		return w.Code
	}

	if status() != http.StatusOK || status() != http.StatusOK {
		t.Fatal("first requests should pass")
	}
	if status() != http.StatusTooManyRequests {
		t.Error("request over limit should return 429")
	}
}
