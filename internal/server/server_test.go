package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rivetgames/sentry/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing. The rate limit is high
// enough that tests never trip it.
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		RateLimit:       10000,
		RateWindow:      time.Minute,
		BanThreshold:    5,
		BanDuration:     time.Hour,
		ReputationCache: time.Hour,
		MaxTrackedKeys:  1000,
	}
}

// newTestServer creates a server with test configuration
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v (%s)", err, w.Body.String())
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := parseBody(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/risk/transactions",
		"POST:/v1/risk/logins",
		"POST:/v1/risk/items",
		"GET:/v1/risk/users/:userId",
		"GET:/v1/reputation/:ip",
		"POST:/v1/bots/check",
		"GET:/v1/stats",
		"POST:/v1/admin/blocklist/:userId",
		"PUT:/v1/admin/thresholds",
		"POST:/v1/admin/bans",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Risk assessment endpoints
// ---------------------------------------------------------------------------

func TestRecordTransactionEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/risk/transactions",
		`{"userId":1,"itemId":2,"amount":25}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := parseBody(t, w)
	if resp["action"] != "allow" {
		t.Errorf("Benign transaction got action %v", resp["action"])
	}
	if resp["transactionId"] == nil || resp["transactionId"] == "" {
		t.Error("Expected a generated transactionId")
	}
}

func TestRecordTransactionValidation(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{
		`not json`,
		`{"userId":0,"itemId":2,"amount":10}`,
		`{"userId":1,"itemId":2,"amount":-5}`,
	} {
		w := doJSON(t, s, "POST", "/v1/risk/transactions", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Body %q got %d, want 400", body, w.Code)
		}
	}
}

func TestRecordLoginEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/risk/logins",
		`{"userId":7,"ip":"9.9.9.9","success":true,"location":"US-NY"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := parseBody(t, w)
	if resp["action"] != "allow" {
		t.Errorf("Clean login got action %v", resp["action"])
	}
}

func TestBlocklistAffectsLogins(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/blocklist/9", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Blocklist add got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/risk/logins",
		`{"userId":9,"ip":"9.9.9.9","success":true}`)
	resp := parseBody(t, w)
	if resp["action"] != "block" {
		t.Errorf("Blocklisted user got action %v", resp["action"])
	}

	// Removal restores normal scoring
	doJSON(t, s, "DELETE", "/v1/admin/blocklist/9", "")
	w = doJSON(t, s, "POST", "/v1/risk/logins",
		`{"userId":9,"ip":"9.9.9.9","success":true}`)
	resp = parseBody(t, w)
	if resp["action"] == "block" {
		t.Errorf("Unblocked user still got action %v", resp["action"])
	}
}

func TestItemEndpointRejectsUnknownType(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/risk/items",
		`{"itemId":1,"type":"explode","userId":3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Unknown event type got %d, want 400", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/risk/items",
		`{"itemId":1,"type":"purchase","userId":3,"price":100}`)
	if w.Code != http.StatusOK {
		t.Errorf("Valid item event got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserRiskEndpoint(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/risk/transactions", `{"userId":5,"itemId":2,"amount":10}`)

	w := doJSON(t, s, "GET", "/v1/risk/users/5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseBody(t, w)
	if resp["transactionCount"] != float64(1) {
		t.Errorf("transactionCount = %v, want 1", resp["transactionCount"])
	}

	w = doJSON(t, s, "GET", "/v1/risk/users/abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Non-numeric userId got %d, want 400", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Reputation & bot endpoints
// ---------------------------------------------------------------------------

func TestReputationEndpoint(t *testing.T) {
	s := newTestServer(t)

	// 10.0.0.0/8 is in the default trusted list
	w := doJSON(t, s, "GET", "/v1/reputation/10.0.0.5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseBody(t, w)
	if resp["score"] != float64(0) || resp["trusted"] != true {
		t.Errorf("Trusted IP got %v", resp)
	}
	cats := resp["categories"].([]interface{})
	if len(cats) != 1 || cats[0] != "trusted" {
		t.Errorf("Trusted IP categories = %v", cats)
	}

	// 185.220.101.0/24 is in the default known-bad list
	w = doJSON(t, s, "GET", "/v1/reputation/185.220.101.3", "")
	resp = parseBody(t, w)
	if resp["score"] != float64(100) || resp["knownBad"] != true {
		t.Errorf("Known-bad IP got %v", resp)
	}
	cats = resp["categories"].([]interface{})
	if len(cats) != 1 || cats[0] != "known_bad" {
		t.Errorf("Known-bad IP categories = %v", cats)
	}
}

func TestBotCheckEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/bots/check",
		`{"userAgent":"MyCustomSpider/1.0","ip":"1.2.3.4"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseBody(t, w)
	if resp["isBot"] != true || resp["shouldBlock"] != true {
		t.Errorf("Generic crawler got %v", resp)
	}

	w = doJSON(t, s, "POST", "/v1/bots/check",
		`{"userAgent":"Mozilla/5.0 (Windows NT 10.0) Chrome/120.0"}`)
	resp = parseBody(t, w)
	if resp["isBot"] != false || resp["shouldBlock"] != false {
		t.Errorf("Browser UA got %v", resp)
	}
}

// ---------------------------------------------------------------------------
// Admin endpoints
// ---------------------------------------------------------------------------

func TestThresholdAdmin(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "PUT", "/v1/admin/thresholds",
		`{"category":"transaction_amount","level":"warning","value":500}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Threshold update got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/admin/thresholds", "")
	resp := parseBody(t, w)
	values := resp["thresholds"].(map[string]interface{})
	amount := values["transaction_amount"].(map[string]interface{})
	if amount["warning"] != float64(500) {
		t.Errorf("Updated threshold not reflected: %v", amount)
	}

	w = doJSON(t, s, "PUT", "/v1/admin/thresholds",
		`{"category":"nope","level":"warning","value":1}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown category got %d, want 404", w.Code)
	}
}

func TestBanAdminFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/bans",
		`{"key":"203.0.113.7","reason":"abuse","durationSeconds":3600}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Ban got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/admin/bans/203.0.113.7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Ban lookup got %d", w.Code)
	}
	resp := parseBody(t, w)
	if resp["reason"] != "abuse" {
		t.Errorf("Ban reason = %v", resp["reason"])
	}

	w = doJSON(t, s, "DELETE", "/v1/admin/bans/203.0.113.7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Unban got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/admin/bans/203.0.113.7", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Lifted ban still reported: %d", w.Code)
	}
}

func TestNetworkAdmin(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/networks",
		`{"cidr":"198.51.100.0/24","list":"bad"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Network add got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/reputation/198.51.100.9", "")
	resp := parseBody(t, w)
	if resp["knownBad"] != true {
		t.Errorf("Added network not applied: %v", resp)
	}

	w = doJSON(t, s, "POST", "/v1/admin/networks",
		`{"cidr":"not-a-cidr","list":"bad"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Invalid CIDR got %d, want 400", w.Code)
	}
}

func TestFingerprintAdmin(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/admin/bots/fingerprints",
		`{"name":"duckduckbot","pattern":"(?i)duckduckbot","allowed":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Fingerprint add got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", "/v1/bots/check",
		`{"userAgent":"DuckDuckBot/1.1"}`)
	resp := parseBody(t, w)
	if resp["botName"] != "duckduckbot" || resp["shouldBlock"] != false {
		t.Errorf("New fingerprint not applied: %v", resp)
	}

	w = doJSON(t, s, "POST", "/v1/admin/bots/fingerprints/duckduckbot/block", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Block got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/v1/bots/check", `{"userAgent":"DuckDuckBot/1.1"}`)
	resp = parseBody(t, w)
	if resp["shouldBlock"] != true {
		t.Errorf("Blocked fingerprint still allowed: %v", resp)
	}

	w = doJSON(t, s, "POST", "/v1/admin/bots/fingerprints/ghost/allow", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown fingerprint got %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Stats & misc
// ---------------------------------------------------------------------------

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/risk/transactions", `{"userId":1,"itemId":2,"amount":10}`)

	w := doJSON(t, s, "GET", "/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseBody(t, w)
	for _, key := range []string{"transactions", "accounts", "items", "rateLimiter", "reputation", "lists"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("Stats missing %q section", key)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestInvalidReputationURLRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReputationAPIURL = "http://169.254.169.254/latest"
	if _, err := New(cfg); err == nil {
		t.Error("Metadata endpoint should be rejected as a reputation URL")
	}
}
