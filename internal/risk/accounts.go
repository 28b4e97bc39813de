package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rivetgames/sentry/internal/metrics"
	"github.com/rivetgames/sentry/internal/thresholds"
	"github.com/rivetgames/sentry/internal/traces"
)

// maxLoginHistory bounds the per-profile login list.
const maxLoginHistory = 100

// Known proxy/VPN ranges checked during IP scoring.
var proxyNetworks = func() []netip.Prefix {
	cidrs := []string{
		"185.220.101.0/24",
		"104.244.72.0/21",
		"163.172.0.0/16",
	}
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, _ := netip.ParsePrefix(c)
		out = append(out, p)
	}
	return out
}()

// Login is a single authentication attempt. UserAgent, Location, and
// DeviceID are optional; a zero Timestamp means now.
type Login struct {
	UserID    int64     `json:"userId"`
	IP        string    `json:"ip"`
	Success   bool      `json:"success"`
	UserAgent string    `json:"userAgent,omitempty"`
	Location  string    `json:"location,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LoginAssessment is the combined user/IP verdict for a login attempt.
type LoginAssessment struct {
	UserID            int64     `json:"userId"`
	IP                string    `json:"ip"`
	Success           bool      `json:"success"`
	UserRiskScore     int       `json:"userRiskScore"`
	IPRiskScore       int       `json:"ipRiskScore"`
	CombinedRiskScore int       `json:"combinedRiskScore"`
	RiskFactors       []string  `json:"riskFactors"`
	IsSuspicious      bool      `json:"isSuspicious"`
	IsBlocked         bool      `json:"isBlocked"`
	IsWhitelisted     bool      `json:"isWhitelisted,omitempty"`
	Action            Action    `json:"action"`
	Timestamp         time.Time `json:"timestamp"`
}

// UserProfile is the exported view of a tracked user, login history omitted.
type UserProfile struct {
	UserID         int64     `json:"userId"`
	FailedAttempts int       `json:"failedAttempts"`
	RiskScore      int       `json:"riskScore"`
	RiskFactors    []string  `json:"riskFactors"`
	Suspicious     bool      `json:"suspicious"`
	Locations      []string  `json:"locations"`
	Devices        []string  `json:"devices"`
	IPs            []string  `json:"ips"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// IPProfile is the exported view of a tracked IP, login history omitted.
type IPProfile struct {
	IP             string    `json:"ip"`
	FailedAttempts int       `json:"failedAttempts"`
	RiskScore      int       `json:"riskScore"`
	RiskFactors    []string  `json:"riskFactors"`
	Suspicious     bool      `json:"suspicious"`
	UniqueUsers    []int64   `json:"uniqueUsers"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// AccountStats is a snapshot of monitor state.
type AccountStats struct {
	TotalUsers       int                           `json:"totalUsers"`
	TotalIPs         int                           `json:"totalIps"`
	SuspiciousUsers  int                           `json:"suspiciousUsers"`
	SuspiciousIPs    int                           `json:"suspiciousIps"`
	TotalUserIPLinks int                           `json:"totalUserIpLinks"`
	Thresholds       map[string]map[string]float64 `json:"thresholds"`
}

// userProfile tracks one user's login behavior.
type userProfile struct {
	logins         []Login
	failedAttempts int
	locations      map[string]struct{}
	devices        map[string]struct{}
	ips            map[string]struct{}
	riskScore      int
	riskFactors    []string
	suspicious     bool
	lastUpdated    time.Time
}

// ipProfile tracks one IP's login behavior.
type ipProfile struct {
	logins         []Login
	failedAttempts int
	users          map[int64]struct{}
	riskScore      int
	riskFactors    []string
	suspicious     bool
	lastUpdated    time.Time
}

// AccountMonitor scores login attempts from two parallel profiles, by user
// and by IP, and combines them weighted toward the riskier of the two.
// All methods are safe for concurrent use.
type AccountMonitor struct {
	policy         *thresholds.Policy
	lists          *Lists
	logger         *slog.Logger
	maxTrackedKeys int

	mu    sync.Mutex
	users map[int64]*userProfile
	ips   map[string]*ipProfile
}

// AccountOption configures an AccountMonitor.
type AccountOption func(*AccountMonitor)

// WithAccountKeyCap overrides the tracked-key cap.
func WithAccountKeyCap(n int) AccountOption {
	return func(m *AccountMonitor) {
		if n > 0 {
			m.maxTrackedKeys = n
		}
	}
}

// NewAccountMonitor creates a monitor sharing the given threshold policy and
// block/white lists.
func NewAccountMonitor(policy *thresholds.Policy, lists *Lists, logger *slog.Logger, opts ...AccountOption) *AccountMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &AccountMonitor{
		policy:         policy,
		lists:          lists,
		logger:         logger,
		maxTrackedKeys: defaultMaxTrackedKeys,
		users:          make(map[int64]*userProfile),
		ips:            make(map[string]*ipProfile),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordLogin records an attempt against both profiles and returns the
// combined assessment.
func (m *AccountMonitor) RecordLogin(ctx context.Context, l Login) LoginAssessment {
	_, span := traces.StartSpan(ctx, "risk.record_login",
		traces.UserID(l.UserID), traces.ClientIP(l.IP))
	defer span.End()

	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}

	result := LoginAssessment{
		UserID:      l.UserID,
		IP:          l.IP,
		Success:     l.Success,
		RiskFactors: []string{},
		Action:      ActionAllow,
		Timestamp:   l.Timestamp,
	}

	if m.lists.IsWhitelisted(l.UserID) {
		result.IsWhitelisted = true
		span.SetAttributes(traces.Action(string(result.Action)))
		metrics.RiskDecisionsTotal.WithLabelValues("account", string(result.Action)).Inc()
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.userProfileFor(l.UserID)
	user.logins = appendBounded(user.logins, l, maxLoginHistory)
	user.lastUpdated = l.Timestamp
	user.ips[l.IP] = struct{}{}
	if !l.Success {
		user.failedAttempts++
	}
	if l.Location != "" {
		user.locations[l.Location] = struct{}{}
	}
	if l.DeviceID != "" {
		user.devices[l.DeviceID] = struct{}{}
	}

	ip := m.ipProfileFor(l.IP)
	ip.logins = appendBounded(ip.logins, l, maxLoginHistory)
	ip.lastUpdated = l.Timestamp
	ip.users[l.UserID] = struct{}{}
	if !l.Success {
		ip.failedAttempts++
	}

	m.scoreUser(user)
	m.scoreIP(ip, l.IP, l.Timestamp)

	result.UserRiskScore = user.riskScore
	result.IPRiskScore = ip.riskScore
	result.RiskFactors = append(result.RiskFactors, user.riskFactors...)
	result.RiskFactors = append(result.RiskFactors, ip.riskFactors...)

	// Weight the riskier profile heavier.
	combined := 0.7*math.Max(float64(user.riskScore), float64(ip.riskScore)) +
		0.3*math.Min(float64(user.riskScore), float64(ip.riskScore))
	result.CombinedRiskScore = clampScore(int(math.Round(combined)))
	result.IsSuspicious = result.CombinedRiskScore >= suspiciousScore

	shouldBlock := result.CombinedRiskScore >= blockScore ||
		user.riskScore >= blockScore || ip.riskScore >= blockScore

	if m.lists.IsBlocked(l.UserID) {
		shouldBlock = true
		result.RiskFactors = append(result.RiskFactors, "User on block list")
	}

	switch {
	case shouldBlock:
		result.IsBlocked = true
		result.Action = ActionBlock
	case !l.Success:
		result.Action = ActionMonitor
	case result.CombinedRiskScore >= suspiciousScore:
		result.Action = ActionReview
	}

	span.SetAttributes(traces.Action(string(result.Action)), traces.Score(result.CombinedRiskScore))
	metrics.RiskDecisionsTotal.WithLabelValues("account", string(result.Action)).Inc()
	if result.IsBlocked {
		m.logger.Warn("login blocked",
			"user_id", l.UserID,
			"ip", l.IP,
			"user_risk", user.riskScore,
			"ip_risk", ip.riskScore,
		)
	}
	return result
}

// userProfileFor returns or creates a user profile, evicting the stalest
// one at the cap. Caller holds the lock.
func (m *AccountMonitor) userProfileFor(userID int64) *userProfile {
	p, ok := m.users[userID]
	if ok {
		return p
	}
	if len(m.users) >= m.maxTrackedKeys {
		var victim int64
		var oldest time.Time
		first := true
		for id, u := range m.users {
			if first || u.lastUpdated.Before(oldest) {
				victim, oldest, first = id, u.lastUpdated, false
			}
		}
		if !first {
			delete(m.users, victim)
		}
	}
	p = &userProfile{
		locations:   make(map[string]struct{}),
		devices:     make(map[string]struct{}),
		ips:         make(map[string]struct{}),
		riskFactors: []string{},
	}
	m.users[userID] = p
	return p
}

// ipProfileFor returns or creates an IP profile, evicting the stalest one
// at the cap. Caller holds the lock.
func (m *AccountMonitor) ipProfileFor(addr string) *ipProfile {
	p, ok := m.ips[addr]
	if ok {
		return p
	}
	if len(m.ips) >= m.maxTrackedKeys {
		var victim string
		var oldest time.Time
		first := true
		for a, ip := range m.ips {
			if first || ip.lastUpdated.Before(oldest) {
				victim, oldest, first = a, ip.lastUpdated, false
			}
		}
		if !first {
			delete(m.ips, victim)
		}
	}
	p = &ipProfile{
		users:       make(map[int64]struct{}),
		riskFactors: []string{},
	}
	m.ips[addr] = p
	return p
}

func appendBounded(logins []Login, l Login, max int) []Login {
	logins = append(logins, l)
	if len(logins) > max {
		logins = logins[len(logins)-max:]
	}
	return logins
}

// failedAttemptPoints maps a failed-attempt count to points and a factor.
// A count at double the block tier escalates hard enough to force a block
// on its own profile.
func failedAttemptPoints(failed int, warn, susp, block float64) (int, string) {
	f := float64(failed)
	switch {
	case block > 0 && f >= 2*block:
		return 60, fmt.Sprintf("Sustained failed login attempts: %d", failed)
	case f >= block:
		return 40, fmt.Sprintf("Multiple failed login attempts: %d", failed)
	case f >= susp:
		return 25, fmt.Sprintf("Several failed login attempts: %d", failed)
	case f >= warn:
		return 10, fmt.Sprintf("Some failed login attempts: %d", failed)
	}
	return 0, ""
}

// scoreUser recomputes a user profile's risk. Caller holds the lock.
func (m *AccountMonitor) scoreUser(p *userProfile) {
	factors := []string{}
	score := 0

	warn, susp, block := m.policy.Tiers(thresholds.LoginAttempts)
	if pts, factor := failedAttemptPoints(p.failedAttempts, warn, susp, block); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	devices := len(p.devices)
	warn, susp, block = m.policy.Tiers(thresholds.DevicesPerAccount)
	switch d := float64(devices); {
	case d >= block:
		score += 30
		factors = append(factors, fmt.Sprintf("Unusually high number of devices: %d", devices))
	case d >= susp:
		score += 20
		factors = append(factors, fmt.Sprintf("Many different devices: %d", devices))
	case d >= warn:
		score += 5
		factors = append(factors, fmt.Sprintf("Multiple devices: %d", devices))
	}

	locations := len(p.locations)
	warn, susp, block = m.policy.Tiers(thresholds.LocationChanges)
	switch l := float64(locations); {
	case l >= block:
		score += 35
		factors = append(factors, fmt.Sprintf("Extremely unusual location pattern: %d distinct locations", locations))
	case l >= susp:
		score += 25
		factors = append(factors, fmt.Sprintf("Suspicious location pattern: %d distinct locations", locations))
	case l >= warn:
		score += 10
		factors = append(factors, fmt.Sprintf("Multiple locations: %d distinct locations", locations))
	}

	if pts, factor := impossibleTravel(p.logins); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	p.riskScore = clampScore(score)
	p.riskFactors = factors
	p.suspicious = p.riskScore >= suspiciousScore
}

// impossibleTravel scans successful located logins in chronological order
// for a location change too fast for plausible travel. Under two hours is
// treated as outright impossible and scores high enough to block on its
// own; under six hours is merely suspicious.
func impossibleTravel(logins []Login) (int, string) {
	located := make([]Login, 0, len(logins))
	for _, l := range logins {
		if l.Success && l.Location != "" {
			located = append(located, l)
		}
	}
	if len(located) < 2 {
		return 0, ""
	}
	sort.SliceStable(located, func(i, j int) bool {
		return located[i].Timestamp.Before(located[j].Timestamp)
	})

	for i := 1; i < len(located); i++ {
		prev, curr := located[i-1], located[i]
		if prev.Location == curr.Location {
			continue
		}
		hours := curr.Timestamp.Sub(prev.Timestamp).Hours()
		if hours < 2 {
			return 70, fmt.Sprintf("Impossible travel: %s to %s in %.1f hours",
				prev.Location, curr.Location, hours)
		}
		if hours < 6 {
			return 30, fmt.Sprintf("Suspicious travel time: %s to %s in %.1f hours",
				prev.Location, curr.Location, hours)
		}
	}
	return 0, ""
}

// scoreIP recomputes an IP profile's risk. Caller holds the lock.
func (m *AccountMonitor) scoreIP(p *ipProfile, addr string, now time.Time) {
	factors := []string{}
	score := 0

	warn, susp, block := m.policy.Tiers(thresholds.LoginAttempts)
	if pts, factor := failedAttemptPoints(p.failedAttempts, warn, susp, block); pts > 0 {
		score += pts
		factors = append(factors, factor)
	}

	users := len(p.users)
	warn, susp, block = m.policy.Tiers(thresholds.AccountsPerIP)
	switch u := float64(users); {
	case u >= block:
		score += 40
		factors = append(factors, fmt.Sprintf("Extremely high number of accounts: %d", users))
	case u >= susp:
		score += 25
		factors = append(factors, fmt.Sprintf("Unusually high number of accounts: %d", users))
	case u >= warn:
		score += 10
		factors = append(factors, fmt.Sprintf("Multiple accounts: %d", users))
	}

	// Login velocity in the trailing hour.
	recent := 0
	for _, l := range p.logins {
		if now.Sub(l.Timestamp) < time.Hour {
			recent++
		}
	}
	switch {
	case recent >= 30:
		score += 30
		factors = append(factors, fmt.Sprintf("Extremely high login frequency: %d in the last hour", recent))
	case recent >= 15:
		score += 20
		factors = append(factors, fmt.Sprintf("High login frequency: %d in the last hour", recent))
	case recent >= 7:
		score += 5
		factors = append(factors, fmt.Sprintf("Elevated login frequency: %d in the last hour", recent))
	}

	if parsed, err := netip.ParseAddr(addr); err == nil {
		parsed = parsed.Unmap()
		for _, network := range proxyNetworks {
			if network.Contains(parsed) {
				score += 15
				factors = append(factors, fmt.Sprintf("IP from known proxy/VPN range: %s", network))
				break
			}
		}
	}

	p.riskScore = clampScore(score)
	p.riskFactors = factors
	p.suspicious = p.riskScore >= suspiciousScore
}

// SuspiciousUsers returns up to limit flagged user profiles, riskiest first.
func (m *AccountMonitor) SuspiciousUsers(limit int) []UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]UserProfile, 0)
	for id, p := range m.users {
		if !p.suspicious {
			continue
		}
		out = append(out, UserProfile{
			UserID:         id,
			FailedAttempts: p.failedAttempts,
			RiskScore:      p.riskScore,
			RiskFactors:    append([]string{}, p.riskFactors...),
			Suspicious:     true,
			Locations:      stringSet(p.locations),
			Devices:        stringSet(p.devices),
			IPs:            stringSet(p.ips),
			LastUpdated:    p.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SuspiciousIPs returns up to limit flagged IP profiles, riskiest first.
func (m *AccountMonitor) SuspiciousIPs(limit int) []IPProfile {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]IPProfile, 0)
	for addr, p := range m.ips {
		if !p.suspicious {
			continue
		}
		out = append(out, IPProfile{
			IP:             addr,
			FailedAttempts: p.failedAttempts,
			RiskScore:      p.riskScore,
			RiskFactors:    append([]string{}, p.riskFactors...),
			Suspicious:     true,
			UniqueUsers:    int64Set(p.users),
			LastUpdated:    p.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AccountsByIP returns the user ids seen logging in from an IP.
func (m *AccountMonitor) AccountsByIP(ip string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ips[ip]
	if !ok {
		return []int64{}
	}
	return int64Set(p.users)
}

// IPsByUser returns the IPs a user has logged in from.
func (m *AccountMonitor) IPsByUser(userID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[userID]
	if !ok {
		return []string{}
	}
	return stringSet(p.ips)
}

// Stats returns a snapshot of monitor state.
func (m *AccountMonitor) Stats() AccountStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	suspiciousUsers, suspiciousIPs, links := 0, 0, 0
	for _, p := range m.users {
		if p.suspicious {
			suspiciousUsers++
		}
		links += len(p.ips)
	}
	for _, p := range m.ips {
		if p.suspicious {
			suspiciousIPs++
		}
	}
	return AccountStats{
		TotalUsers:       len(m.users),
		TotalIPs:         len(m.ips),
		SuspiciousUsers:  suspiciousUsers,
		SuspiciousIPs:    suspiciousIPs,
		TotalUserIPLinks: links,
		Thresholds:       m.policy.Snapshot(),
	}
}

func stringSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func int64Set(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
