// Package reputation scores client IPs on a 0-100 risk scale.
//
// Resolution order: cache, trusted networks (0), known-bad networks (100),
// external provider, neutral fallback (50). Lookups never fail: a malformed
// IP or an unreachable provider resolves to the neutral score.
package reputation

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/rivetgames/sentry/internal/metrics"
	"github.com/rivetgames/sentry/internal/traces"
)

const (
	// ScoreTrusted is assigned to IPs inside a trusted network.
	ScoreTrusted = 0
	// ScoreKnownBad is assigned to IPs inside a known-bad network.
	ScoreKnownBad = 100
	// ScoreNeutral is the fallback when nothing else resolves.
	ScoreNeutral = 50
)

// Default network lists. Trusted covers loopback and RFC1918; known-bad
// covers Tor exit and hosting ranges with a history of abuse.
var (
	defaultTrusted = []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	}
	defaultKnownBad = []string{
		"185.220.101.0/24",
		"104.244.72.0/21",
		"163.172.0.0/16",
		"89.234.157.0/24",
	}
)

// Result is a resolved reputation: the score plus the categories that
// produced it ("trusted", "known_bad", or provider-reported categories).
type Result struct {
	Score      int      `json:"score"`
	Categories []string `json:"categories"`
}

// cacheEntry is a resolved result with an expiry.
type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of store state.
type Stats struct {
	CachedEntries    int     `json:"cachedEntries"`
	TrustedNetworks  int     `json:"trustedNetworks"`
	KnownBadNetworks int     `json:"knownBadNetworks"`
	CacheTTL         float64 `json:"cacheTtlSeconds"`
	HasProvider      bool    `json:"hasProvider"`
}

// Store resolves and caches IP reputation scores.
// All methods are safe for concurrent use.
type Store struct {
	logger   *slog.Logger
	provider Provider
	cacheTTL time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry
	trusted  []netip.Prefix
	knownBad []netip.Prefix
}

// Option configures a Store.
type Option func(*Store)

// WithProvider sets the external lookup provider.
func WithProvider(p Provider) Option {
	return func(s *Store) { s.provider = p }
}

// WithCacheTTL overrides the default one hour cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// New creates a store seeded with the default network lists.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger:   logger,
		cacheTTL: time.Hour,
		cache:    make(map[string]cacheEntry),
	}
	for _, cidr := range defaultTrusted {
		p, _ := netip.ParsePrefix(cidr)
		s.trusted = append(s.trusted, p)
	}
	for _, cidr := range defaultKnownBad {
		p, _ := netip.ParsePrefix(cidr)
		s.knownBad = append(s.knownBad, p)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score resolves the reputation score of ip. It never returns an error;
// anything unresolvable is the neutral score.
func (s *Store) Score(ctx context.Context, ip string) int {
	return s.Check(ctx, ip).Score
}

// Check resolves the reputation of ip with the categories that produced the
// score. Like Score, it never fails; anything unresolvable is neutral with
// no categories.
func (s *Store) Check(ctx context.Context, ip string) Result {
	neutral := Result{Score: ScoreNeutral, Categories: []string{}}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		metrics.ReputationLookupsTotal.WithLabelValues("fallback").Inc()
		return neutral
	}
	addr = addr.Unmap()

	s.mu.Lock()
	if entry, ok := s.cache[ip]; ok && time.Now().Before(entry.expiresAt) {
		s.mu.Unlock()
		metrics.ReputationLookupsTotal.WithLabelValues("cache").Inc()
		return entry.result
	}
	for _, p := range s.trusted {
		if p.Contains(addr) {
			s.mu.Unlock()
			metrics.ReputationLookupsTotal.WithLabelValues("list").Inc()
			return Result{Score: ScoreTrusted, Categories: []string{"trusted"}}
		}
	}
	for _, p := range s.knownBad {
		if p.Contains(addr) {
			s.mu.Unlock()
			metrics.ReputationLookupsTotal.WithLabelValues("list").Inc()
			return Result{Score: ScoreKnownBad, Categories: []string{"known_bad"}}
		}
	}
	s.mu.Unlock()

	if s.provider != nil {
		ctx, span := traces.StartSpan(ctx, "reputation.provider_lookup", traces.ClientIP(ip))
		res, err := s.provider.Lookup(ctx, ip)
		span.End()
		if err == nil && res.Score >= 0 && res.Score <= 100 {
			if res.Categories == nil {
				res.Categories = []string{}
			}
			s.mu.Lock()
			s.cache[ip] = cacheEntry{result: res, expiresAt: time.Now().Add(s.cacheTTL)}
			s.mu.Unlock()
			metrics.ReputationLookupsTotal.WithLabelValues("provider").Inc()
			return res
		}
		if err != nil {
			s.logger.Debug("reputation provider lookup failed", "ip", ip, "error", err)
		}
	}

	metrics.ReputationLookupsTotal.WithLabelValues("fallback").Inc()
	return neutral
}

// IsTrusted reports whether ip falls inside a trusted network.
func (s *Store) IsTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsKnownBad reports whether ip falls inside a known-bad network.
func (s *Store) IsKnownBad(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.knownBad {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AddTrustedNetwork adds a CIDR to the trusted list. Returns false if the
// CIDR does not parse.
func (s *Store) AddTrustedNetwork(cidr string) bool {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		s.logger.Warn("invalid trusted network", "cidr", cidr, "error", err)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted = append(s.trusted, p)
	return true
}

// AddKnownBadNetwork adds a CIDR to the known-bad list. Returns false if the
// CIDR does not parse.
func (s *Store) AddKnownBadNetwork(cidr string) bool {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		s.logger.Warn("invalid known-bad network", "cidr", cidr, "error", err)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knownBad = append(s.knownBad, p)
	return true
}

// Stats returns a snapshot of store state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Count only live cache entries.
	now := time.Now()
	live := 0
	for _, e := range s.cache {
		if now.Before(e.expiresAt) {
			live++
		}
	}
	return Stats{
		CachedEntries:    live,
		TrustedNetworks:  len(s.trusted),
		KnownBadNetworks: len(s.knownBad),
		CacheTTL:         s.cacheTTL.Seconds(),
		HasProvider:      s.provider != nil,
	}
}
