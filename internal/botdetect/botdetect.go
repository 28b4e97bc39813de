// Package botdetect classifies requests as bots from their User-Agent and
// verifies self-declared crawlers with reverse DNS so a scraper cannot pass
// itself off as Googlebot.
package botdetect

import (
	"context"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/rivetgames/sentry/internal/metrics"
)

// Result is the outcome of a classification.
type Result struct {
	IsBot     bool   `json:"isBot"`
	BotName   string `json:"botName,omitempty"`
	IsAllowed bool   `json:"isAllowed"`
	Verified  bool   `json:"verified"`
}

// fingerprint matches a bot family by User-Agent. Allowed bots carry a
// reverse-DNS pattern their source hostnames must match.
type fingerprint struct {
	name    string
	pattern *regexp.Regexp
	allowed bool
	verify  *regexp.Regexp
}

// Resolver performs a reverse DNS lookup. Tests inject a fake.
type Resolver func(ctx context.Context, ip string) ([]string, error)

// defaultResolver uses the system resolver.
func defaultResolver(ctx context.Context, ip string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, ip)
}

// Classifier matches User-Agents against an ordered fingerprint table.
// All methods are safe for concurrent use.
type Classifier struct {
	logger  *slog.Logger
	resolve Resolver

	mu           sync.Mutex
	fingerprints []*fingerprint
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithResolver overrides the reverse DNS resolver.
func WithResolver(r Resolver) Option {
	return func(c *Classifier) { c.resolve = r }
}

// New creates a classifier seeded with the default fingerprint table.
// Search-engine crawlers are allowed subject to reverse-DNS verification;
// scraping tools and the generic crawler pattern are blocked outright.
func New(logger *slog.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		logger:  logger,
		resolve: defaultResolver,
		fingerprints: []*fingerprint{
			{
				name:    "googlebot",
				pattern: regexp.MustCompile(`(?i)googlebot`),
				allowed: true,
				verify:  regexp.MustCompile(`\.googlebot\.com\.?$`),
			},
			{
				name:    "bingbot",
				pattern: regexp.MustCompile(`(?i)bingbot`),
				allowed: true,
				verify:  regexp.MustCompile(`\.search\.msn\.com\.?$`),
			},
			{
				name:    "baiduspider",
				pattern: regexp.MustCompile(`(?i)baiduspider`),
				allowed: true,
				verify:  regexp.MustCompile(`\.baidu\.(com|jp)\.?$`),
			},
			{
				name:    "yandexbot",
				pattern: regexp.MustCompile(`(?i)yandexbot`),
				allowed: true,
				verify:  regexp.MustCompile(`\.yandex\.(ru|net|com)\.?$`),
			},
			{
				name:    "semrush",
				pattern: regexp.MustCompile(`(?i)semrushbot`),
			},
			{
				name:    "ahrefs",
				pattern: regexp.MustCompile(`(?i)ahrefsbot`),
			},
			{
				name:    "screaming_frog",
				pattern: regexp.MustCompile(`(?i)screaming frog`),
			},
			{
				name:    "generic_crawler",
				pattern: regexp.MustCompile(`(?i)(crawler|spider|bot|http)`),
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify matches userAgent against the fingerprint table in order and,
// for an allowed bot, verifies the claim against the reverse DNS of ip.
// An empty User-Agent is not treated as a bot.
func (c *Classifier) Classify(ctx context.Context, userAgent, ip string) Result {
	if userAgent == "" {
		return Result{}
	}

	// Copy the matched fields under the lock; AllowBot/BlockBot mutate
	// fingerprints concurrently.
	c.mu.Lock()
	var (
		matched bool
		name    string
		allowed bool
		verify  *regexp.Regexp
	)
	for _, fp := range c.fingerprints {
		if fp.pattern.MatchString(userAgent) {
			matched, name, allowed, verify = true, fp.name, fp.allowed, fp.verify
			break
		}
	}
	c.mu.Unlock()

	if !matched {
		return Result{}
	}

	res := Result{IsBot: true, BotName: name, IsAllowed: allowed}
	if allowed {
		if verify == nil || ip == "" {
			// No verification pattern, or no source address to check it
			// against: the fingerprint default stands.
			res.Verified = true
		} else {
			res.Verified = c.verifySource(ctx, ip, verify)
			if !res.Verified {
				// A crawler that fails reverse DNS loses its allowance.
				res.IsAllowed = false
				c.logger.Warn("bot identity not verified",
					"bot", name,
					"ip", ip,
					"user_agent", userAgent,
				)
			}
		}
	}

	verdict := "blocked"
	if res.IsAllowed && res.Verified {
		verdict = "allowed"
	}
	metrics.BotDetectionsTotal.WithLabelValues(verdict).Inc()
	return res
}

// verifySource checks that a reverse DNS hostname for ip matches pattern.
func (c *Classifier) verifySource(ctx context.Context, ip string, pattern *regexp.Regexp) bool {
	names, err := c.resolve(ctx, ip)
	if err != nil {
		return false
	}
	for _, name := range names {
		if pattern.MatchString(strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// ShouldBlock reports whether the request should be rejected: it is a bot
// and is either disallowed or failed verification.
func (c *Classifier) ShouldBlock(ctx context.Context, userAgent, ip string) bool {
	res := c.Classify(ctx, userAgent, ip)
	return res.IsBot && (!res.IsAllowed || !res.Verified)
}

// AddFingerprint registers a new fingerprint ahead of the generic catch-all.
// verifyPattern may be empty for a disallowed bot. Returns an error for an
// invalid pattern.
func (c *Classifier) AddFingerprint(name, uaPattern string, allowed bool, verifyPattern string) error {
	re, err := regexp.Compile("(?i)" + uaPattern)
	if err != nil {
		return err
	}
	fp := &fingerprint{name: name, pattern: re, allowed: allowed}
	if verifyPattern != "" {
		fp.verify, err = regexp.Compile(verifyPattern)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Keep generic_crawler last so specific fingerprints win.
	n := len(c.fingerprints)
	if n > 0 && c.fingerprints[n-1].name == "generic_crawler" {
		c.fingerprints = append(c.fingerprints[:n-1], fp, c.fingerprints[n-1])
	} else {
		c.fingerprints = append(c.fingerprints, fp)
	}
	return nil
}

// AllowBot marks a known fingerprint as allowed. Returns false if the name
// is unknown.
func (c *Classifier) AllowBot(name string) bool {
	return c.setAllowed(name, true)
}

// BlockBot marks a known fingerprint as disallowed. Returns false if the
// name is unknown.
func (c *Classifier) BlockBot(name string) bool {
	return c.setAllowed(name, false)
}

func (c *Classifier) setAllowed(name string, allowed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fp := range c.fingerprints {
		if fp.name == name {
			fp.allowed = allowed
			return true
		}
	}
	return false
}

// Fingerprints returns the names of registered fingerprints in match order.
func (c *Classifier) Fingerprints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.fingerprints))
	for i, fp := range c.fingerprints {
		names[i] = fp.name
	}
	return names
}
