package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rivetgames/sentry/internal/circuitbreaker"
	"github.com/rivetgames/sentry/internal/retry"
)

// Provider looks up an IP reputation from an external source.
// Implementations return a score in [0, 100] plus any categories the source
// reports for the address.
type Provider interface {
	Lookup(ctx context.Context, ip string) (Result, error)
}

// HTTPProvider queries a reputation API over HTTP. The request is
// GET {baseURL}/{ip} with an optional bearer token; the response body is
// expected to be {"score": N, "categories": [...]}. Transient failures are
// retried with backoff.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the given API base URL. The short
// client timeout keeps a slow provider from stalling request handling.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 2 * time.Second},
	}
}

// Lookup fetches the reputation for ip, retrying transient failures. Client
// errors (4xx) and malformed responses are not retried.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	var res Result
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		var err error
		res, err = p.lookupOnce(ctx, ip)
		return err
	})
	return res, err
}

func (p *HTTPProvider) lookupOnce(ctx context.Context, ip string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return Result{}, retry.Permanent(err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("reputation api returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Result{}, retry.Permanent(err)
		}
		return Result{}, err
	}

	var body Result
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, retry.Permanent(err)
	}
	if body.Score < 0 || body.Score > 100 {
		return Result{}, retry.Permanent(fmt.Errorf("reputation api returned out-of-range score %d", body.Score))
	}
	return body, nil
}

// ErrCircuitOpen is returned when the provider circuit is open and the
// lookup was skipped. Store.Score treats it like any provider failure and
// falls back to the neutral score.
var ErrCircuitOpen = errors.New("reputation provider circuit open")

// GuardedProvider wraps a Provider with a circuit breaker so a failing
// upstream is skipped instead of hammered on every uncached lookup.
type GuardedProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

// Guard wraps p with the given breaker.
func Guard(p Provider, b *circuitbreaker.Breaker) *GuardedProvider {
	return &GuardedProvider{inner: p, breaker: b}
}

// Lookup delegates to the wrapped provider when the circuit allows it.
func (g *GuardedProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	if !g.breaker.Allow() {
		return Result{}, ErrCircuitOpen
	}
	res, err := g.inner.Lookup(ctx, ip)
	if err != nil {
		g.breaker.RecordFailure()
		return Result{}, err
	}
	g.breaker.RecordSuccess()
	return res, nil
}
