package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// httpResponse is the wire shape a remote source returns. Findings are
// expected pre-normalized to the platform schema; the raw body is kept
// for the vault.
type httpResponse struct {
	Findings           []contracts.Finding          `json:"findings"`
	DiscoveredEntities []contracts.DiscoveredEntity `json:"discovered_entities,omitempty"`
	CostCents          int64                        `json:"cost_cents"`
	Currency           string                       `json:"currency"`
}

// HTTPProvider queries a remote data source over JSON HTTP. Retries and
// circuit breaking belong to the gateway; the provider maps transport
// failures onto the shared error kinds and tracks its own health from
// observed outcomes.
type HTTPProvider struct {
	*BaseProvider

	endpoint string
	apiKey   string
	client   *http.Client

	mu     sync.Mutex
	health Health
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) HTTPOption {
	return func(p *HTTPProvider) { p.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// NewHTTPProvider wraps a capability base around a remote JSON endpoint.
func NewHTTPProvider(base *BaseProvider, endpoint string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		BaseProvider: base,
		endpoint:     endpoint,
		client:       &http.Client{Timeout: 30 * time.Second},
		health:       Health{Status: HealthHealthy},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: encoding request: %w", p.ID(), err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: building request: %w", p.ID(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.observe(false, time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("provider %s: %w: %v", p.ID(), contracts.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("provider %s: %w: %v", p.ID(), contracts.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	latency := time.Since(start)
	if err != nil {
		p.observe(false, latency)
		return nil, fmt.Errorf("provider %s: reading response: %w", p.ID(), err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		p.observe(false, latency)
		return nil, fmt.Errorf("provider %s: %w", p.ID(), contracts.ErrProviderRateLimited)
	case resp.StatusCode >= 500:
		p.observe(false, latency)
		return nil, fmt.Errorf("provider %s: %w: status %d", p.ID(), contracts.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		p.observe(false, latency)
		return nil, fmt.Errorf("provider %s: unexpected status %d", p.ID(), resp.StatusCode)
	}

	var wire httpResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		p.observe(false, latency)
		return nil, fmt.Errorf("provider %s: decoding response: %w", p.ID(), err)
	}
	res := &Result{
		Findings:           wire.Findings,
		DiscoveredEntities: wire.DiscoveredEntities,
		Cost:               Cost{Cents: wire.CostCents, Currency: wire.Currency},
		RawPayload:         raw,
		Latency:            latency,
	}
	if err := ValidateResult(res); err != nil {
		p.observe(false, latency)
		return nil, err
	}
	p.observe(true, latency)
	return res, nil
}

// Health reports status inferred from recent outcomes; the provider never
// probes on the hot path.
func (p *HTTPProvider) Health(context.Context) Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *HTTPProvider) observe(ok bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.Latency = latency
	if ok {
		p.health.Status = HealthHealthy
		return
	}
	// One failure degrades, a failure on an already degraded provider
	// marks it unhealthy.
	if p.health.Status == HealthHealthy {
		p.health.Status = HealthDegraded
	} else {
		p.health.Status = HealthUnhealthy
	}
}
