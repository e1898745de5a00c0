// Package gateway routes investigation demands to data providers. It
// consults the result cache under the freshness policy, coalesces
// concurrent executions per fingerprint, rate limits and circuit-breaks
// each provider, retries transient failures with exponential backoff,
// and records an audit event and a charge for every billable call.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/costmeter"
	"github.com/veritas-labs/scrutiny/pkg/provider"
	"github.com/veritas-labs/scrutiny/pkg/vault"
)

// ErrInvalidDemand is returned when a demand is missing required fields.
var ErrInvalidDemand = errors.New("gateway: invalid demand")

// Demand is one request for one check on one entity.
type Demand struct {
	InvestigationID string
	EntityID        string
	Subject         contracts.Subject
	Check           contracts.CheckType
	Locale          string
	Tier            contracts.Tier
	Degree          contracts.Degree
	// CustomerID scopes billing and the customer cache partition.
	// Empty means the platform itself is asking, e.g. a vigilance sweep.
	CustomerID string
	Params     map[string]string
}

// Validate checks the demand's required fields.
func (d Demand) Validate() error {
	if d.InvestigationID == "" || d.EntityID == "" {
		return fmt.Errorf("%w: investigation and entity IDs required", ErrInvalidDemand)
	}
	if !contracts.ValidCheckType(d.Check) {
		return fmt.Errorf("%w: unknown check %q", ErrInvalidDemand, d.Check)
	}
	if d.Locale == "" {
		return fmt.Errorf("%w: locale required", ErrInvalidDemand)
	}
	switch d.Tier {
	case contracts.TierStandard, contracts.TierEnhanced:
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidDemand, d.Tier)
	}
	return nil
}

// Response carries normalized findings back to the investigation.
type Response struct {
	Findings   []contracts.Finding
	Discovered []contracts.DiscoveredEntity
	ProviderID string
	// FromCache is true when no provider executed for this response.
	FromCache bool
	// Stale is true when the freshness policy served a stale entry
	// under use-with-flag; a refresh is already underway.
	Stale bool
	// Shared is true when the response was reused from the hold window
	// of an earlier execution.
	Shared     bool
	CostCents  int64
	Currency   string
	RawRef     string
	AcquiredAt time.Time
}

// cachedPayload is the JSON shape stored in a cache entry's payload.
type cachedPayload struct {
	Findings   []contracts.Finding          `json:"findings"`
	Discovered []contracts.DiscoveredEntity `json:"discovered_entities,omitempty"`
}

// Config tunes retries, the breaker, and the hold window.
type Config struct {
	// MaxAttempts bounds calls to a single provider for one demand,
	// the first try included.
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryJitter     float64
	// HoldWindow is how long one fingerprint's result satisfies repeat
	// demands without a new execution.
	HoldWindow      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	CallTimeout     time.Duration
	RefreshTimeout  time.Duration
	DefaultRate     RatePolicy
	// ProviderRates overrides the default admission rate per provider.
	ProviderRates map[string]RatePolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		RetryBase:       500 * time.Millisecond,
		RetryMultiplier: 2,
		RetryJitter:     0.25,
		HoldWindow:      60 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		CallTimeout:     30 * time.Second,
		RefreshTimeout:  2 * time.Minute,
		DefaultRate:     RatePolicy{RPS: 10, Burst: 20},
	}
}

// AuditSink is the audit surface the gateway records through.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Gateway fronts the provider registry for the investigation engine.
type Gateway struct {
	registry *provider.Registry
	store    cache.Store
	policy   *cache.PolicyTable
	sink     AuditSink
	meter    costmeter.Meter
	vault    *vault.Vault
	limiter  LimiterStore
	breakers *breakerSet
	flights  *flightGroup
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	latencies map[string]time.Duration

	refreshes sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// WithClock replaces the gateway's time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithVault stores raw provider payloads encrypted. Without it raw
// payloads are discarded after normalization.
func WithVault(v *vault.Vault) Option {
	return func(g *Gateway) { g.vault = v }
}

// WithLimiter replaces the default in-process limiter, e.g. with the
// Redis-backed one.
func WithLimiter(store LimiterStore) Option {
	return func(g *Gateway) { g.limiter = store }
}

// New creates a Gateway over the given registry, cache, and policy.
func New(registry *provider.Registry, store cache.Store, policy *cache.PolicyTable, sink AuditSink, meter costmeter.Meter, opts ...Option) *Gateway {
	g := &Gateway{
		registry:  registry,
		store:     store,
		policy:    policy,
		sink:      sink,
		meter:     meter,
		cfg:       DefaultConfig(),
		clock:     time.Now,
		logger:    slog.Default(),
		latencies: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = NewLocalLimiter()
	}
	g.breakers = newBreakerSet(g.cfg.BreakerFailures, g.cfg.BreakerCooldown)
	g.flights = newFlightGroup(g.cfg.HoldWindow, g.clock)
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Close waits for in-flight async refreshes to finish.
func (g *Gateway) Close() {
	g.refreshes.Wait()
}

// Fetch satisfies one demand, from cache when freshness allows and from
// a provider otherwise. Stale entries under a use-with-flag policy are
// served flagged while a refresh runs in the background; stale entries
// under a block policy force a synchronous refresh.
func (g *Gateway) Fetch(ctx context.Context, d Demand) (*Response, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	now := g.clock()

	for _, class := range classesFor(d.Tier) {
		fp, err := g.fingerprint(d, class)
		if err != nil {
			return nil, err
		}
		entry, err := g.store.Get(ctx, fp, d.CustomerID)
		if err != nil && !errors.Is(err, cache.ErrEntryNotFound) {
			return nil, err
		}

		switch g.policy.Resolve(entry, d.Tier, now) {
		case cache.UseFresh:
			return g.serveCached(ctx, d, entry, false)
		case cache.UseStaleFlagAndRefresh:
			resp, err := g.serveCached(ctx, d, entry, true)
			if err != nil {
				return nil, err
			}
			g.spawnRefresh(ctx, d)
			return resp, nil
		case cache.BlockRefresh:
			if _, err := g.sink.Append(ctx, audit.Record{
				Actor:    audit.ActorSystem,
				Category: audit.CategoryStaleBlocked,
				Subject:  d.EntityID,
				Action:   "await_fresh",
				Payload: map[string]any{
					"check":            d.Check,
					"provider_id":      entry.ProviderID,
					"fingerprint":      fp,
					"investigation_id": d.InvestigationID,
				},
			}); err != nil {
				return nil, err
			}
			return g.execute(ctx, d)
		case cache.MissExecute:
			// Try the next class; execute when none holds an entry.
		}
	}
	return g.execute(ctx, d)
}

// classesFor orders the cache lookup: enhanced demands consult premium
// results before core ones, standard demands may only see core results.
func classesFor(tier contracts.Tier) []contracts.TierCategory {
	if tier == contracts.TierEnhanced {
		return []contracts.TierCategory{contracts.TierCategoryPremium, contracts.TierCategoryCore}
	}
	return []contracts.TierCategory{contracts.TierCategoryCore}
}

func (g *Gateway) fingerprint(d Demand, class contracts.TierCategory) (string, error) {
	return cache.Scope{
		EntityID:      d.EntityID,
		ProviderClass: string(class),
		Check:         d.Check,
		Locale:        d.Locale,
		DegreeScope:   d.Degree,
	}.Fingerprint()
}

func (g *Gateway) serveCached(ctx context.Context, d Demand, entry *cache.Entry, stale bool) (*Response, error) {
	var payload cachedPayload
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, fmt.Errorf("gateway: corrupt cache payload for %s: %w", entry.Fingerprint, err)
		}
	}

	action := "use_fresh"
	if stale {
		action = "use_stale"
	}
	if _, err := g.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryCacheHit,
		Subject:  d.EntityID,
		Action:   action,
		Payload: map[string]any{
			"check":            d.Check,
			"provider_id":      entry.ProviderID,
			"fingerprint":      entry.Fingerprint,
			"investigation_id": d.InvestigationID,
			"acquired_at":      entry.AcquiredAt,
		},
	}); err != nil {
		return nil, err
	}

	return &Response{
		Findings:   flagCached(payload.Findings, stale),
		Discovered: payload.Discovered,
		ProviderID: entry.ProviderID,
		FromCache:  true,
		Stale:      stale,
		RawRef:     entry.RawRef,
		AcquiredAt: entry.AcquiredAt,
	}, nil
}

// flagCached marks served-from-cache findings, raising the stale flag
// when the freshness policy let a stale entry through.
func flagCached(findings []contracts.Finding, stale bool) []contracts.Finding {
	out := make([]contracts.Finding, len(findings))
	for i, f := range findings {
		f.Provenance.CacheHit = true
		f.StaleFlag = f.StaleFlag || stale
		out[i] = f
	}
	return out
}

// spawnRefresh re-executes the demand in the background. Failures leave
// the stale entry in place and record a refresh_failed event.
func (g *Gateway) spawnRefresh(ctx context.Context, d Demand) {
	refreshCtx := context.WithoutCancel(ctx)
	g.refreshes.Add(1)
	go func() {
		defer g.refreshes.Done()
		rctx, cancel := context.WithTimeout(refreshCtx, g.cfg.RefreshTimeout)
		defer cancel()
		if _, err := g.execute(rctx, d); err != nil {
			g.logger.Warn("async refresh failed", "check", d.Check, "entity_id", d.EntityID, "error", err)
			if _, aerr := g.sink.Append(rctx, audit.Record{
				Actor:    audit.ActorSystem,
				Category: audit.CategoryRefreshFailed,
				Subject:  d.EntityID,
				Action:   "refresh",
				Payload: map[string]any{
					"check":            d.Check,
					"investigation_id": d.InvestigationID,
					"error":            err.Error(),
				},
			}); aerr != nil {
				g.logger.Error("failed to record refresh failure", "error", aerr)
			}
		}
	}()
}

// flightKey scopes single-flight coalescing. Tier and customer are part
// of the key because demands at different tiers may route to different
// provider classes and customers must not share in-flight state.
// Refinement parameters are part of the key too: a narrowed query is a
// different demand, not a duplicate of the broad one.
func flightKey(d Demand) string {
	parts := []string{d.EntityID, string(d.Check), d.Locale, string(d.Tier), string(d.Degree), d.CustomerID}
	if len(d.Params) > 0 {
		keys := make([]string, 0, len(d.Params))
		for k := range d.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+d.Params[k])
		}
	}
	return strings.Join(parts, "|")
}

func (g *Gateway) execute(ctx context.Context, d Demand) (*Response, error) {
	return g.flights.do(flightKey(d), func() (*Response, error) {
		return g.executeLeader(ctx, d)
	})
}

// executeLeader runs as the sole flight leader for a demand: it selects
// candidates, fails over across them, and is the only writer of the
// resulting cache entry.
func (g *Gateway) executeLeader(ctx context.Context, d Demand) (*Response, error) {
	ordered := g.order(ctx, g.registry.Candidates(d.Check, d.Locale, d.Tier))
	if len(ordered) == 0 {
		return nil, g.noSource(ctx, d, nil)
	}

	var lastErr error
	for _, p := range ordered {
		res, err := g.callWithRetry(ctx, p, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !contracts.Transient(err) {
				return nil, err
			}
			lastErr = err
			g.logger.Warn("provider failed, failing over", "provider_id", p.ID(), "check", d.Check, "error", err)
			continue
		}
		return g.record(ctx, d, p, res)
	}
	return nil, g.noSource(ctx, d, lastErr)
}

// noSource records candidate exhaustion. The caller surfaces
// ErrNoSourceAvailable and the investigation continues without the check.
func (g *Gateway) noSource(ctx context.Context, d Demand, cause error) error {
	if _, err := g.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryProviderCall,
		Subject:  d.EntityID,
		Action:   "no_source_available",
		Payload: map[string]any{
			"check":            d.Check,
			"locale":           d.Locale,
			"tier":             d.Tier,
			"investigation_id": d.InvestigationID,
		},
	}); err != nil {
		g.logger.Error("failed to record source exhaustion", "error", err)
	}
	if cause != nil {
		return fmt.Errorf("gateway: all providers failed for %s in %s: %w",
			d.Check, d.Locale, errors.Join(contracts.ErrNoSourceAvailable, cause))
	}
	return fmt.Errorf("gateway: no provider serves %s in %s at tier %s: %w",
		d.Check, d.Locale, d.Tier, contracts.ErrNoSourceAvailable)
}

// order ranks candidates by (health desc, cost tier asc, observed
// latency asc); the registry's registration order breaks remaining ties.
func (g *Gateway) order(ctx context.Context, candidates []provider.Provider) []provider.Provider {
	type ranked struct {
		p       provider.Provider
		health  int
		latency time.Duration
	}
	rs := make([]ranked, 0, len(candidates))
	for _, p := range candidates {
		h := p.Health(ctx)
		rs = append(rs, ranked{p: p, health: h.Status.Rank(), latency: g.observedLatency(p.ID(), h.Latency)})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].health != rs[j].health {
			return rs[i].health > rs[j].health
		}
		if rs[i].p.CostTier() != rs[j].p.CostTier() {
			return rs[i].p.CostTier() < rs[j].p.CostTier()
		}
		return rs[i].latency < rs[j].latency
	})
	out := make([]provider.Provider, len(rs))
	for i, r := range rs {
		out[i] = r.p
	}
	return out
}

func (g *Gateway) observedLatency(id string, reported time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if avg, ok := g.latencies[id]; ok {
		return avg
	}
	return reported
}

func (g *Gateway) noteLatency(id string, sample time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if avg, ok := g.latencies[id]; ok {
		g.latencies[id] = avg + (sample-avg)/4
		return
	}
	g.latencies[id] = sample
}

func (g *Gateway) ratePolicy(providerID string) RatePolicy {
	if p, ok := g.cfg.ProviderRates[providerID]; ok {
		return p
	}
	return g.cfg.DefaultRate
}

// callWithRetry retries one provider with exponential backoff on
// transient errors. An open circuit or a non-transient error stops the
// retries immediately.
func (g *Gateway) callWithRetry(ctx context.Context, p provider.Provider, d Demand) (*provider.Result, error) {
	req := provider.Request{
		Check:    d.Check,
		Subject:  d.Subject,
		EntityID: d.EntityID,
		Locale:   d.Locale,
		Degree:   d.Degree,
		Params:   d.Params,
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.cfg.RetryBase
	expo.Multiplier = g.cfg.RetryMultiplier
	expo.RandomizationFactor = g.cfg.RetryJitter

	return backoff.Retry(ctx, func() (*provider.Result, error) {
		res, err := g.callOnce(ctx, p, req)
		if err != nil {
			var open *circuitOpenError
			if errors.As(err, &open) || !contracts.Transient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(g.cfg.MaxAttempts)))
}

// callOnce runs a single attempt through the admission limiter and the
// provider's circuit breaker.
func (g *Gateway) callOnce(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Result, error) {
	allowed, err := g.limiter.Allow(ctx, p.ID(), g.ratePolicy(p.ID()), 1)
	if err != nil {
		return nil, fmt.Errorf("gateway: limiter check failed: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("gateway: provider %s over admission rate: %w", p.ID(), contracts.ErrProviderRateLimited)
	}

	cb := g.breakers.forProvider(p.ID())
	started := time.Now()
	v, err := cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		res, err := p.Execute(callCtx, req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("gateway: provider %s timed out: %w", p.ID(), contracts.ErrProviderTimeout)
			}
			return nil, err
		}
		if err := provider.ValidateResult(res); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &circuitOpenError{providerID: p.ID()}
		}
		return nil, err
	}

	res := v.(*provider.Result)
	if res.Latency <= 0 {
		res.Latency = time.Since(started)
	}
	g.noteLatency(p.ID(), res.Latency)
	return res, nil
}

// record persists a successful execution: raw payload to the vault, the
// provider_call audit event, the cache entry, and the charge. The audit
// record lands before the cache write so an entry can never exist
// without its provider_call event.
func (g *Gateway) record(ctx context.Context, d Demand, p provider.Provider, res *provider.Result) (*Response, error) {
	now := g.clock()
	fp, err := g.fingerprint(d, p.TierCategory())
	if err != nil {
		return nil, err
	}

	var rawRef string
	if g.vault != nil && len(res.RawPayload) > 0 {
		ref, err := g.vault.Put(ctx, res.RawPayload)
		if err != nil {
			return nil, fmt.Errorf("gateway: failed to store raw payload: %w", err)
		}
		rawRef = ref
	}

	payload, err := json.Marshal(cachedPayload{Findings: res.Findings, Discovered: res.DiscoveredEntities})
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to encode payload: %w", err)
	}

	entry := &cache.Entry{
		Fingerprint: fp,
		EntityID:    d.EntityID,
		ProviderID:  p.ID(),
		Check:       d.Check,
		Origin:      contracts.OriginPaidExternal,
		Locale:      d.Locale,
		Payload:     payload,
		RawRef:      rawRef,
		CostCents:   res.Cost.Cents,
		Currency:    res.Cost.Currency,
	}
	g.policy.Stamp(entry, now)

	if _, err := g.sink.Append(ctx, audit.Record{
		Actor:    audit.ActorProvider,
		Category: audit.CategoryProviderCall,
		Subject:  d.EntityID,
		Action:   "execute",
		Payload: map[string]any{
			"provider_id":      p.ID(),
			"check":            d.Check,
			"locale":           d.Locale,
			"fingerprint":      fp,
			"investigation_id": d.InvestigationID,
			"cost_cents":       res.Cost.Cents,
			"currency":         res.Cost.Currency,
			"latency_ms":       res.Latency.Milliseconds(),
			"findings":         len(res.Findings),
		},
	}); err != nil {
		return nil, err
	}

	if err := g.store.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("gateway: failed to cache result: %w", err)
	}

	if res.Cost.Currency != "" {
		charge := costmeter.Charge{
			InvestigationID: d.InvestigationID,
			EntityID:        d.EntityID,
			ProviderID:      p.ID(),
			Check:           d.Check,
			AmountCents:     res.Cost.Cents,
			Currency:        res.Cost.Currency,
			BilledTo:        costmeter.BilledShared,
			ChargedAt:       now,
		}
		if d.CustomerID != "" {
			charge.BilledTo = costmeter.BilledCustomer
			charge.CustomerID = d.CustomerID
		}
		if err := g.meter.Record(ctx, charge); err != nil {
			g.logger.Error("failed to meter charge", "provider_id", p.ID(), "error", err)
		}
	}

	return &Response{
		Findings:   res.Findings,
		Discovered: res.DiscoveredEntities,
		ProviderID: p.ID(),
		CostCents:  res.Cost.Cents,
		Currency:   res.Cost.Currency,
		RawRef:     rawRef,
		AcquiredAt: now,
	}, nil
}
