// Package providertest supplies a scripted in-memory provider for
// exercising the gateway and investigation pipeline in tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/provider"
)

// Fake is a scripted provider. Results and errors are configured per
// check type; every request is recorded for assertions.
type Fake struct {
	*provider.BaseProvider

	mu      sync.Mutex
	results map[contracts.CheckType]*provider.Result
	errs    map[contracts.CheckType]*scriptedError
	calls   []provider.Request
	health  provider.Health
	delay   time.Duration
	cost    provider.Cost
}

type scriptedError struct {
	err       error
	remaining int // negative means fail forever
}

type config struct {
	tierCategory contracts.TierCategory
	costTier     int
	locales      []string
	health       provider.Health
	delay        time.Duration
	cost         provider.Cost
	limit        rate.Limit
	burst        int
}

// Option configures a Fake at construction.
type Option func(*config)

// WithTierCategory sets the provider's tier category.
func WithTierCategory(tc contracts.TierCategory) Option {
	return func(c *config) { c.tierCategory = tc }
}

// WithCostTier sets the provider's cost tier.
func WithCostTier(ct int) Option {
	return func(c *config) { c.costTier = ct }
}

// WithLocales sets the supported locales.
func WithLocales(locales ...string) Option {
	return func(c *config) { c.locales = locales }
}

// WithHealth sets the reported health.
func WithHealth(h provider.Health) Option {
	return func(c *config) { c.health = h }
}

// WithDelay makes every execution take d (interruptible by context).
func WithDelay(d time.Duration) Option {
	return func(c *config) { c.delay = d }
}

// WithCost sets the cost recorded per execution.
func WithCost(cents int64, currency string) Option {
	return func(c *config) { c.cost = provider.Cost{Cents: cents, Currency: currency} }
}

// WithRate bounds the fake's request rate.
func WithRate(r rate.Limit, burst int) Option {
	return func(c *config) { c.limit, c.burst = r, burst }
}

// New creates a fake serving the given checks everywhere, healthy, with
// an unlimited rate.
func New(id string, checks []contracts.CheckType, opts ...Option) *Fake {
	cfg := config{
		tierCategory: contracts.TierCategoryCore,
		costTier:     1,
		locales:      []string{"*"},
		health:       provider.Health{Status: provider.HealthHealthy, Latency: 50 * time.Millisecond},
		cost:         provider.Cost{Cents: 125, Currency: "USD"},
		limit:        rate.Inf,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Fake{
		BaseProvider: provider.NewBaseProvider(id, cfg.tierCategory, cfg.costTier, checks, cfg.locales, cfg.limit, cfg.burst),
		results:      make(map[contracts.CheckType]*provider.Result),
		errs:         make(map[contracts.CheckType]*scriptedError),
		health:       cfg.health,
		delay:        cfg.delay,
		cost:         cfg.cost,
	}
}

// Script sets the result returned for a check.
func (f *Fake) Script(check contracts.CheckType, res *provider.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[check] = res
	return f
}

// FailNext makes the next n executions of check fail with err. A
// negative n fails forever.
func (f *Fake) FailNext(check contracts.CheckType, err error, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[check] = &scriptedError{err: err, remaining: n}
	return f
}

// SetHealth changes the reported health at runtime.
func (f *Fake) SetHealth(h provider.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

func (f *Fake) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if scripted, ok := f.errs[req.Check]; ok && scripted.remaining != 0 {
		if scripted.remaining > 0 {
			scripted.remaining--
		}
		return nil, scripted.err
	}

	res, ok := f.results[req.Check]
	if !ok {
		return &provider.Result{Cost: f.cost, Latency: f.delay}, nil
	}
	out := &provider.Result{
		Findings:           append([]contracts.Finding(nil), res.Findings...),
		DiscoveredEntities: append([]contracts.DiscoveredEntity(nil), res.DiscoveredEntities...),
		Cost:               f.cost,
		RawPayload:         append([]byte(nil), res.RawPayload...),
		Latency:            f.delay,
	}
	if res.Cost != (provider.Cost{}) {
		out.Cost = res.Cost
	}
	return out, nil
}

func (f *Fake) Health(context.Context) provider.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// Calls returns every recorded request.
func (f *Fake) Calls() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.calls...)
}

// CallCount returns how many times the check was executed.
func (f *Fake) CallCount(check contracts.CheckType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Check == check {
			n++
		}
	}
	return n
}
