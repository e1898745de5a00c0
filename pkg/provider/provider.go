// Package provider defines the data provider plug-in contract: capability
// metadata, rate-limited execution, health reporting, and the registry
// the gateway routes over. Registration order doubles as the authority
// order used to break conflicts between sources.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	ErrDuplicateProvider = errors.New("provider: already registered")
	ErrProviderNotFound  = errors.New("provider: not found")
)

// Request is one query against a provider.
type Request struct {
	Check    contracts.CheckType `json:"check"`
	Subject  contracts.Subject   `json:"subject"`
	EntityID string              `json:"entity_id"`
	Locale   string              `json:"locale"`
	Degree   contracts.Degree    `json:"degree,omitempty"`
	// Params carries refinement parameters from the investigation
	// planner, e.g. counties to search or an employer to verify.
	Params map[string]string `json:"params,omitempty"`
}

// Cost is the money spent on one provider execution.
type Cost struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
}

// Result is a provider's normalized response.
type Result struct {
	Findings           []contracts.Finding           `json:"findings"`
	DiscoveredEntities []contracts.DiscoveredEntity  `json:"discovered_entities,omitempty"`
	Cost               Cost                          `json:"cost"`
	RawPayload         []byte                        `json:"-"`
	Latency            time.Duration                 `json:"latency"`
}

// HealthStatus reports whether a provider is currently usable.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (h HealthStatus) Rank() int {
	switch h {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Health is a provider's self-reported status and typical latency.
type Health struct {
	Status  HealthStatus  `json:"status"`
	Latency time.Duration `json:"latency"`
}

// Provider is one external data source. Execute must be safe for
// concurrent use; the gateway fans out across providers and checks.
type Provider interface {
	ID() string
	TierCategory() contracts.TierCategory
	// CostTier orders providers by price class, cheapest first.
	CostTier() int
	Checks() []contracts.CheckType
	Locales() []string
	SupportsCheck(check contracts.CheckType) bool
	SupportsLocale(locale string) bool
	Execute(ctx context.Context, req Request) (*Result, error)
	Health(ctx context.Context) Health
}

// Normalizer maps a raw provider payload into the platform's finding
// schema. Providers embed one when the upstream format needs translation.
type Normalizer interface {
	Normalize(raw []byte) ([]contracts.Finding, []contracts.DiscoveredEntity, error)
}

// ValidateResult checks every finding in a result against the finding
// invariants before it enters the pipeline.
func ValidateResult(res *Result) error {
	for i := range res.Findings {
		if err := res.Findings[i].Validate(); err != nil {
			return fmt.Errorf("provider: finding %d invalid: %w", i, err)
		}
	}
	return nil
}

// BaseProvider supplies capability metadata and rate limiting for
// concrete providers to embed.
type BaseProvider struct {
	id           string
	tierCategory contracts.TierCategory
	costTier     int
	checks       []contracts.CheckType
	checkSet     map[contracts.CheckType]struct{}
	locales      []string
	limiter      *rate.Limiter
}

// NewBaseProvider creates the embedded base. A locale of "*" means the
// provider serves every locale.
func NewBaseProvider(id string, tierCategory contracts.TierCategory, costTier int, checks []contracts.CheckType, locales []string, r rate.Limit, burst int) *BaseProvider {
	checkSet := make(map[contracts.CheckType]struct{}, len(checks))
	for _, c := range checks {
		checkSet[c] = struct{}{}
	}
	return &BaseProvider{
		id:           id,
		tierCategory: tierCategory,
		costTier:     costTier,
		checks:       append([]contracts.CheckType(nil), checks...),
		checkSet:     checkSet,
		locales:      append([]string(nil), locales...),
		limiter:      rate.NewLimiter(r, burst),
	}
}

func (b *BaseProvider) ID() string                           { return b.id }
func (b *BaseProvider) TierCategory() contracts.TierCategory { return b.tierCategory }
func (b *BaseProvider) CostTier() int                        { return b.costTier }
func (b *BaseProvider) Checks() []contracts.CheckType        { return b.checks }
func (b *BaseProvider) Locales() []string                    { return b.locales }

func (b *BaseProvider) SupportsCheck(check contracts.CheckType) bool {
	_, ok := b.checkSet[check]
	return ok
}

// SupportsLocale accepts an exact locale, a country prefix ("US" serves
// "US-CA"), or the wildcard "*".
func (b *BaseProvider) SupportsLocale(locale string) bool {
	country := locale
	if i := strings.IndexByte(locale, '-'); i > 0 {
		country = locale[:i]
	}
	for _, l := range b.locales {
		if l == "*" || l == locale || l == country {
			return true
		}
	}
	return false
}

// Wait blocks until the provider's rate limiter admits a call.
func (b *BaseProvider) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Registry holds the configured providers in registration order. That
// order is the platform's source authority ranking.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Duplicate IDs are rejected.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.ID())
	}
	r.providers[p.ID()] = p
	r.order = append(r.order, p.ID())
	return nil
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// All returns every provider in registration order.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Candidates returns providers able to serve (check, locale, tier), in
// registration order. The gateway applies its own preference ordering on
// top.
func (r *Registry) Candidates(check contracts.CheckType, locale string, tier contracts.Tier) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, id := range r.order {
		p := r.providers[id]
		if !p.SupportsCheck(check) || !p.SupportsLocale(locale) {
			continue
		}
		if !p.TierCategory().ServableAt(tier) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// AuthorityRank returns the provider's position in registration order.
// Lower is more authoritative; unknown providers rank last.
func (r *Registry) AuthorityRank(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, o := range r.order {
		if o == id {
			return i
		}
	}
	return len(r.order)
}
