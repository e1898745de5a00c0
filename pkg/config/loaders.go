package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/provider"
	"github.com/veritas-labs/scrutiny/pkg/risk"
)

// ruleSetSchema is the structural contract for rule pack files. Semantic
// checks (valid check types, duplicate IDs) run after unmarshalling via
// RuleSet.Validate.
const ruleSetSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "rules"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["rule_id", "locale", "permitted"],
				"properties": {
					"rule_id": {"type": "string", "minLength": 1},
					"locale": {"type": "string", "minLength": 1},
					"check_type": {"type": "string"},
					"role_category": {"type": "string"},
					"source_category": {"type": "string"},
					"applicable_tiers": {"type": "array", "items": {"type": "string"}},
					"permitted": {"type": "boolean"},
					"lookback_years": {"type": "integer", "minimum": 0},
					"required_disclosures": {"type": "array", "items": {"type": "string"}},
					"excluded_data_categories": {"type": "array", "items": {"type": "string"}},
					"requires_explicit_consent": {"type": "boolean"},
					"consent_scope": {"type": "string"},
					"condition": {"type": "string"},
					"notes": {"type": "string"}
				}
			}
		},
		"regions": {
			"type": "object",
			"additionalProperties": {"type": "array", "items": {"type": "string"}}
		}
	}
}`

var (
	ruleSchemaOnce sync.Once
	ruleSchema     *jsonschema.Schema
	ruleSchemaErr  error
)

func compiledRuleSchema() (*jsonschema.Schema, error) {
	ruleSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://scrutiny.schemas.local/rulepack.schema.json"
		if err := c.AddResource(url, strings.NewReader(ruleSetSchema)); err != nil {
			ruleSchemaErr = err
			return
		}
		ruleSchema, ruleSchemaErr = c.Compile(url)
	})
	return ruleSchema, ruleSchemaErr
}

// LoadRuleSet reads, schema-validates, and semantically validates one rule
// pack. The version must be valid semver so reloads can be gated against
// downgrades.
func LoadRuleSet(path string) (*compliance.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading rule pack: %w", err)
	}

	schema, err := compiledRuleSchema()
	if err != nil {
		return nil, fmt.Errorf("config: rule pack schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing rule pack %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: rule pack %s rejected by schema: %w", path, err)
	}

	var rs compliance.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("config: parsing rule pack %s: %w", path, err)
	}
	if _, err := semver.NewVersion(rs.Version); err != nil {
		return nil, fmt.Errorf("config: rule pack %s version %q: %w", path, rs.Version, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("config: rule pack %s: %w", path, err)
	}
	return &rs, nil
}

// LoadFreshnessPolicy reads a cache freshness table. Checks absent from the
// file keep no policy row and expire immediately.
func LoadFreshnessPolicy(path string) (*cache.PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading freshness policy: %w", err)
	}
	var table cache.PolicyTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("config: parsing freshness policy %s: %w", path, err)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("config: freshness policy %s: %w", path, err)
	}
	return &table, nil
}

// LoadWeights reads the role-sensitivity weight matrix for risk scoring.
func LoadWeights(path string) (risk.Weights, error) {
	var w risk.Weights
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("config: reading risk weights: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("config: parsing risk weights %s: %w", path, err)
	}
	if w.RecencyHalfLifeYears <= 0 {
		return w, fmt.Errorf("config: risk weights %s: recency half-life must be positive", path)
	}
	if len(w.Roles) == 0 {
		return w, fmt.Errorf("config: risk weights %s: no roles defined", path)
	}
	for role, cats := range w.Roles {
		for cat, weight := range cats {
			if !contracts.ValidFindingCategory(cat) {
				return w, fmt.Errorf("config: risk weights %s: role %s weights unknown category %q", path, role, cat)
			}
			if weight < 0 {
				return w, fmt.Errorf("config: risk weights %s: negative weight for %s/%s", path, role, cat)
			}
		}
	}
	return w, nil
}

// ProviderSpec declares one data provider in the catalog file. Specs carry
// capability metadata only; the concrete fetch implementation is registered
// separately under the same ID.
type ProviderSpec struct {
	ID            string                 `yaml:"id" json:"id"`
	Category      contracts.TierCategory `yaml:"category" json:"category"`
	CostTier      int                    `yaml:"cost_tier" json:"cost_tier"`
	Checks        []contracts.CheckType  `yaml:"checks" json:"checks"`
	Locales       []string               `yaml:"locales" json:"locales"`
	RatePerSecond float64                `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int                    `yaml:"burst" json:"burst"`
	// Endpoint is the remote JSON query URL. APIKeyEnv names the
	// environment variable holding its credential, so keys stay out of
	// the catalog file.
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// Validate checks the catalog entry's structural invariants.
func (s ProviderSpec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("config: provider spec missing id")
	}
	if s.Category != contracts.TierCategoryCore && s.Category != contracts.TierCategoryPremium {
		return fmt.Errorf("config: provider %s has unknown category %q", s.ID, s.Category)
	}
	if s.CostTier < 1 {
		return fmt.Errorf("config: provider %s has cost tier %d, want >= 1", s.ID, s.CostTier)
	}
	if len(s.Checks) == 0 {
		return fmt.Errorf("config: provider %s declares no checks", s.ID)
	}
	for _, c := range s.Checks {
		if !contracts.ValidCheckType(c) {
			return fmt.Errorf("config: provider %s declares unknown check %q", s.ID, c)
		}
	}
	if len(s.Locales) == 0 {
		return fmt.Errorf("config: provider %s declares no locales", s.ID)
	}
	if s.RatePerSecond <= 0 || s.Burst < 1 {
		return fmt.Errorf("config: provider %s has invalid rate limit %g/%d", s.ID, s.RatePerSecond, s.Burst)
	}
	return nil
}

// Base builds the embedded capability base a concrete provider wraps.
func (s ProviderSpec) Base() *provider.BaseProvider {
	return provider.NewBaseProvider(s.ID, s.Category, s.CostTier, s.Checks, s.Locales,
		rate.Limit(s.RatePerSecond), s.Burst)
}

// Build creates the HTTP provider this spec declares. Specs without an
// endpoint have no remote to call and cannot be built.
func (s ProviderSpec) Build() (*provider.HTTPProvider, error) {
	if s.Endpoint == "" {
		return nil, fmt.Errorf("config: provider %s has no endpoint", s.ID)
	}
	var opts []provider.HTTPOption
	if s.APIKeyEnv != "" {
		key := os.Getenv(s.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("config: provider %s: credential env %s unset", s.ID, s.APIKeyEnv)
		}
		opts = append(opts, provider.WithAPIKey(key))
	}
	return provider.NewHTTPProvider(s.Base(), s.Endpoint, opts...), nil
}

// LoadProviderCatalog reads the provider catalog and rejects duplicate IDs.
func LoadProviderCatalog(path string) ([]ProviderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading provider catalog: %w", err)
	}
	var catalog struct {
		Providers []ProviderSpec `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("config: parsing provider catalog %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(catalog.Providers))
	for _, spec := range catalog.Providers {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("config: duplicate provider id %s in %s", spec.ID, path)
		}
		seen[spec.ID] = struct{}{}
	}
	return catalog.Providers, nil
}
