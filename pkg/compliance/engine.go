package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// Decision reasons.
const (
	ReasonPermitted        = "permitted"
	ReasonDeniedByRule     = "denied_by_rule"
	ReasonConsentMissing   = "consent_missing"
	ReasonNoApplicableRule = "no_applicable_rule"
	ReasonConditionError   = "condition_error"
)

// Request carries everything a compliance evaluation keys off.
type Request struct {
	InvestigationID string                   `json:"investigation_id,omitempty"`
	SubjectRef      string                   `json:"subject_ref"`
	CustomerID      string                   `json:"customer_id,omitempty"`
	Locale          string                   `json:"locale"`
	Role            contracts.RoleCategory   `json:"role"`
	Check           contracts.CheckType      `json:"check"`
	Tier            contracts.Tier           `json:"tier"`
	Source          contracts.SourceCategory `json:"source"`
	ConsentScopes   []string                 `json:"consent_scopes,omitempty"`
	Context         map[string]any           `json:"context,omitempty"`
}

// HasConsentScope reports whether scope was granted for the subject.
func (r Request) HasConsentScope(scope string) bool {
	for _, s := range r.ConsentScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Decision is the deterministic outcome of an evaluation.
type Decision struct {
	Permitted              bool                     `json:"permitted"`
	Reason                 string                   `json:"reason"`
	RuleID                 string                   `json:"rule_id,omitempty"`
	LookbackYears          int                      `json:"lookback_years,omitempty"`
	ExcludedDataCategories []contracts.DataCategory `json:"excluded_data_categories,omitempty"`
	DisclosuresRequired    []string                 `json:"disclosures_required,omitempty"`
	RequiresConsent        bool                     `json:"requires_consent,omitempty"`
	ConsentScope           string                   `json:"consent_scope,omitempty"`
	RuleSetVersion         string                   `json:"rule_set_version,omitempty"`
}

// AuditSink receives compliance_decision events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// EngineConfig configures the rule engine.
type EngineConfig struct {
	// DefaultPermit governs requests no rule matches. The engine fails
	// closed unless explicitly configured otherwise.
	DefaultPermit bool `json:"default_permit"`
}

// DefaultEngineConfig returns the fail-closed defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{DefaultPermit: false}
}

// EngineMetrics tracks evaluation outcomes.
type EngineMetrics struct {
	mu               sync.RWMutex
	TotalEvaluations int64            `json:"total_evaluations"`
	Permits          int64            `json:"permits"`
	Denies           int64            `json:"denies"`
	ConsentMissing   int64            `json:"consent_missing"`
	ConditionErrors  int64            `json:"condition_errors"`
	ByLocale         map[string]int64 `json:"by_locale"`
}

// Snapshot returns a copy of the current counters.
func (m *EngineMetrics) Snapshot() EngineMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byLocale := make(map[string]int64, len(m.ByLocale))
	for k, v := range m.ByLocale {
		byLocale[k] = v
	}
	return EngineMetrics{
		TotalEvaluations: m.TotalEvaluations,
		Permits:          m.Permits,
		Denies:           m.Denies,
		ConsentMissing:   m.ConsentMissing,
		ConditionErrors:  m.ConditionErrors,
		ByLocale:         byLocale,
	}
}

// Engine evaluates requests against a pinned rule set snapshot. Reload
// swaps the snapshot atomically; in-flight evaluations keep the one they
// started with.
type Engine struct {
	mu        sync.RWMutex
	ruleSet   *RuleSet
	evaluator *ConditionEvaluator
	config    *EngineConfig
	metrics   *EngineMetrics
	auditSink AuditSink
	logger    *slog.Logger
}

// NewEngine creates an engine with the given rule set. auditSink may be nil
// in tests; in production every decision is audited before being returned.
func NewEngine(ruleSet *RuleSet, auditSink AuditSink, config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if ruleSet != nil {
		if err := ruleSet.Validate(); err != nil {
			return nil, err
		}
	}
	evaluator, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		ruleSet:   ruleSet,
		evaluator: evaluator,
		config:    config,
		metrics:   &EngineMetrics{ByLocale: make(map[string]int64)},
		auditSink: auditSink,
		logger:    slog.Default().With("component", "compliance"),
	}, nil
}

// Reload validates and swaps in a new rule set snapshot.
func (e *Engine) Reload(ruleSet *RuleSet) error {
	if ruleSet == nil {
		return ErrNoRuleSet
	}
	if err := ruleSet.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.ruleSet = ruleSet
	e.mu.Unlock()
	e.logger.Info("rule set reloaded", "version", ruleSet.Version, "rules", len(ruleSet.Rules))
	return nil
}

// RuleSetVersion returns the version of the active snapshot.
func (e *Engine) RuleSetVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ruleSet == nil {
		return ""
	}
	return e.ruleSet.Version
}

func (e *Engine) snapshot() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ruleSet
}

// Evaluate resolves req against the active rule set. Same inputs always
// produce the same decision. The decision is audited before it is returned;
// an audit failure fails the evaluation.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	rs := e.snapshot()
	if rs == nil {
		return Decision{}, ErrNoRuleSet
	}

	var winner candidate
	matched := false
	for _, rule := range rs.Rules {
		cand, ok := e.matchRule(rs, rule, req)
		if !ok {
			continue
		}
		if !matched {
			winner, matched = cand, true
			continue
		}
		switch cand.spec.compare(winner.spec) {
		case 1:
			winner = cand
		case 0:
			if moreRestrictive(cand.rule, winner.rule) {
				winner = cand
			}
		}
	}

	decision := e.decide(winner, matched, req, rs.Version)
	e.record(req, decision)

	if e.auditSink != nil {
		_, err := e.auditSink.Append(ctx, audit.Record{
			Actor:    audit.ActorSystem,
			Category: audit.CategoryComplianceDecision,
			Subject:  req.SubjectRef,
			Action:   string(req.Check),
			Payload: map[string]any{
				"rule_id":          decision.RuleID,
				"rule_set_version": decision.RuleSetVersion,
				"locale":           req.Locale,
				"role":             req.Role,
				"tier":             req.Tier,
				"source":           req.Source,
				"permitted":        decision.Permitted,
				"reason":           decision.Reason,
				"investigation_id": req.InvestigationID,
			},
		})
		if err != nil {
			return Decision{}, fmt.Errorf("compliance: decision audit failed: %w", err)
		}
	}
	return decision, nil
}

// candidate is a matched rule with its specificity. A rule whose condition
// failed to evaluate is carried as a forced deny so broken conditions fail
// closed regardless of what the rule would have permitted.
type candidate struct {
	rule         Rule
	spec         specificity
	conditionErr bool
}

// matchRule reports whether rule applies to req and at which specificity.
func (e *Engine) matchRule(rs *RuleSet, rule Rule, req Request) (candidate, bool) {
	cand := candidate{rule: rule}

	if rule.CheckType != "" {
		if rule.CheckType != req.Check {
			return cand, false
		}
		cand.spec.check = 1
	}
	if rule.RoleCategory != "" {
		if rule.RoleCategory != req.Role {
			return cand, false
		}
		cand.spec.role = 1
	}
	if rule.SourceCategory != "" {
		if rule.SourceCategory != req.Source {
			return cand, false
		}
		cand.spec.source = 1
	}
	if len(rule.ApplicableTiers) > 0 {
		found := false
		for _, t := range rule.ApplicableTiers {
			if t == req.Tier {
				found = true
				break
			}
		}
		if !found {
			return cand, false
		}
		cand.spec.tier = 1
	}
	loc := rs.localeSpecificity(rule.Locale, req.Locale)
	if loc == localeNoMatch {
		return cand, false
	}
	cand.spec.locale = loc

	if rule.Condition != "" {
		input := map[string]any{
			"request": map[string]any{
				"locale":         req.Locale,
				"role":           string(req.Role),
				"check":          string(req.Check),
				"tier":           string(req.Tier),
				"source":         string(req.Source),
				"customer_id":    req.CustomerID,
				"consent_scopes": req.ConsentScopes,
				"context":        req.Context,
			},
		}
		ok, err := e.evaluator.Evaluate(rule.Condition, input)
		if err != nil {
			e.metrics.mu.Lock()
			e.metrics.ConditionErrors++
			e.metrics.mu.Unlock()
			e.logger.Warn("condition evaluation failed, treating as deny",
				"rule_id", rule.RuleID, "error", err)
			cand.conditionErr = true
			cand.rule.Permitted = false
			return cand, true
		}
		if !ok {
			return cand, false
		}
	}
	return cand, true
}

func (e *Engine) decide(winner candidate, matched bool, req Request, version string) Decision {
	if !matched {
		return Decision{
			Permitted:      e.config.DefaultPermit,
			Reason:         ReasonNoApplicableRule,
			RuleSetVersion: version,
		}
	}
	rule := winner.rule
	decision := Decision{
		RuleID:                 rule.RuleID,
		LookbackYears:          rule.LookbackYears,
		ExcludedDataCategories: rule.ExcludedDataCategories,
		DisclosuresRequired:    rule.RequiredDisclosures,
		RequiresConsent:        rule.RequiresExplicitConsent,
		ConsentScope:           rule.ConsentScope,
		RuleSetVersion:         version,
	}
	if winner.conditionErr {
		decision.Reason = ReasonConditionError
		return decision
	}
	if !rule.Permitted {
		decision.Reason = ReasonDeniedByRule
		return decision
	}
	if rule.RequiresExplicitConsent && !req.HasConsentScope(rule.ConsentScope) {
		decision.Permitted = false
		decision.Reason = ReasonConsentMissing
		return decision
	}
	decision.Permitted = true
	decision.Reason = ReasonPermitted
	return decision
}

func (e *Engine) record(req Request, d Decision) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.TotalEvaluations++
	if d.Permitted {
		e.metrics.Permits++
	} else {
		e.metrics.Denies++
	}
	if d.Reason == ReasonConsentMissing {
		e.metrics.ConsentMissing++
	}
	e.metrics.ByLocale[req.Locale]++
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() EngineMetrics {
	return e.metrics.Snapshot()
}
