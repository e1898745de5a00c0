// Package compliance implements the rule engine gating every query and
// redacting normalized findings. Rules are declarative; resolution is
// deterministic with most-specific-wins and most-restrictive tie-breaks.
package compliance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var (
	ErrNoRuleSet   = errors.New("compliance: rule set not loaded")
	ErrInvalidRule = errors.New("compliance: invalid rule")
)

// Rule is one declarative compliance rule. Empty selector fields match
// everything; Locale supports exact codes, region codes, and "*".
type Rule struct {
	RuleID                  string                   `json:"rule_id" yaml:"rule_id"`
	Locale                  string                   `json:"locale" yaml:"locale"`
	CheckType               contracts.CheckType      `json:"check_type,omitempty" yaml:"check_type"`
	RoleCategory            contracts.RoleCategory   `json:"role_category,omitempty" yaml:"role_category"`
	ApplicableTiers         []contracts.Tier         `json:"applicable_tiers,omitempty" yaml:"applicable_tiers"`
	SourceCategory          contracts.SourceCategory `json:"source_category,omitempty" yaml:"source_category"`
	Permitted               bool                     `json:"permitted" yaml:"permitted"`
	LookbackYears           int                      `json:"lookback_years,omitempty" yaml:"lookback_years"`
	RequiredDisclosures     []string                 `json:"required_disclosures,omitempty" yaml:"required_disclosures"`
	ExcludedDataCategories  []contracts.DataCategory `json:"excluded_data_categories,omitempty" yaml:"excluded_data_categories"`
	RequiresExplicitConsent bool                     `json:"requires_explicit_consent,omitempty" yaml:"requires_explicit_consent"`
	ConsentScope            string                   `json:"consent_scope,omitempty" yaml:"consent_scope"`
	Condition               string                   `json:"condition,omitempty" yaml:"condition"`
	Notes                   string                   `json:"notes,omitempty" yaml:"notes"`
}

// Validate checks the rule's structural invariants.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("%w: missing rule_id", ErrInvalidRule)
	}
	if r.Locale == "" {
		return fmt.Errorf("%w: rule %s missing locale", ErrInvalidRule, r.RuleID)
	}
	if r.CheckType != "" && !contracts.ValidCheckType(r.CheckType) {
		return fmt.Errorf("%w: rule %s has unknown check type %q", ErrInvalidRule, r.RuleID, r.CheckType)
	}
	if r.RequiresExplicitConsent && r.ConsentScope == "" {
		return fmt.Errorf("%w: rule %s requires consent but names no scope", ErrInvalidRule, r.RuleID)
	}
	if r.LookbackYears < 0 {
		return fmt.Errorf("%w: rule %s has negative lookback", ErrInvalidRule, r.RuleID)
	}
	return nil
}

// RuleSet is an immutable versioned snapshot of rules plus the region
// membership table used for locale matching. Readers pin one snapshot for
// the duration of an operation.
type RuleSet struct {
	Version string              `json:"version" yaml:"version"`
	Rules   []Rule              `json:"rules" yaml:"rules"`
	Regions map[string][]string `json:"regions,omitempty" yaml:"regions"`
}

// Validate checks every rule and rejects duplicate rule IDs.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.RuleID]; dup {
			return fmt.Errorf("%w: duplicate rule_id %s", ErrInvalidRule, r.RuleID)
		}
		seen[r.RuleID] = struct{}{}
	}
	return nil
}

// Locale specificity levels. Higher is more specific.
const (
	localeNoMatch = -1
	localeGlobal  = 0
	localeRegion  = 1
	localeExact   = 2
)

// localeSpecificity reports how specifically ruleLocale matches reqLocale.
// Exact code > region or superset prefix > "*".
func (rs *RuleSet) localeSpecificity(ruleLocale, reqLocale string) int {
	if ruleLocale == reqLocale {
		return localeExact
	}
	if ruleLocale == "*" {
		return localeGlobal
	}
	if strings.HasPrefix(reqLocale, ruleLocale+"-") {
		return localeRegion
	}
	for _, member := range rs.Regions[ruleLocale] {
		if member == reqLocale || strings.HasPrefix(reqLocale, member+"-") {
			return localeRegion
		}
	}
	return localeNoMatch
}

// specificity is the lexicographic rank of a matched rule: role beats
// all-roles, then locale, then check, source, and tier selectors.
type specificity struct {
	role   int
	locale int
	check  int
	source int
	tier   int
}

func (s specificity) compare(o specificity) int {
	pairs := [][2]int{
		{s.role, o.role},
		{s.locale, o.locale},
		{s.check, o.check},
		{s.source, o.source},
		{s.tier, o.tier},
	}
	for _, p := range pairs {
		if p[0] != p[1] {
			if p[0] > p[1] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// moreRestrictive reports whether a should win over b when both match at
// equal specificity. Deny beats permit; consent-gated beats open; more
// excluded categories beats fewer; a bounded lookback beats an unbounded
// one, and shorter beats longer. Rule ID ordering keeps the result
// deterministic when everything else ties.
func moreRestrictive(a, b Rule) bool {
	if a.Permitted != b.Permitted {
		return !a.Permitted
	}
	if a.RequiresExplicitConsent != b.RequiresExplicitConsent {
		return a.RequiresExplicitConsent
	}
	if len(a.ExcludedDataCategories) != len(b.ExcludedDataCategories) {
		return len(a.ExcludedDataCategories) > len(b.ExcludedDataCategories)
	}
	if a.LookbackYears != b.LookbackYears {
		if a.LookbackYears == 0 {
			return false
		}
		if b.LookbackYears == 0 {
			return true
		}
		return a.LookbackYears < b.LookbackYears
	}
	if len(a.RequiredDisclosures) != len(b.RequiredDisclosures) {
		return len(a.RequiredDisclosures) > len(b.RequiredDisclosures)
	}
	return a.RuleID < b.RuleID
}
