package contracts

import "fmt"

// ServiceConfig selects the shape of one screening engagement.
//
// Validation tags are consumed by the config loader; Validate enforces the
// cross-field rules that tags cannot express.
type ServiceConfig struct {
	Tier             Tier        `json:"tier" yaml:"tier" validate:"required,oneof=standard enhanced"`
	Vigilance        Vigilance   `json:"vigilance" yaml:"vigilance" validate:"required,oneof=v0 v1 v2 v3"`
	Degrees          Degree      `json:"degrees" yaml:"degrees" validate:"required,oneof=d1 d2 d3"`
	Review           ReviewModel `json:"review" yaml:"review" validate:"required,oneof=automated analyst investigator dedicated"`
	AdditionalChecks []CheckType `json:"additional_checks,omitempty" yaml:"additional_checks"`
	ExcludedChecks   []CheckType `json:"excluded_checks,omitempty" yaml:"excluded_checks"`
}

// Validate enforces the semantic constraints on a service configuration.
// D3 expansion requires the enhanced tier.
func (c ServiceConfig) Validate() error {
	switch c.Tier {
	case TierStandard, TierEnhanced:
	default:
		return fmt.Errorf("contracts: unknown tier %q", c.Tier)
	}
	switch c.Vigilance {
	case VigilanceV0, VigilanceV1, VigilanceV2, VigilanceV3:
	default:
		return fmt.Errorf("contracts: unknown vigilance level %q", c.Vigilance)
	}
	switch c.Degrees {
	case DegreeD1, DegreeD2, DegreeD3:
	default:
		return fmt.Errorf("contracts: unknown degree %q", c.Degrees)
	}
	switch c.Review {
	case ReviewAutomated, ReviewAnalyst, ReviewInvestigator, ReviewDedicated:
	default:
		return fmt.Errorf("contracts: unknown review model %q", c.Review)
	}
	if c.Degrees == DegreeD3 && c.Tier != TierEnhanced {
		return fmt.Errorf("contracts: degrees=d3 requires tier=enhanced")
	}
	for _, ct := range c.AdditionalChecks {
		if !ValidCheckType(ct) {
			return fmt.Errorf("contracts: unknown additional check %q", ct)
		}
	}
	for _, ct := range c.ExcludedChecks {
		if !ValidCheckType(ct) {
			return fmt.Errorf("contracts: unknown excluded check %q", ct)
		}
	}
	return nil
}

// Excluded reports whether check is excluded by this configuration.
func (c ServiceConfig) Excluded(check CheckType) bool {
	for _, ct := range c.ExcludedChecks {
		if ct == check {
			return true
		}
	}
	return false
}
