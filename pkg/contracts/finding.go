package contracts

import (
	"fmt"
	"time"
)

// Severity of a finding or evolution signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons. Unknown severities rank
// below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// FindingCategory is the tagged variant discriminant for findings.
type FindingCategory string

const (
	CategoryIdentity     FindingCategory = "identity"
	CategoryCriminal     FindingCategory = "criminal"
	CategoryCivil        FindingCategory = "civil"
	CategoryFinancial    FindingCategory = "financial"
	CategoryRegulatory   FindingCategory = "regulatory"
	CategoryReputation   FindingCategory = "reputation"
	CategoryVerification FindingCategory = "verification"
	CategoryBehavioral   FindingCategory = "behavioral"
	CategoryNetwork      FindingCategory = "network"
)

// ValidFindingCategory reports whether c is a known category.
func ValidFindingCategory(c FindingCategory) bool {
	switch c {
	case CategoryIdentity, CategoryCriminal, CategoryCivil, CategoryFinancial,
		CategoryRegulatory, CategoryReputation, CategoryVerification,
		CategoryBehavioral, CategoryNetwork:
		return true
	}
	return false
}

// Provenance records where a finding's underlying data came from.
type Provenance struct {
	ProviderID string    `json:"provider_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	CacheHit   bool      `json:"cache_hit"`
	Locale     string    `json:"locale,omitempty"`
}

// Finding is one structured investigation result. Findings are immutable
// once emitted; amendments create new findings referencing the prior one
// via AmendsID.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Finding struct {
	ID                   string          `json:"id"`
	Category             FindingCategory `json:"category"`
	CheckType            CheckType       `json:"check_type"`
	Severity             Severity        `json:"severity"`
	Confidence           float64         `json:"confidence"`
	Title                string          `json:"title"`
	Details              map[string]any  `json:"details,omitempty"`
	Provenance           Provenance      `json:"provenance"`
	ContributingEntities []string        `json:"contributing_entities,omitempty"`
	Degree               Degree          `json:"degree,omitempty"`
	StaleFlag            bool            `json:"stale_flag,omitempty"`
	AmendsID             string          `json:"amends_id,omitempty"`
	RedactedFields       []string        `json:"redacted_fields,omitempty"`
	Disclosures          []string        `json:"disclosures,omitempty"`
	EmittedAt            time.Time       `json:"emitted_at"`
}

// Validate checks the finding invariants before emission.
func (f Finding) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("contracts: finding missing id")
	}
	if !ValidFindingCategory(f.Category) {
		return fmt.Errorf("contracts: unknown finding category %q", f.Category)
	}
	if f.Severity.Rank() == 0 {
		return fmt.Errorf("contracts: unknown severity %q", f.Severity)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("contracts: confidence %v out of range [0,1]", f.Confidence)
	}
	if f.Provenance.ProviderID == "" {
		return fmt.Errorf("contracts: finding missing provenance provider")
	}
	return nil
}
