package compliance

import (
	"sort"
	"time"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// Catalog maps excluded data categories to the finding detail fields that
// carry them. The redactor strips matching fields post-normalization,
// before a finding is persisted or emitted.
type Catalog map[contracts.DataCategory][]string

// DefaultCatalog covers the detail fields the built-in normalizers produce.
func DefaultCatalog() Catalog {
	return Catalog{
		contracts.DataPolitical:   {"political_affiliation", "party_membership", "political_donations"},
		contracts.DataReligious:   {"religious_affiliation", "religion"},
		contracts.DataHealth:      {"health_condition", "medical_history", "disability_status"},
		contracts.DataOrientation: {"sexual_orientation"},
		contracts.DataTradeUnion:  {"union_membership"},
		contracts.DataBiometric:   {"biometric_data", "facial_geometry"},
		contracts.DataSpentRecord: {"spent_conviction", "expunged_record"},
		contracts.DataSalary:      {"salary", "compensation", "bonus"},
	}
}

// Redactor strips excluded data categories from findings in place.
type Redactor struct {
	catalog Catalog
}

// NewRedactor builds a redactor; a nil catalog uses the default.
func NewRedactor(catalog Catalog) *Redactor {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Redactor{catalog: catalog}
}

// Apply removes every detail field belonging to an excluded category and
// records the removed keys on the finding. Returns the redacted keys.
func (r *Redactor) Apply(finding *contracts.Finding, excluded []contracts.DataCategory) []string {
	if finding == nil || len(finding.Details) == 0 || len(excluded) == 0 {
		return nil
	}
	var redacted []string
	for _, cat := range excluded {
		for _, field := range r.catalog[cat] {
			if _, present := finding.Details[field]; present {
				delete(finding.Details, field)
				redacted = append(redacted, field)
			}
		}
	}
	if len(redacted) > 0 {
		sort.Strings(redacted)
		finding.RedactedFields = append(finding.RedactedFields, redacted...)
	}
	return redacted
}

// WithinLookback reports whether an event dated eventDate may be reported
// under a lookback restriction. Zero lookbackYears means unrestricted.
func WithinLookback(eventDate time.Time, lookbackYears int, now time.Time) bool {
	if lookbackYears <= 0 || eventDate.IsZero() {
		return true
	}
	cutoff := now.AddDate(-lookbackYears, 0, 0)
	return !eventDate.Before(cutoff)
}
