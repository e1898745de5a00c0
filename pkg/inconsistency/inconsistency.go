// Package inconsistency scores contradictions between what a subject
// claims and what providers return. Individual records are cheap to
// collect during assessment; the analyzer turns the accumulated set into
// a deception score and, past a threshold, a verification finding for
// the reconciliation phase.
package inconsistency

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

// Kind classifies one inconsistency.
type Kind string

const (
	// KindMinorDate is a small date disagreement, off by days or a
	// transposed month.
	KindMinorDate Kind = "minor_date"
	// KindHiddenGap is an unexplained hole in a claimed timeline.
	KindHiddenGap Kind = "hidden_gap"
	// KindFabricatedEmployer is a claimed employer no source can verify.
	KindFabricatedEmployer Kind = "fabricated_employer"
	// KindImpossibleTimeline is overlapping or physically impossible
	// claims.
	KindImpossibleTimeline Kind = "impossible_timeline"
	// KindMultipleIdentities is conflicting core identity attributes.
	KindMultipleIdentities Kind = "multiple_identities"
)

// BaseScore returns the deception base score for a kind. Unknown kinds
// score zero.
func BaseScore(k Kind) float64 {
	switch k {
	case KindMinorDate:
		return 0.1
	case KindHiddenGap:
		return 0.6
	case KindFabricatedEmployer:
		return 0.8
	case KindImpossibleTimeline:
		return 0.7
	case KindMultipleIdentities:
		return 0.9
	}
	return 0
}

// systematicBase replaces the per-kind base once four or more
// inconsistencies accumulate.
const systematicBase = 0.95

// Direction records which way a contradiction cuts for the subject.
type Direction string

const (
	DirectionInflate Direction = "inflate"
	DirectionDeflate Direction = "deflate"
	DirectionNeutral Direction = "neutral"
)

// Record is one detected contradiction.
type Record struct {
	ID         string              `json:"id"`
	Kind       Kind                `json:"kind"`
	Field      string              `json:"field"`
	CheckType  contracts.CheckType `json:"check_type,omitempty"`
	Claimed    string              `json:"claimed,omitempty"`
	Observed   string              `json:"observed,omitempty"`
	Direction  Direction           `json:"direction,omitempty"`
	Sources    []string            `json:"sources,omitempty"`
	DetectedAt time.Time           `json:"detected_at"`
}

// Modifier names the aggregate patterns that scale the base score.
type Modifier string

const (
	ModifierSameField      Modifier = "repeated_same_field"
	ModifierDifferentField Modifier = "spread_different_fields"
	ModifierSystematic     Modifier = "systematic_volume"
	ModifierCrossType      Modifier = "spans_check_types"
	ModifierDirectional    Modifier = "all_inflate"
)

func modifierFactor(m Modifier) float64 {
	switch m {
	case ModifierSameField:
		return 1.3
	case ModifierDifferentField:
		return 1.5
	case ModifierSystematic:
		return 2.0
	case ModifierCrossType:
		return 1.5
	case ModifierDirectional:
		return 1.8
	}
	return 1.0
}

// Assessment is the analyzer's verdict over a record set.
type Assessment struct {
	Score      float64    `json:"score"`
	Base       float64    `json:"base"`
	Count      int        `json:"count"`
	Systematic bool       `json:"systematic"`
	Modifiers  []Modifier `json:"modifiers,omitempty"`
}

// FindingThreshold is the deception score above which the analyzer emits
// a verification finding.
const FindingThreshold = 0.5

// AnalyzerID is the provenance source for analyzer-emitted findings.
const AnalyzerID = "inconsistency-analyzer"

// Analyzer scores accumulated inconsistency records.
type Analyzer struct {
	clock func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Analyzer) { a.clock = clock }
}

func New(opts ...Option) *Analyzer {
	a := &Analyzer{clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Score aggregates records into a deception score. The base is the
// strongest individual record, or the systematic base once four or more
// accumulate. Volume, field spread, check-type spread and a uniform
// inflate direction multiply the base; the result clamps to [0, 1].
func (a *Analyzer) Score(records []Record) Assessment {
	asmt := Assessment{Count: len(records)}
	if len(records) == 0 {
		return asmt
	}

	for _, r := range records {
		if b := BaseScore(r.Kind); b > asmt.Base {
			asmt.Base = b
		}
	}
	if len(records) >= 4 {
		asmt.Base = systematicBase
		asmt.Systematic = true
	}
	score := asmt.Base

	fields := make(map[string]bool)
	checks := make(map[contracts.CheckType]bool)
	allInflate := true
	for _, r := range records {
		fields[r.Field] = true
		if r.CheckType != "" {
			checks[r.CheckType] = true
		}
		if r.Direction != DirectionInflate {
			allInflate = false
		}
	}

	switch {
	case len(records) >= 4:
		asmt.Modifiers = append(asmt.Modifiers, ModifierSystematic)
	case len(records) >= 2 && len(fields) == 1:
		asmt.Modifiers = append(asmt.Modifiers, ModifierSameField)
	case len(records) >= 2:
		asmt.Modifiers = append(asmt.Modifiers, ModifierDifferentField)
	}
	if len(checks) >= 3 {
		asmt.Modifiers = append(asmt.Modifiers, ModifierCrossType)
	}
	if len(records) >= 2 && allInflate {
		asmt.Modifiers = append(asmt.Modifiers, ModifierDirectional)
	}

	for _, m := range asmt.Modifiers {
		score *= modifierFactor(m)
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	asmt.Score = score
	return asmt
}

// Finding converts an assessment above the threshold into a verification
// finding. The second return is false when the score does not warrant
// one.
func (a *Analyzer) Finding(entityID string, asmt Assessment, records []Record) (contracts.Finding, bool) {
	if asmt.Score <= FindingThreshold {
		return contracts.Finding{}, false
	}

	kinds := make(map[Kind]int)
	for _, r := range records {
		kinds[r.Kind]++
	}
	kindCounts := make(map[string]any, len(kinds))
	for k, n := range kinds {
		kindCounts[string(k)] = n
	}
	modifiers := make([]string, 0, len(asmt.Modifiers))
	for _, m := range asmt.Modifiers {
		modifiers = append(modifiers, string(m))
	}
	sort.Strings(modifiers)

	f := contracts.Finding{
		ID:         uuid.NewString(),
		Category:   contracts.CategoryVerification,
		Severity:   severityFor(asmt.Score),
		Confidence: asmt.Score,
		Title:      fmt.Sprintf("%d unresolved inconsistencies, deception score %.2f", asmt.Count, asmt.Score),
		Details: map[string]any{
			"deception_score": asmt.Score,
			"base_score":      asmt.Base,
			"count":           asmt.Count,
			"systematic":      asmt.Systematic,
			"kinds":           kindCounts,
			"modifiers":       modifiers,
		},
		Provenance: contracts.Provenance{
			ProviderID: AnalyzerID,
			AcquiredAt: a.clock(),
		},
		ContributingEntities: []string{entityID},
		EmittedAt:            a.clock(),
	}
	return f, true
}

// severityFor maps a deception score to finding severity.
func severityFor(score float64) contracts.Severity {
	switch {
	case score > 0.85:
		return contracts.SeverityCritical
	case score > 0.7:
		return contracts.SeverityHigh
	default:
		return contracts.SeverityMedium
	}
}
