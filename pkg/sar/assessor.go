package sar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

// Detail keys providers use to flag verification anomalies. The
// assessor lifts them into inconsistency records.
const (
	detailUnverifiedEmployer = "unverified_employer"
	detailTimelineGapMonths  = "timeline_gap_months"
	detailTimelineOverlap    = "timeline_overlap"
)

// hiddenGapMonths is the smallest unexplained timeline gap worth an
// inconsistency record.
const hiddenGapMonths = 6

// Confidence blend weights. Gap closure dominates because it is the
// direct measure of what the type set out to learn.
const (
	weightGapClosure    = 0.5
	weightCorroboration = 0.3
	weightAuthority     = 0.2
)

// AssessInput is one iteration's worth of results plus the state
// carried from earlier iterations of the same cycle.
type AssessInput struct {
	Check    contracts.CheckType
	Template Template
	Base     *knowledge.Base
	Results  []QueryResult

	// Satisfied holds expected fields already closed by earlier
	// iterations. Seen holds finding IDs already emitted, so cache
	// re-serves never duplicate.
	Satisfied map[string]bool
	Seen      map[string]bool

	// Prior statistics from the pre-iteration snapshot, for the
	// information gain delta.
	Prior           knowledge.Stats
	PriorDiscovered int
	PriorConflicts  int
}

// Assessment is the folded outcome of one iteration.
type Assessment struct {
	// Findings are the novel, redacted findings this iteration emitted.
	Findings []contracts.Finding
	// Inconsistencies are cross-source contradictions detected this
	// iteration, ready for the deception analyzer.
	Inconsistencies []inconsistency.Record

	// NewFacts counts units of new information: newly confirmed facts,
	// newly discovered entities and novel findings.
	NewFacts     int
	InfoGainRate float64

	TypeConfidence float64
	Gaps           []string
	Satisfied      map[string]bool
	Seen           map[string]bool

	StaleSources []string
	Succeeded    int
	Failed       int

	Stats      knowledge.Stats
	Discovered int
	Conflicts  int
}

// Assessor folds query results into findings, knowledge base facts and
// inconsistency records, then scores the type's confidence.
type Assessor struct {
	redactor *compliance.Redactor
	ranker   knowledge.AuthorityRanker
	clock    func() time.Time
}

// AssessorOption customizes an Assessor.
type AssessorOption func(*Assessor)

// WithAssessorClock fixes the time source.
func WithAssessorClock(clock func() time.Time) AssessorOption {
	return func(a *Assessor) { a.clock = clock }
}

// NewAssessor builds an assessor. A nil ranker scores any successful
// source at full authority.
func NewAssessor(redactor *compliance.Redactor, ranker knowledge.AuthorityRanker, opts ...AssessorOption) *Assessor {
	a := &Assessor{redactor: redactor, ranker: ranker, clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess processes one iteration's results. Facts flow into the
// knowledge base as they are extracted, so later results corroborate
// earlier ones within the same batch.
func (a *Assessor) Assess(ctx context.Context, in AssessInput) (Assessment, error) {
	out := Assessment{
		Satisfied: copySet(in.Satisfied),
		Seen:      copySet(in.Seen),
	}
	bestRank := -1
	staleSeen := map[string]bool{}

	for _, res := range in.Results {
		if res.Err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
		resp := res.Response
		if resp.Stale && !staleSeen[resp.ProviderID] {
			staleSeen[resp.ProviderID] = true
			out.StaleSources = append(out.StaleSources, resp.ProviderID)
		}
		if a.ranker != nil && resp.ProviderID != "" {
			if rank := a.ranker.AuthorityRank(resp.ProviderID); bestRank < 0 || rank < bestRank {
				bestRank = rank
			}
		}
		for _, ent := range resp.Discovered {
			if err := in.Base.Discover(ctx, ent); err != nil {
				return out, fmt.Errorf("sar: record discovered entity: %w", err)
			}
		}
		for i := range resp.Findings {
			f := resp.Findings[i]
			if out.Seen[f.ID] {
				continue
			}
			out.Seen[f.ID] = true
			if f.CheckType == "" {
				f.CheckType = in.Check
			}
			if f.Degree == "" {
				f.Degree = res.Query.Demand.Degree
			}
			a.redactor.Apply(&f, res.Query.Decision.ExcludedDataCategories)
			f.Disclosures = mergeDisclosures(f.Disclosures, res.Query.Decision.DisclosuresRequired)
			if err := a.extractFacts(ctx, in, f); err != nil {
				return out, err
			}
			out.Inconsistencies = append(out.Inconsistencies, a.detectSignals(in.Check, f)...)
			out.Findings = append(out.Findings, f)
		}
	}

	snap, err := in.Base.Snapshot(ctx)
	if err != nil {
		return out, fmt.Errorf("sar: knowledge snapshot: %w", err)
	}
	out.Stats = snap.Stats
	out.Discovered = len(snap.Discovered)
	out.Conflicts = len(snap.Conflicts)
	out.Inconsistencies = append(out.Inconsistencies, a.conflictRecords(snap.Conflicts, in.PriorConflicts)...)

	a.closeFields(&out, in, snap)
	a.score(&out, in, snap, bestRank)
	return out, nil
}

// extractFacts lifts finding details into the knowledge base per the
// template's fact rules. Malformed values are skipped, not fatal.
func (a *Assessor) extractFacts(ctx context.Context, in AssessInput, f contracts.Finding) error {
	for _, rule := range in.Template.FactRules {
		for _, v := range detailStrings(f.Details, rule.DetailKey) {
			firstSeen := f.Provenance.AcquiredAt
			if firstSeen.IsZero() {
				firstSeen = a.clock()
			}
			_, err := in.Base.Assert(ctx, knowledge.Fact{
				Kind:       rule.Kind,
				Value:      v,
				Confidence: f.Confidence,
				ProviderID: f.Provenance.ProviderID,
				CheckType:  in.Check,
				FirstSeen:  firstSeen,
			})
			if errors.Is(err, knowledge.ErrInvalidFact) {
				continue
			}
			if err != nil {
				return fmt.Errorf("sar: assert fact: %w", err)
			}
		}
	}
	return nil
}

// detectSignals inspects one finding for provider-flagged verification
// anomalies.
func (a *Assessor) detectSignals(check contracts.CheckType, f contracts.Finding) []inconsistency.Record {
	var records []inconsistency.Record
	now := a.clock()
	if v, ok := stringDetail(f.Details, detailUnverifiedEmployer); ok {
		records = append(records, inconsistency.Record{
			ID:         uuid.NewString(),
			Kind:       inconsistency.KindFabricatedEmployer,
			Field:      "employer",
			CheckType:  check,
			Claimed:    v,
			Direction:  inconsistency.DirectionInflate,
			Sources:    []string{f.Provenance.ProviderID},
			DetectedAt: now,
		})
	}
	if months, ok := numberDetail(f.Details, detailTimelineGapMonths); ok && months >= hiddenGapMonths {
		records = append(records, inconsistency.Record{
			ID:         uuid.NewString(),
			Kind:       inconsistency.KindHiddenGap,
			Field:      "timeline",
			CheckType:  check,
			Observed:   strconv.Itoa(int(months)) + " months",
			Direction:  inconsistency.DirectionInflate,
			Sources:    []string{f.Provenance.ProviderID},
			DetectedAt: now,
		})
	}
	if v, ok := f.Details[detailTimelineOverlap]; ok {
		if overlap, isBool := v.(bool); isBool && overlap {
			records = append(records, inconsistency.Record{
				ID:         uuid.NewString(),
				Kind:       inconsistency.KindImpossibleTimeline,
				Field:      "timeline",
				CheckType:  check,
				Direction:  inconsistency.DirectionNeutral,
				Sources:    []string{f.Provenance.ProviderID},
				DetectedAt: now,
			})
		}
	}
	return records
}

// conflictRecords converts knowledge base conflicts newly detected this
// iteration into inconsistency records. A date of birth disagreeing
// only in day or month reads as sloppy data entry; disagreeing in year
// suggests a second identity.
func (a *Assessor) conflictRecords(conflicts []knowledge.Conflict, prior int) []inconsistency.Record {
	if len(conflicts) <= prior {
		return nil
	}
	records := make([]inconsistency.Record, 0, len(conflicts)-prior)
	for _, c := range conflicts[prior:] {
		kind := inconsistency.KindMultipleIdentities
		if c.Kind == knowledge.FactDateOfBirth && sameYear(c.Winner.Value, c.Loser.Value) {
			kind = inconsistency.KindMinorDate
		}
		records = append(records, inconsistency.Record{
			ID:         uuid.NewString(),
			Kind:       kind,
			Field:      string(c.Kind),
			CheckType:  c.Loser.CheckType,
			Claimed:    c.Loser.Value,
			Observed:   c.Winner.Value,
			Direction:  inconsistency.DirectionNeutral,
			Sources:    []string{c.Winner.ProviderID, c.Loser.ProviderID},
			DetectedAt: c.DetectedAt,
		})
	}
	return records
}

// closeFields marks expected fields satisfied by this iteration and
// recomputes the gap list.
func (a *Assessor) closeFields(out *Assessment, in AssessInput, snap knowledge.Snapshot) {
	present := map[string]bool{}
	for _, f := range out.Findings {
		for key, v := range f.Details {
			if !emptyDetail(v) {
				present[key] = true
			}
		}
	}
	for _, field := range in.Template.Expected {
		if out.Satisfied[field.Name] {
			continue
		}
		switch {
		case field.DetailKey != "" && present[field.DetailKey]:
			out.Satisfied[field.Name] = true
		case field.FactKind != "" && len(snap.Values(field.FactKind)) > 0:
			out.Satisfied[field.Name] = true
		case field.Search && out.Succeeded > 0:
			out.Satisfied[field.Name] = true
		}
	}
	for _, field := range in.Template.Expected {
		if !out.Satisfied[field.Name] {
			out.Gaps = append(out.Gaps, field.Name)
		}
	}
}

// score computes the information gain and the blended type confidence.
func (a *Assessor) score(out *Assessment, in AssessInput, snap knowledge.Snapshot, bestRank int) {
	confirmedDelta := snap.Stats.Confirmed - in.Prior.Confirmed
	discoveredDelta := len(snap.Discovered) - in.PriorDiscovered
	out.NewFacts = confirmedDelta + discoveredDelta + len(out.Findings)
	if n := len(in.Results); n > 0 {
		out.InfoGainRate = float64(out.NewFacts) / float64(n)
	}

	gapClosure := 1.0
	if n := len(in.Template.Expected); n > 0 {
		closed := 0
		for _, field := range in.Template.Expected {
			if out.Satisfied[field.Name] {
				closed++
			}
		}
		gapClosure = float64(closed) / float64(n)
	}

	corroboration := a.corroboration(in, snap, out)

	authority := 0.0
	switch {
	case bestRank >= 0:
		authority = 1.0 / float64(1+bestRank)
	case out.Succeeded > 0:
		authority = 1.0
	}

	score := weightGapClosure*gapClosure + weightCorroboration*corroboration + weightAuthority*authority
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	out.TypeConfidence = score
}

// corroboration measures how much of this check's knowledge has a
// second source. Checks that extract no facts fall back to the query
// success ratio so a clean sweep still scores.
func (a *Assessor) corroboration(in AssessInput, snap knowledge.Snapshot, out *Assessment) float64 {
	total, multi := 0, 0
	for _, facts := range snap.Facts {
		for _, f := range facts {
			if f.CheckType != in.Check {
				continue
			}
			total++
			if f.Corroborated() {
				multi++
			}
		}
	}
	if total > 0 {
		return float64(multi) / float64(total)
	}
	if out.Succeeded+out.Failed == 0 {
		return 0
	}
	return float64(out.Succeeded) / float64(out.Succeeded+out.Failed)
}

// mergeDisclosures appends required disclosures not already present,
// keeping output order stable.
func mergeDisclosures(have, required []string) []string {
	if len(required) == 0 {
		return have
	}
	seen := map[string]bool{}
	for _, d := range have {
		seen[d] = true
	}
	added := false
	for _, d := range required {
		if !seen[d] {
			seen[d] = true
			have = append(have, d)
			added = true
		}
	}
	if added {
		sort.Strings(have)
	}
	return have
}

func copySet(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		if v {
			dst[k] = true
		}
	}
	return dst
}

// detailStrings extracts string values from a detail entry that may be
// a scalar or a list.
func detailStrings(details map[string]any, key string) []string {
	v, ok := details[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringDetail(details map[string]any, key string) (string, bool) {
	v, ok := details[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// numberDetail reads a numeric detail. Cache round-trips turn numbers
// into float64, in-process providers may hand over ints.
func numberDetail(details map[string]any, key string) (float64, bool) {
	v, ok := details[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func emptyDetail(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// sameYear compares the leading year component of two ISO dates.
func sameYear(a, b string) bool {
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return a[:4] == b[:4]
}
