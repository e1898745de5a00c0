package sar_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
	"github.com/veritas-labs/scrutiny/pkg/sar"
)

var sarBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newKnowledge(t *testing.T) *knowledge.Base {
	t.Helper()
	b := knowledge.New("ent-1", nil, knowledge.WithClock(func() time.Time { return sarBase }))
	t.Cleanup(b.Close)
	return b
}

func newAssessor() *sar.Assessor {
	return sar.NewAssessor(compliance.NewRedactor(nil), nil,
		sar.WithAssessorClock(func() time.Time { return sarBase }))
}

func sarFinding(id, providerID string, details map[string]any) contracts.Finding {
	return contracts.Finding{
		ID:         id,
		Category:   contracts.CategoryVerification,
		Severity:   contracts.SeverityLow,
		Confidence: 0.8,
		Title:      "verification result",
		Details:    details,
		Provenance: contracts.Provenance{ProviderID: providerID, AcquiredAt: sarBase, Locale: "US"},
	}
}

func okResult(resp *gateway.Response) sar.QueryResult {
	return sar.QueryResult{
		Query: sar.PlannedQuery{
			Kind:     sar.QueryBaseline,
			Decision: compliance.Decision{Permitted: true},
		},
		Response: resp,
	}
}

func identityTemplate() sar.Template {
	return sar.DefaultTemplates()[contracts.CheckIdentity]
}

func TestAssessEmitsNovelFindingsOnce(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	f := sarFinding("find-1", "prov-a", map[string]any{"confirmed_name": "Jordan Hale"})
	resp := &gateway.Response{Findings: []contracts.Finding{f}, ProviderID: "prov-a"}

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckIdentity,
		Template: identityTemplate(),
		Base:     kb,
		Results:  []sar.QueryResult{okResult(resp), okResult(resp)},
	})
	require.NoError(t, err)
	require.Len(t, out.Findings, 1, "same finding served twice emits once")
	assert.Equal(t, contracts.CheckIdentity, out.Findings[0].CheckType)
	assert.Equal(t, 2, out.Succeeded)
	assert.True(t, out.Seen["find-1"])

	// A later iteration re-serving the cached finding adds nothing.
	out2, err := a.Assess(ctx, sar.AssessInput{
		Check:           contracts.CheckIdentity,
		Template:        identityTemplate(),
		Base:            kb,
		Results:         []sar.QueryResult{okResult(resp)},
		Satisfied:       out.Satisfied,
		Seen:            out.Seen,
		Prior:           out.Stats,
		PriorDiscovered: out.Discovered,
		PriorConflicts:  out.Conflicts,
	})
	require.NoError(t, err)
	assert.Empty(t, out2.Findings)
	assert.Zero(t, out2.NewFacts)
	assert.Zero(t, out2.InfoGainRate)
}

func TestAssessRedactsExcludedCategories(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	f := sarFinding("find-1", "prov-a", map[string]any{
		"employer": "Acme Industrial",
		"salary":   "120000",
	})
	res := sar.QueryResult{
		Query: sar.PlannedQuery{
			Kind: sar.QueryBaseline,
			Decision: compliance.Decision{
				Permitted:              true,
				ExcludedDataCategories: []contracts.DataCategory{contracts.DataSalary},
				DisclosuresRequired:    []string{"subject_notification"},
			},
		},
		Response: &gateway.Response{Findings: []contracts.Finding{f}, ProviderID: "prov-a"},
	}

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckEmployment,
		Template: sar.DefaultTemplates()[contracts.CheckEmployment],
		Base:     kb,
		Results:  []sar.QueryResult{res},
	})
	require.NoError(t, err)
	require.Len(t, out.Findings, 1)

	emitted := out.Findings[0]
	assert.NotContains(t, emitted.Details, "salary")
	assert.Contains(t, emitted.Details, "employer")
	assert.Equal(t, []string{"salary"}, emitted.RedactedFields)
	assert.Equal(t, []string{"subject_notification"}, emitted.Disclosures)
}

func TestAssessExtractsFactsAndScores(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	fa := sarFinding("find-a", "prov-a", map[string]any{
		"confirmed_name": "Jordan Hale",
		"date_of_birth":  "1985-03-12",
	})
	fb := sarFinding("find-b", "prov-b", map[string]any{"confirmed_name": "jordan  hale"})

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckIdentity,
		Template: identityTemplate(),
		Base:     kb,
		Results: []sar.QueryResult{
			okResult(&gateway.Response{Findings: []contracts.Finding{fa}, ProviderID: "prov-a"}),
			okResult(&gateway.Response{Findings: []contracts.Finding{fb}, ProviderID: "prov-b"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Stats.Confirmed, "name and date of birth admitted")

	snap, err := kb.Snapshot(ctx)
	require.NoError(t, err)
	names := snap.Facts[knowledge.FactName]
	require.Len(t, names, 1)
	assert.ElementsMatch(t, []string{"prov-a", "prov-b"}, names[0].Sources)

	// Two of three expected fields closed, half the facts corroborated,
	// full authority without a ranker.
	assert.Equal(t, []string{"address_history"}, out.Gaps)
	assert.InDelta(t, 0.5*(2.0/3.0)+0.3*0.5+0.2, out.TypeConfidence, 1e-6)
	// Two confirmed facts plus two novel findings over two queries.
	assert.Equal(t, 4, out.NewFacts)
	assert.InDelta(t, 2.0, out.InfoGainRate, 1e-9)
}

func TestAssessProviderSignalsBecomeRecords(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	flagged := sarFinding("find-1", "prov-a", map[string]any{
		"employer":            "Ghost Corp LLC",
		"unverified_employer": "Ghost Corp LLC",
		"timeline_gap_months": float64(9),
		"timeline_overlap":    true,
	})
	benign := sarFinding("find-2", "prov-a", map[string]any{
		"employer":            "Acme Industrial",
		"timeline_gap_months": float64(4),
	})

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckEmployment,
		Template: sar.DefaultTemplates()[contracts.CheckEmployment],
		Base:     kb,
		Results: []sar.QueryResult{
			okResult(&gateway.Response{Findings: []contracts.Finding{flagged, benign}, ProviderID: "prov-a"}),
		},
	})
	require.NoError(t, err)
	require.Len(t, out.Inconsistencies, 3, "short gaps are not flagged")

	kinds := map[inconsistency.Kind]bool{}
	for _, rec := range out.Inconsistencies {
		kinds[rec.Kind] = true
		assert.Equal(t, contracts.CheckEmployment, rec.CheckType)
		assert.NotEmpty(t, rec.ID)
	}
	assert.True(t, kinds[inconsistency.KindFabricatedEmployer])
	assert.True(t, kinds[inconsistency.KindHiddenGap])
	assert.True(t, kinds[inconsistency.KindImpossibleTimeline])
}

func TestAssessConflictBecomesInconsistency(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	_, err := kb.Assert(ctx, knowledge.Fact{
		Kind:       knowledge.FactDateOfBirth,
		Value:      "1985-03-12",
		Confidence: 0.9,
		ProviderID: "prov-a",
		CheckType:  contracts.CheckIdentity,
		FirstSeen:  sarBase,
	})
	require.NoError(t, err)
	pre, err := kb.Snapshot(ctx)
	require.NoError(t, err)

	f := sarFinding("find-1", "prov-b", map[string]any{"date_of_birth": "1978-07-02"})
	out, err := a.Assess(ctx, sar.AssessInput{
		Check:           contracts.CheckIdentity,
		Template:        identityTemplate(),
		Base:            kb,
		Results:         []sar.QueryResult{okResult(&gateway.Response{Findings: []contracts.Finding{f}, ProviderID: "prov-b"})},
		Prior:           pre.Stats,
		PriorDiscovered: len(pre.Discovered),
		PriorConflicts:  len(pre.Conflicts),
	})
	require.NoError(t, err)

	var rec inconsistency.Record
	found := false
	for _, r := range out.Inconsistencies {
		if r.Kind == inconsistency.KindMultipleIdentities {
			rec = r
			found = true
		}
	}
	require.True(t, found, "year-level date of birth clash reads as a second identity")
	assert.Equal(t, "date_of_birth", rec.Field)
	assert.Equal(t, "1978-07-02", rec.Claimed, "lower confidence value loses")
	assert.Equal(t, "1985-03-12", rec.Observed)
	assert.ElementsMatch(t, []string{"prov-a", "prov-b"}, rec.Sources)
}

func TestAssessSameYearConflictIsMinor(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	_, err := kb.Assert(ctx, knowledge.Fact{
		Kind:       knowledge.FactDateOfBirth,
		Value:      "1985-03-12",
		Confidence: 0.9,
		ProviderID: "prov-a",
		CheckType:  contracts.CheckIdentity,
		FirstSeen:  sarBase,
	})
	require.NoError(t, err)

	f := sarFinding("find-1", "prov-b", map[string]any{"date_of_birth": "1985-11-30"})
	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckIdentity,
		Template: identityTemplate(),
		Base:     kb,
		Results:  []sar.QueryResult{okResult(&gateway.Response{Findings: []contracts.Finding{f}, ProviderID: "prov-b"})},
	})
	require.NoError(t, err)

	found := false
	for _, r := range out.Inconsistencies {
		if r.Kind == inconsistency.KindMinorDate {
			found = true
		}
	}
	assert.True(t, found, "same-year disagreement is data entry noise")
}

func TestAssessRecordsDiscoveredEntities(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	resp := &gateway.Response{
		ProviderID: "prov-a",
		Discovered: []contracts.DiscoveredEntity{{
			Kind:         contracts.EntityOrganization,
			Name:         "Horizon Partners",
			Relationship: "employer",
			LinkStrength: 0.8,
			ProviderID:   "prov-a",
		}},
	}
	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckEmployment,
		Template: sar.DefaultTemplates()[contracts.CheckEmployment],
		Base:     kb,
		Results:  []sar.QueryResult{okResult(resp)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Discovered)
	assert.Equal(t, 1, out.NewFacts, "a discovered entity is new information")

	snap, err := kb.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Discovered, 1)
	assert.Equal(t, "Horizon Partners", snap.Discovered[0].Name)
}

func TestAssessSearchFieldClosesOnCleanSweep(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckSanctionsPEP,
		Template: sar.DefaultTemplates()[contracts.CheckSanctionsPEP],
		Base:     kb,
		Results:  []sar.QueryResult{okResult(&gateway.Response{ProviderID: "watchlist-a"})},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Findings)
	assert.True(t, out.Satisfied["watchlists_screened"])
	assert.Empty(t, out.Gaps)
	assert.InDelta(t, 1.0, out.TypeConfidence, 1e-9, "a clean screen is still a confident answer")
}

func TestAssessFailureRatioLowersConfidence(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckSanctionsPEP,
		Template: sar.DefaultTemplates()[contracts.CheckSanctionsPEP],
		Base:     kb,
		Results: []sar.QueryResult{
			okResult(&gateway.Response{ProviderID: "watchlist-a"}),
			{Query: sar.PlannedQuery{Kind: sar.QueryAlias}, Err: contracts.ErrNoSourceAvailable},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.InDelta(t, 0.5+0.3*0.5+0.2, out.TypeConfidence, 1e-9)
}

func TestAssessStaleSourcesDeduped(t *testing.T) {
	ctx := context.Background()
	kb := newKnowledge(t)
	a := newAssessor()

	stale := &gateway.Response{ProviderID: "prov-a", FromCache: true, Stale: true}
	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckSanctionsPEP,
		Template: sar.DefaultTemplates()[contracts.CheckSanctionsPEP],
		Base:     kb,
		Results: []sar.QueryResult{
			okResult(stale),
			okResult(stale),
			okResult(&gateway.Response{ProviderID: "prov-b"}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prov-a"}, out.StaleSources)
}

func TestAssessAuthorityFromRanker(t *testing.T) {
	ctx := context.Background()
	ranker := staticRanker{"prov-a": 0, "prov-b": 2}

	kb := knowledge.New("ent-1", ranker, knowledge.WithClock(func() time.Time { return sarBase }))
	t.Cleanup(kb.Close)
	a := sar.NewAssessor(compliance.NewRedactor(nil), ranker,
		sar.WithAssessorClock(func() time.Time { return sarBase }))

	out, err := a.Assess(ctx, sar.AssessInput{
		Check:    contracts.CheckSanctionsPEP,
		Template: sar.DefaultTemplates()[contracts.CheckSanctionsPEP],
		Base:     kb,
		Results:  []sar.QueryResult{okResult(&gateway.Response{ProviderID: "prov-b"})},
	})
	require.NoError(t, err)
	// Rank two authority scores a third.
	assert.InDelta(t, 0.5+0.3+0.2*(1.0/3.0), out.TypeConfidence, 1e-9)
}

type staticRanker map[string]int

func (r staticRanker) AuthorityRank(providerID string) int {
	if rank, ok := r[providerID]; ok {
		return rank
	}
	return len(r)
}
