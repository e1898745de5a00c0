package knowledge_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

var kbBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type staticRanker map[string]int

func (r staticRanker) AuthorityRank(id string) int {
	if rank, ok := r[id]; ok {
		return rank
	}
	return len(r)
}

func newBase(t *testing.T, ranker knowledge.AuthorityRanker) *knowledge.Base {
	t.Helper()
	b := knowledge.New("ent-1", ranker, knowledge.WithClock(func() time.Time { return kbBase }))
	t.Cleanup(b.Close)
	return b
}

func fact(kind knowledge.FactKind, value, providerID string, confidence float64) knowledge.Fact {
	return knowledge.Fact{
		Kind:       kind,
		Value:      value,
		Confidence: confidence,
		ProviderID: providerID,
		CheckType:  contracts.CheckEmployment,
	}
}

func TestAssertAdmitsAtThreshold(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	out, err := b.Assert(ctx, fact(knowledge.FactEmployer, "Horizon Partners", "hrfeed", 0.7))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeAdmitted, out)

	out, err = b.Assert(ctx, fact(knowledge.FactEmployer, "Shell Co Ltd", "hrfeed", 0.69))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomePending, out)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Horizon Partners"}, snap.Values(knowledge.FactEmployer))
	assert.Equal(t, 1, snap.Stats.Confirmed)
	assert.Equal(t, 1, snap.Stats.Pending)
	assert.Equal(t, 2, snap.Stats.Asserted)
}

func TestCorroborationAdmitsWeakFacts(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	out, err := b.Assert(ctx, fact(knowledge.FactAddress, "12 Bell St, Austin TX", "county-recs", 0.5))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomePending, out)

	// Same provider repeating itself is not corroboration.
	out, err = b.Assert(ctx, fact(knowledge.FactAddress, "12 Bell St, Austin TX", "county-recs", 0.6))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomePending, out)

	// A second provider agreeing admits the fact below the threshold.
	out, err = b.Assert(ctx, fact(knowledge.FactAddress, "12 Bell St, Austin TX", "credit-hdr", 0.4))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeAdmitted, out)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	got, ok := snap.Preferred(knowledge.FactAddress)
	require.True(t, ok)
	assert.True(t, got.Corroborated())
	assert.ElementsMatch(t, []string{"county-recs", "credit-hdr"}, got.Sources)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)
	assert.Zero(t, snap.Stats.Pending)
}

func TestSameProviderCanReachThreshold(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	out, err := b.Assert(ctx, fact(knowledge.FactSchool, "UT Austin", "edu-verify", 0.6))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomePending, out)

	out, err = b.Assert(ctx, fact(knowledge.FactSchool, "UT Austin", "edu-verify", 0.8))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeAdmitted, out)
}

func TestCorroborationOnConfirmedFact(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	_, err := b.Assert(ctx, fact(knowledge.FactEmployer, "Horizon Partners", "hrfeed", 0.8))
	require.NoError(t, err)

	out, err := b.Assert(ctx, fact(knowledge.FactEmployer, "horizon  partners", "county-recs", 0.9))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeCorroborated, out)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Facts[knowledge.FactEmployer], 1)
	got := snap.Facts[knowledge.FactEmployer][0]
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, 1, snap.Stats.Corroborated)
}

func TestConflictPrefersConfidence(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	_, err := b.Assert(ctx, fact(knowledge.FactDateOfBirth, "1985-03-10", "id-verify", 0.8))
	require.NoError(t, err)
	_, err = b.Assert(ctx, fact(knowledge.FactDateOfBirth, "1985-10-03", "county-recs", 0.9))
	require.NoError(t, err)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	preferred, ok := snap.Preferred(knowledge.FactDateOfBirth)
	require.True(t, ok)
	assert.Equal(t, "1985-10-03", preferred.Value)

	// Both values stay in the base.
	assert.Len(t, snap.Facts[knowledge.FactDateOfBirth], 2)
	require.Len(t, snap.Conflicts, 1)
	assert.Equal(t, "1985-10-03", snap.Conflicts[0].Winner.Value)
	assert.Equal(t, "1985-03-10", snap.Conflicts[0].Loser.Value)
}

func TestConflictTieBreaksByAuthority(t *testing.T) {
	ctx := context.Background()
	ranker := staticRanker{"id-verify": 0, "county-recs": 1}
	b := newBase(t, ranker)

	_, err := b.Assert(ctx, fact(knowledge.FactDateOfBirth, "1985-03-10", "county-recs", 0.8))
	require.NoError(t, err)
	_, err = b.Assert(ctx, fact(knowledge.FactDateOfBirth, "1985-10-03", "id-verify", 0.8))
	require.NoError(t, err)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	preferred, ok := snap.Preferred(knowledge.FactDateOfBirth)
	require.True(t, ok)
	assert.Equal(t, "1985-10-03", preferred.Value, "equal confidence goes to the more authoritative provider")
	require.Len(t, snap.Conflicts, 1)
}

func TestDiscoverDedupesByNameAndKind(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	err := b.Discover(ctx, contracts.DiscoveredEntity{
		Kind: contracts.EntityOrganization, Name: "Horizon Partners LLC",
		Relationship: "employer", LinkStrength: 0.4, ProviderID: "hrfeed",
	})
	require.NoError(t, err)
	err = b.Discover(ctx, contracts.DiscoveredEntity{
		Kind: contracts.EntityOrganization, Name: "horizon partners llc",
		Relationship: "registered_agent", LinkStrength: 0.9, ProviderID: "corp-reg",
	})
	require.NoError(t, err)
	err = b.Discover(ctx, contracts.DiscoveredEntity{
		Kind: contracts.EntityIndividual, Name: "Horizon Partners LLC",
		Relationship: "alias", LinkStrength: 0.2, ProviderID: "osint",
	})
	require.NoError(t, err)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Discovered, 2)
	assert.Equal(t, contracts.EntityOrganization, snap.Discovered[0].Kind)
	assert.InDelta(t, 0.9, snap.Discovered[0].LinkStrength, 1e-9)
	assert.Equal(t, "registered_agent", snap.Discovered[0].Relationship)
}

func TestSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	_, err := b.Assert(ctx, fact(knowledge.FactCounty, "Travis", "county-recs", 0.9))
	require.NoError(t, err)

	before, err := b.Snapshot(ctx)
	require.NoError(t, err)

	_, err = b.Assert(ctx, fact(knowledge.FactCounty, "Williamson", "county-recs", 0.9))
	require.NoError(t, err)

	assert.Equal(t, []string{"Travis"}, before.Values(knowledge.FactCounty))
	after, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Values(knowledge.FactCounty), 2)
	assert.Equal(t, 1, after.Stats.Confirmed-before.Stats.Confirmed)
}

func TestAssertAllBatch(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	confirmed, err := b.AssertAll(ctx, []knowledge.Fact{
		fact(knowledge.FactState, "TX", "county-recs", 0.9),
		fact(knowledge.FactCounty, "Travis", "county-recs", 0.9),
		fact(knowledge.FactEmployer, "Shell Co Ltd", "osint", 0.3),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, confirmed)

	_, err = b.AssertAll(ctx, []knowledge.Fact{
		fact(knowledge.FactState, "NM", "county-recs", 0.9),
		fact("favorite_color", "blue", "osint", 0.9),
	})
	require.ErrorIs(t, err, knowledge.ErrInvalidFact)

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TX"}, snap.Values(knowledge.FactState), "a bad batch must not land partially")
}

func TestAssertValidation(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	cases := []knowledge.Fact{
		fact("favorite_color", "blue", "osint", 0.9),
		fact(knowledge.FactName, "   ", "osint", 0.9),
		fact(knowledge.FactName, "Jordan Hale", "", 0.9),
		fact(knowledge.FactName, "Jordan Hale", "osint", 1.2),
		fact(knowledge.FactName, "Jordan Hale", "osint", -0.1),
	}
	for _, f := range cases {
		_, err := b.Assert(ctx, f)
		assert.ErrorIs(t, err, knowledge.ErrInvalidFact)
	}
}

func TestCloseRejectsFurtherCommands(t *testing.T) {
	b := knowledge.New("ent-1", nil)
	b.Close()
	b.Close()

	_, err := b.Assert(context.Background(), fact(knowledge.FactName, "Jordan Hale", "osint", 0.9))
	require.ErrorIs(t, err, knowledge.ErrClosed)
	_, err = b.Snapshot(context.Background())
	require.ErrorIs(t, err, knowledge.ErrClosed)
}

func TestConcurrentAssertsLinearize(t *testing.T) {
	ctx := context.Background()
	b := newBase(t, nil)

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				addr := fmt.Sprintf("%d Main St Apt %d", w, i)
				_, err := b.Assert(ctx, fact(knowledge.FactAddress, addr, "county-recs", 0.9))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Facts[knowledge.FactAddress], workers*perWorker)
	assert.Equal(t, workers*perWorker, snap.Stats.Confirmed)
}
