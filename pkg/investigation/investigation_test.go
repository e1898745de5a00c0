package investigation_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/compliance"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/evolution"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/inconsistency"
	"github.com/veritas-labs/scrutiny/pkg/investigation"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/provider"
	"github.com/veritas-labs/scrutiny/pkg/risk"
	"github.com/veritas-labs/scrutiny/pkg/sar"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

var invBase = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func invClock() time.Time { return invBase }

// scriptedFetcher is a swappable gateway stand-in that records every
// demand it sees.
type scriptedFetcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, d gateway.Demand) (*gateway.Response, error)
	calls []gateway.Demand
}

func (s *scriptedFetcher) Fetch(ctx context.Context, d gateway.Demand) (*gateway.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, d)
}

func (s *scriptedFetcher) set(fn func(ctx context.Context, d gateway.Demand) (*gateway.Response, error)) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *scriptedFetcher) demands(match func(gateway.Demand) bool) []gateway.Demand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.Demand
	for _, d := range s.calls {
		if match(d) {
			out = append(out, d)
		}
	}
	return out
}

func bare() (*gateway.Response, error) {
	return &gateway.Response{ProviderID: "prov-a"}, nil
}

// allowDecider permits everything except the listed checks.
type allowDecider struct {
	deny map[contracts.CheckType]string
}

func (d *allowDecider) Evaluate(_ context.Context, req compliance.Request) (compliance.Decision, error) {
	if reason, ok := d.deny[req.Check]; ok {
		return compliance.Decision{Permitted: false, Reason: reason}, nil
	}
	return compliance.Decision{Permitted: true, RuleID: "allow-all"}, nil
}

type fixture struct {
	svc         *investigation.Service
	fetch       *scriptedFetcher
	auditStore  *audit.MemoryStore
	entities    *entity.Registry
	profiles    *profile.MemoryStore
	checkpoints *checkpoint.Manager
}

func newFixture(t *testing.T, fetch *scriptedFetcher, decider sar.ComplianceDecider, opts ...investigation.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	auditStore := audit.NewMemoryStore()
	log, err := audit.New(ctx, auditStore, audit.WithClock(invClock))
	require.NoError(t, err)

	entities := entity.NewRegistry(entity.NewMemoryStore(), log, entity.WithClock(invClock))
	providers := provider.NewRegistry()
	cy := sar.NewCycle(
		sar.NewPlanner(decider, nil),
		sar.NewExecutor(fetch, 2),
		sar.NewAssessor(compliance.NewRedactor(nil), nil, sar.WithAssessorClock(invClock)),
	)
	profiles := profile.NewMemoryStore()
	checkpoints := checkpoint.NewManager(checkpoint.NewMemoryStore())

	opts = append([]investigation.Option{investigation.WithClock(invClock)}, opts...)
	svc := investigation.NewService(
		entities,
		cy,
		fetch,
		providers,
		inconsistency.New(inconsistency.WithClock(invClock)),
		risk.NewScorer(risk.DefaultWeights()),
		evolution.NewDetector(evolution.WithClock(invClock)),
		profiles,
		checkpoints,
		log,
		opts...,
	)
	return &fixture{
		svc:         svc,
		fetch:       fetch,
		auditStore:  auditStore,
		entities:    entities,
		profiles:    profiles,
		checkpoints: checkpoints,
	}
}

func screenRequest() investigation.Request {
	return investigation.Request{
		Subject: contracts.Subject{
			Kind:         contracts.EntityIndividual,
			FullName:     "Jordan Hale",
			DateOfBirth:  "1985-03-12",
			Addresses:    []string{"12 Elm St, Austin TX"},
			Locale:       "US",
			RoleCategory: contracts.RoleGeneral,
		},
		CustomerID: "cust-1",
		Service: contracts.ServiceConfig{
			Tier:      contracts.TierStandard,
			Vigilance: contracts.VigilanceV1,
			Degrees:   contracts.DegreeD1,
			Review:    contracts.ReviewAutomated,
		},
	}
}

func invFinding(id string, category contracts.FindingCategory, severity contracts.Severity, details map[string]any) contracts.Finding {
	return contracts.Finding{
		ID:         id,
		Category:   category,
		Severity:   severity,
		Confidence: 0.8,
		Title:      "screening result",
		Details:    details,
		Provenance: contracts.Provenance{ProviderID: "gov-a", AcquiredAt: invBase, Locale: "US"},
	}
}

func findingEmittedEvents(t *testing.T, store *audit.MemoryStore) []*audit.Event {
	t.Helper()
	events, err := store.List(context.Background(), audit.Filter{Category: audit.CategoryFindingEmitted})
	require.NoError(t, err)
	return events
}

func TestRunCompletesFullPipeline(t *testing.T) {
	idf := invFinding("find-id-1", contracts.CategoryIdentity, contracts.SeverityLow, map[string]any{
		"confirmed_name": "Jordan Hale",
		"date_of_birth":  "1985-03-12",
		"address":        "12 Elm St, Austin TX",
	})
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if d.Check == contracts.CheckIdentity {
			return &gateway.Response{Findings: []contracts.Finding{idf}, ProviderID: "gov-a"}, nil
		}
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	out, err := fx.svc.Run(context.Background(), screenRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status)
	require.NotNil(t, out.Resolution)
	assert.NotEmpty(t, out.EntityID)

	for _, check := range contracts.FoundationChecks() {
		assert.True(t, out.TypeStates[check].Complete(), "foundation %s", check)
	}
	for _, check := range contracts.RecordsChecks() {
		assert.True(t, out.TypeStates[check].Complete(), "records %s", check)
	}
	assert.True(t, out.TypeStates[contracts.CheckAdverseMedia].Complete())
	_, footprintRan := out.TypeStates[contracts.CheckDigitalFootprint]
	assert.False(t, footprintRan, "digital footprint is enhanced-tier only")

	require.NotNil(t, out.Profile)
	assert.Equal(t, 1, out.Profile.Version)
	assert.False(t, out.Profile.Partial)
	assert.Equal(t, profile.TriggerInitial, out.Profile.Trigger)
	require.Len(t, out.Profile.Findings, 1)
	assert.Equal(t, "find-id-1", out.Profile.Findings[0].ID)

	events := findingEmittedEvents(t, fx.auditStore)
	require.Len(t, events, 1, "audit precedes finding visibility, once per finding")
	assert.Equal(t, out.EntityID, events[0].Subject)

	_, err = fx.checkpoints.Restore(context.Background(), out.InvestigationID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "completed screenings discard their checkpoints")
}

func TestRunAbortsWhenIdentityUnverified(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(context.Context, gateway.Demand) (*gateway.Response, error) {
		return nil, contracts.ErrNoSourceAvailable
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	out, err := fx.svc.Run(context.Background(), screenRequest())
	require.NoError(t, err, "an unverifiable identity is a domain outcome")
	assert.Equal(t, contracts.InvestigationAborted, out.Status)
	assert.Equal(t, contracts.AbortIdentityUnverified, out.AbortReason)
	assert.Equal(t, contracts.TypeFailed, out.TypeStates[contracts.CheckIdentity])

	require.NotNil(t, out.Profile)
	assert.True(t, out.Profile.Partial)
	assert.Empty(t, out.Profile.Findings)

	later := fetch.demands(func(d gateway.Demand) bool { return d.Check != contracts.CheckIdentity })
	assert.Empty(t, later, "nothing past identity runs after the abort")
}

func TestRunAnnotatesComplianceExclusions(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	decider := &allowDecider{deny: map[contracts.CheckType]string{
		contracts.CheckCriminal: "denied_by_rule:gdpr-criminal",
	}}
	fx := newFixture(t, fetch, decider)

	out, err := fx.svc.Run(context.Background(), screenRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status, "a denied records type does not abort the screening")
	assert.Equal(t, contracts.TypeFailed, out.TypeStates[contracts.CheckCriminal])

	require.NotNil(t, out.Profile)
	found := false
	for _, e := range out.Profile.ExcludedChecks {
		if strings.HasPrefix(e, string(contracts.CheckCriminal)+":") {
			found = true
			assert.Contains(t, e, "gdpr-criminal")
		}
	}
	assert.True(t, found, "profile annotates the dropped check with its reason")
	assert.Empty(t, fetch.demands(func(d gateway.Demand) bool { return d.Check == contracts.CheckCriminal }),
		"denied queries never reach the gateway")
}

func TestRunNetworkExpansionCapsAndDefers(t *testing.T) {
	discovered := []contracts.DiscoveredEntity{
		{Kind: contracts.EntityIndividual, Name: "Avery Stone", Relationship: "business_partner", LinkStrength: 0.9, FirstSeen: invBase, ProviderID: "gov-a"},
		{Kind: contracts.EntityIndividual, Name: "Blake Reyes", Relationship: "undisclosed_interest", LinkStrength: 0.8, FirstSeen: invBase, ProviderID: "gov-a"},
		{Kind: contracts.EntityIndividual, Name: "Casey Fox", Relationship: "associate", LinkStrength: 0.2, FirstSeen: invBase, ProviderID: "gov-a"},
	}
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if d.Check == contracts.CheckIdentity && d.Subject.FullName == "Jordan Hale" && d.Degree == contracts.DegreeD1 {
			return &gateway.Response{Discovered: discovered, ProviderID: "gov-a"}, nil
		}
		return bare()
	}}
	cfg := investigation.DefaultConfig()
	cfg.NetworkMaxEntitiesPerDegree = 2
	fx := newFixture(t, fetch, &allowDecider{}, investigation.WithConfig(cfg))

	req := screenRequest()
	req.Service.Tier = contracts.TierEnhanced
	req.Service.Degrees = contracts.DegreeD2

	out, err := fx.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status)

	require.NotNil(t, out.Profile)
	require.Len(t, out.Profile.Connections, 2, "third entity is past the degree cap")
	assert.InDelta(t, 0.9, out.Profile.Connections[0].LinkStrength, 1e-9, "strongest link investigated first")
	assert.Equal(t, "business_partner", out.Profile.Connections[0].Relationship)
	assert.Equal(t, contracts.DegreeD2, out.Profile.Connections[0].Degree)
	assert.True(t, out.Profile.Connections[1].Undisclosed)
	require.Len(t, out.Profile.DeferredNetwork, 1)
	assert.NotEmpty(t, out.Profile.DeferredNetwork[0])

	d2 := fetch.demands(func(d gateway.Demand) bool { return d.Degree == contracts.DegreeD2 })
	seen := map[string]bool{}
	for _, d := range d2 {
		seen[d.EntityID] = true
	}
	assert.Len(t, seen, 2, "only capped entities are queried at D2")
}

func TestRunReconciliationScoresDeception(t *testing.T) {
	// The provider contradicts the subject's date of birth in a
	// different year, which reads as a second identity.
	idf := invFinding("find-id-dob", contracts.CategoryIdentity, contracts.SeverityLow, map[string]any{
		"confirmed_name": "Jordan Hale",
		"date_of_birth":  "1990-05-20",
		"address":        "12 Elm St, Austin TX",
	})
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if d.Params["cross_reference"] != "" {
			return bare() // no source settles the contradiction
		}
		if d.Check == contracts.CheckIdentity {
			return &gateway.Response{Findings: []contracts.Finding{idf}, ProviderID: "gov-a"}, nil
		}
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	req := screenRequest()
	req.Checks = []contracts.CheckType{contracts.CheckIdentity}

	out, err := fx.svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status)
	assert.Greater(t, out.DeceptionScore, inconsistency.FindingThreshold)

	crossRefs := fetch.demands(func(d gateway.Demand) bool { return d.Params["cross_reference"] != "" })
	require.Len(t, crossRefs, 1)
	assert.Equal(t, "date_of_birth", crossRefs[0].Params["cross_reference"])

	require.NotNil(t, out.Profile)
	var analyzed bool
	for _, f := range out.Profile.Findings {
		if f.Provenance.ProviderID == inconsistency.AnalyzerID {
			analyzed = true
			assert.Equal(t, contracts.CategoryVerification, f.Category)
		}
	}
	assert.True(t, analyzed, "an unresolved contradiction surfaces as a verification finding")
}

func TestRecheckQuietDeltaSkipsVersioning(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	out, err := fx.svc.Run(context.Background(), screenRequest())
	require.NoError(t, err)
	require.Equal(t, contracts.InvestigationCompleted, out.Status)

	res, err := fx.svc.Recheck(context.Background(), vigilance.RecheckRequest{
		Schedule: &vigilance.ScheduledCheck{
			EntityID:   out.EntityID,
			CustomerID: "cust-1",
			Level:      vigilance.LevelV2,
			Tier:       contracts.TierStandard,
		},
		Checks:  vigilance.DeltaChecks(vigilance.LevelV2),
		Trigger: profile.TriggerVigilance,
	})
	require.NoError(t, err)
	assert.Zero(t, res.ProfileVersion, "a quiet delta never versions the profile")
	require.NotNil(t, res.Delta)
	assert.Empty(t, res.Delta.NewFindings)

	latest, err := fx.profiles.Latest(context.Background(), out.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)

	foundation := fetch.demands(func(d gateway.Demand) bool { return d.Check == contracts.CheckIdentity })
	assert.Len(t, foundation, 1, "delta rechecks trust the standing foundation")
}

func TestRecheckVersionsOnAlertWorthyDelta(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	out, err := fx.svc.Run(context.Background(), screenRequest())
	require.NoError(t, err)

	conviction := invFinding("find-crim-1", contracts.CategoryCriminal, contracts.SeverityHigh, map[string]any{
		"case_number": "CR-2025-114",
	})
	fetch.set(func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if d.Check == contracts.CheckCriminal {
			return &gateway.Response{Findings: []contracts.Finding{conviction}, ProviderID: "courts"}, nil
		}
		return bare()
	})

	res, err := fx.svc.Recheck(context.Background(), vigilance.RecheckRequest{
		Schedule: &vigilance.ScheduledCheck{
			EntityID:   out.EntityID,
			CustomerID: "cust-1",
			Level:      vigilance.LevelV2,
			Tier:       contracts.TierStandard,
		},
		Checks:  vigilance.DeltaChecks(vigilance.LevelV2),
		Trigger: profile.TriggerVigilance,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProfileVersion)
	require.NotNil(t, res.Delta)
	require.Len(t, res.Delta.NewFindings, 1)
	assert.Equal(t, "find-crim-1", res.Delta.NewFindings[0].ID)

	latest, err := fx.profiles.Latest(context.Background(), out.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, profile.TriggerVigilance, latest.Trigger)
}

func TestResumeSkipsCompletedPhasesAndDedupesEmissions(t *testing.T) {
	restored := invFinding("find-media-1", contracts.CategoryReputation, contracts.SeverityMedium, map[string]any{
		"headline": "regulatory probe reported",
	})
	restored.CheckType = contracts.CheckAdverseMedia
	restored.Degree = contracts.DegreeD1

	fetch := &scriptedFetcher{fn: func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if d.Check == contracts.CheckAdverseMedia {
			// The cache re-serves the very answer the interrupted run saw.
			f := restored
			return &gateway.Response{Findings: []contracts.Finding{f}, ProviderID: "media-a", FromCache: true}, nil
		}
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})
	ctx := context.Background()

	req := screenRequest()
	res, err := fx.entities.Resolve(ctx, req.Subject, req.Service.Tier)
	require.NoError(t, err)

	fp, err := cache.Scope{
		EntityID:      res.EntityID,
		ProviderClass: string(contracts.TierCategoryCore),
		Check:         contracts.CheckAdverseMedia,
		Locale:        "US",
		DegreeScope:   contracts.DegreeD1,
	}.Fingerprint()
	require.NoError(t, err)

	states := map[contracts.CheckType]contracts.TypeStatus{}
	for _, check := range contracts.FoundationChecks() {
		states[check] = contracts.TypeCompleteThreshold
	}
	for _, check := range contracts.RecordsChecks() {
		states[check] = contracts.TypeCompleteThreshold
	}
	_, err = fx.checkpoints.Save(ctx, &checkpoint.Checkpoint{
		InvestigationID: "inv-resume",
		EntityID:        res.EntityID,
		Phase:           string(contracts.PhaseRecords),
		TypeStates:      states,
		Findings:        []contracts.Finding{restored},
		Emitted:         []checkpoint.EmittedKey{{Fingerprint: fp, Iteration: 1}},
	})
	require.NoError(t, err)

	out, err := fx.svc.Resume(ctx, "inv-resume", req)
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status)
	assert.Equal(t, res.EntityID, out.EntityID)
	assert.Equal(t, "inv-resume", out.InvestigationID)

	assert.Empty(t, fetch.demands(func(d gateway.Demand) bool { return d.Check == contracts.CheckIdentity }),
		"checkpointed phases never re-run")

	require.NotNil(t, out.Profile)
	require.Len(t, out.Profile.Findings, 1, "a re-served finding is not emitted twice")
	assert.Equal(t, "find-media-1", out.Profile.Findings[0].ID)
	assert.Empty(t, findingEmittedEvents(t, fx.auditStore),
		"the emission was already recorded before the interruption")
}

func TestCancelledRunCheckpointsUnansweredQueries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := contracts.RecordsChecks()
	fetch := &scriptedFetcher{}
	fetch.set(func(_ context.Context, d gateway.Demand) (*gateway.Response, error) {
		if containsCheckType(records, d.Check) {
			// The operator pulls the plug mid-records.
			cancel()
			return nil, context.Canceled
		}
		return bare()
	})
	fx := newFixture(t, fetch, &allowDecider{})

	out, err := fx.svc.Run(ctx, screenRequest())
	require.NoError(t, err, "a cancelled screening is a domain outcome")
	assert.Equal(t, contracts.InvestigationPartial, out.Status)
	require.NotNil(t, out.Profile)
	assert.True(t, out.Profile.Partial)

	cp, err := fx.checkpoints.Restore(context.Background(), out.InvestigationID)
	require.NoError(t, err)
	assert.Equal(t, string(contracts.PhaseFoundation), cp.Phase,
		"the checkpoint sits at the last phase that finished")
	require.NotEmpty(t, cp.Pending, "unanswered queries ride the final checkpoint")

	byCheck := map[contracts.CheckType]checkpoint.PendingQuery{}
	for _, pq := range cp.Pending {
		byCheck[pq.Demand.Check] = pq
	}
	for _, check := range records {
		pq, ok := byCheck[check]
		require.True(t, ok, "records check %s is pending", check)
		assert.NotEmpty(t, pq.Fingerprint)
		assert.Equal(t, out.InvestigationID, pq.Demand.InvestigationID)
		assert.Equal(t, out.EntityID, pq.Demand.EntityID)
		assert.Equal(t, "US", pq.Demand.Locale)
		assert.Equal(t, contracts.TierStandard, pq.Demand.Tier)
		assert.Equal(t, contracts.DegreeD1, pq.Demand.Degree)
	}
	assert.Contains(t, byCheck, contracts.CheckAdverseMedia, "unstarted phases are pending too")
	for _, check := range contracts.FoundationChecks() {
		assert.NotContains(t, byCheck, check, "completed types are not pending")
	}
}

func TestResumeReplaysCheckpointedPendingQueries(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(context.Context, gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})
	ctx := context.Background()

	req := screenRequest()
	res, err := fx.entities.Resolve(ctx, req.Subject, req.Service.Tier)
	require.NoError(t, err)

	states := map[contracts.CheckType]contracts.TypeStatus{}
	for _, check := range contracts.FoundationChecks() {
		states[check] = contracts.TypeCompleteThreshold
	}
	for _, check := range contracts.RecordsChecks() {
		states[check] = contracts.TypeCompleteThreshold
	}
	replay := gateway.Demand{
		InvestigationID: "inv-replay",
		EntityID:        res.EntityID,
		Subject:         req.Subject,
		Check:           contracts.CheckAdverseMedia,
		Locale:          "US",
		Tier:            contracts.TierStandard,
		Degree:          contracts.DegreeD1,
		CustomerID:      "cust-1",
		Params:          map[string]string{"lookback": "24m"},
	}
	_, err = fx.checkpoints.Save(ctx, &checkpoint.Checkpoint{
		InvestigationID: "inv-replay",
		EntityID:        res.EntityID,
		Phase:           string(contracts.PhaseRecords),
		TypeStates:      states,
		Pending:         []checkpoint.PendingQuery{{Fingerprint: "fp-media", Demand: replay}},
	})
	require.NoError(t, err)

	out, err := fx.svc.Resume(ctx, "inv-replay", req)
	require.NoError(t, err)
	assert.Equal(t, contracts.InvestigationCompleted, out.Status)

	replayed := fetch.demands(func(d gateway.Demand) bool { return d.Params["lookback"] == "24m" })
	require.Len(t, replayed, 1, "the pending demand is re-issued as checkpointed")
	assert.Equal(t, contracts.CheckAdverseMedia, replayed[0].Check)
}

func containsCheckType(list []contracts.CheckType, c contracts.CheckType) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func TestResumeWithoutCheckpointFails(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(context.Context, gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	_, err := fx.svc.Resume(context.Background(), "inv-missing", screenRequest())
	assert.ErrorIs(t, err, investigation.ErrNotResumable)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	fetch := &scriptedFetcher{fn: func(context.Context, gateway.Demand) (*gateway.Response, error) {
		return bare()
	}}
	fx := newFixture(t, fetch, &allowDecider{})

	req := screenRequest()
	req.Subject.FullName = ""
	_, err := fx.svc.Run(context.Background(), req)
	assert.ErrorIs(t, err, investigation.ErrInvalidRequest)

	req = screenRequest()
	req.Service.Degrees = contracts.DegreeD3 // standard tier cannot expand to D3
	_, err = fx.svc.Run(context.Background(), req)
	assert.ErrorIs(t, err, investigation.ErrInvalidRequest)
}
