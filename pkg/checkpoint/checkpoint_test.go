package checkpoint_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/gateway"
	"github.com/veritas-labs/scrutiny/pkg/knowledge"
)

var cpBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func eachStore(t *testing.T, fn func(t *testing.T, store checkpoint.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, checkpoint.NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		store, err := checkpoint.NewSQLiteStore(db)
		require.NoError(t, err)
		fn(t, store)
	})
}

func testCheckpoint(invID, entityID, phase string, seq int) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		ID:              fmt.Sprintf("%s-cp-%d", invID, seq),
		InvestigationID: invID,
		EntityID:        entityID,
		Phase:           phase,
		CurrentCheck:    contracts.CheckCriminal,
		Iteration:       seq,
		TypeStates: map[contracts.CheckType]contracts.TypeStatus{
			contracts.CheckIdentity: contracts.TypeCompleteThreshold,
			contracts.CheckCriminal: contracts.TypeInProgress,
		},
		Facts: []knowledge.Fact{
			{
				Kind:       knowledge.FactCounty,
				Value:      "Travis",
				Confidence: 0.8,
				ProviderID: "prov-courts",
				CheckType:  contracts.CheckCriminal,
				FirstSeen:  cpBase,
				Sources:    []string{"prov-courts"},
			},
		},
		Emitted: []checkpoint.EmittedKey{{Fingerprint: "fp-1", Iteration: 1}},
		TakenAt: cpBase.Add(time.Duration(seq) * time.Minute),
	}
}

func TestStoreLatestReturnsMostRecent(t *testing.T) {
	eachStore(t, func(t *testing.T, store checkpoint.Store) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "foundation", 1)))
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 2)))

		got, err := store.Latest(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, "records", got.Phase)
		assert.Equal(t, 2, got.Iteration)
		require.Len(t, got.Facts, 1)
		assert.Equal(t, "Travis", got.Facts[0].Value)
		assert.Equal(t, contracts.TypeCompleteThreshold, got.TypeStates[contracts.CheckIdentity])

		_, err = store.Latest(ctx, "inv-absent")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})
}

func TestStorePendingDemandsSurviveRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store checkpoint.Store) {
		ctx := context.Background()
		cp := testCheckpoint("inv-1", "ent-1", "records", 1)
		cp.Pending = []checkpoint.PendingQuery{
			{
				Fingerprint: "fp-criminal",
				Demand: gateway.Demand{
					InvestigationID: "inv-1",
					EntityID:        "ent-1",
					Subject: contracts.Subject{
						Kind:     contracts.EntityIndividual,
						FullName: "Jordan Hale",
						Locale:   "US",
					},
					Check:      contracts.CheckCriminal,
					Locale:     "US",
					Tier:       contracts.TierStandard,
					Degree:     contracts.DegreeD1,
					CustomerID: "cust-1",
					Params:     map[string]string{"county": "Travis"},
				},
			},
		}
		require.NoError(t, store.Save(ctx, cp))

		got, err := store.Latest(ctx, "inv-1")
		require.NoError(t, err)
		require.Len(t, got.Pending, 1)
		pending := got.Pending[0]
		assert.Equal(t, "fp-criminal", pending.Fingerprint)
		assert.Equal(t, contracts.CheckCriminal, pending.Demand.Check)
		assert.Equal(t, "Travis", pending.Demand.Params["county"])
		assert.Equal(t, "Jordan Hale", pending.Demand.Subject.FullName)
	})
}

func TestStoreDeleteRemovesInvestigation(t *testing.T) {
	eachStore(t, func(t *testing.T, store checkpoint.Store) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "foundation", 1)))
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 2)))
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-2", "ent-2", "foundation", 1)))

		n, err := store.Delete(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.Latest(ctx, "inv-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		got, err := store.Latest(ctx, "inv-2")
		require.NoError(t, err)
		assert.Equal(t, "ent-2", got.EntityID)

		n, err = store.Delete(ctx, "inv-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStorePurgeRemovesEntityCheckpoints(t *testing.T) {
	eachStore(t, func(t *testing.T, store checkpoint.Store) {
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "foundation", 1)))
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 2)))
		require.NoError(t, store.Save(ctx, testCheckpoint("inv-2", "ent-2", "foundation", 1)))

		n, err := store.Purge(ctx, "ent-1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = store.Latest(ctx, "inv-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		_, err = store.Latest(ctx, "inv-2")
		require.NoError(t, err)

		n, err = store.Purge(ctx, "ent-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestCheckpointValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*checkpoint.Checkpoint)
	}{
		{"missing investigation id", func(cp *checkpoint.Checkpoint) { cp.InvestigationID = "" }},
		{"missing entity id", func(cp *checkpoint.Checkpoint) { cp.EntityID = "" }},
		{"missing phase", func(cp *checkpoint.Checkpoint) { cp.Phase = "" }},
		{"negative iteration", func(cp *checkpoint.Checkpoint) { cp.Iteration = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := testCheckpoint("inv-1", "ent-1", "foundation", 1)
			tc.mutate(cp)
			assert.ErrorIs(t, cp.Validate(), checkpoint.ErrInvalidCheckpoint)
		})
	}
}

func TestWasEmitted(t *testing.T) {
	cp := testCheckpoint("inv-1", "ent-1", "records", 1)
	assert.True(t, cp.WasEmitted("fp-1", 1))
	assert.False(t, cp.WasEmitted("fp-1", 2))
	assert.False(t, cp.WasEmitted("fp-2", 1))
}

type stubSink struct {
	records []audit.Record
	err     error
}

func (s *stubSink) Append(_ context.Context, rec audit.Record) (*audit.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.records = append(s.records, rec)
	return &audit.Event{EventID: fmt.Sprintf("evt-%d", len(s.records))}, nil
}

func TestManagerStampsAndRestores(t *testing.T) {
	ctx := context.Background()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(),
		checkpoint.WithClock(func() time.Time { return cpBase }))

	cp := testCheckpoint("inv-1", "ent-1", "foundation", 1)
	cp.ID = ""
	cp.TakenAt = time.Time{}

	id, err := mgr.Save(ctx, cp)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// The caller's copy is not stamped; the stored one is.
	assert.Empty(t, cp.ID)

	got, err := mgr.Restore(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.TakenAt.Equal(cpBase))
	assert.Equal(t, "foundation", got.Phase)
}

func TestManagerAuditsSaves(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{}
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.WithAuditSink(sink))

	_, err := mgr.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 1))
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, audit.CategoryCheckpoint, rec.Category)
	assert.Equal(t, audit.ActorSystem, rec.Actor)
	assert.Equal(t, "ent-1", rec.Subject)
	assert.Equal(t, "checkpoint_saved", rec.Action)
}

func TestManagerAuditFailureAbortsSave(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	sink := &stubSink{err: errors.New("disk full")}
	mgr := checkpoint.NewManager(store, checkpoint.WithAuditSink(sink))

	_, err := mgr.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 1))
	require.Error(t, err)

	_, err = store.Latest(ctx, "inv-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestManagerDiscard(t *testing.T) {
	ctx := context.Background()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore())

	_, err := mgr.Save(ctx, testCheckpoint("inv-1", "ent-1", "foundation", 1))
	require.NoError(t, err)
	_, err = mgr.Save(ctx, testCheckpoint("inv-1", "ent-1", "records", 2))
	require.NoError(t, err)

	n, err := mgr.Discard(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = mgr.Restore(ctx, "inv-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}
