package erasure_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/audit"
	"github.com/veritas-labs/scrutiny/pkg/cache"
	"github.com/veritas-labs/scrutiny/pkg/checkpoint"
	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
	"github.com/veritas-labs/scrutiny/pkg/erasure"
	"github.com/veritas-labs/scrutiny/pkg/profile"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

var eraseBase = time.Date(2025, 8, 10, 10, 0, 0, 0, time.UTC)

func eraseClock() time.Time { return eraseBase }

type fakeBlobs struct {
	deleted []string
}

func (f *fakeBlobs) Delete(_ context.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

type harness struct {
	eraser     *erasure.Eraser
	entities   *entity.MemoryStore
	profiles   *profile.MemoryStore
	cache      *cache.MemoryStore
	cps        *checkpoint.MemoryStore
	schedules  *vigilance.MemoryStore
	blobs      *fakeBlobs
	auditStore *audit.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		entities:   entity.NewMemoryStore(),
		profiles:   profile.NewMemoryStore(),
		cache:      cache.NewMemoryStore(),
		cps:        checkpoint.NewMemoryStore(),
		schedules:  vigilance.NewMemoryStore(),
		blobs:      &fakeBlobs{},
		auditStore: audit.NewMemoryStore(),
	}
	log, err := audit.New(context.Background(), h.auditStore)
	require.NoError(t, err)
	h.eraser = erasure.New(h.entities, h.profiles, h.cache, h.cps, h.schedules, log,
		erasure.WithBlobDeleter(h.blobs),
		erasure.WithSalt([]byte("test-salt")),
		erasure.WithClock(eraseClock))
	return h
}

func (h *harness) seedSubject(t *testing.T, entityID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.entities.Create(ctx, &entity.Entity{
		ID:          entityID,
		Kind:        contracts.EntityIndividual,
		PrimaryName: "Jordan Hale",
		DateOfBirth: "1985-03-12",
		Addresses:   []string{"12 Elm St, Austin TX"},
		Identifiers: []contracts.Identifier{{Kind: contracts.IdentifierGovernmentID, Value: "123-45-6789"}},
		FirstSeen:   eraseBase,
		LastUpdated: eraseBase,
	}))
	require.NoError(t, h.profiles.Append(ctx, &profile.Profile{
		EntityID:  entityID,
		Version:   1,
		Trigger:   profile.TriggerInitial,
		CreatedAt: eraseBase,
		UpdatedAt: eraseBase,
	}))
	require.NoError(t, h.cache.Put(ctx, &cache.Entry{
		Fingerprint: "fp-1",
		EntityID:    entityID,
		ProviderID:  "gov-a",
		Check:       contracts.CheckIdentity,
		Origin:      contracts.OriginPaidExternal,
		AcquiredAt:  eraseBase,
		FreshUntil:  eraseBase.Add(24 * time.Hour),
		RawRef:      "blob-1",
	}))
	require.NoError(t, h.cache.Put(ctx, &cache.Entry{
		Fingerprint: "fp-2",
		EntityID:    entityID,
		ProviderID:  "courts",
		Check:       contracts.CheckCriminal,
		Origin:      contracts.OriginPaidExternal,
		AcquiredAt:  eraseBase,
		FreshUntil:  eraseBase.Add(24 * time.Hour),
		RawRef:      "blob-1", // providers can share a payload ref
	}))
	require.NoError(t, h.cps.Save(ctx, &checkpoint.Checkpoint{
		ID:              "cp-1",
		InvestigationID: "inv-1",
		EntityID:        entityID,
		Phase:           "records",
		TakenAt:         eraseBase,
	}))
	require.NoError(t, h.schedules.Put(ctx, &vigilance.ScheduledCheck{
		EntityID:  entityID,
		Level:     vigilance.LevelV2,
		Tier:      contracts.TierStandard,
		LastRun:   eraseBase,
		NextDue:   eraseBase.Add(30 * 24 * time.Hour),
		CreatedAt: eraseBase,
		UpdatedAt: eraseBase,
	}))
}

func TestEraseForgetsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubject(t, "ent-1")

	report, err := h.eraser.Erase(ctx, "ent-1")
	require.NoError(t, err)
	assert.False(t, report.AlreadyErased)
	assert.Equal(t, 1, report.ProfilesPurged)
	assert.Equal(t, 2, report.CacheEntries)
	assert.Equal(t, 1, report.Checkpoints)
	assert.Equal(t, 1, report.Schedules)
	assert.Equal(t, 1, report.BlobsDeleted, "shared refs are deleted once")
	assert.Equal(t, []string{"blob-1"}, h.blobs.deleted)

	ent, err := h.entities.Get(ctx, "ent-1")
	require.NoError(t, err)
	assert.True(t, ent.Anonymized)
	assert.Empty(t, ent.PrimaryName)
	assert.Empty(t, ent.DateOfBirth)
	assert.Empty(t, ent.Addresses)
	assert.Empty(t, ent.Identifiers)

	_, err = h.profiles.Latest(ctx, "ent-1")
	assert.ErrorIs(t, err, profile.ErrNotFound)
	_, err = h.schedules.Get(ctx, "ent-1")
	assert.ErrorIs(t, err, vigilance.ErrScheduleNotFound)
}

func TestEraseAuditRetainsOnlySaltedReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubject(t, "ent-1")

	report, err := h.eraser.Erase(ctx, "ent-1")
	require.NoError(t, err)
	assert.NotEmpty(t, report.Reference)
	assert.NotContains(t, report.Reference, "ent-1")
	assert.Equal(t, h.eraser.Reference("ent-1"), report.Reference, "reference is deterministic under a fixed salt")

	events, err := h.auditStore.List(ctx, audit.Filter{Category: audit.CategoryErasure})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, report.Reference, events[0].Subject)
	assert.NotContains(t, string(events[0].Payload), "Jordan Hale")
}

func TestEraseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSubject(t, "ent-1")

	first, err := h.eraser.Erase(ctx, "ent-1")
	require.NoError(t, err)

	second, err := h.eraser.Erase(ctx, "ent-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyErased)
	assert.Zero(t, second.ProfilesPurged)
	assert.Zero(t, second.BlobsDeleted)
	assert.Equal(t, first.Reference, second.Reference)

	events, err := h.auditStore.List(ctx, audit.Filter{Category: audit.CategoryErasure})
	require.NoError(t, err)
	assert.Len(t, events, 1, "re-erasing appends no second event")
}

func TestEraseUnknownEntity(t *testing.T) {
	h := newHarness(t)
	_, err := h.eraser.Erase(context.Background(), "ent-ghost")
	assert.ErrorIs(t, err, erasure.ErrUnknownEntity)
}
