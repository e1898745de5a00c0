package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEntry(check contracts.CheckType, origin contracts.Origin, customerID string) *Entry {
	scope := Scope{
		EntityID:      "entity-1",
		ProviderClass: "records",
		Check:         check,
		Locale:        "US",
	}
	fp, _ := scope.Fingerprint()
	return &Entry{
		Fingerprint: fp,
		EntityID:    "entity-1",
		ProviderID:  "prov-county-courts",
		Check:       check,
		Origin:      origin,
		CustomerID:  customerID,
		Locale:      "US",
		Payload:     json.RawMessage(`{"records":[]}`),
		CostCents:   125,
		Currency:    "USD",
	}
}

func TestScopeFingerprint(t *testing.T) {
	a := Scope{EntityID: "e1", ProviderClass: "records", Check: contracts.CheckCriminal, Locale: "US"}
	b := Scope{EntityID: "e1", ProviderClass: "records", Check: contracts.CheckCriminal, Locale: "US"}

	fpA, err := a.Fingerprint()
	require.NoError(t, err)
	fpB, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
	assert.Len(t, fpA, 64)

	b.Locale = "GB"
	fpC, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpC)

	b.Locale = "US"
	b.DegreeScope = contracts.DegreeD2
	fpD, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpD)
}

func TestEntryState(t *testing.T) {
	e := &Entry{
		AcquiredAt: testBase,
		FreshUntil: testBase.Add(7 * day),
		StaleUntil: testBase.Add(30 * day),
	}
	assert.Equal(t, StateFresh, e.State(testBase))
	assert.Equal(t, StateFresh, e.State(testBase.Add(7*day)))
	assert.Equal(t, StateStale, e.State(testBase.Add(7*day+time.Nanosecond)))
	assert.Equal(t, StateStale, e.State(testBase.Add(30*day)))
	assert.Equal(t, StateExpired, e.State(testBase.Add(30*day+time.Nanosecond)))

	// Unbounded stale window never reaches expired.
	e.StaleUntil = time.Time{}
	assert.Equal(t, StateStale, e.State(testBase.Add(100*365*day)))
}

func TestEntryValidate(t *testing.T) {
	valid := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	valid.AcquiredAt = testBase
	valid.FreshUntil = testBase.Add(day)
	valid.StaleUntil = testBase.Add(2 * day)
	require.NoError(t, valid.Validate())

	badWindows := *valid
	badWindows.FreshUntil = testBase.Add(-time.Hour)
	require.ErrorIs(t, badWindows.Validate(), ErrInvalidEntry)

	badStale := *valid
	badStale.StaleUntil = testBase.Add(time.Hour)
	badStale.FreshUntil = testBase.Add(2 * time.Hour)
	require.ErrorIs(t, badStale.Validate(), ErrInvalidEntry)

	noCustomer := *valid
	noCustomer.Origin = contracts.OriginCustomerProvided
	require.ErrorIs(t, noCustomer.Validate(), ErrInvalidEntry)
}

func TestPolicyResolveFreshAndMiss(t *testing.T) {
	table := DefaultPolicyTable()
	require.NoError(t, table.Validate())

	assert.Equal(t, MissExecute, table.Resolve(nil, contracts.TierStandard, testBase))

	e := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase.Add(-3*day))
	assert.Equal(t, UseFresh, table.Resolve(e, contracts.TierStandard, testBase))
	assert.Equal(t, UseFresh, table.Resolve(e, contracts.TierEnhanced, testBase))
}

func TestPolicyResolveStaleTierSplit(t *testing.T) {
	table := DefaultPolicyTable()

	// A criminal record cached 14 days ago sits past the 7 day fresh
	// window but inside the 30 day stale window.
	e := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase.Add(-14*day))

	assert.Equal(t, UseStaleFlagAndRefresh, table.Resolve(e, contracts.TierStandard, testBase))
	assert.Equal(t, BlockRefresh, table.Resolve(e, contracts.TierEnhanced, testBase))

	table.Stamp(e, testBase.Add(-45*day))
	assert.Equal(t, MissExecute, table.Resolve(e, contracts.TierStandard, testBase))
}

func TestPolicyResolveSanctionsNeverCached(t *testing.T) {
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckSanctionsPEP, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase.Add(-time.Minute))

	// Zero windows mean any prior sanctions result is expired on arrival.
	assert.Equal(t, MissExecute, table.Resolve(e, contracts.TierStandard, testBase))
	assert.Equal(t, MissExecute, table.Resolve(e, contracts.TierEnhanced, testBase))
}

func TestPolicyResolveEducationStaleForever(t *testing.T) {
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckEducation, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase.Add(-10*365*day))
	assert.True(t, e.StaleUntil.IsZero())
	assert.Equal(t, UseStaleFlagAndRefresh, table.Resolve(e, contracts.TierStandard, testBase))
}

func TestPolicyResolveUnknownCheckFailsClosed(t *testing.T) {
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	e.AcquiredAt = testBase.Add(-2 * day)
	e.FreshUntil = testBase.Add(-day)
	e.StaleUntil = testBase.Add(day)
	e.Check = contracts.CheckType("palmistry")
	assert.Equal(t, BlockRefresh, table.Resolve(e, contracts.TierStandard, testBase))
}

func TestStampWindows(t *testing.T) {
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase)
	assert.Equal(t, testBase.Add(7*day), e.FreshUntil)
	assert.Equal(t, testBase.Add(30*day), e.StaleUntil)

	e.Check = contracts.CheckType("palmistry")
	table.Stamp(e, testBase)
	assert.Equal(t, testBase, e.FreshUntil)
	assert.Equal(t, testBase, e.StaleUntil)
	assert.Equal(t, StateExpired, e.State(testBase.Add(time.Nanosecond)))
}

func TestMemoryStoreCustomerIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	table := DefaultPolicyTable()

	private := testEntry(contracts.CheckEmployment, contracts.OriginCustomerProvided, "cust-a")
	table.Stamp(private, testBase)
	require.NoError(t, store.Put(ctx, private))

	got, err := store.Get(ctx, private.Fingerprint, "cust-a")
	require.NoError(t, err)
	assert.Equal(t, "cust-a", got.CustomerID)

	// Another customer must not see the entry at all.
	_, err = store.Get(ctx, private.Fingerprint, "cust-b")
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = store.Get(ctx, private.Fingerprint, "")
	require.ErrorIs(t, err, ErrEntryNotFound)

	// A shared paid entry under the same fingerprint is visible to both,
	// but the owning customer still gets its own copy first.
	shared := testEntry(contracts.CheckEmployment, contracts.OriginPaidExternal, "")
	shared.ProviderID = "prov-shared"
	table.Stamp(shared, testBase)
	require.NoError(t, store.Put(ctx, shared))

	got, err = store.Get(ctx, shared.Fingerprint, "cust-b")
	require.NoError(t, err)
	assert.Equal(t, "prov-shared", got.ProviderID)

	got, err = store.Get(ctx, shared.Fingerprint, "cust-a")
	require.NoError(t, err)
	assert.Equal(t, "prov-county-courts", got.ProviderID)
}

func TestMemoryStorePurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	table := DefaultPolicyTable()

	first := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	table.Stamp(first, testBase)
	require.NoError(t, store.Put(ctx, first))

	second := testEntry(contracts.CheckCivil, contracts.OriginPaidExternal, "")
	second.Fingerprint = "other-fp"
	table.Stamp(second, testBase)
	require.NoError(t, store.Put(ctx, second))

	other := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	other.Fingerprint = "unrelated-fp"
	other.EntityID = "entity-2"
	table.Stamp(other, testBase)
	require.NoError(t, store.Put(ctx, other))

	n, err := store.Purge(ctx, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, first.Fingerprint, "")
	require.ErrorIs(t, err, ErrEntryNotFound)
	entries, err := store.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Unrelated entities are untouched and a second purge is a no-op.
	_, err = store.Get(ctx, other.Fingerprint, "")
	require.NoError(t, err)
	n, err = store.Purge(ctx, "entity-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckCriminal, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase)
	require.NoError(t, store.Put(ctx, e))

	got, err := store.Get(ctx, e.Fingerprint, "")
	require.NoError(t, err)
	assert.Equal(t, e.EntityID, got.EntityID)
	assert.Equal(t, e.Check, got.Check)
	assert.True(t, got.AcquiredAt.Equal(e.AcquiredAt))
	assert.True(t, got.FreshUntil.Equal(e.FreshUntil))
	assert.True(t, got.StaleUntil.Equal(e.StaleUntil))
	assert.JSONEq(t, string(e.Payload), string(got.Payload))
	assert.Equal(t, e.CostCents, got.CostCents)

	// Upsert replaces in place.
	e.CostCents = 250
	table.Stamp(e, testBase.Add(day))
	require.NoError(t, store.Put(ctx, e))
	got, err = store.Get(ctx, e.Fingerprint, "")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.CostCents)
	assert.True(t, got.AcquiredAt.Equal(testBase.Add(day)))
}

func TestSQLiteStoreUnboundedStale(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	table := DefaultPolicyTable()

	e := testEntry(contracts.CheckEducation, contracts.OriginPaidExternal, "")
	table.Stamp(e, testBase)
	require.True(t, e.StaleUntil.IsZero())
	require.NoError(t, store.Put(ctx, e))

	got, err := store.Get(ctx, e.Fingerprint, "")
	require.NoError(t, err)
	assert.True(t, got.StaleUntil.IsZero())
	assert.Equal(t, StateStale, got.State(testBase.Add(3*365*day)))
}

func TestSQLiteStoreIsolationAndPurge(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()
	table := DefaultPolicyTable()

	private := testEntry(contracts.CheckEmployment, contracts.OriginCustomerProvided, "cust-a")
	table.Stamp(private, testBase)
	require.NoError(t, store.Put(ctx, private))

	_, err := store.Get(ctx, private.Fingerprint, "cust-b")
	require.ErrorIs(t, err, ErrEntryNotFound)

	got, err := store.Get(ctx, private.Fingerprint, "cust-a")
	require.NoError(t, err)
	assert.Equal(t, "cust-a", got.CustomerID)

	n, err := store.Purge(ctx, "entity-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(ctx, private.Fingerprint, "cust-a")
	require.ErrorIs(t, err, ErrEntryNotFound)

	entries, err := store.ListByEntity(ctx, "entity-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	n, err = store.Purge(ctx, "entity-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
