package audit

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

func newTestLog(t *testing.T) (*Log, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	log, err := New(context.Background(), store)
	require.NoError(t, err)
	return log, store
}

func TestAppendChainsFromGenesis(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	e1, err := log.Append(ctx, Record{
		Actor:    ActorSystem,
		Category: CategoryProviderCall,
		Subject:  "inv-1",
		Action:   "execute",
		Payload:  map[string]string{"provider_id": "watchlist-global", "fingerprint": "fp-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, "genesis", e1.PrevHash)
	assert.NotEmpty(t, e1.Hash)
	assert.NotEmpty(t, e1.PayloadHash)

	e2, err := log.Append(ctx, Record{
		Actor:    ActorSystem,
		Category: CategoryFindingEmitted,
		Subject:  "inv-1",
		Action:   "emit",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	seq, head := log.Head()
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, e2.Hash, head)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, Record{
			Actor:    ActorSystem,
			Category: CategoryCacheHit,
			Subject:  "inv-2",
			Action:   "lookup",
		})
		require.NoError(t, err)
	}
	require.NoError(t, log.VerifyChain(ctx))

	store.Tamper(2, func(e *Event) { e.Action = "rewritten" })
	err := log.VerifyChain(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainBroken))
}

func TestQueryFilters(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, Record{Actor: ActorSystem, Category: CategoryProviderCall, Subject: "inv-a", Action: "execute"})
	require.NoError(t, err)
	_, err = log.Append(ctx, Record{Actor: ActorProvider, Category: CategoryProviderCall, Subject: "inv-b", Action: "execute"})
	require.NoError(t, err)
	_, err = log.Append(ctx, Record{Actor: ActorSystem, Category: CategoryMerge, Subject: "inv-a", Action: "merge"})
	require.NoError(t, err)

	bySubject, err := log.Query(ctx, Filter{Subject: "inv-a"})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	byCategory, err := log.Query(ctx, Filter{Category: CategoryMerge})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "merge", byCategory[0].Action)

	bySeq, err := log.Query(ctx, Filter{StartSeq: 2, EndSeq: 3})
	require.NoError(t, err)
	assert.Len(t, bySeq, 2)
}

func TestConcurrentAppendsTotallyOrdered(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, Record{
				Actor:    ActorSystem,
				Category: CategoryCacheHit,
				Subject:  "inv-conc",
				Action:   "lookup",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	require.NoError(t, log.VerifyChain(ctx))
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, *Event) error {
	return errors.New("disk full")
}

func TestAppendFailureWrapsAuditWriteFailed(t *testing.T) {
	store := &failingStore{}
	log, err := New(context.Background(), store)
	require.NoError(t, err)

	_, err = log.Append(context.Background(), Record{
		Actor:    ActorSystem,
		Category: CategoryFindingEmitted,
		Subject:  "inv-3",
		Action:   "emit",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrAuditWriteFailed))

	// A failed append must not advance the chain.
	seq, head := log.Head()
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, "genesis", head)
}

func TestBundleExportAndVerify(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, Record{Actor: ActorSystem, Category: CategoryProviderCall, Subject: "inv-4", Action: "execute"})
		require.NoError(t, err)
	}

	bundle, err := log.ExportBundle(ctx, Filter{Subject: "inv-4"})
	require.NoError(t, err)
	assert.Equal(t, 4, bundle.EventCount)
	require.NoError(t, VerifyBundle(bundle))

	bundle.Events[1].Action = "rewritten"
	require.Error(t, VerifyBundle(bundle))
}

func setupSQLiteStore(t *testing.T) (*SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store, db
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, _ := setupSQLiteStore(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	log, err := New(ctx, store, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	e, err := log.Append(ctx, Record{
		Actor:    ActorProvider,
		Category: CategoryProviderCall,
		Subject:  "inv-sql",
		Action:   "execute",
		Payload:  map[string]any{"cost_cents": 250},
		Metadata: map[string]string{"provider_id": "county-court"},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, e.EventID)
	require.NoError(t, err)
	assert.Equal(t, e.Hash, got.Hash)
	assert.Equal(t, e.PayloadHash, got.PayloadHash)
	assert.Equal(t, fixed, got.Timestamp)
	assert.Equal(t, "county-court", got.Metadata["provider_id"])

	// A new Log over the same store recovers the chain head and keeps
	// the chain verifiable.
	reopened, err := New(ctx, store)
	require.NoError(t, err)
	seq, head := reopened.Head()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, e.Hash, head)
	require.NoError(t, reopened.VerifyChain(ctx))

	_, err = reopened.Append(ctx, Record{Actor: ActorSystem, Category: CategoryCheckpoint, Subject: "inv-sql", Action: "persist"})
	require.NoError(t, err)
	require.NoError(t, reopened.VerifyChain(ctx))
}
