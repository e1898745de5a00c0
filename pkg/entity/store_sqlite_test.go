package entity_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/entity"
)

var storeBase = time.Date(2025, 8, 5, 12, 0, 0, 0, time.UTC)

func eachEntityStore(t *testing.T, fn func(t *testing.T, s entity.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, entity.NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		s, err := entity.NewSQLiteStore(db)
		require.NoError(t, err)
		fn(t, s)
	})
}

func storeEntity(id string) *entity.Entity {
	return &entity.Entity{
		ID:          id,
		Kind:        contracts.EntityIndividual,
		PrimaryName: "Jordan Hale",
		Aliases:     []string{"J. Hale"},
		DateOfBirth: "1985-03-12",
		Addresses:   []string{"12 Elm St, Austin TX"},
		Identifiers: []contracts.Identifier{
			{Kind: contracts.IdentifierGovernmentID, Value: "123-45-6789"},
		},
		FirstSeen:   storeBase,
		LastUpdated: storeBase,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	eachEntityStore(t, func(t *testing.T, s entity.Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, storeEntity("ent-1")))

		got, err := s.Get(ctx, "ent-1")
		require.NoError(t, err)
		assert.Equal(t, "Jordan Hale", got.PrimaryName)
		assert.Equal(t, []string{"J. Hale"}, got.Aliases)
		assert.True(t, got.FirstSeen.Equal(storeBase))

		_, err = s.Get(ctx, "ent-missing")
		assert.ErrorIs(t, err, entity.ErrEntityNotFound)
	})
}

func TestStoreStrongIdentifierLookup(t *testing.T) {
	eachEntityStore(t, func(t *testing.T, s entity.Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, storeEntity("ent-1")))

		got, err := s.FindByStrongIdentifier(ctx, contracts.IdentifierGovernmentID, "123-45-6789")
		require.NoError(t, err)
		assert.Equal(t, "ent-1", got.ID)

		_, err = s.FindByStrongIdentifier(ctx, contracts.IdentifierGovernmentID, "000-00-0000")
		assert.ErrorIs(t, err, entity.ErrEntityNotFound)
	})
}

func TestStoreUpdate(t *testing.T) {
	eachEntityStore(t, func(t *testing.T, s entity.Store) {
		ctx := context.Background()

		err := s.Update(ctx, storeEntity("ent-ghost"))
		assert.ErrorIs(t, err, entity.ErrEntityNotFound)

		e := storeEntity("ent-1")
		require.NoError(t, s.Create(ctx, e))

		e.Anonymized = true
		e.PrimaryName = ""
		e.Identifiers = nil
		require.NoError(t, s.Update(ctx, e))

		got, err := s.Get(ctx, "ent-1")
		require.NoError(t, err)
		assert.True(t, got.Anonymized)
		assert.Empty(t, got.PrimaryName)
	})
}

func TestStoreListByKindSkipsDeleted(t *testing.T) {
	eachEntityStore(t, func(t *testing.T, s entity.Store) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, storeEntity("ent-1")))

		gone := storeEntity("ent-2")
		gone.Identifiers = nil
		gone.Deleted = true
		require.NoError(t, s.Create(ctx, gone))

		list, err := s.ListByKind(ctx, contracts.EntityIndividual)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "ent-1", list[0].ID)
	})
}
