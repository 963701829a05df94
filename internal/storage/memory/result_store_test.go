package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

func TestResultStore_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewResultStore()
	rec := harvest.ResultRecord{ExternalID: "place-1", Name: "Acme Plumbing", Keywords: []string{"plumber"}}

	require.NoError(t, store.Upsert(ctx, rec))
	require.NoError(t, store.Upsert(ctx, rec))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"plumber"}, all[0].Keywords)
}

func TestResultStore_UpsertRefreshesAndMergesKeywords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewResultStore()
	require.NoError(t, store.Upsert(ctx, harvest.ResultRecord{ExternalID: "place-1", Name: "Old", Keywords: []string{"plumber"}}))
	require.NoError(t, store.Upsert(ctx, harvest.ResultRecord{ExternalID: "place-1", Name: "New", Keywords: []string{"drain cleaning", "plumber"}}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "New", all[0].Name)
	require.Equal(t, []string{"plumber", "drain cleaning"}, all[0].Keywords)
}

func TestResultStore_RejectsMissingExternalID(t *testing.T) {
	t.Parallel()

	require.Error(t, NewResultStore().Upsert(context.Background(), harvest.ResultRecord{Name: "nameless"}))
}

func TestResultStore_ListSortedAndTruncate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewResultStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Upsert(ctx, harvest.ResultRecord{ExternalID: id}))
	}
	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", all[0].ExternalID)
	require.Equal(t, "c", all[2].ExternalID)

	require.NoError(t, store.TruncateAll(ctx))
	all, err = store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
