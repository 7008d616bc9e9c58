package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/gantry-dev/gantry/internal/testing"
)

func TestCreateRegion(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		region := testutil.NewTestRegion("region-1", "us-east")
		region.Country = "US"
		region.ServerLimit = 10
		require.NoError(t, store.CreateRegion(ctx, region))

		got, err := store.GetRegion(ctx, "region-1")
		require.NoError(t, err)
		assert.Equal(t, "us-east", got.Identifier)
		assert.Equal(t, "US", got.Country)
		assert.Equal(t, 10, got.ServerLimit)
		assert.Nil(t, got.FallbackRegionID)
	})

	t.Run("fallback round trip", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east")))
		region := testutil.NewTestRegion("region-2", "eu-west")
		fallback := "region-1"
		region.FallbackRegionID = &fallback
		require.NoError(t, store.CreateRegion(ctx, region))

		got, err := store.GetRegion(ctx, "region-2")
		require.NoError(t, err)
		require.NotNil(t, got.FallbackRegionID)
		assert.Equal(t, "region-1", *got.FallbackRegionID)
	})

	t.Run("duplicate identifier", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east")))
		err := store.CreateRegion(ctx, testutil.NewTestRegion("region-2", "us-east"))
		assert.Error(t, err)
	})

	t.Run("missing identifier", func(t *testing.T) {
		store := openTestStore(t)
		region := testutil.NewTestRegion("region-1", "us-east")
		region.Identifier = ""
		err := store.CreateRegion(ctx, region)
		assert.EqualError(t, err, "region identifier is required")
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east"))
		assert.EqualError(t, err, "db store is nil")
	})
}

func TestGetRegionByIdentifier(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east")))

	got, err := store.GetRegionByIdentifier(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, "region-1", got.ID)

	_, err = store.GetRegionByIdentifier(ctx, "ap-south")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListRegions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-2", "eu-west")))
	require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east")))

	regions, err := store.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, "eu-west", regions[0].Identifier)
	assert.Equal(t, "us-east", regions[1].Identifier)
}

func TestCountServersInRegion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-2", "eu-west")))

	count, err := store.CountServersInRegion(ctx, "region-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

	count, err = store.CountServersInRegion(ctx, "region-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Servers on another region's nodes do not count.
	count, err = store.CountServersInRegion(ctx, "region-2")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetRegionMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetRegion(context.Background(), "absent")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
