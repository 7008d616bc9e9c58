package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/models"
	testutil "github.com/gantry-dev/gantry/internal/testing"
)

func TestCreateServer(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		seedPlacement(t, store)
		server := testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")
		server.ProjectID = "proj-1"
		server.DockerImage = "ghcr.io/gantry/custom:latest"
		require.NoError(t, store.CreateServer(ctx, server))

		got, err := store.GetServer(ctx, "srv-1")
		require.NoError(t, err)
		assert.Equal(t, "srv-1", got.InternalID)
		assert.Equal(t, models.PhaseCreating, got.Phase)
		assert.Equal(t, "token-srv-1", got.ValidationToken)
		assert.Equal(t, "proj-1", got.ProjectID)
		assert.Equal(t, "ghcr.io/gantry/custom:latest", got.DockerImage)
		assert.Equal(t, 2048, got.MemoryMiB)
	})

	t.Run("missing validation token", func(t *testing.T) {
		store := openTestStore(t)
		seedPlacement(t, store)
		server := testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")
		server.ValidationToken = ""
		assert.EqualError(t, store.CreateServer(ctx, server), "server validation token is required")
	})

	t.Run("allocation reused", func(t *testing.T) {
		store := openTestStore(t)
		seedPlacement(t, store)
		require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))
		err := store.CreateServer(ctx, testutil.NewTestServer("srv-2", "node-1", "alloc-1", "unit-1"))
		assert.Error(t, err)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1"))
		assert.EqualError(t, err, "db store is nil")
	})
}

func TestGetServerByInternalID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

	got, err := store.GetServerByInternalID(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)

	_, err = store.GetServerByInternalID(ctx, "absent")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestSetServerPhase(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		seedPlacement(t, store)
		require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

		require.NoError(t, store.SetServerPhase(ctx, "srv-1", models.PhaseInstalling))
		got, err := store.GetServer(ctx, "srv-1")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseInstalling, got.Phase)
	})

	t.Run("missing server", func(t *testing.T) {
		store := openTestStore(t)
		assert.ErrorIs(t, store.SetServerPhase(ctx, "absent", models.PhaseRunning), sql.ErrNoRows)
	})
}

func TestSetServerObservedState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetServerObservedState(ctx, "srv-1", "running", at))

	got, err := store.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.ObservedState)
	assert.Equal(t, at, got.ObservedAt)

	// The phase is untouched; the observed state is only a cache.
	assert.Equal(t, models.PhaseCreating, got.Phase)
}

func TestUpdateServerFields(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateUnit(ctx, testutil.NewTestUnit("unit-2", "valheim")))
	require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

	updated := testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-2")
	updated.Name = "renamed"
	updated.MemoryMiB = 4096
	updated.CPUPercent = 400
	updated.Phase = models.PhaseRunning
	require.NoError(t, store.UpdateServerFields(ctx, updated))

	got, err := store.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "unit-2", got.UnitID)
	assert.Equal(t, 4096, got.MemoryMiB)
	assert.Equal(t, 400, got.CPUPercent)
	assert.Equal(t, models.PhaseRunning, got.Phase)
	// Tokens never change through field updates.
	assert.Equal(t, "token-srv-1", got.ValidationToken)
}

func TestDeleteServer(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateServer(ctx, testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")))

	require.NoError(t, store.DeleteServer(ctx, "srv-1"))
	_, err := store.GetServer(ctx, "srv-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	assert.ErrorIs(t, store.DeleteServer(ctx, "srv-1"), sql.ErrNoRows)
}

func TestListServers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPlacement(t, store)
	require.NoError(t, store.CreateAllocation(ctx, testutil.NewTestAllocation("alloc-2", "node-1", 25566)))

	first := testutil.NewTestServer("srv-1", "node-1", "alloc-1", "unit-1")
	second := testutil.NewTestServer("srv-2", "node-1", "alloc-2", "unit-1")
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.UpdatedAt = second.CreatedAt
	require.NoError(t, store.CreateServer(ctx, first))
	require.NoError(t, store.CreateServer(ctx, second))

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	// Newest first.
	assert.Equal(t, "srv-2", servers[0].ID)
	assert.Equal(t, "srv-1", servers[1].ID)
}
