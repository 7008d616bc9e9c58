package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

// newTestOrchestrator seeds one region, one online node with a free
// allocation, and one unit.
func newTestOrchestrator(t *testing.T) (*db.Store, *nodeclient.FakeClient, *Orchestrator) {
	t.Helper()
	store := openTestStore(t)
	seedRegion(t, store, "region-1", "us-east", "", 0)
	seedNode(t, store, "node-1", "region-1", true)
	seedAllocation(t, store, "alloc-1", "node-1", 25565)
	seedUnit(t, store, "unit-1", "minecraft-paper")
	daemon := nodeclient.NewFakeClient()
	cargo := NewCargoService(store, "http://panel.test", "app-secret")
	return store, daemon, NewOrchestrator(store, daemon, cargo)
}

func createTestServer(t *testing.T, orch *Orchestrator) models.Server {
	t.Helper()
	server, err := orch.Create(context.Background(), CreateServerParams{
		Name:       "my server",
		UserID:     "user-1",
		UnitID:     "unit-1",
		Target:     PlacementTarget{NodeID: "node-1"},
		MemoryMiB:  2048,
		DiskMiB:    10240,
		CPUPercent: 200,
	})
	require.NoError(t, err)
	return server
}

func TestOrchestratorCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)

		server := createTestServer(t, orch)
		assert.Equal(t, models.PhaseInstalling, server.Phase)
		assert.Equal(t, "node-1", server.NodeID)
		assert.Equal(t, "alloc-1", server.AllocationID)
		assert.Equal(t, server.ID, server.InternalID)
		assert.NotEmpty(t, server.ValidationToken)

		stored, err := store.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseInstalling, stored.Phase)

		alloc, err := store.GetAllocation(ctx, "alloc-1")
		require.NoError(t, err)
		assert.True(t, alloc.Assigned)

		req, ok := daemon.LastCreate(server.InternalID)
		require.True(t, ok)
		assert.Equal(t, server.ValidationToken, req.ValidationToken)
		assert.Equal(t, int64(2048)*1024*1024, req.MemoryLimit)
		assert.InDelta(t, 2.0, req.CPULimit, 0.001)
		assert.Equal(t, 25565, req.Allocation.Port)
		assert.Equal(t, "ghcr.io/gantry/minecraft-paper:latest", req.DockerImage)
		assert.Equal(t, "./start.sh", req.StartupCommand)
	})

	t.Run("daemon failure rolls back", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		daemon.CreateErr = &nodeclient.DaemonError{StatusCode: 500, Message: "docker pull failed"}

		_, err := orch.Create(ctx, CreateServerParams{
			Name:   "doomed",
			UserID: "user-1",
			UnitID: "unit-1",
			Target: PlacementTarget{NodeID: "node-1"},
		})
		require.Error(t, err)

		servers, err := store.ListServers(ctx)
		require.NoError(t, err)
		assert.Empty(t, servers)

		alloc, err := store.GetAllocation(ctx, "alloc-1")
		require.NoError(t, err)
		assert.False(t, alloc.Assigned, "allocation must be released after rollback")
	})

	t.Run("token echo mismatch rolls back", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		daemon.EchoToken = "not-the-token"

		_, err := orch.Create(ctx, CreateServerParams{
			Name:   "doomed",
			UserID: "user-1",
			UnitID: "unit-1",
			Target: PlacementTarget{NodeID: "node-1"},
		})
		assert.ErrorIs(t, err, ErrTokenMismatch)

		servers, err := store.ListServers(ctx)
		require.NoError(t, err)
		assert.Empty(t, servers)

		alloc, err := store.GetAllocation(ctx, "alloc-1")
		require.NoError(t, err)
		assert.False(t, alloc.Assigned)
	})

	t.Run("unknown unit", func(t *testing.T) {
		_, _, orch := newTestOrchestrator(t)

		_, err := orch.Create(ctx, CreateServerParams{
			Name:   "no template",
			UserID: "user-1",
			UnitID: "ghost",
			Target: PlacementTarget{NodeID: "node-1"},
		})
		assert.ErrorIs(t, err, ErrUnitNotFound)
	})

	t.Run("placement failure reaches caller", func(t *testing.T) {
		store, _, orch := newTestOrchestrator(t)
		require.NoError(t, store.ReserveAllocation(ctx, "alloc-1"))

		_, err := orch.Create(ctx, CreateServerParams{
			Name:   "nowhere to go",
			UserID: "user-1",
			UnitID: "unit-1",
			Target: PlacementTarget{NodeID: "node-1"},
		})
		assert.ErrorIs(t, err, ErrNoAvailableAllocations)
	})
}

func TestOrchestratorUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("persists after daemon accepts", func(t *testing.T) {
		store, _, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		updated, err := orch.Update(ctx, server.ID, UpdateServerParams{
			Name:      "renamed",
			MemoryMiB: 4096,
		})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
		assert.Equal(t, 4096, updated.MemoryMiB)
		assert.Equal(t, models.PhaseRunning, updated.Phase)
		assert.Equal(t, 10240, updated.DiskMiB, "unset fields keep their value")

		stored, err := store.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", stored.Name)
	})

	t.Run("daemon rejection leaves stored config untouched", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)
		daemon.UpdateErr = &nodeclient.DaemonError{StatusCode: 422, Message: "limit too low"}

		_, err := orch.Update(ctx, server.ID, UpdateServerParams{MemoryMiB: 1})
		require.Error(t, err)

		stored, err := store.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, 2048, stored.MemoryMiB)
		assert.Equal(t, models.PhaseInstalling, stored.Phase, "phase restored after the failed attempt")
	})

	t.Run("unit switch drops stale image override", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		seedUnit(t, store, "unit-2", "minecraft-forge")
		server := createTestServer(t, orch)

		updated, err := orch.Update(ctx, server.ID, UpdateServerParams{UnitID: "unit-2"})
		require.NoError(t, err)
		assert.Equal(t, "unit-2", updated.UnitID)
		assert.Empty(t, updated.DockerImage)
		assert.Contains(t, daemon.Calls, "update "+server.InternalID)
	})

	t.Run("missing server", func(t *testing.T) {
		_, _, orch := newTestOrchestrator(t)

		_, err := orch.Update(ctx, "ghost", UpdateServerParams{Name: "x"})
		assert.ErrorIs(t, err, ErrServerNotFound)
	})
}

func TestOrchestratorDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes row and frees allocation", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		require.NoError(t, orch.Delete(ctx, server.ID))

		_, err := store.GetServer(ctx, server.ID)
		assert.Error(t, err)
		alloc, err := store.GetAllocation(ctx, "alloc-1")
		require.NoError(t, err)
		assert.False(t, alloc.Assigned)
		assert.False(t, daemon.HasServer(server.InternalID))
	})

	t.Run("daemon failure never blocks cleanup", func(t *testing.T) {
		store, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)
		daemon.DeleteErr = &nodeclient.DaemonError{StatusCode: 502, Message: "node is down"}

		require.NoError(t, orch.Delete(ctx, server.ID))

		_, err := store.GetServer(ctx, server.ID)
		assert.Error(t, err)
		alloc, err := store.GetAllocation(ctx, "alloc-1")
		require.NoError(t, err)
		assert.False(t, alloc.Assigned)
	})
}

func TestOrchestratorPower(t *testing.T) {
	ctx := context.Background()

	t.Run("start sets the transitional phase", func(t *testing.T) {
		store, _, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		require.NoError(t, orch.Power(ctx, server.ID, "start"))

		stored, err := store.GetServer(ctx, server.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseStarting, stored.Phase)
		assert.Equal(t, "running", stored.ObservedState, "status poll cached after the action")
	})

	t.Run("invalid action", func(t *testing.T) {
		_, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		err := orch.Power(ctx, server.ID, "hibernate")
		assert.ErrorIs(t, err, ErrInvalidAction)
		assert.NotContains(t, daemon.Calls, "power:hibernate "+server.InternalID)
	})

	t.Run("daemon failure surfaces", func(t *testing.T) {
		_, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)
		daemon.PowerErr = &nodeclient.DaemonError{StatusCode: 500, Message: "container gone"}

		assert.Error(t, orch.Power(ctx, server.ID, "stop"))
	})
}

func TestOrchestratorReinstall(t *testing.T) {
	ctx := context.Background()
	store, daemon, orch := newTestOrchestrator(t)
	server := createTestServer(t, orch)

	require.NoError(t, orch.Reinstall(ctx, server.ID))
	assert.Contains(t, daemon.Calls, "reinstall "+server.InternalID)

	stored, err := store.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReinstalling, stored.Phase)
}

func TestOrchestratorAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("owner reads with fresh observed state", func(t *testing.T) {
		_, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)
		daemon.SetState(server.InternalID, "running")

		got, err := orch.Access(ctx, Identity{UserID: "user-1"}, server.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", got.ObservedState)
		assert.False(t, got.ObservedAt.IsZero())
	})

	t.Run("admin reads any server", func(t *testing.T) {
		_, _, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		_, err := orch.Access(ctx, Identity{UserID: "someone-else", Admin: true}, server.ID)
		assert.NoError(t, err)
	})

	t.Run("non-owner denied", func(t *testing.T) {
		_, _, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)

		_, err := orch.Access(ctx, Identity{UserID: "intruder"}, server.ID)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("daemon failure degrades to unknown", func(t *testing.T) {
		_, daemon, orch := newTestOrchestrator(t)
		server := createTestServer(t, orch)
		daemon.StatusErr = &nodeclient.DaemonError{StatusCode: 502, Message: "unreachable"}

		got, err := orch.Access(ctx, Identity{UserID: "user-1"}, server.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ObservedUnknown, got.ObservedState)
	})

	t.Run("missing server", func(t *testing.T) {
		_, _, orch := newTestOrchestrator(t)

		_, err := orch.Access(ctx, Identity{UserID: "user-1"}, "ghost")
		assert.ErrorIs(t, err, ErrServerNotFound)
	})
}

func TestOrchestratorValidateToken(t *testing.T) {
	ctx := context.Background()
	_, _, orch := newTestOrchestrator(t)
	server := createTestServer(t, orch)

	t.Run("exact match", func(t *testing.T) {
		got, err := orch.ValidateToken(ctx, server.InternalID, server.ValidationToken)
		require.NoError(t, err)
		assert.Equal(t, server.ID, got.ID)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := orch.ValidateToken(ctx, server.InternalID, "wrong")
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := orch.ValidateToken(ctx, server.InternalID, "")
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("unknown internal id", func(t *testing.T) {
		_, err := orch.ValidateToken(ctx, "ghost", server.ValidationToken)
		assert.ErrorIs(t, err, ErrServerNotFound)
	})
}

func TestOrchestratorShipCargo(t *testing.T) {
	ctx := context.Background()
	store, daemon, orch := newTestOrchestrator(t)
	require.NoError(t, store.CreateCargo(ctx, models.Cargo{
		ID:        "cargo-1",
		Name:      "server-icon",
		Type:      models.CargoRemote,
		RemoteURL: "https://files.test/icon.png",
	}))
	require.NoError(t, store.CreateCargoContainer(ctx, models.CargoContainer{
		ID:   "container-1",
		Name: "defaults",
		Items: []models.CargoItem{
			{CargoID: "cargo-1", TargetPath: "/data/server-icon.png"},
		},
	}))
	unit, err := store.GetUnit(ctx, "unit-1")
	require.NoError(t, err)
	unit.ID = "unit-cargo"
	unit.ShortName = "minecraft-paper-cargo"
	unit.CargoContainerIDs = []string{"container-1"}
	require.NoError(t, store.CreateUnit(ctx, unit))

	server, err := orch.Create(ctx, CreateServerParams{
		Name:   "with cargo",
		UserID: "user-1",
		UnitID: "unit-cargo",
		Target: PlacementTarget{NodeID: "node-1"},
	})
	require.NoError(t, err)

	require.NoError(t, orch.ShipCargo(ctx, server.ID))
	shipped := daemon.CargoFor(server.InternalID)
	require.Len(t, shipped, 1)
	assert.Equal(t, "cargo-1", shipped[0].ID)
	assert.Equal(t, "https://files.test/icon.png", shipped[0].URL)
	assert.Equal(t, "/data/server-icon.png", shipped[0].TargetPath)
}
