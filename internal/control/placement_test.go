package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectPlacementOnNode(t *testing.T) {
	ctx := context.Background()

	t.Run("picks first free allocation", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedAllocation(t, store, "alloc-high", "node-1", 25570)
		seedAllocation(t, store, "alloc-low", "node-1", 25565)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-1", placement.NodeID)
		assert.Equal(t, "alloc-low", placement.AllocationID)
	})

	t.Run("honors explicit allocation", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedAllocation(t, store, "alloc-1", "node-1", 25565)
		seedAllocation(t, store, "alloc-2", "node-1", 25566)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1", AllocationID: "alloc-2"})
		require.NoError(t, err)
		assert.Equal(t, "alloc-2", placement.AllocationID)
	})

	t.Run("rejects allocation on another node", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedNode(t, store, "node-2", "region-1", true)
		seedAllocation(t, store, "alloc-other", "node-2", 25565)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1", AllocationID: "alloc-other"})
		assert.ErrorIs(t, err, ErrNoAvailableAllocations)
	})

	t.Run("rejects assigned allocation", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedAllocation(t, store, "alloc-1", "node-1", 25565)
		require.NoError(t, store.ReserveAllocation(ctx, "alloc-1"))

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1", AllocationID: "alloc-1"})
		assert.ErrorIs(t, err, ErrNoAvailableAllocations)
	})

	t.Run("offline node", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", false)
		seedAllocation(t, store, "alloc-1", "node-1", 25565)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1"})
		assert.ErrorIs(t, err, ErrNodeOffline)
	})

	t.Run("missing node", func(t *testing.T) {
		store := openTestStore(t)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "ghost"})
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("node with no free allocations", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedAllocation(t, store, "alloc-1", "node-1", 25565)
		require.NoError(t, store.ReserveAllocation(ctx, "alloc-1"))

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{NodeID: "node-1"})
		assert.ErrorIs(t, err, ErrNoAvailableAllocations)
	})
}

func TestSelectPlacementInRegion(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers least loaded node", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedNode(t, store, "node-2", "region-1", true)
		seedUnit(t, store, "unit-1", "minecraft-paper")
		seedServer(t, store, "srv-1", "node-1", "unit-1", 25565)
		seedServer(t, store, "srv-2", "node-1", "unit-1", 25566)
		seedAllocation(t, store, "alloc-n1", "node-1", 25567)
		seedAllocation(t, store, "alloc-n2", "node-2", 25565)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-2", placement.NodeID)
		assert.Equal(t, "alloc-n2", placement.AllocationID)
	})

	t.Run("ties keep node id order", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-b", "region-1", true)
		seedNode(t, store, "node-a", "region-1", true)
		seedAllocation(t, store, "alloc-b", "node-b", 25565)
		seedAllocation(t, store, "alloc-a", "node-a", 25565)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-a", placement.NodeID)
	})

	t.Run("skips least loaded node without free allocations", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "us-east", "", 0)
		seedNode(t, store, "node-1", "region-1", true)
		seedNode(t, store, "node-2", "region-1", true)
		seedUnit(t, store, "unit-1", "minecraft-paper")
		seedServer(t, store, "srv-1", "node-1", "unit-1", 25565)
		// node-2 is least loaded but has no allocations at all.
		seedAllocation(t, store, "alloc-n1", "node-1", 25566)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-1", placement.NodeID)
	})

	t.Run("falls back when region has no online nodes", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-2", "us-east", "", 0)
		seedRegion(t, store, "region-1", "eu-west", "region-2", 0)
		seedNode(t, store, "node-eu", "region-1", false)
		seedNode(t, store, "node-us", "region-2", true)
		seedAllocation(t, store, "alloc-us", "node-us", 25565)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-us", placement.NodeID)
	})

	t.Run("falls back when region is at its server limit", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-2", "us-east", "", 0)
		seedRegion(t, store, "region-1", "eu-west", "region-2", 1)
		seedNode(t, store, "node-eu", "region-1", true)
		seedNode(t, store, "node-us", "region-2", true)
		seedUnit(t, store, "unit-1", "minecraft-paper")
		seedServer(t, store, "srv-1", "node-eu", "unit-1", 25565)
		seedAllocation(t, store, "alloc-eu", "node-eu", 25566)
		seedAllocation(t, store, "alloc-us", "node-us", 25565)

		placement, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		require.NoError(t, err)
		assert.Equal(t, "node-us", placement.NodeID)
	})

	t.Run("no nodes and no fallback", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-1", "eu-west", "", 0)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		assert.ErrorIs(t, err, ErrNoAvailableNodes)
	})

	t.Run("exhausted chain reports capacity when a region was full", func(t *testing.T) {
		store := openTestStore(t)
		seedRegion(t, store, "region-2", "us-east", "", 0)
		seedRegion(t, store, "region-1", "eu-west", "region-2", 1)
		seedNode(t, store, "node-eu", "region-1", true)
		seedUnit(t, store, "unit-1", "minecraft-paper")
		seedServer(t, store, "srv-1", "node-eu", "unit-1", 25565)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-1"})
		assert.ErrorIs(t, err, ErrRegionAtCapacity)
	})

	t.Run("fallback cycle", func(t *testing.T) {
		store := openTestStore(t)
		// Rewire the fallbacks into a loop directly, simulating data drift
		// past the creation-time cycle check.
		seedRegion(t, store, "region-a", "region-a-slug", "", 0)
		seedRegion(t, store, "region-b", "region-b-slug", "region-a", 0)
		_, err := store.DB.ExecContext(ctx, `UPDATE regions SET fallback_region_id = ? WHERE id = ?`, "region-b", "region-a")
		require.NoError(t, err)

		_, err = NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "region-a"})
		assert.ErrorIs(t, err, ErrFallbackCycle)
	})

	t.Run("missing region", func(t *testing.T) {
		store := openTestStore(t)

		_, err := NewSelector(store).SelectPlacement(ctx, PlacementTarget{RegionID: "ghost"})
		assert.ErrorIs(t, err, ErrRegionNotFound)
	})
}
