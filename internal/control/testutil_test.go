package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
	testutil "github.com/gantry-dev/gantry/internal/testing"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedRegion creates a region with an optional fallback and server limit.
func seedRegion(t *testing.T, store *db.Store, id, identifier, fallbackID string, serverLimit int) {
	t.Helper()
	region := testutil.NewTestRegion(id, identifier)
	region.ServerLimit = serverLimit
	if fallbackID != "" {
		region.FallbackRegionID = &fallbackID
	}
	require.NoError(t, store.CreateRegion(context.Background(), region))
}

func seedNode(t *testing.T, store *db.Store, id, regionID string, online bool) {
	t.Helper()
	node := testutil.NewTestNode(id, regionID)
	node.IsOnline = online
	require.NoError(t, store.CreateNode(context.Background(), node))
}

func seedAllocation(t *testing.T, store *db.Store, id, nodeID string, port int) {
	t.Helper()
	require.NoError(t, store.CreateAllocation(context.Background(), testutil.NewTestAllocation(id, nodeID, port)))
}

func seedUnit(t *testing.T, store *db.Store, id, shortName string) {
	t.Helper()
	require.NoError(t, store.CreateUnit(context.Background(), testutil.NewTestUnit(id, shortName)))
}

// seedServer places a server on nodeID with its own reserved allocation so
// per-node load counts reflect it.
func seedServer(t *testing.T, store *db.Store, id, nodeID, unitID string, port int) models.Server {
	t.Helper()
	ctx := context.Background()
	allocID := "alloc-" + id
	seedAllocation(t, store, allocID, nodeID, port)
	require.NoError(t, store.ReserveAllocation(ctx, allocID))
	server := testutil.NewTestServer(id, nodeID, allocID, unitID)
	require.NoError(t, store.CreateServer(ctx, server))
	return server
}
