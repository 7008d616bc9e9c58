package db

import (
	"context"
	"testing"

	testutil "github.com/gantry-dev/gantry/internal/testing"
	"github.com/stretchr/testify/require"
)

// openTestStore creates a test database in a temporary directory.
// The database is automatically closed and removed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := testutil.MkdirTempInDir(t, t.TempDir())
	store, err := Open(path + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedPlacement inserts a region, node, allocation, and unit so server tests
// can satisfy the schema's foreign keys.
func seedPlacement(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRegion(ctx, testutil.NewTestRegion("region-1", "us-east")))
	require.NoError(t, store.CreateNode(ctx, testutil.NewTestNode("node-1", "region-1")))
	require.NoError(t, store.CreateAllocation(ctx, testutil.NewTestAllocation("alloc-1", "node-1", 25565)))
	require.NoError(t, store.CreateUnit(ctx, testutil.NewTestUnit("unit-1", "minecraft-paper")))
}
