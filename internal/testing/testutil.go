// Package testing provides shared test utilities and helper functions for Gantry.
//
// This package contains test helpers and factory functions for creating test
// data that promote consistent testing patterns across the codebase.
//
// Key utilities:
//   - Model factories: NewTestRegion, NewTestNode, NewTestAllocation,
//     NewTestUnit, NewTestServer, NewTestCargo
//   - Test helpers: MkdirTempInDir
//   - Test constants: FixedTime
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gantry-dev/gantry/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// MkdirTempInDir creates a temporary directory inside dir and returns its path.
func MkdirTempInDir(t *testing.T, dir string) string {
	t.Helper()
	path, err := os.MkdirTemp(dir, "gantry-test-")
	require.NoError(t, err)
	return path
}

// NewTestRegion returns a region with sensible defaults for tests.
func NewTestRegion(id, identifier string) models.Region {
	return models.Region{
		ID:         id,
		Name:       "Region " + identifier,
		Identifier: identifier,
		CreatedAt:  FixedTime,
		UpdatedAt:  FixedTime,
	}
}

// NewTestNode returns an online node with sensible defaults for tests.
func NewTestNode(id, regionID string) models.Node {
	return models.Node{
		ID:            id,
		Name:          "node-" + id,
		FQDN:          id + ".nodes.test",
		Port:          8080,
		IsOnline:      true,
		ConnectionKey: "key-" + id,
		RegionID:      regionID,
		CreatedAt:     FixedTime,
		UpdatedAt:     FixedTime,
	}
}

// NewTestAllocation returns an unassigned allocation for tests.
func NewTestAllocation(id, nodeID string, port int) models.Allocation {
	return models.Allocation{
		ID:          id,
		NodeID:      nodeID,
		BindAddress: "0.0.0.0",
		Port:        port,
		CreatedAt:   FixedTime,
	}
}

// NewTestUnit returns a unit with one default image for tests.
func NewTestUnit(id, shortName string) models.Unit {
	return models.Unit{
		ID:        id,
		ShortName: shortName,
		Images: []models.DockerImage{
			{Image: "ghcr.io/gantry/" + shortName + ":latest", Default: true},
		},
		DefaultStartup: "./start.sh",
		CreatedAt:      FixedTime,
		UpdatedAt:      FixedTime,
	}
}

// NewTestServer returns a server in the creating phase for tests.
func NewTestServer(id, nodeID, allocationID, unitID string) models.Server {
	return models.Server{
		ID:              id,
		InternalID:      id,
		Name:            "server-" + id,
		NodeID:          nodeID,
		AllocationID:    allocationID,
		UnitID:          unitID,
		UserID:          "user-1",
		MemoryMiB:       2048,
		DiskMiB:         10240,
		CPUPercent:      200,
		Phase:           models.PhaseCreating,
		ValidationToken: "token-" + id,
		CreatedAt:       FixedTime,
		UpdatedAt:       FixedTime,
	}
}

// NewTestCargo returns local cargo with a content hash for tests.
func NewTestCargo(id string) models.Cargo {
	return models.Cargo{
		ID:        id,
		Name:      "cargo-" + id,
		Type:      models.CargoLocal,
		Hash:      "hash-" + id,
		Size:      1024,
		MimeType:  "application/octet-stream",
		CreatedAt: FixedTime,
		UpdatedAt: FixedTime,
	}
}
