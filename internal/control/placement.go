package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/models"
)

// Placement errors surfaced to callers with no retry.
var (
	ErrRegionNotFound         = errors.New("region not found")
	ErrNodeNotFound           = errors.New("node not found")
	ErrNodeOffline            = errors.New("node offline")
	ErrNoAvailableAllocations = errors.New("no available allocations")
	ErrRegionAtCapacity       = errors.New("region at capacity")
	ErrNoAvailableNodes       = errors.New("no available nodes")
	ErrFallbackCycle          = errors.New("region fallback chain contains a cycle")
)

// PlacementTarget names where a server should land: an explicit node (with an
// optional explicit allocation), or a region resolved through its fallback
// chain.
type PlacementTarget struct {
	NodeID       string
	AllocationID string
	RegionID     string
}

// Placement is a selection result. Selection is read-only; reserving the
// allocation is the caller's job.
type Placement struct {
	NodeID       string
	AllocationID string
}

// Selector picks a node and free allocation for a new server.
//
// The region path uses a deliberately coarse least-loaded heuristic (fewest
// placed servers, ties broken by node id order). It is a placement policy,
// not a bin-packing optimizer, and is meant to be replaceable.
type Selector struct {
	store *db.Store
}

// NewSelector builds a selector over the given store.
func NewSelector(store *db.Store) *Selector {
	return &Selector{store: store}
}

// SelectPlacement resolves the target to a concrete (node, allocation) pair.
//
// Explicit node targets verify the node exists and is online. Region targets
// walk the fallback chain with a visited set, skipping regions that are at
// their server limit or have no online nodes; cycle detection happens here at
// resolution time, not only at region creation, to tolerate data drift.
func (s *Selector) SelectPlacement(ctx context.Context, target PlacementTarget) (Placement, error) {
	if s == nil || s.store == nil {
		return Placement{}, errors.New("selector not configured")
	}
	if target.NodeID != "" {
		return s.selectOnNode(ctx, target.NodeID, target.AllocationID)
	}
	if target.RegionID != "" {
		return s.selectInRegion(ctx, target.RegionID)
	}
	return Placement{}, errors.New("placement target requires a node or region")
}

func (s *Selector) selectOnNode(ctx context.Context, nodeID, allocationID string) (Placement, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Placement{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		return Placement{}, fmt.Errorf("load node %s: %w", nodeID, err)
	}
	if !node.IsOnline {
		return Placement{}, fmt.Errorf("%w: %s", ErrNodeOffline, nodeID)
	}
	if allocationID != "" {
		alloc, err := s.store.GetAllocation(ctx, allocationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Placement{}, fmt.Errorf("%w: allocation %s", ErrNoAvailableAllocations, allocationID)
			}
			return Placement{}, fmt.Errorf("load allocation %s: %w", allocationID, err)
		}
		if alloc.NodeID != node.ID {
			return Placement{}, fmt.Errorf("%w: allocation %s is not on node %s", ErrNoAvailableAllocations, allocationID, nodeID)
		}
		if alloc.Assigned {
			return Placement{}, fmt.Errorf("%w: allocation %s is assigned", ErrNoAvailableAllocations, allocationID)
		}
		return Placement{NodeID: node.ID, AllocationID: alloc.ID}, nil
	}
	alloc, err := s.store.FirstFreeAllocation(ctx, node.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Placement{}, fmt.Errorf("%w: node %s", ErrNoAvailableAllocations, nodeID)
		}
		return Placement{}, fmt.Errorf("find allocation on node %s: %w", nodeID, err)
	}
	return Placement{NodeID: node.ID, AllocationID: alloc.ID}, nil
}

func (s *Selector) selectInRegion(ctx context.Context, regionID string) (Placement, error) {
	visited := make(map[string]struct{})
	atCapacity := false
	current := regionID
	for {
		if _, seen := visited[current]; seen {
			return Placement{}, fmt.Errorf("%w: revisited region %s", ErrFallbackCycle, current)
		}
		visited[current] = struct{}{}

		region, err := s.store.GetRegion(ctx, current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Placement{}, fmt.Errorf("%w: %s", ErrRegionNotFound, current)
			}
			return Placement{}, fmt.Errorf("load region %s: %w", current, err)
		}

		placement, reason, err := s.tryRegion(ctx, region)
		if err != nil {
			return Placement{}, err
		}
		if reason == regionOK {
			return placement, nil
		}
		if reason == regionFull {
			atCapacity = true
		}
		if region.FallbackRegionID == nil || *region.FallbackRegionID == "" {
			if atCapacity {
				return Placement{}, fmt.Errorf("%w: %s", ErrRegionAtCapacity, regionID)
			}
			return Placement{}, fmt.Errorf("%w: region %s", ErrNoAvailableNodes, regionID)
		}
		current = *region.FallbackRegionID
	}
}

type skipReason int

const (
	regionOK skipReason = iota
	regionEmpty
	regionFull
)

// tryRegion attempts placement within one region, reporting why it was
// skipped when it cannot serve.
func (s *Selector) tryRegion(ctx context.Context, region models.Region) (Placement, skipReason, error) {
	if region.ServerLimit > 0 {
		count, err := s.store.CountServersInRegion(ctx, region.ID)
		if err != nil {
			return Placement{}, regionEmpty, err
		}
		if count >= region.ServerLimit {
			return Placement{}, regionFull, nil
		}
	}
	nodes, err := s.store.ListOnlineNodesInRegion(ctx, region.ID)
	if err != nil {
		return Placement{}, regionEmpty, err
	}
	if len(nodes) == 0 {
		return Placement{}, regionEmpty, nil
	}
	ordered, err := s.orderByLoad(ctx, nodes)
	if err != nil {
		return Placement{}, regionEmpty, err
	}
	// Walk candidates in load order: the least-loaded node may have no free
	// allocations while a busier sibling still does.
	for _, node := range ordered {
		alloc, err := s.store.FirstFreeAllocation(ctx, node.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return Placement{}, regionEmpty, fmt.Errorf("find allocation on node %s: %w", node.ID, err)
		}
		return Placement{NodeID: node.ID, AllocationID: alloc.ID}, regionOK, nil
	}
	return Placement{}, regionEmpty, nil
}

// orderByLoad sorts candidate nodes by current server count ascending.
// The input is already ordered by node id and the sort is stable, so ties
// keep id order.
func (s *Selector) orderByLoad(ctx context.Context, nodes []models.Node) ([]models.Node, error) {
	counts := make(map[string]int, len(nodes))
	for _, node := range nodes {
		count, err := s.store.CountServersOnNode(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		counts[node.ID] = count
	}
	ordered := make([]models.Node, len(nodes))
	copy(ordered, nodes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return counts[ordered[i].ID] < counts[ordered[j].ID]
	})
	return ordered, nil
}
