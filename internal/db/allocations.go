package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

// ErrAllocationTaken is returned by ReserveAllocation when the allocation is
// already assigned. Callers retry selection or surface a conflict.
var ErrAllocationTaken = errors.New("allocation already assigned")

// CreateAllocation inserts a new allocation row.
func (s *Store) CreateAllocation(ctx context.Context, alloc models.Allocation) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if alloc.ID == "" {
		return errors.New("allocation id is required")
	}
	if alloc.NodeID == "" {
		return errors.New("allocation node id is required")
	}
	if alloc.BindAddress == "" {
		return errors.New("allocation bind address is required")
	}
	if alloc.Port <= 0 || alloc.Port > 65535 {
		return errors.New("allocation port must be between 1 and 65535")
	}
	createdAt := alloc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO allocations (
		id, node_id, bind_address, port, assigned, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		alloc.ID,
		alloc.NodeID,
		alloc.BindAddress,
		alloc.Port,
		alloc.Assigned,
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert allocation %s: %w", alloc.ID, err)
	}
	return nil
}

// GetAllocation loads an allocation by id.
func (s *Store) GetAllocation(ctx context.Context, id string) (models.Allocation, error) {
	if s == nil || s.DB == nil {
		return models.Allocation{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, node_id, bind_address, port, assigned, created_at
		FROM allocations WHERE id = ?`, id)
	return scanAllocationRow(row)
}

// FirstFreeAllocation returns an unassigned allocation on the node, or
// sql.ErrNoRows when the node has none left.
func (s *Store) FirstFreeAllocation(ctx context.Context, nodeID string) (models.Allocation, error) {
	if s == nil || s.DB == nil {
		return models.Allocation{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, node_id, bind_address, port, assigned, created_at
		FROM allocations WHERE node_id = ? AND assigned = 0 ORDER BY port LIMIT 1`, nodeID)
	return scanAllocationRow(row)
}

// ReserveAllocation flips assigned from false to true as a single conditional
// update. Two concurrent reservations of the same allocation resolve to one
// winner; the loser sees ErrAllocationTaken (or sql.ErrNoRows if the row is
// gone entirely).
func (s *Store) ReserveAllocation(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE allocations SET assigned = 1 WHERE id = ? AND assigned = 0`, id)
	if err != nil {
		return fmt.Errorf("reserve allocation %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected allocation %s: %w", id, err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetAllocation(ctx, id); err != nil {
		return err
	}
	return ErrAllocationTaken
}

// ReleaseAllocation resets the assigned flag. Used by create rollback and by
// server deletion.
func (s *Store) ReleaseAllocation(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE allocations SET assigned = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release allocation %s: %w", id, err)
	}
	return nil
}

// ListAllocationsForNode returns all allocations on a node ordered by port.
func (s *Store) ListAllocationsForNode(ctx context.Context, nodeID string) ([]models.Allocation, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, node_id, bind_address, port, assigned, created_at
		FROM allocations WHERE node_id = ? ORDER BY port`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list allocations for node %s: %w", nodeID, err)
	}
	defer rows.Close()
	var out []models.Allocation
	for rows.Next() {
		alloc, err := scanAllocationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

func scanAllocationRow(scanner interface{ Scan(dest ...any) error }) (models.Allocation, error) {
	var alloc models.Allocation
	var createdAt string
	if err := scanner.Scan(&alloc.ID, &alloc.NodeID, &alloc.BindAddress, &alloc.Port, &alloc.Assigned, &createdAt); err != nil {
		return models.Allocation{}, err
	}
	var err error
	if alloc.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Allocation{}, fmt.Errorf("parse created_at: %w", err)
	}
	return alloc, nil
}
