package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

// CreateNode inserts a new node row.
func (s *Store) CreateNode(ctx context.Context, node models.Node) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if node.ID == "" {
		return errors.New("node id is required")
	}
	if node.FQDN == "" {
		return errors.New("node fqdn is required")
	}
	if node.Port <= 0 {
		return errors.New("node port must be positive")
	}
	if node.ConnectionKey == "" {
		return errors.New("node connection key is required")
	}
	if node.RegionID == "" {
		return errors.New("node region id is required")
	}
	now := time.Now().UTC()
	createdAt := node.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := node.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var heartbeat interface{}
	if !node.LastHeartbeatAt.IsZero() {
		heartbeat = formatTime(node.LastHeartbeatAt)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO nodes (
		id, name, fqdn, port, is_online, connection_key, region_id, last_heartbeat_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID,
		node.Name,
		node.FQDN,
		node.Port,
		node.IsOnline,
		node.ConnectionKey,
		node.RegionID,
		heartbeat,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode loads a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (models.Node, error) {
	if s == nil || s.DB == nil {
		return models.Node{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, fqdn, port, is_online, connection_key, region_id, last_heartbeat_at, created_at, updated_at
		FROM nodes WHERE id = ?`, id)
	return scanNodeRow(row)
}

// ListNodes returns all nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]models.Node, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	return s.queryNodes(ctx, `SELECT id, name, fqdn, port, is_online, connection_key, region_id, last_heartbeat_at, created_at, updated_at
		FROM nodes ORDER BY id`)
}

// ListOnlineNodesInRegion returns the online nodes directly in a region,
// ordered by id so placement tie-breaks are deterministic.
func (s *Store) ListOnlineNodesInRegion(ctx context.Context, regionID string) ([]models.Node, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	return s.queryNodes(ctx, `SELECT id, name, fqdn, port, is_online, connection_key, region_id, last_heartbeat_at, created_at, updated_at
		FROM nodes WHERE region_id = ? AND is_online = 1 ORDER BY id`, regionID)
}

// CountServersOnNode counts servers currently placed on a node.
func (s *Store) CountServersOnNode(ctx context.Context, nodeID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers WHERE node_id = ?`, nodeID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count servers on node %s: %w", nodeID, err)
	}
	return count, nil
}

// RecordNodeHeartbeat marks a node online and stamps the heartbeat time.
func (s *Store) RecordNodeHeartbeat(ctx context.Context, nodeID string, at time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE nodes SET is_online = 1, last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), updatedAt, nodeID)
	if err != nil {
		return fmt.Errorf("record heartbeat for node %s: %w", nodeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected node %s: %w", nodeID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkStaleNodesOffline flips is_online off for nodes whose last heartbeat is
// at or before the cutoff. Returns the ids of the nodes it changed.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM nodes
		WHERE is_online = 1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at <= ?)`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale nodes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale node: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stale nodes: %w", err)
	}
	rows.Close()
	updatedAt := formatTime(time.Now().UTC())
	for _, id := range ids {
		if _, err := s.DB.ExecContext(ctx, `UPDATE nodes SET is_online = 0, updated_at = ? WHERE id = ?`, updatedAt, id); err != nil {
			return nil, fmt.Errorf("mark node %s offline: %w", id, err)
		}
	}
	return ids, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]models.Node, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []models.Node
	for rows.Next() {
		node, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return out, nil
}

func scanNodeRow(scanner interface{ Scan(dest ...any) error }) (models.Node, error) {
	var node models.Node
	var heartbeat sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(&node.ID, &node.Name, &node.FQDN, &node.Port, &node.IsOnline, &node.ConnectionKey, &node.RegionID, &heartbeat, &createdAt, &updatedAt); err != nil {
		return models.Node{}, err
	}
	if heartbeat.Valid {
		parsed, err := parseTime(heartbeat.String)
		if err != nil {
			return models.Node{}, fmt.Errorf("parse last_heartbeat_at: %w", err)
		}
		node.LastHeartbeatAt = parsed
	}
	var err error
	if node.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Node{}, fmt.Errorf("parse created_at: %w", err)
	}
	if node.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Node{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return node, nil
}
