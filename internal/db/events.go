package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordEvent inserts an event row. Events are an operational audit trail for
// lifecycle transitions and daemon failures; recording is best-effort at most
// call sites.
func (s *Store) RecordEvent(ctx context.Context, kind string, serverID, nodeID *string, msg string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if kind == "" {
		return errors.New("event kind is required")
	}
	now := formatTime(time.Now().UTC())
	var server sql.NullString
	if serverID != nil && *serverID != "" {
		server = sql.NullString{Valid: true, String: *serverID}
	}
	var node sql.NullString
	if nodeID != nil && *nodeID != "" {
		node = sql.NullString{Valid: true, String: *nodeID}
	}
	var msgVal interface{}
	if msg != "" {
		msgVal = msg
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, server_id, node_id, msg) VALUES (?, ?, ?, ?, ?)`,
		now, kind, server, node, msgVal)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", kind, err)
	}
	return nil
}

// Event is one audit-trail row.
type Event struct {
	ID       int64
	TS       time.Time
	Kind     string
	ServerID string
	NodeID   string
	Msg      string
}

// ListEventsForServer returns the most recent events for a server, newest
// first, capped at limit.
func (s *Store) ListEventsForServer(ctx context.Context, serverID string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, server_id, node_id, msg FROM events
		WHERE server_id = ? ORDER BY id DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for server %s: %w", serverID, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var event Event
		var ts string
		var server sql.NullString
		var node sql.NullString
		var msg sql.NullString
		if err := rows.Scan(&event.ID, &ts, &event.Kind, &server, &node, &msg); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if event.TS, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		if server.Valid {
			event.ServerID = server.String
		}
		if node.Valid {
			event.NodeID = node.String
		}
		if msg.Valid {
			event.Msg = msg.String
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
