package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

const timeLayout = time.RFC3339Nano

// CreateServer inserts a new server row.
func (s *Store) CreateServer(ctx context.Context, server models.Server) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if server.ID == "" {
		return errors.New("server id is required")
	}
	if server.InternalID == "" {
		return errors.New("server internal id is required")
	}
	if server.Name == "" {
		return errors.New("server name is required")
	}
	if server.NodeID == "" {
		return errors.New("server node id is required")
	}
	if server.AllocationID == "" {
		return errors.New("server allocation id is required")
	}
	if server.UnitID == "" {
		return errors.New("server unit id is required")
	}
	if server.UserID == "" {
		return errors.New("server user id is required")
	}
	if server.Phase == "" {
		return errors.New("server phase is required")
	}
	if server.ValidationToken == "" {
		return errors.New("server validation token is required")
	}
	now := time.Now().UTC()
	createdAt := server.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := server.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var observedAt interface{}
	if !server.ObservedAt.IsZero() {
		observedAt = formatTime(server.ObservedAt)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO servers (
		id, internal_id, name, node_id, allocation_id, unit_id, user_id, project_id,
		memory_mib, disk_mib, cpu_percent, docker_image, startup_command,
		phase, observed_state, observed_at, validation_token, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		server.ID,
		server.InternalID,
		server.Name,
		server.NodeID,
		server.AllocationID,
		server.UnitID,
		server.UserID,
		nullIfEmpty(server.ProjectID),
		server.MemoryMiB,
		server.DiskMiB,
		server.CPUPercent,
		nullIfEmpty(server.DockerImage),
		nullIfEmpty(server.StartupCommand),
		string(server.Phase),
		nullIfEmpty(server.ObservedState),
		observedAt,
		server.ValidationToken,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert server %s: %w", server.ID, err)
	}
	return nil
}

const serverColumns = `id, internal_id, name, node_id, allocation_id, unit_id, user_id, project_id,
	memory_mib, disk_mib, cpu_percent, docker_image, startup_command,
	phase, observed_state, observed_at, validation_token, created_at, updated_at`

// GetServer loads a server by id.
func (s *Store) GetServer(ctx context.Context, id string) (models.Server, error) {
	if s == nil || s.DB == nil {
		return models.Server{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServerRow(row)
}

// GetServerByInternalID loads a server by its daemon-facing identifier.
func (s *Store) GetServerByInternalID(ctx context.Context, internalID string) (models.Server, error) {
	if s == nil || s.DB == nil {
		return models.Server{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE internal_id = ?`, internalID)
	return scanServerRow(row)
}

// ListServers returns all servers ordered by created_at descending.
func (s *Store) ListServers(ctx context.Context) ([]models.Server, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var out []models.Server
	for rows.Next() {
		server, err := scanServerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

// SetServerPhase records a new lifecycle phase for a server.
func (s *Store) SetServerPhase(ctx context.Context, id string, phase models.ServerPhase) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if phase == "" {
		return errors.New("server phase is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE servers SET phase = ?, updated_at = ? WHERE id = ?`,
		string(phase), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update server %s phase: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected server %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetServerObservedState caches the daemon-reported state with an observation
// timestamp. Last writer wins; the state is a cache, not a source of truth.
func (s *Store) SetServerObservedState(ctx context.Context, id string, state string, at time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	updatedAt := formatTime(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `UPDATE servers SET observed_state = ?, observed_at = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(state), formatTime(at), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update server %s observed state: %w", id, err)
	}
	return nil
}

// UpdateServerFields persists the mutable server fields after a successful
// daemon patch.
func (s *Store) UpdateServerFields(ctx context.Context, server models.Server) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if server.ID == "" {
		return errors.New("server id is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE servers SET
		name = ?, unit_id = ?, memory_mib = ?, disk_mib = ?, cpu_percent = ?,
		docker_image = ?, startup_command = ?, phase = ?, updated_at = ?
		WHERE id = ?`,
		server.Name,
		server.UnitID,
		server.MemoryMiB,
		server.DiskMiB,
		server.CPUPercent,
		nullIfEmpty(server.DockerImage),
		nullIfEmpty(server.StartupCommand),
		string(server.Phase),
		updatedAt,
		server.ID,
	)
	if err != nil {
		return fmt.Errorf("update server %s: %w", server.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected server %s: %w", server.ID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteServer removes a server row.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

func scanServerRow(scanner interface{ Scan(dest ...any) error }) (models.Server, error) {
	var server models.Server
	var projectID sql.NullString
	var dockerImage sql.NullString
	var startupCommand sql.NullString
	var phase string
	var observedState sql.NullString
	var observedAt sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&server.ID, &server.InternalID, &server.Name, &server.NodeID, &server.AllocationID,
		&server.UnitID, &server.UserID, &projectID,
		&server.MemoryMiB, &server.DiskMiB, &server.CPUPercent,
		&dockerImage, &startupCommand,
		&phase, &observedState, &observedAt, &server.ValidationToken, &createdAt, &updatedAt,
	); err != nil {
		return models.Server{}, err
	}
	if phase == "" {
		return models.Server{}, errors.New("server phase missing")
	}
	server.Phase = models.ServerPhase(phase)
	if projectID.Valid {
		server.ProjectID = projectID.String
	}
	if dockerImage.Valid {
		server.DockerImage = dockerImage.String
	}
	if startupCommand.Valid {
		server.StartupCommand = startupCommand.String
	}
	if observedState.Valid {
		server.ObservedState = observedState.String
	}
	if observedAt.Valid {
		parsed, err := parseTime(observedAt.String)
		if err != nil {
			return models.Server{}, fmt.Errorf("parse observed_at: %w", err)
		}
		server.ObservedAt = parsed
	}
	var err error
	if server.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Server{}, fmt.Errorf("parse created_at: %w", err)
	}
	if server.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Server{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return server, nil
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
