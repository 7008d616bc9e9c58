package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

// CreateCargo inserts a new cargo row.
func (s *Store) CreateCargo(ctx context.Context, cargo models.Cargo) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if cargo.ID == "" {
		return errors.New("cargo id is required")
	}
	if cargo.Name == "" {
		return errors.New("cargo name is required")
	}
	switch cargo.Type {
	case models.CargoLocal:
		if cargo.Hash == "" {
			return errors.New("local cargo requires a content hash")
		}
	case models.CargoRemote:
		if cargo.RemoteURL == "" {
			return errors.New("remote cargo requires a remote url")
		}
	default:
		return fmt.Errorf("invalid cargo type %q", cargo.Type)
	}
	now := time.Now().UTC()
	createdAt := cargo.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := cargo.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var properties interface{}
	if cargo.Properties.Hidden || cargo.Properties.ReadOnly || cargo.Properties.NoDelete || len(cargo.Properties.Extra) > 0 {
		data, err := json.Marshal(cargo.Properties)
		if err != nil {
			return fmt.Errorf("marshal cargo properties: %w", err)
		}
		properties = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO cargo (
		id, name, description, type, hash, size, mime_type, remote_url, properties_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cargo.ID,
		cargo.Name,
		nullIfEmpty(cargo.Description),
		string(cargo.Type),
		nullIfEmpty(cargo.Hash),
		cargo.Size,
		nullIfEmpty(cargo.MimeType),
		nullIfEmpty(cargo.RemoteURL),
		properties,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert cargo %s: %w", cargo.ID, err)
	}
	return nil
}

// GetCargo loads a cargo file by id.
func (s *Store) GetCargo(ctx context.Context, id string) (models.Cargo, error) {
	if s == nil || s.DB == nil {
		return models.Cargo{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, description, type, hash, size, mime_type, remote_url, properties_json, created_at, updated_at
		FROM cargo WHERE id = ?`, id)
	return scanCargoRow(row)
}

// ListCargo returns all cargo files ordered by name.
func (s *Store) ListCargo(ctx context.Context) ([]models.Cargo, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, description, type, hash, size, mime_type, remote_url, properties_json, created_at, updated_at
		FROM cargo ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list cargo: %w", err)
	}
	defer rows.Close()
	var out []models.Cargo
	for rows.Next() {
		cargo, err := scanCargoRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cargo)
	}
	return out, rows.Err()
}

// FindCargoByHash returns local cargo matching a content hash, for dedup.
func (s *Store) FindCargoByHash(ctx context.Context, hash string) (models.Cargo, error) {
	if s == nil || s.DB == nil {
		return models.Cargo{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, description, type, hash, size, mime_type, remote_url, properties_json, created_at, updated_at
		FROM cargo WHERE type = ? AND hash = ?`, string(models.CargoLocal), hash)
	return scanCargoRow(row)
}

// CreateCargoContainer inserts a new cargo container row.
func (s *Store) CreateCargoContainer(ctx context.Context, container models.CargoContainer) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if container.ID == "" {
		return errors.New("cargo container id is required")
	}
	if container.Name == "" {
		return errors.New("cargo container name is required")
	}
	for _, item := range container.Items {
		if item.CargoID == "" {
			return errors.New("cargo container item requires a cargo id")
		}
		if item.TargetPath == "" {
			return errors.New("cargo container item requires a target path")
		}
	}
	now := time.Now().UTC()
	createdAt := container.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := container.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	items, err := json.Marshal(container.Items)
	if err != nil {
		return fmt.Errorf("marshal cargo container items: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO cargo_containers (
		id, name, description, items_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		container.ID,
		container.Name,
		nullIfEmpty(container.Description),
		string(items),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert cargo container %s: %w", container.ID, err)
	}
	return nil
}

// GetCargoContainer loads a cargo container by id. Item order is preserved as
// stored.
func (s *Store) GetCargoContainer(ctx context.Context, id string) (models.CargoContainer, error) {
	if s == nil || s.DB == nil {
		return models.CargoContainer{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, description, items_json, created_at, updated_at
		FROM cargo_containers WHERE id = ?`, id)
	var container models.CargoContainer
	var description sql.NullString
	var items string
	var createdAt string
	var updatedAt string
	if err := row.Scan(&container.ID, &container.Name, &description, &items, &createdAt, &updatedAt); err != nil {
		return models.CargoContainer{}, err
	}
	if description.Valid {
		container.Description = description.String
	}
	if err := json.Unmarshal([]byte(items), &container.Items); err != nil {
		return models.CargoContainer{}, fmt.Errorf("parse cargo container items: %w", err)
	}
	var err error
	if container.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.CargoContainer{}, fmt.Errorf("parse created_at: %w", err)
	}
	if container.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.CargoContainer{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return container, nil
}

func scanCargoRow(scanner interface{ Scan(dest ...any) error }) (models.Cargo, error) {
	var cargo models.Cargo
	var description sql.NullString
	var cargoType string
	var hash sql.NullString
	var mimeType sql.NullString
	var remoteURL sql.NullString
	var properties sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(&cargo.ID, &cargo.Name, &description, &cargoType, &hash, &cargo.Size, &mimeType, &remoteURL, &properties, &createdAt, &updatedAt); err != nil {
		return models.Cargo{}, err
	}
	cargo.Type = models.CargoType(cargoType)
	if description.Valid {
		cargo.Description = description.String
	}
	if hash.Valid {
		cargo.Hash = hash.String
	}
	if mimeType.Valid {
		cargo.MimeType = mimeType.String
	}
	if remoteURL.Valid {
		cargo.RemoteURL = remoteURL.String
	}
	if properties.Valid && properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &cargo.Properties); err != nil {
			return models.Cargo{}, fmt.Errorf("parse cargo properties: %w", err)
		}
	}
	var err error
	if cargo.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Cargo{}, fmt.Errorf("parse created_at: %w", err)
	}
	if cargo.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Cargo{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return cargo, nil
}
