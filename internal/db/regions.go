package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-dev/gantry/internal/models"
)

// CreateRegion inserts a new region row. The identifier slug must be unique.
func (s *Store) CreateRegion(ctx context.Context, region models.Region) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if region.ID == "" {
		return errors.New("region id is required")
	}
	if region.Name == "" {
		return errors.New("region name is required")
	}
	if region.Identifier == "" {
		return errors.New("region identifier is required")
	}
	now := time.Now().UTC()
	createdAt := region.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := region.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	var fallback interface{}
	if region.FallbackRegionID != nil && *region.FallbackRegionID != "" {
		fallback = *region.FallbackRegionID
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO regions (
		id, name, identifier, country, fallback_region_id, server_limit, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		region.ID,
		region.Name,
		region.Identifier,
		nullIfEmpty(region.Country),
		fallback,
		region.ServerLimit,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert region %s: %w", region.Identifier, err)
	}
	return nil
}

// GetRegion loads a region by id.
func (s *Store) GetRegion(ctx context.Context, id string) (models.Region, error) {
	if s == nil || s.DB == nil {
		return models.Region{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, identifier, country, fallback_region_id, server_limit, created_at, updated_at
		FROM regions WHERE id = ?`, id)
	return scanRegionRow(row)
}

// GetRegionByIdentifier loads a region by its unique slug.
func (s *Store) GetRegionByIdentifier(ctx context.Context, identifier string) (models.Region, error) {
	if s == nil || s.DB == nil {
		return models.Region{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, name, identifier, country, fallback_region_id, server_limit, created_at, updated_at
		FROM regions WHERE identifier = ?`, identifier)
	return scanRegionRow(row)
}

// ListRegions returns all regions ordered by identifier.
func (s *Store) ListRegions(ctx context.Context) ([]models.Region, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, identifier, country, fallback_region_id, server_limit, created_at, updated_at
		FROM regions ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var out []models.Region
	for rows.Next() {
		region, err := scanRegionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, region)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

// CountServersInRegion counts servers placed on any node of the region.
func (s *Store) CountServersInRegion(ctx context.Context, regionID string) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM servers
		JOIN nodes ON nodes.id = servers.node_id
		WHERE nodes.region_id = ?`, regionID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count servers in region %s: %w", regionID, err)
	}
	return count, nil
}

func scanRegionRow(scanner interface{ Scan(dest ...any) error }) (models.Region, error) {
	var region models.Region
	var country sql.NullString
	var fallback sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(&region.ID, &region.Name, &region.Identifier, &country, &fallback, &region.ServerLimit, &createdAt, &updatedAt); err != nil {
		return models.Region{}, err
	}
	if country.Valid {
		region.Country = country.String
	}
	if fallback.Valid && strings.TrimSpace(fallback.String) != "" {
		value := fallback.String
		region.FallbackRegionID = &value
	}
	var err error
	if region.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Region{}, fmt.Errorf("parse created_at: %w", err)
	}
	if region.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Region{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return region, nil
}
