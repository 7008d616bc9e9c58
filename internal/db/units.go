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

// CreateUnit inserts a new unit row. The structured sub-fields are validated
// here, serialized once, and loaded back as typed values by the scanners.
func (s *Store) CreateUnit(ctx context.Context, unit models.Unit) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if unit.ID == "" {
		return errors.New("unit id is required")
	}
	if unit.ShortName == "" {
		return errors.New("unit short name is required")
	}
	if len(unit.Images) == 0 {
		return errors.New("unit needs at least one docker image")
	}
	defaults := 0
	for _, img := range unit.Images {
		if img.Image == "" {
			return errors.New("unit docker image must not be empty")
		}
		if img.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("unit must designate at most one default image")
	}
	if unit.DefaultStartup == "" {
		return errors.New("unit default startup command is required")
	}
	for _, env := range unit.EnvVars {
		if env.Name == "" {
			return errors.New("unit env var name must not be empty")
		}
	}
	for _, file := range unit.ConfigFiles {
		if file.Path == "" {
			return errors.New("unit config file path must not be empty")
		}
	}
	now := time.Now().UTC()
	createdAt := unit.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := unit.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	images, err := json.Marshal(unit.Images)
	if err != nil {
		return fmt.Errorf("marshal unit images: %w", err)
	}
	envVars, err := marshalOrNil(unit.EnvVars)
	if err != nil {
		return fmt.Errorf("marshal unit env vars: %w", err)
	}
	configFiles, err := marshalOrNil(unit.ConfigFiles)
	if err != nil {
		return fmt.Errorf("marshal unit config files: %w", err)
	}
	var install interface{}
	if unit.Install != (models.InstallScript{}) {
		data, err := json.Marshal(unit.Install)
		if err != nil {
			return fmt.Errorf("marshal unit install script: %w", err)
		}
		install = string(data)
	}
	features, err := marshalOrNil(unit.Features)
	if err != nil {
		return fmt.Errorf("marshal unit features: %w", err)
	}
	containers, err := marshalOrNil(unit.CargoContainerIDs)
	if err != nil {
		return fmt.Errorf("marshal unit cargo containers: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO units (
		id, short_name, description, images_json, default_startup,
		env_vars_json, config_files_json, install_json, features_json, cargo_containers_json,
		ready_regex, stop_command, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unit.ID,
		unit.ShortName,
		nullIfEmpty(unit.Description),
		string(images),
		unit.DefaultStartup,
		envVars,
		configFiles,
		install,
		features,
		containers,
		nullIfEmpty(unit.ReadyRegex),
		nullIfEmpty(unit.StopCommand),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert unit %s: %w", unit.ShortName, err)
	}
	return nil
}

const unitColumns = `id, short_name, description, images_json, default_startup,
	env_vars_json, config_files_json, install_json, features_json, cargo_containers_json,
	ready_regex, stop_command, created_at, updated_at`

// GetUnit loads a unit by id.
func (s *Store) GetUnit(ctx context.Context, id string) (models.Unit, error) {
	if s == nil || s.DB == nil {
		return models.Unit{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	return scanUnitRow(row)
}

// GetUnitByShortName loads a unit by its unique slug.
func (s *Store) GetUnitByShortName(ctx context.Context, shortName string) (models.Unit, error) {
	if s == nil || s.DB == nil {
		return models.Unit{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE short_name = ?`, shortName)
	return scanUnitRow(row)
}

// ListUnits returns all units ordered by short name.
func (s *Store) ListUnits(ctx context.Context) ([]models.Unit, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY short_name`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()
	var out []models.Unit
	for rows.Next() {
		unit, err := scanUnitRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return out, nil
}

func scanUnitRow(scanner interface{ Scan(dest ...any) error }) (models.Unit, error) {
	var unit models.Unit
	var description sql.NullString
	var images string
	var envVars sql.NullString
	var configFiles sql.NullString
	var install sql.NullString
	var features sql.NullString
	var containers sql.NullString
	var readyRegex sql.NullString
	var stopCommand sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&unit.ID, &unit.ShortName, &description, &images, &unit.DefaultStartup,
		&envVars, &configFiles, &install, &features, &containers,
		&readyRegex, &stopCommand, &createdAt, &updatedAt,
	); err != nil {
		return models.Unit{}, err
	}
	if description.Valid {
		unit.Description = description.String
	}
	if err := json.Unmarshal([]byte(images), &unit.Images); err != nil {
		return models.Unit{}, fmt.Errorf("parse unit images: %w", err)
	}
	if err := unmarshalIfValid(envVars, &unit.EnvVars, "env vars"); err != nil {
		return models.Unit{}, err
	}
	if err := unmarshalIfValid(configFiles, &unit.ConfigFiles, "config files"); err != nil {
		return models.Unit{}, err
	}
	if install.Valid && install.String != "" {
		if err := json.Unmarshal([]byte(install.String), &unit.Install); err != nil {
			return models.Unit{}, fmt.Errorf("parse unit install script: %w", err)
		}
	}
	if err := unmarshalIfValid(features, &unit.Features, "features"); err != nil {
		return models.Unit{}, err
	}
	if err := unmarshalIfValid(containers, &unit.CargoContainerIDs, "cargo containers"); err != nil {
		return models.Unit{}, err
	}
	if readyRegex.Valid {
		unit.ReadyRegex = readyRegex.String
	}
	if stopCommand.Valid {
		unit.StopCommand = stopCommand.String
	}
	var err error
	if unit.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Unit{}, fmt.Errorf("parse created_at: %w", err)
	}
	if unit.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Unit{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return unit, nil
}

func marshalOrNil[T any](values []T) (interface{}, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalIfValid[T any](value sql.NullString, dest *T, what string) error {
	if !value.Valid || value.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value.String), dest); err != nil {
		return fmt.Errorf("parse unit %s: %w", what, err)
	}
	return nil
}
