package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

type configRepository struct {
	sql sqlExecutor
}

func NewConfigRepository(sqlDB *sql.DB) service.ConfigRepository {
	return &configRepository{sql: sqlDB}
}

func (r *configRepository) ActiveConfig(ctx context.Context, configType string) (*domain.ConfigRecord, error) {
	query := `
		SELECT id, config_type, version, config_data, active, updated_at
		FROM configurations
		WHERE config_type = $1 AND active = TRUE
		ORDER BY version DESC
		LIMIT 1
	`
	record, err := r.scanRecord(ctx, query, configType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// SaveConfig deactivates prior rows and inserts MAX(version)+1. Two
// concurrent writers are last-write-wins at the active column.
func (r *configRepository) SaveConfig(ctx context.Context, configType string, data json.RawMessage) (*domain.ConfigRecord, error) {
	deactivate := `UPDATE configurations SET active = FALSE WHERE config_type = $1 AND active = TRUE`
	if _, err := r.sql.ExecContext(ctx, deactivate, configType); err != nil {
		return nil, err
	}
	insert := `
		INSERT INTO configurations (config_type, version, config_data, active, updated_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, TRUE, NOW()
		FROM configurations WHERE config_type = $1
		RETURNING id, config_type, version, config_data, active, updated_at
	`
	record := &domain.ConfigRecord{}
	var raw []byte
	err := scanSingleRow(ctx, r.sql, insert, []any{configType, []byte(data)},
		&record.ID, &record.ConfigType, &record.Version, &raw, &record.Active, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	record.Data = raw
	return record, nil
}

func (r *configRepository) ListVersions(ctx context.Context, configType string) ([]domain.ConfigRecord, error) {
	query := `
		SELECT id, config_type, version, config_data, active, updated_at
		FROM configurations
		WHERE config_type = $1
		ORDER BY version DESC
	`
	rows, err := r.sql.QueryContext(ctx, query, configType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConfigRecord
	for rows.Next() {
		var record domain.ConfigRecord
		var raw []byte
		var updatedAt time.Time
		if err := rows.Scan(&record.ID, &record.ConfigType, &record.Version, &raw, &record.Active, &updatedAt); err != nil {
			return nil, err
		}
		record.Data = raw
		record.UpdatedAt = updatedAt
		out = append(out, record)
	}
	return out, rows.Err()
}

func (r *configRepository) scanRecord(ctx context.Context, query string, args ...any) (*domain.ConfigRecord, error) {
	record := &domain.ConfigRecord{}
	var raw []byte
	err := scanSingleRow(ctx, r.sql, query, args,
		&record.ID, &record.ConfigType, &record.Version, &raw, &record.Active, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	record.Data = raw
	return record, nil
}
