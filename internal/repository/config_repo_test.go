package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func configColumns() []string {
	return []string{"id", "config_type", "version", "config_data", "active", "updated_at"}
}

func TestConfigRepository_ActiveConfig(t *testing.T) {
	db, mock := testDB(t)
	repo := NewConfigRepository(db)

	mock.ExpectQuery("FROM configurations").
		WithArgs(domain.ConfigTypeCouncil).
		WillReturnRows(sqlmock.NewRows(configColumns()).
			AddRow(3, domain.ConfigTypeCouncil, 2, []byte(`{"council":{}}`), true, time.Now()))

	record, err := repo.ActiveConfig(context.Background(), domain.ConfigTypeCouncil)
	require.NoError(t, err)
	require.Equal(t, 2, record.Version)
	require.True(t, record.Active)
	require.JSONEq(t, `{"council":{}}`, string(record.Data))
}

func TestConfigRepository_ActiveConfigMissingIsNilNil(t *testing.T) {
	db, mock := testDB(t)
	repo := NewConfigRepository(db)

	mock.ExpectQuery("FROM configurations").
		WithArgs(domain.ConfigTypeCouncil).
		WillReturnError(sql.ErrNoRows)

	record, err := repo.ActiveConfig(context.Background(), domain.ConfigTypeCouncil)
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestConfigRepository_SaveConfigDeactivatesThenInserts(t *testing.T) {
	db, mock := testDB(t)
	repo := NewConfigRepository(db)

	data := json.RawMessage(`{"council":{"minimum_size":2}}`)

	mock.ExpectExec("UPDATE configurations SET active = FALSE").
		WithArgs(domain.ConfigTypeCouncil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO configurations").
		WithArgs(domain.ConfigTypeCouncil, []byte(data)).
		WillReturnRows(sqlmock.NewRows(configColumns()).
			AddRow(4, domain.ConfigTypeCouncil, 3, []byte(data), true, time.Now()))

	record, err := repo.SaveConfig(context.Background(), domain.ConfigTypeCouncil, data)
	require.NoError(t, err)
	require.Equal(t, 3, record.Version)
	require.True(t, record.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigRepository_ListVersions(t *testing.T) {
	db, mock := testDB(t)
	repo := NewConfigRepository(db)

	mock.ExpectQuery("FROM configurations").
		WithArgs(domain.ConfigTypeCouncil).
		WillReturnRows(sqlmock.NewRows(configColumns()).
			AddRow(4, domain.ConfigTypeCouncil, 3, []byte(`{}`), true, time.Now()).
			AddRow(3, domain.ConfigTypeCouncil, 2, []byte(`{}`), false, time.Now()))

	versions, err := repo.ListVersions(context.Background(), domain.ConfigTypeCouncil)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 3, versions[0].Version, "newest first")
	require.False(t, versions[1].Active)
}
