package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func testDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func requireExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBudgetRepository_CapsForMember(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	rows := sqlmock.NewRows([]string{"id", "provider_id", "model_id", "daily_limit", "weekly_limit", "monthly_limit"}).
		AddRow(1, "anthropic", "claude-3", 10.0, nil, 300.0).
		AddRow(2, "anthropic", nil, nil, 50.0, nil)
	mock.ExpectQuery("SELECT id, provider_id, model_id, daily_limit, weekly_limit, monthly_limit\\s+FROM budget_caps").
		WithArgs("anthropic", "claude-3").
		WillReturnRows(rows)

	caps, err := repo.CapsForMember(context.Background(), "anthropic", "claude-3")
	require.NoError(t, err)
	require.Len(t, caps, 2)

	require.Equal(t, "claude-3", *caps[0].ModelID)
	require.Equal(t, 10.0, *caps[0].DailyLimit)
	require.Nil(t, caps[0].WeeklyLimit)
	require.Equal(t, 300.0, *caps[0].MonthlyLimit)

	require.Nil(t, caps[1].ModelID, "NULL model_id is the provider-wide cap")
	require.Equal(t, 50.0, *caps[1].WeeklyLimit)
	requireExpectations(t, mock)
}

func TestBudgetRepository_ActiveSpendingMissingIsNilNil(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	mock.ExpectQuery("FROM budget_spending").
		WithArgs("anthropic", nil, domain.PeriodDaily, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	row, err := repo.ActiveSpending(context.Background(), "anthropic", nil, domain.PeriodDaily, time.Now())
	require.NoError(t, err)
	require.Nil(t, row)
	requireExpectations(t, mock)
}

func TestBudgetRepository_EnsureActiveSpending(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	model := "claude-3"
	start := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	mock.ExpectExec("INSERT INTO budget_spending").
		WithArgs("anthropic", "claude-3", domain.PeriodDaily, start, end).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM budget_spending").
		WithArgs("anthropic", "claude-3", domain.PeriodDaily, start).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "provider_id", "model_id", "period_type", "period_start", "period_end",
			"current_spending", "disabled", "updated_at",
		}).AddRow(7, "anthropic", "claude-3", domain.PeriodDaily, start, end, 12.5, false, time.Now()))

	row, err := repo.EnsureActiveSpending(context.Background(), "anthropic", &model, domain.PeriodDaily, start, end)
	require.NoError(t, err)
	require.Equal(t, int64(7), row.ID)
	require.Equal(t, "claude-3", *row.ModelID)
	require.Equal(t, 12.5, row.CurrentSpending)
	requireExpectations(t, mock)
}

func TestBudgetRepository_AddSpending(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	mock.ExpectExec("UPDATE budget_spending").
		WithArgs(int64(7), 0.25).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddSpending(context.Background(), 7, 0.25))
	requireExpectations(t, mock)
}

func TestBudgetRepository_AnyActiveDisabled(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("anthropic", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	disabled, err := repo.AnyActiveDisabled(context.Background(), "anthropic", nil, time.Now())
	require.NoError(t, err)
	require.True(t, disabled)
	requireExpectations(t, mock)
}

func TestBudgetRepository_UpsertZeroSpending(t *testing.T) {
	db, mock := testDB(t)
	repo := NewBudgetRepository(db)

	model := "claude-3"
	start := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	mock.ExpectExec("INSERT INTO budget_spending").
		WithArgs("anthropic", "claude-3", domain.PeriodDaily, start, end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertZeroSpending(context.Background(), "anthropic", &model, domain.PeriodDaily, start, end))
	requireExpectations(t, mock)
}
