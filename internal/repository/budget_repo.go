package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

type budgetRepository struct {
	sql sqlExecutor
}

func NewBudgetRepository(sqlDB *sql.DB) service.BudgetRepository {
	return &budgetRepository{sql: sqlDB}
}

func (r *budgetRepository) CapsForMember(ctx context.Context, providerID, modelID string) ([]domain.BudgetCap, error) {
	query := `
		SELECT id, provider_id, model_id, daily_limit, weekly_limit, monthly_limit
		FROM budget_caps
		WHERE provider_id = $1 AND (model_id = $2 OR model_id IS NULL)
		ORDER BY model_id NULLS LAST
	`
	return r.queryCaps(ctx, query, providerID, modelID)
}

func (r *budgetRepository) ListCaps(ctx context.Context) ([]domain.BudgetCap, error) {
	query := `
		SELECT id, provider_id, model_id, daily_limit, weekly_limit, monthly_limit
		FROM budget_caps
		ORDER BY provider_id, model_id NULLS LAST
	`
	return r.queryCaps(ctx, query)
}

func (r *budgetRepository) queryCaps(ctx context.Context, query string, args ...any) ([]domain.BudgetCap, error) {
	rows, err := r.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []domain.BudgetCap
	for rows.Next() {
		var capRow domain.BudgetCap
		var modelID sql.NullString
		var daily, weekly, monthly sql.NullFloat64
		if err := rows.Scan(&capRow.ID, &capRow.ProviderID, &modelID, &daily, &weekly, &monthly); err != nil {
			return nil, err
		}
		if modelID.Valid {
			v := modelID.String
			capRow.ModelID = &v
		}
		if daily.Valid {
			v := daily.Float64
			capRow.DailyLimit = &v
		}
		if weekly.Valid {
			v := weekly.Float64
			capRow.WeeklyLimit = &v
		}
		if monthly.Valid {
			v := monthly.Float64
			capRow.MonthlyLimit = &v
		}
		caps = append(caps, capRow)
	}
	return caps, rows.Err()
}

func (r *budgetRepository) ActiveSpending(ctx context.Context, providerID string, modelID *string, periodType string, now time.Time) (*domain.BudgetSpending, error) {
	query := `
		SELECT id, provider_id, model_id, period_type, period_start, period_end,
			current_spending, disabled, updated_at
		FROM budget_spending
		WHERE provider_id = $1
			AND model_id IS NOT DISTINCT FROM $2
			AND period_type = $3
			AND period_start <= $4 AND period_end > $4
	`
	row, err := r.scanSpending(ctx, query, providerID, modelID, periodType, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

func (r *budgetRepository) scanSpending(ctx context.Context, query string, args ...any) (*domain.BudgetSpending, error) {
	row := &domain.BudgetSpending{}
	var modelID sql.NullString
	err := scanSingleRow(ctx, r.sql, query, args,
		&row.ID,
		&row.ProviderID,
		&modelID,
		&row.PeriodType,
		&row.PeriodStart,
		&row.PeriodEnd,
		&row.CurrentSpending,
		&row.Disabled,
		&row.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if modelID.Valid {
		v := modelID.String
		row.ModelID = &v
	}
	return row, nil
}

// EnsureActiveSpending creates the zeroed row for the active window if none
// exists, then reads it back. The insert is set-if-absent on the unique
// (provider_id, model_id, period_type, period_start) key so two concurrent
// calls converge on one row.
func (r *budgetRepository) EnsureActiveSpending(ctx context.Context, providerID string, modelID *string, periodType string, start, end time.Time) (*domain.BudgetSpending, error) {
	insert := `
		INSERT INTO budget_spending (
			provider_id, model_id, period_type, period_start, period_end, current_spending, disabled
		) VALUES ($1, $2, $3, $4, $5, 0, FALSE)
		ON CONFLICT (provider_id, model_id, period_type, period_start) DO NOTHING
	`
	if _, err := r.sql.ExecContext(ctx, insert, providerID, modelID, periodType, start, end); err != nil {
		return nil, err
	}
	query := `
		SELECT id, provider_id, model_id, period_type, period_start, period_end,
			current_spending, disabled, updated_at
		FROM budget_spending
		WHERE provider_id = $1
			AND model_id IS NOT DISTINCT FROM $2
			AND period_type = $3
			AND period_start = $4
	`
	return r.scanSpending(ctx, query, providerID, modelID, periodType, start)
}

// AddSpending is a conditional increment at the storage layer; spend only
// moves up.
func (r *budgetRepository) AddSpending(ctx context.Context, rowID int64, amount float64) error {
	query := `
		UPDATE budget_spending
		SET current_spending = current_spending + $2, updated_at = NOW()
		WHERE id = $1 AND $2 >= 0
	`
	_, err := r.sql.ExecContext(ctx, query, rowID, amount)
	return err
}

func (r *budgetRepository) SetDisabled(ctx context.Context, providerID string, modelID *string, periodType string, now time.Time, disabled bool) error {
	query := `
		UPDATE budget_spending
		SET disabled = $5, updated_at = NOW()
		WHERE provider_id = $1
			AND model_id IS NOT DISTINCT FROM $2
			AND period_type = $3
			AND period_start <= $4 AND period_end > $4
	`
	_, err := r.sql.ExecContext(ctx, query, providerID, modelID, periodType, now, disabled)
	return err
}

func (r *budgetRepository) AnyActiveDisabled(ctx context.Context, providerID string, modelID *string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM budget_spending
			WHERE provider_id = $1
				AND model_id IS NOT DISTINCT FROM $2
				AND period_start <= $3 AND period_end > $3
				AND disabled = TRUE
		)
	`
	var disabled bool
	if err := scanSingleRow(ctx, r.sql, query, []any{providerID, modelID, now}, &disabled); err != nil {
		return false, err
	}
	return disabled, nil
}

func (r *budgetRepository) UpsertZeroSpending(ctx context.Context, providerID string, modelID *string, periodType string, start, end time.Time) error {
	query := `
		INSERT INTO budget_spending (
			provider_id, model_id, period_type, period_start, period_end, current_spending, disabled
		) VALUES ($1, $2, $3, $4, $5, 0, FALSE)
		ON CONFLICT (provider_id, model_id, period_type, period_start) DO UPDATE
		SET current_spending = 0, disabled = FALSE, period_end = EXCLUDED.period_end, updated_at = NOW()
	`
	_, err := r.sql.ExecContext(ctx, query, providerID, modelID, periodType, start, end)
	return err
}
