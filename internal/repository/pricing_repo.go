package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

type pricingRepository struct {
	sql sqlExecutor
}

func NewPricingRepository(sqlDB *sql.DB) service.PricingRepository {
	return &pricingRepository{sql: sqlDB}
}

func (r *pricingRepository) GetPricing(ctx context.Context, modelID string) (*domain.ModelPricing, error) {
	query := `
		SELECT model_id, provider, prompt_per_m, completion_per_m, currency
		FROM model_pricing
		WHERE model_id = $1
	`
	p := &domain.ModelPricing{}
	var currency sql.NullString
	err := scanSingleRow(ctx, r.sql, query, []any{modelID},
		&p.ModelID, &p.Provider, &p.PromptPerM, &p.CompletionPerM, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if currency.Valid {
		p.Currency = currency.String
	}
	return p, nil
}

func (r *pricingRepository) ListByProvider(ctx context.Context, provider string) ([]domain.ModelPricing, error) {
	query := `
		SELECT model_id, provider, prompt_per_m, completion_per_m, currency
		FROM model_pricing
		WHERE provider = $1
		ORDER BY model_id
	`
	rows, err := r.sql.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []domain.ModelPricing
	for rows.Next() {
		var p domain.ModelPricing
		var currency sql.NullString
		if err := rows.Scan(&p.ModelID, &p.Provider, &p.PromptPerM, &p.CompletionPerM, &currency); err != nil {
			return nil, err
		}
		if currency.Valid {
			p.Currency = currency.String
		}
		models = append(models, p)
	}
	return models, rows.Err()
}
