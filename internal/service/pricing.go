package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

// PricingRepository reads the model_pricing table.
type PricingRepository interface {
	GetPricing(ctx context.Context, modelID string) (*domain.ModelPricing, error)
	ListByProvider(ctx context.Context, provider string) ([]domain.ModelPricing, error)
}

// PricingCache fronts the repository with redis (pricing:{id},
// model:{provider}:list).
type PricingCache interface {
	GetPricing(ctx context.Context, modelID string) (*domain.ModelPricing, error)
	SetPricing(ctx context.Context, pricing *domain.ModelPricing) error
	GetModelList(ctx context.Context, provider string) ([]domain.ModelPricing, error)
	SetModelList(ctx context.Context, provider string, models []domain.ModelPricing) error
}

// PricingService resolves model prices cache-first. Unknown models price at
// zero with a warning so a missing pricing row never blocks a request.
type PricingService struct {
	repo  PricingRepository
	cache PricingCache

	// DefaultEstimate is charged at admission when no pricing resolves.
	DefaultEstimate float64
}

func NewPricingService(repo PricingRepository, cache PricingCache, defaultEstimate float64) *PricingService {
	return &PricingService{repo: repo, cache: cache, DefaultEstimate: defaultEstimate}
}

// Resolve returns pricing for the model, consulting cache then storage. A nil
// return with nil error means the model is unpriced.
func (s *PricingService) Resolve(ctx context.Context, modelID string) (*domain.ModelPricing, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetPricing(ctx, modelID); err == nil && cached != nil {
			return cached, nil
		}
	}
	pricing, err := s.repo.GetPricing(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		return nil, nil
	}
	if s.cache != nil {
		if err := s.cache.SetPricing(ctx, pricing); err != nil {
			logger.L().Warn("pricing: cache write failed", zap.String("model", modelID), zap.Error(err))
		}
	}
	return pricing, nil
}

// ModelsForProvider lists priced models for a provider, cache-first.
func (s *PricingService) ModelsForProvider(ctx context.Context, provider string) ([]domain.ModelPricing, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetModelList(ctx, provider); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}
	models, err := s.repo.ListByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && len(models) > 0 {
		if err := s.cache.SetModelList(ctx, provider, models); err != nil {
			logger.L().Warn("pricing: model list cache write failed", zap.String("provider", provider), zap.Error(err))
		}
	}
	return models, nil
}

// EstimateRequestCost predicts one member call's cost for admission gating.
// Prompt tokens approximate the query plus context; completion assumes a
// 1000-token budget. Falls back to the configured default when unpriced.
func (s *PricingService) EstimateRequestCost(ctx context.Context, member domain.CouncilMember, req *domain.UserRequest) float64 {
	pricing, err := s.Resolve(ctx, member.Model)
	if err != nil || pricing == nil {
		if err != nil {
			logger.L().Warn("pricing: resolve failed, using default estimate",
				zap.String("model", member.Model), zap.Error(err))
		}
		return s.DefaultEstimate
	}
	promptTokens := len(req.Query) / 4
	if req.Context != nil {
		promptTokens += req.Context.ApproxTokens
	}
	usage := domain.TokenUsage{PromptTokens: promptTokens, CompletionTokens: 1000}
	return CalculateCost(usage, *pricing)
}

// ActualCost prices realized token usage, zero when the model is unpriced.
func (s *PricingService) ActualCost(ctx context.Context, member domain.CouncilMember, usage domain.TokenUsage) float64 {
	pricing, err := s.Resolve(ctx, member.Model)
	if err != nil || pricing == nil {
		if err != nil {
			logger.L().Warn("pricing: resolve failed, costing zero",
				zap.String("model", member.Model), zap.Error(err))
		}
		return 0
	}
	return CalculateCost(usage, *pricing)
}
