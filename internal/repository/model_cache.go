package repository

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

const (
	pricingKeyPrefix   = "pricing:"
	modelListKeyPrefix = "model:"

	pricingCacheTTL    = 30 * time.Minute
	pricingCacheJitter = 2 * time.Minute
)

// jitteredPricingTTL spreads expiry to avoid synchronized cache misses.
func jitteredPricingTTL() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(2*pricingCacheJitter))) - pricingCacheJitter
	return pricingCacheTTL + jitter
}

func pricingKey(modelID string) string {
	return pricingKeyPrefix + modelID
}

func modelListKey(provider string) string {
	return modelListKeyPrefix + provider + ":list"
}

type pricingCache struct {
	rdb *redis.Client
}

func NewPricingCache(rdb *redis.Client) service.PricingCache {
	return &pricingCache{rdb: rdb}
}

func (c *pricingCache) GetPricing(ctx context.Context, modelID string) (*domain.ModelPricing, error) {
	raw, err := c.rdb.Get(ctx, pricingKey(modelID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p domain.ModelPricing
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *pricingCache) SetPricing(ctx context.Context, pricing *domain.ModelPricing) error {
	raw, err := json.Marshal(pricing)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, pricingKey(pricing.ModelID), raw, jitteredPricingTTL()).Err()
}

func (c *pricingCache) GetModelList(ctx context.Context, provider string) ([]domain.ModelPricing, error) {
	raw, err := c.rdb.Get(ctx, modelListKey(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var models []domain.ModelPricing
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *pricingCache) SetModelList(ctx context.Context, provider string, models []domain.ModelPricing) error {
	raw, err := json.Marshal(models)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, modelListKey(provider), raw, jitteredPricingTTL()).Err()
}
