package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func TestPricingCache_MissIsNilNil(t *testing.T) {
	_, rdb := testRedis(t)
	cache := NewPricingCache(rdb)

	p, err := cache.GetPricing(context.Background(), "claude-3")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestPricingCache_RoundTrip(t *testing.T) {
	mr, rdb := testRedis(t)
	cache := NewPricingCache(rdb)
	ctx := context.Background()

	in := &domain.ModelPricing{ModelID: "claude-3", Provider: "anthropic", PromptPerM: 3, CompletionPerM: 15}
	require.NoError(t, cache.SetPricing(ctx, in))

	out, err := cache.GetPricing(ctx, "claude-3")
	require.NoError(t, err)
	require.Equal(t, "anthropic", out.Provider)
	require.Equal(t, 3.0, out.PromptPerM)
	require.Equal(t, 15.0, out.CompletionPerM)

	// TTL lands inside the jitter band around 30 minutes.
	ttl := mr.TTL("pricing:claude-3")
	require.Greater(t, ttl, 27*time.Minute)
	require.Less(t, ttl, 33*time.Minute)
}

func TestPricingCache_ModelListRoundTrip(t *testing.T) {
	_, rdb := testRedis(t)
	cache := NewPricingCache(rdb)
	ctx := context.Background()

	models, err := cache.GetModelList(ctx, "openai")
	require.NoError(t, err)
	require.Nil(t, models)

	in := []domain.ModelPricing{
		{ModelID: "gpt-4o", Provider: "openai", PromptPerM: 2.5, CompletionPerM: 10},
		{ModelID: "gpt-4o-mini", Provider: "openai", PromptPerM: 0.15, CompletionPerM: 0.6},
	}
	require.NoError(t, cache.SetModelList(ctx, "openai", in))

	models, err = cache.GetModelList(ctx, "openai")
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "gpt-4o", models[0].ModelID)
}
