package service

import (
	"github.com/quorumlabs/councilproxy/internal/domain"
)

const tokensPerMillion = 1e6

// CalculateCost prices token usage against per-million-token rates. Zero
// tokens cost zero; cost is linear in tokens.
func CalculateCost(usage domain.TokenUsage, pricing domain.ModelPricing) float64 {
	prompt := float64(usage.PromptTokens) / tokensPerMillion * pricing.PromptPerM
	completion := float64(usage.CompletionTokens) / tokensPerMillion * pricing.CompletionPerM
	return prompt + completion
}

// AggregateCosts folds member costs into total / by-provider / by-member sums.
func AggregateCosts(costs []domain.MemberCost) domain.CostBreakdown {
	out := domain.CostBreakdown{
		ByProvider: make(map[string]float64),
		ByMember:   make(map[string]float64),
	}
	for _, c := range costs {
		out.Total += c.Cost
		out.ByProvider[c.Provider] += c.Cost
		out.ByMember[c.MemberID] += c.Cost
	}
	return out
}

// InfluenceScores normalizes member weights across the surviving members so
// the scores sum to 1. Members with no explicit weight share the remainder
// uniformly; with no weights at all every member gets 1/n.
func InfluenceScores(members []domain.CouncilMember, survivors []string) []domain.MemberWeight {
	if len(survivors) == 0 {
		return nil
	}
	inSurvivors := make(map[string]bool, len(survivors))
	for _, id := range survivors {
		inSurvivors[id] = true
	}

	weights := make([]domain.MemberWeight, 0, len(survivors))
	var sum float64
	for _, m := range members {
		if !inSurvivors[m.ID] {
			continue
		}
		w := m.Weight
		if w <= 0 {
			w = 1 / float64(len(survivors))
		}
		weights = append(weights, domain.MemberWeight{MemberID: m.ID, Weight: w})
		sum += w
	}
	if sum == 0 {
		for i := range weights {
			weights[i].Weight = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i].Weight /= sum
	}
	return weights
}
