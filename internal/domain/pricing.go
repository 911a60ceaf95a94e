package domain

// ModelPricing carries per-million-token prices for one model.
type ModelPricing struct {
	ModelID         string  `json:"model_id"`
	Provider        string  `json:"provider"`
	PromptPerM      float64 `json:"prompt_per_m"`     // USD per 1M prompt tokens
	CompletionPerM  float64 `json:"completion_per_m"` // USD per 1M completion tokens
	Currency        string  `json:"currency,omitempty"`
	SourceUpdatedAt string  `json:"source_updated_at,omitempty"`
}

// MemberCost is one member's realized cost for a request.
type MemberCost struct {
	MemberID string  `json:"member_id"`
	Provider string  `json:"provider"`
	Cost     float64 `json:"cost"`
}

// CostBreakdown aggregates member costs by total, provider, and member.
type CostBreakdown struct {
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByMember   map[string]float64 `json:"by_member"`
}
