package domain

import (
	"fmt"
	"time"
)

// UserRequest is one query flowing through the council pipeline.
type UserRequest struct {
	ID             string               `json:"id"`
	Query          string               `json:"query"`
	SessionID      string               `json:"session_id,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Context        *ConversationContext `json:"context,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// ConversationContext carries prior turns supplied by the caller.
type ConversationContext struct {
	Messages       []ContextMessage `json:"messages"`
	ApproxTokens   int              `json:"approx_tokens"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

type ContextMessage struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// CouncilMember is a configured (provider, model) endpoint.
type CouncilMember struct {
	ID             string      `json:"id"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	Version        string      `json:"version,omitempty"`
	Weight         float64     `json:"weight"` // [0,1]; 0 means "unset", renormalized at synthesis
	TimeoutSeconds int         `json:"timeout_seconds"`
	RetryPolicy    RetryPolicy `json:"retry_policy"`
}

// RetryPolicy governs the provider pool's retry loop for one member.
type RetryPolicy struct {
	MaxAttempts         int         `json:"max_attempts"`
	InitialDelayMs      int         `json:"initial_delay_ms"`
	MaxDelayMs          int         `json:"max_delay_ms"`
	BackoffMultiplier   float64     `json:"backoff_multiplier"`
	RetryableErrorCodes []ErrorCode `json:"retryable_error_codes"`
}

// Retryable reports whether the policy retries the given code.
func (p RetryPolicy) Retryable(code ErrorCode) bool {
	for _, c := range p.RetryableErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// TokenUsage totals are prompt + completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Exchange is one member's contribution to a deliberation round. Round 0
// exchanges are the initial fan-out responses.
type Exchange struct {
	MemberID     string        `json:"member_id"`
	RoundNumber  int           `json:"round_number"`
	Content      string        `json:"content"`
	Usage        TokenUsage    `json:"usage"`
	Latency      time.Duration `json:"latency"`
	ReferencesTo []string      `json:"references_to,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// DeliberationRound holds all exchanges for one round number.
// Exchanges are persisted sorted by timestamp ascending.
type DeliberationRound struct {
	RoundNumber int        `json:"round_number"`
	Exchanges   []Exchange `json:"exchanges"`
}

// DeliberationThread is the full ordered history of a request.
// Round 0 is the initial fan-out.
type DeliberationThread struct {
	RequestID string              `json:"request_id"`
	Rounds    []DeliberationRound `json:"rounds"`
}

// NegotiationResponse is a member's output in one negotiation round; it is the
// unit over which semantic similarity is measured.
type NegotiationResponse struct {
	MemberID    string    `json:"member_id"`
	RoundNumber int       `json:"round_number"`
	Content     string    `json:"content"`
	TokenCount  int       `json:"token_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConsensusDecision is the terminal output of a council request.
type ConsensusDecision struct {
	Content             string    `json:"content"`
	Confidence          string    `json:"confidence"` // high | medium | low
	AgreementLevel      float64   `json:"agreement_level"`
	SynthesisStrategy   string    `json:"synthesis_strategy"`
	ContributingMembers []string  `json:"contributing_members"`
	FallbackReason      string    `json:"fallback_reason,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// ConfidenceForAgreement maps an agreement level onto the confidence scale.
// agreement == 1 is always high; below 0.5 is always low.
func ConfidenceForAgreement(agreement float64) string {
	switch {
	case agreement >= 1:
		return ConfidenceHigh
	case agreement < 0.5:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// MemberWeight is one entry of an ordered weight map. Weight maps serialize to
// JSON as arrays of pairs so member order survives round-trips.
type MemberWeight struct {
	MemberID string  `json:"member_id"`
	Weight   float64 `json:"weight"`
}

// CouncilConfig defines the fleet participating in a request.
type CouncilConfig struct {
	Members                    []CouncilMember `json:"members"`
	MinimumSize                int             `json:"minimum_size"`
	RequireMinimumForConsensus bool            `json:"require_minimum_for_consensus"`
}

// MemberByID returns the configured member with the given id.
func (c CouncilConfig) MemberByID(id string) (CouncilMember, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return CouncilMember{}, false
}

// DeliberationConfig controls critique rounds after the initial fan-out.
type DeliberationConfig struct {
	Rounds int `json:"rounds"`
}

// SynthesisConfig selects the strategy that turns exchanges into a decision.
type SynthesisConfig struct {
	Strategy string         `json:"strategy"`
	Weights  []MemberWeight `json:"weights,omitempty"`
}

// IterativeConsensusConfig parameterizes the negotiation loop.
type IterativeConsensusConfig struct {
	MaxRounds          int      `json:"max_rounds"`
	AgreementThreshold float64  `json:"agreement_threshold"`
	DeadlockWindow     int      `json:"deadlock_window"`
	DeadlockTolerance  float64  `json:"deadlock_tolerance"`
	NegotiationMode    string   `json:"negotiation_mode"`
	MemberOrder        []string `json:"member_order,omitempty"` // sequential mode ordering
	EmbeddingModel     string   `json:"embedding_model"`
	PromptTemplate     string   `json:"prompt_template,omitempty"`
}

// PerformanceConfig carries the global request deadline.
type PerformanceConfig struct {
	GlobalTimeoutSeconds int `json:"global_timeout_seconds"`
}

// TransparencyConfig controls how much attribution detail reaches prompts.
type TransparencyConfig struct {
	AttributeMembers bool `json:"attribute_members"`
}

// RequestConfig is the immutable config snapshot one request runs under.
type RequestConfig struct {
	Council      CouncilConfig            `json:"council"`
	Deliberation DeliberationConfig       `json:"deliberation"`
	Synthesis    SynthesisConfig          `json:"synthesis"`
	Iterative    IterativeConsensusConfig `json:"iterative_consensus"`
	Performance  PerformanceConfig        `json:"performance"`
	Transparency TransparencyConfig       `json:"transparency"`
}

// Validate checks the structural invariants of a config snapshot.
func (c RequestConfig) Validate() error {
	if len(c.Council.Members) == 0 {
		return fmt.Errorf("council: at least one member is required")
	}
	seen := make(map[string]struct{}, len(c.Council.Members))
	for _, m := range c.Council.Members {
		if m.ID == "" {
			return fmt.Errorf("council: member id is required")
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("council: duplicate member id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.TimeoutSeconds <= 0 {
			return fmt.Errorf("council: member %s: timeout_seconds must be > 0", m.ID)
		}
		if m.Weight < 0 || m.Weight > 1 {
			return fmt.Errorf("council: member %s: weight must be in [0,1]", m.ID)
		}
		if err := m.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("council: member %s: %w", m.ID, err)
		}
	}
	if c.Deliberation.Rounds < 0 {
		return fmt.Errorf("deliberation: rounds must be >= 0")
	}
	switch c.Synthesis.Strategy {
	case StrategyConsensusExtraction, StrategyWeightedFusion, StrategyMetaSynthesis, StrategyIterativeConsensus:
	default:
		return fmt.Errorf("synthesis: unknown strategy %q", c.Synthesis.Strategy)
	}
	if c.Synthesis.Strategy == StrategyIterativeConsensus {
		if err := c.Iterative.Validate(); err != nil {
			return err
		}
	}
	if c.Performance.GlobalTimeoutSeconds <= 0 {
		return fmt.Errorf("performance: global_timeout_seconds must be > 0")
	}
	return nil
}

// Validate checks the retry policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry_policy: max_attempts must be > 0")
	}
	if p.InitialDelayMs < 0 {
		return fmt.Errorf("retry_policy: initial_delay_ms must be >= 0")
	}
	if p.MaxDelayMs < p.InitialDelayMs {
		return fmt.Errorf("retry_policy: max_delay_ms must be >= initial_delay_ms")
	}
	if p.BackoffMultiplier <= 1 {
		return fmt.Errorf("retry_policy: backoff_multiplier must be > 1")
	}
	return nil
}

// Validate checks the negotiation loop parameters.
func (c IterativeConsensusConfig) Validate() error {
	if c.MaxRounds < 1 {
		return fmt.Errorf("iterative_consensus: max_rounds must be >= 1")
	}
	if c.AgreementThreshold < 0 || c.AgreementThreshold > 1 {
		return fmt.Errorf("iterative_consensus: agreement_threshold must be in [0,1]")
	}
	if c.DeadlockWindow < 2 {
		return fmt.Errorf("iterative_consensus: deadlock_window must be >= 2")
	}
	if c.DeadlockTolerance < 0 {
		return fmt.Errorf("iterative_consensus: deadlock_tolerance must be >= 0")
	}
	switch c.NegotiationMode {
	case NegotiationModeParallel, NegotiationModeSequential:
	default:
		return fmt.Errorf("iterative_consensus: unknown negotiation_mode %q", c.NegotiationMode)
	}
	return nil
}

// DefaultIterativeConsensusConfig returns the documented loop defaults.
func DefaultIterativeConsensusConfig() IterativeConsensusConfig {
	return IterativeConsensusConfig{
		MaxRounds:          5,
		AgreementThreshold: 0.85,
		DeadlockWindow:     3,
		DeadlockTolerance:  0.01,
		NegotiationMode:    NegotiationModeParallel,
		EmbeddingModel:     "text-embedding-3-small",
	}
}
