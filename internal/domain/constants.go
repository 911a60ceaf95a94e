package domain

// Provider platform constants. OpenAI-compatible upstreams register under
// their configured names.
const (
	PlatformAnthropic = "anthropic"
	PlatformOpenAI    = "openai"
)

// Terminal request statuses. In-flight state lives in the idempotency record,
// not the request row.
const (
	RequestStatusCompleted = "completed"
	RequestStatusFailed    = "failed"
	RequestStatusTimedOut  = "timed_out"
)

// Confidence levels attached to a consensus decision.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Synthesis strategy tags
const (
	StrategyConsensusExtraction = "consensus-extraction"
	StrategyWeightedFusion      = "weighted-fusion"
	StrategyMetaSynthesis       = "meta-synthesis"
	StrategyIterativeConsensus  = "iterative-consensus"
)

// Fallback reasons recorded when the iterative synthesizer cannot converge.
const (
	FallbackReasonDeadlock         = "deadlock"
	FallbackReasonExhaustion       = "exhaustion"
	FallbackReasonEmbeddingFailure = "embedding-failure"
)

// Negotiation execution modes
const (
	NegotiationModeParallel   = "parallel"
	NegotiationModeSequential = "sequential"
)

// Budget period types
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Provider health statuses
const (
	ProviderHealthy  = "healthy"
	ProviderDegraded = "degraded"
	ProviderDisabled = "disabled"
)

// Tool adapter tags
const (
	ToolAdapterFunction = "function"
	ToolAdapterHTTP     = "http"
)

// Tool parameter types
const (
	ParamTypeString  = "string"
	ParamTypeNumber  = "number"
	ParamTypeBoolean = "boolean"
	ParamTypeObject  = "object"
	ParamTypeArray   = "array"
)

// Message roles sent to providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
