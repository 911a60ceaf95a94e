package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
)

type memAuditRepo struct {
	mu       sync.Mutex
	statuses []string
	decision *domain.ConsensusDecision
	threads  []domain.DeliberationThread
	costs    []domain.MemberCost
}

func (r *memAuditRepo) SaveRequest(_ context.Context, _ domain.UserRequest, status string, decision *domain.ConsensusDecision, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	r.decision = decision
	return nil
}

func (r *memAuditRepo) SaveThread(_ context.Context, thread domain.DeliberationThread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = append(r.threads, thread)
	return nil
}

func (r *memAuditRepo) SaveCosts(_ context.Context, _ string, costs []domain.MemberCost) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs = append(r.costs, costs...)
	return nil
}

// textEmbedder maps each text to a fixed vector; unmapped texts share one
// direction so they read as identical.
type textEmbedder struct {
	byText map[string][]float64
}

func (f *textEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := f.byText[text]; ok {
			out[i] = v
			continue
		}
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func orchMembers(ids ...string) []domain.CouncilMember {
	out := make([]domain.CouncilMember, len(ids))
	for i, id := range ids {
		out[i] = domain.CouncilMember{
			ID:             id,
			Provider:       "anthropic",
			Model:          "claude-3",
			TimeoutSeconds: 5,
			RetryPolicy: domain.RetryPolicy{
				MaxAttempts:       1,
				InitialDelayMs:    1,
				MaxDelayMs:        1,
				BackoffMultiplier: 2,
			},
		}
	}
	return out
}

func orchConfig(memberIDs ...string) domain.RequestConfig {
	return domain.RequestConfig{
		Council: domain.CouncilConfig{
			Members:                    orchMembers(memberIDs...),
			MinimumSize:                2,
			RequireMinimumForConsensus: true,
		},
		Synthesis:    domain.SynthesisConfig{Strategy: domain.StrategyConsensusExtraction},
		Iterative:    domain.IterativeConsensusConfig{EmbeddingModel: "text-embedding-3-small"},
		Performance:  domain.PerformanceConfig{GlobalTimeoutSeconds: 30},
		Transparency: domain.TransparencyConfig{AttributeMembers: true},
	}
}

type orchFixture struct {
	orch    *Orchestrator
	cache   *memCoordinationCache
	budget  *memBudgetRepo
	audit   *memAuditRepo
	invoker *fakeInvoker
}

func newOrchFixture(invoker *fakeInvoker, embedder EmbeddingClient) *orchFixture {
	f := &orchFixture{
		cache:   newMemCoordinationCache(),
		budget:  newMemBudgetRepo(),
		audit:   &memAuditRepo{},
		invoker: invoker,
	}
	idem := NewIdempotencyService(f.cache, time.Hour)
	budget := NewBudgetService(f.budget, time.UTC)
	pricing := NewPricingService(&memPricingRepo{pricing: map[string]*domain.ModelPricing{}}, nil, 10)
	synth := NewSynthesisService(embedder, invoker)
	iter := NewIterativeSynthesizer(invoker, embedder)
	f.orch = NewOrchestrator(idem, budget, pricing, invoker, synth, iter, f.audit)
	return f
}

func answeringInvoker() *fakeInvoker {
	return &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		return &ProviderResponse{
			Content: "answer from " + m.ID,
			Usage:   domain.TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			Success: true,
		}, nil
	}}
}

func TestOrchestrator_HappyPathConsensusExtraction(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})

	result, err := f.orch.Execute(context.Background(),
		domain.UserRequest{Query: "what is the answer?"}, orchConfig("claude", "gpt", "gemini"))
	require.NoError(t, err)

	require.Equal(t, domain.RequestStatusCompleted, result.Status)
	require.False(t, result.FromCache)
	require.NotEmpty(t, result.RequestID)
	require.NotNil(t, result.Decision)
	// All vectors identical, so the tie-break promotes the lexicographically
	// smallest member id.
	require.Equal(t, "answer from claude", result.Decision.Content)
	require.Equal(t, []string{"claude", "gemini", "gpt"}, result.Decision.ContributingMembers)
	require.Equal(t, domain.ConfidenceHigh, result.Decision.Confidence)

	require.Equal(t, []string{domain.RequestStatusCompleted}, f.audit.statuses)
	require.Len(t, f.audit.threads, 1)
	require.Len(t, f.audit.threads[0].Rounds, 1, "round 0 only when deliberation rounds are 0")
	require.Len(t, f.audit.threads[0].Rounds[0].Exchanges, 3)
}

func TestOrchestrator_RejectsInvalidConfig(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})
	cfg := orchConfig("claude", "gpt")
	cfg.Council.Members = nil

	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, cfg)
	require.Error(t, err)
	require.Equal(t, "CONFIG_INVALID", infraerrors.Reason(err))
}

func TestOrchestrator_CritiqueRounds(t *testing.T) {
	invoker := answeringInvoker()
	f := newOrchFixture(invoker, &textEmbedder{})

	cfg := orchConfig("claude", "gpt")
	cfg.Deliberation.Rounds = 1

	result, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, cfg)
	require.NoError(t, err)
	require.Equal(t, domain.RequestStatusCompleted, result.Status)

	require.Len(t, invoker.prompts, 4, "2 members x (fan-out + 1 critique round)")
	require.Len(t, f.audit.threads[0].Rounds, 2)

	// Critique exchanges reference the prior-round authors they were shown,
	// excluding the critic itself.
	for _, e := range f.audit.threads[0].Rounds[1].Exchanges {
		want := "gpt"
		if e.MemberID == "gpt" {
			want = "claude"
		}
		require.Equal(t, []string{want}, e.ReferencesTo)
	}
	for _, e := range f.audit.threads[0].Rounds[0].Exchanges {
		require.Empty(t, e.ReferencesTo, "round 0 responds to nothing")
	}

	// Critique prompts attribute prior responses by member id.
	var critiques int
	for _, p := range invoker.prompts {
		if p != "q" {
			require.Contains(t, p, "[claude]: answer from claude")
			critiques++
		}
	}
	require.Equal(t, 2, critiques)
}

func TestOrchestrator_BudgetDenialExcludesCouncil(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})
	model := "claude-3"
	f.budget.caps = []domain.BudgetCap{dailyCap("anthropic", &model, 100)}
	f.budget.seedSpending("anthropic", &model, domain.PeriodDaily, 95, false)

	// Default estimate is 10; 95 + 10 > 100 denies every member.
	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, orchConfig("claude", "gpt"))
	require.ErrorIs(t, err, ErrInsufficientCouncil)
	require.Equal(t, []string{domain.RequestStatusFailed}, f.audit.statuses)
}

func TestOrchestrator_DisabledScopeExcludesMember(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})
	model := "claude-3"
	f.budget.seedSpending("anthropic", &model, domain.PeriodDaily, 0, true)

	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, orchConfig("claude", "gpt"))
	require.ErrorIs(t, err, ErrInsufficientCouncil)
}

func TestOrchestrator_NoSurvivors(t *testing.T) {
	invoker := &fakeInvoker{respond: func(domain.CouncilMember, string) (*ProviderResponse, error) {
		return nil, errors.New("provider down")
	}}
	f := newOrchFixture(invoker, &textEmbedder{})

	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, orchConfig("claude", "gpt"))
	require.ErrorIs(t, err, ErrNoSurvivors)
}

func TestOrchestrator_BelowMinimumAfterFanOut(t *testing.T) {
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		if m.ID != "claude" {
			return nil, errors.New("down")
		}
		return &ProviderResponse{Content: "only claude", Success: true}, nil
	}}
	f := newOrchFixture(invoker, &textEmbedder{})

	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, orchConfig("claude", "gpt", "gemini"))
	require.ErrorIs(t, err, ErrInsufficientCouncil)
}

func TestOrchestrator_GlobalTimeout(t *testing.T) {
	invoker := &fakeInvoker{respond: func(domain.CouncilMember, string) (*ProviderResponse, error) {
		time.Sleep(1500 * time.Millisecond)
		return nil, errors.New("too slow")
	}}
	f := newOrchFixture(invoker, &textEmbedder{})

	cfg := orchConfig("claude", "gpt")
	cfg.Performance.GlobalTimeoutSeconds = 1

	start := time.Now()
	_, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, cfg)
	require.ErrorIs(t, err, ErrGlobalTimeout)
	require.Less(t, time.Since(start), 4*time.Second)
	require.Equal(t, []string{domain.RequestStatusTimedOut}, f.audit.statuses)
}

func TestOrchestrator_IdempotentReplay(t *testing.T) {
	invoker := answeringInvoker()
	f := newOrchFixture(invoker, &textEmbedder{})

	req := domain.UserRequest{Query: "q", IdempotencyKey: "order-1"}
	first, err := f.orch.Execute(context.Background(), req, orchConfig("claude", "gpt"))
	require.NoError(t, err)
	require.False(t, first.FromCache)
	callsAfterFirst := len(invoker.prompts)

	second, err := f.orch.Execute(context.Background(), req, orchConfig("claude", "gpt"))
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, first.RequestID, second.RequestID)
	require.Equal(t, first.Decision.Content, second.Decision.Content)
	require.Len(t, invoker.prompts, callsAfterFirst, "replay must not call providers")
}

func TestOrchestrator_IdempotentFailureReplay(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})
	require.NoError(t, f.cache.CacheError(context.Background(), "order-1", "req-0",
		&domain.ErrorResponse{Code: 503, Reason: "NO_SURVIVORS", Message: "every council member failed"}, time.Hour))

	_, err := f.orch.Execute(context.Background(),
		domain.UserRequest{Query: "q", IdempotencyKey: "order-1"}, orchConfig("claude", "gpt"))
	require.Error(t, err)
	require.Equal(t, "NO_SURVIVORS", infraerrors.Reason(err))
}

func TestOrchestrator_WaitsForConcurrentHolder(t *testing.T) {
	f := newOrchFixture(answeringInvoker(), &textEmbedder{})
	ctx := context.Background()

	require.NoError(t, f.cache.MarkInProgress(ctx, "order-1", "req-0", time.Hour))
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = f.cache.CacheResult(ctx, "order-1", "req-0",
			&domain.ConsensusDecision{Content: "from the other process"}, time.Hour)
	}()

	result, err := f.orch.Execute(ctx,
		domain.UserRequest{Query: "q", IdempotencyKey: "order-1"}, orchConfig("claude", "gpt"))
	require.NoError(t, err)
	require.True(t, result.FromCache)
	require.Equal(t, "req-0", result.RequestID)
	require.Equal(t, "from the other process", result.Decision.Content)
}

func TestOrchestrator_FailureIsCachedUnderKey(t *testing.T) {
	invoker := &fakeInvoker{respond: func(domain.CouncilMember, string) (*ProviderResponse, error) {
		return nil, errors.New("provider down")
	}}
	f := newOrchFixture(invoker, &textEmbedder{})

	_, err := f.orch.Execute(context.Background(),
		domain.UserRequest{Query: "q", IdempotencyKey: "order-1"}, orchConfig("claude", "gpt"))
	require.ErrorIs(t, err, ErrNoSurvivors)

	res, cerr := f.cache.CheckKey(context.Background(), "order-1")
	require.NoError(t, cerr)
	require.Equal(t, IdempotencyStatusFailed, res.Status)
	require.Equal(t, "NO_SURVIVORS", res.Record.ErrorResponse.Reason)
}

func TestOrchestrator_IterativeStrategy(t *testing.T) {
	invoker := answeringInvoker()
	f := newOrchFixture(invoker, &textEmbedder{})

	cfg := orchConfig("claude", "gpt")
	cfg.Synthesis.Strategy = domain.StrategyIterativeConsensus
	cfg.Iterative = domain.DefaultIterativeConsensusConfig()

	result, err := f.orch.Execute(context.Background(), domain.UserRequest{Query: "q"}, cfg)
	require.NoError(t, err)
	require.Equal(t, domain.StrategyIterativeConsensus, result.Decision.SynthesisStrategy)
	// Identical vectors converge on the initial responses without rounds.
	require.Len(t, invoker.prompts, 2)
}
