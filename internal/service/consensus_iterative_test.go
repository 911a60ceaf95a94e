package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

// fakeEmbedder returns one scripted vector set per Embed call; the last set
// repeats once the script runs out.
type fakeEmbedder struct {
	mu   sync.Mutex
	seq  [][][]float64
	call int
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	idx := f.call
	if idx >= len(f.seq) {
		idx = len(f.seq) - 1
	}
	f.call++
	vecs := f.seq[idx]
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("fake embedder scripted %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

type fakeInvoker struct {
	mu      sync.Mutex
	prompts []string
	respond func(member domain.CouncilMember, prompt string) (*ProviderResponse, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, member domain.CouncilMember, prompt string, _ *domain.ConversationContext) (*ProviderResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.respond(member, prompt)
}

// pairVectors builds two unit vectors whose cosine similarity is cos.
func pairVectors(cos float64) [][]float64 {
	return [][]float64{
		{1, 0},
		{cos, math.Sqrt(1 - cos*cos)},
	}
}

func testMembers(ids ...string) []domain.CouncilMember {
	out := make([]domain.CouncilMember, len(ids))
	for i, id := range ids {
		out[i] = domain.CouncilMember{ID: id, Provider: "anthropic", Model: "m", TimeoutSeconds: 30}
	}
	return out
}

func initialResponses(ids ...string) []domain.NegotiationResponse {
	out := make([]domain.NegotiationResponse, len(ids))
	for i, id := range ids {
		out[i] = domain.NegotiationResponse{MemberID: id, RoundNumber: 0, Content: "initial-" + id}
	}
	return out
}

func iterCfg() domain.IterativeConsensusConfig {
	return domain.IterativeConsensusConfig{
		MaxRounds:          5,
		AgreementThreshold: 0.85,
		DeadlockWindow:     3,
		DeadlockTolerance:  0.01,
		NegotiationMode:    domain.NegotiationModeParallel,
		EmbeddingModel:     "text-embedding-3-small",
	}
}

func TestIterativeSynthesizer_ConvergesAfterOneRound(t *testing.T) {
	embedder := &fakeEmbedder{seq: [][][]float64{
		pairVectors(0.1),
		pairVectors(0.95),
	}}
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		return &ProviderResponse{Content: "agreed answer from " + m.ID, Success: true}, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	decision, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), iterCfg(), nil)
	require.NoError(t, err)

	require.True(t, trace.Converged)
	require.Equal(t, 1, trace.RoundsExecuted)
	require.Equal(t, []float64{0.95}, roundTo(trace.SimilarityHistory, 2))
	require.Empty(t, trace.FallbackReason)

	require.Equal(t, domain.StrategyIterativeConsensus, decision.SynthesisStrategy)
	require.Equal(t, domain.ConfidenceHigh, decision.Confidence)
	require.InDelta(t, 0.95, decision.AgreementLevel, 1e-6)
	require.Equal(t, []string{"claude", "gpt"}, decision.ContributingMembers)
	require.Contains(t, decision.Content, "agreed answer")
}

func TestIterativeSynthesizer_AlreadyConvergedSkipsRounds(t *testing.T) {
	embedder := &fakeEmbedder{seq: [][][]float64{pairVectors(0.99)}}
	invoker := &fakeInvoker{respond: func(domain.CouncilMember, string) (*ProviderResponse, error) {
		t.Fatal("invoker must not be called when initial responses already agree")
		return nil, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	decision, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), iterCfg(), nil)
	require.NoError(t, err)
	require.True(t, trace.Converged)
	require.Zero(t, trace.RoundsExecuted)
	require.Equal(t, domain.ConfidenceHigh, decision.Confidence)
}

func TestIterativeSynthesizer_DeadlockFallsBackToFusion(t *testing.T) {
	embedder := &fakeEmbedder{seq: [][][]float64{
		pairVectors(0.1),   // initial
		pairVectors(0.700), // round 1
		pairVectors(0.701), // round 2
		pairVectors(0.702), // round 3: window stalls below threshold
	}}
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		return &ProviderResponse{Content: "stuck position of " + m.ID, Success: true}, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	decision, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), iterCfg(), nil)
	require.NoError(t, err)

	require.False(t, trace.Converged)
	require.Equal(t, 3, trace.RoundsExecuted)
	require.Equal(t, domain.FallbackReasonDeadlock, trace.FallbackReason)
	require.Len(t, trace.SimilarityHistory, 3)

	require.Equal(t, domain.StrategyWeightedFusion, decision.SynthesisStrategy)
	require.Equal(t, domain.ConfidenceLow, decision.Confidence)
	require.Equal(t, domain.FallbackReasonDeadlock, decision.FallbackReason)
	require.InDelta(t, 0.702, decision.AgreementLevel, 1e-6)
	require.Contains(t, decision.Content, "stuck position of claude")
	require.Contains(t, decision.Content, "stuck position of gpt")
}

func TestIterativeSynthesizer_EmbeddingFailureFallsBackImmediately(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedding upstream down")}
	invoker := &fakeInvoker{respond: func(domain.CouncilMember, string) (*ProviderResponse, error) {
		t.Fatal("no negotiation rounds may run after an embedding failure")
		return nil, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	decision, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), iterCfg(), nil)
	require.NoError(t, err)

	require.Equal(t, domain.FallbackReasonEmbeddingFailure, trace.FallbackReason)
	require.Zero(t, trace.RoundsExecuted)
	require.Equal(t, domain.ConfidenceLow, decision.Confidence)
	require.Equal(t, domain.FallbackReasonEmbeddingFailure, decision.FallbackReason)
	require.Zero(t, decision.AgreementLevel)
}

func TestIterativeSynthesizer_ExhaustionAfterMaxRounds(t *testing.T) {
	cfg := iterCfg()
	cfg.MaxRounds = 2

	embedder := &fakeEmbedder{seq: [][][]float64{
		pairVectors(0.1),
		pairVectors(0.3),
		pairVectors(0.5),
	}}
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		return &ProviderResponse{Content: "revision of " + m.ID, Success: true}, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	decision, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), cfg, nil)
	require.NoError(t, err)

	require.False(t, trace.Converged)
	require.Equal(t, 2, trace.RoundsExecuted)
	require.Equal(t, domain.FallbackReasonExhaustion, trace.FallbackReason)
	require.Equal(t, domain.FallbackReasonExhaustion, decision.FallbackReason)
	require.InDelta(t, 0.5, decision.AgreementLevel, 1e-6)
}

func TestIterativeSynthesizer_FailedMemberCarriesPreviousResponse(t *testing.T) {
	cfg := iterCfg()
	cfg.MaxRounds = 1

	embedder := &fakeEmbedder{seq: [][][]float64{
		pairVectors(0.1),
		pairVectors(0.2),
	}}
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		if m.ID == "gpt" {
			return nil, errors.New("provider down")
		}
		return &ProviderResponse{Content: "revised-claude", Success: true}, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	_, trace, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), cfg, nil)
	require.NoError(t, err)

	byID := make(map[string]domain.NegotiationResponse)
	for _, r := range trace.FinalResponses {
		byID[r.MemberID] = r
	}
	require.Equal(t, "revised-claude", byID["claude"].Content)
	require.Equal(t, "initial-gpt", byID["gpt"].Content, "failed member keeps its previous response")
}

func TestIterativeSynthesizer_SequentialModeShowsEarlierRevisions(t *testing.T) {
	cfg := iterCfg()
	cfg.NegotiationMode = domain.NegotiationModeSequential
	cfg.MemberOrder = []string{"claude", "gpt"}

	embedder := &fakeEmbedder{seq: [][][]float64{
		pairVectors(0.1),
		pairVectors(0.99),
	}}
	invoker := &fakeInvoker{respond: func(m domain.CouncilMember, _ string) (*ProviderResponse, error) {
		return &ProviderResponse{Content: "sequential-revision-" + m.ID, Success: true}, nil
	}}
	s := NewIterativeSynthesizer(invoker, embedder)

	_, _, err := s.Synthesize(context.Background(), "q",
		testMembers("claude", "gpt"), initialResponses("claude", "gpt"), cfg, nil)
	require.NoError(t, err)

	require.Len(t, invoker.prompts, 2)
	require.NotContains(t, invoker.prompts[0], "sequential-revision-claude")
	require.Contains(t, invoker.prompts[1], "sequential-revision-claude",
		"the second member must see the first member's revision from the same round")
}

func TestIterativeSynthesizer_RejectsEmptyInputs(t *testing.T) {
	s := NewIterativeSynthesizer(&fakeInvoker{}, &fakeEmbedder{})

	_, _, err := s.Synthesize(context.Background(), "q", nil, initialResponses("claude"), iterCfg(), nil)
	require.ErrorIs(t, err, ErrNoNegotiators)

	_, _, err = s.Synthesize(context.Background(), "q", testMembers("claude"), nil, iterCfg(), nil)
	require.ErrorIs(t, err, ErrNoNegotiators)
}

func TestIterativeSynthesizer_RejectsInvalidConfig(t *testing.T) {
	cfg := iterCfg()
	cfg.MaxRounds = 0
	s := NewIterativeSynthesizer(&fakeInvoker{}, &fakeEmbedder{seq: [][][]float64{pairVectors(1)}})

	_, _, err := s.Synthesize(context.Background(), "q",
		testMembers("claude"), initialResponses("claude"), cfg, nil)
	require.Error(t, err)
}

func TestIsDeadlocked(t *testing.T) {
	cfg := domain.IterativeConsensusConfig{
		AgreementThreshold: 0.85,
		DeadlockWindow:     3,
		DeadlockTolerance:  0.01,
	}

	require.False(t, isDeadlocked([]float64{0.70, 0.701}, cfg), "window not yet full")
	require.True(t, isDeadlocked([]float64{0.70, 0.701, 0.702}, cfg))
	require.False(t, isDeadlocked([]float64{0.70, 0.75, 0.80}, cfg), "still moving")
	require.False(t, isDeadlocked([]float64{0.86, 0.861, 0.862}, cfg), "stalled above threshold is not deadlock")
}

func roundTo(in []float64, places int) []float64 {
	factor := math.Pow(10, float64(places))
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = math.Round(v*factor) / factor
	}
	return out
}
