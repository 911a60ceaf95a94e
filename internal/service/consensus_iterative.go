package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

// MemberInvoker sends one prompt to one member. *ProviderPool satisfies it;
// tests install scripted fakes.
type MemberInvoker interface {
	Invoke(ctx context.Context, member domain.CouncilMember, prompt string, convCtx *domain.ConversationContext) (*ProviderResponse, error)
}

var ErrNoNegotiators = infraerrors.InternalServer("NO_NEGOTIATORS", "no members available for negotiation")

// NegotiationTrace records how the loop terminated, for auditing.
type NegotiationTrace struct {
	RoundsExecuted    int                          `json:"rounds_executed"`
	SimilarityHistory []float64                    `json:"similarity_history"`
	FinalResponses    []domain.NegotiationResponse `json:"final_responses"`
	Converged         bool                         `json:"converged"`
	FallbackReason    string                       `json:"fallback_reason,omitempty"`
}

// IterativeSynthesizer drives the bounded negotiation loop: members revise
// their answers round by round until every response pair clears the agreement
// threshold, the loop stalls inside the deadlock window, or the round cap is
// reached.
type IterativeSynthesizer struct {
	invoker  MemberInvoker
	embedder EmbeddingClient
	examples []NegotiationExample
}

func NewIterativeSynthesizer(invoker MemberInvoker, embedder EmbeddingClient) *IterativeSynthesizer {
	return &IterativeSynthesizer{invoker: invoker, embedder: embedder}
}

// SetExamples installs the historical disagreement examples offered to
// members during negotiation. At most two reach any single prompt.
func (s *IterativeSynthesizer) SetExamples(examples []NegotiationExample) {
	s.examples = examples
}

// Synthesize runs negotiation rounds over the initial responses and returns
// the consensus decision plus the trace. Weights parameterize the fusion
// fallback; nil weights mean uniform.
func (s *IterativeSynthesizer) Synthesize(ctx context.Context, query string, members []domain.CouncilMember, initial []domain.NegotiationResponse, cfg domain.IterativeConsensusConfig, weights []domain.MemberWeight) (*domain.ConsensusDecision, *NegotiationTrace, error) {
	if len(initial) == 0 || len(members) == 0 {
		return nil, nil, ErrNoNegotiators
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	trace := &NegotiationTrace{FinalResponses: initial}
	current := append([]domain.NegotiationResponse(nil), initial...)

	matrix, err := s.embedAndMeasure(ctx, cfg.EmbeddingModel, current)
	if err != nil {
		return s.fallback(current, nil, 0, domain.FallbackReasonEmbeddingFailure, weights, trace)
	}
	if allPairsAtOrAbove(matrix, cfg.AgreementThreshold) {
		avg := AverageUpperTriangle(matrix)
		trace.Converged = true
		return convergedDecision(current, matrix, avg, cfg.AgreementThreshold), trace, nil
	}

	memberByID := make(map[string]domain.CouncilMember, len(members))
	for _, m := range members {
		memberByID[m.ID] = m
	}

	var history []float64
	for round := 1; round <= cfg.MaxRounds; round++ {
		disagreements := IdentifyDisagreements(current, matrix)
		agreements := ExtractAgreements(current, matrix, cfg.AgreementThreshold)

		next, err := s.executeRound(ctx, query, round, current, disagreements, agreements, cfg, memberByID)
		if err != nil {
			return nil, trace, err
		}
		current = next
		trace.RoundsExecuted = round
		trace.FinalResponses = current

		matrix, err = s.embedAndMeasure(ctx, cfg.EmbeddingModel, current)
		if err != nil {
			logger.L().Warn("negotiation: embedding failed, falling back",
				zap.Int("round", round), zap.Error(err))
			return s.fallback(current, nil, round, domain.FallbackReasonEmbeddingFailure, weights, trace)
		}

		avg := AverageUpperTriangle(matrix)
		history = append(history, avg)
		trace.SimilarityHistory = history

		if allPairsAtOrAbove(matrix, cfg.AgreementThreshold) {
			trace.Converged = true
			return convergedDecision(current, matrix, avg, cfg.AgreementThreshold), trace, nil
		}
		if isDeadlocked(history, cfg) {
			logger.L().Info("negotiation: deadlock detected",
				zap.Int("round", round),
				zap.Float64("avg_similarity", avg))
			return s.fallback(current, matrix, round, domain.FallbackReasonDeadlock, weights, trace)
		}
	}

	return s.fallback(current, matrix, cfg.MaxRounds, domain.FallbackReasonExhaustion, weights, trace)
}

// executeRound collects each member's revised response. Parallel mode fans
// out concurrently; sequential mode walks a deterministic order and lets each
// member see the new responses produced earlier in the same round. A member
// whose call fails keeps its previous response.
func (s *IterativeSynthesizer) executeRound(ctx context.Context, query string, round int, current []domain.NegotiationResponse, disagreements []string, agreements []Agreement, cfg domain.IterativeConsensusConfig, memberByID map[string]domain.CouncilMember) ([]domain.NegotiationResponse, error) {
	if cfg.NegotiationMode == domain.NegotiationModeSequential {
		return s.executeSequential(ctx, query, round, current, disagreements, agreements, cfg, memberByID)
	}

	prompt := BuildNegotiationPrompt(query, current, disagreements, agreements, s.examples, cfg.PromptTemplate)
	next := make([]domain.NegotiationResponse, len(current))
	copy(next, current)

	g, gctx := errgroup.WithContext(ctx)
	for i := range current {
		member, ok := memberByID[current[i].MemberID]
		if !ok {
			continue
		}
		i := i
		g.Go(func() error {
			resp, err := s.invoker.Invoke(gctx, member, prompt, nil)
			if err != nil {
				logger.L().Warn("negotiation: member call failed, carrying previous response",
					zap.String("member", member.ID),
					zap.Int("round", round),
					zap.Error(err))
				return nil
			}
			next[i] = negotiationResponse(member.ID, round, resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *IterativeSynthesizer) executeSequential(ctx context.Context, query string, round int, current []domain.NegotiationResponse, disagreements []string, agreements []Agreement, cfg domain.IterativeConsensusConfig, memberByID map[string]domain.CouncilMember) ([]domain.NegotiationResponse, error) {
	next := make([]domain.NegotiationResponse, len(current))
	copy(next, current)

	indexByID := make(map[string]int, len(current))
	for i, r := range current {
		indexByID[r.MemberID] = i
	}
	order := cfg.MemberOrder
	if len(order) == 0 {
		order = make([]string, len(current))
		for i, r := range current {
			order[i] = r.MemberID
		}
	}

	for _, id := range order {
		i, ok := indexByID[id]
		if !ok {
			continue
		}
		member, ok := memberByID[id]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Later members see the responses already revised this round.
		prompt := BuildNegotiationPrompt(query, next, disagreements, agreements, s.examples, cfg.PromptTemplate)
		resp, err := s.invoker.Invoke(ctx, member, prompt, nil)
		if err != nil {
			logger.L().Warn("negotiation: member call failed, carrying previous response",
				zap.String("member", id),
				zap.Int("round", round),
				zap.Error(err))
			continue
		}
		next[i] = negotiationResponse(id, round, resp)
	}
	return next, nil
}

func negotiationResponse(memberID string, round int, resp *ProviderResponse) domain.NegotiationResponse {
	return domain.NegotiationResponse{
		MemberID:    memberID,
		RoundNumber: round,
		Content:     resp.Content,
		TokenCount:  resp.Usage.CompletionTokens,
		Timestamp:   time.Now(),
	}
}

func (s *IterativeSynthesizer) embedAndMeasure(ctx context.Context, model string, responses []domain.NegotiationResponse) ([][]float64, error) {
	if s.embedder == nil {
		return nil, ErrEmbeddingFailure.WithMessagef("no embedding client configured")
	}
	texts := make([]string, len(responses))
	for i, r := range responses {
		texts[i] = r.Content
	}
	vectors, err := s.embedder.Embed(ctx, model, texts)
	if err != nil {
		return nil, ErrEmbeddingFailure.WithCause(err)
	}
	if len(vectors) != len(responses) {
		return nil, ErrEmbeddingFailure.WithMessagef("embedding service returned %d vectors for %d texts", len(vectors), len(responses))
	}
	return SimilarityMatrix(vectors), nil
}

// isDeadlocked checks the last deadlockWindow average-similarity values: the
// loop has stalled when they vary by no more than the tolerance while staying
// below the agreement threshold.
func isDeadlocked(history []float64, cfg domain.IterativeConsensusConfig) bool {
	if len(history) < cfg.DeadlockWindow {
		return false
	}
	window := history[len(history)-cfg.DeadlockWindow:]
	lo, hi := window[0], window[0]
	for _, v := range window[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	current := window[len(window)-1]
	return hi-lo <= cfg.DeadlockTolerance && current < cfg.AgreementThreshold
}

// convergedDecision picks the response with the highest mean similarity to
// the others, breaking ties by lexicographic member id.
func convergedDecision(responses []domain.NegotiationResponse, matrix [][]float64, avg, threshold float64) *domain.ConsensusDecision {
	best := 0
	bestScore := meanSimilarityToOthers(matrix, 0)
	for i := 1; i < len(responses); i++ {
		score := meanSimilarityToOthers(matrix, i)
		if score > bestScore || (score == bestScore && responses[i].MemberID < responses[best].MemberID) {
			best, bestScore = i, score
		}
	}

	confidence := domain.ConfidenceForAgreement(avg)
	if avg >= threshold {
		confidence = domain.ConfidenceHigh
	}
	return &domain.ConsensusDecision{
		Content:             responses[best].Content,
		Confidence:          confidence,
		AgreementLevel:      avg,
		SynthesisStrategy:   domain.StrategyIterativeConsensus,
		ContributingMembers: memberIDs(responses),
		Timestamp:           time.Now(),
	}
}

// fallback produces a decision when negotiation cannot converge: weighted
// fusion of the last-round responses, or the single highest-cohesion response
// when fusion is unavailable. Confidence is always low.
func (s *IterativeSynthesizer) fallback(responses []domain.NegotiationResponse, matrix [][]float64, rounds int, reason string, weights []domain.MemberWeight, trace *NegotiationTrace) (*domain.ConsensusDecision, *NegotiationTrace, error) {
	trace.RoundsExecuted = rounds
	trace.FallbackReason = reason
	trace.FinalResponses = responses

	agreement := 0.0
	if matrix != nil {
		agreement = AverageUpperTriangle(matrix)
	} else if n := len(trace.SimilarityHistory); n > 0 {
		agreement = trace.SimilarityHistory[n-1]
	}

	if fused, ok := fuseWeighted(responses, weights); ok {
		return &domain.ConsensusDecision{
			Content:             fused,
			Confidence:          domain.ConfidenceLow,
			AgreementLevel:      agreement,
			SynthesisStrategy:   domain.StrategyWeightedFusion,
			ContributingMembers: memberIDs(responses),
			FallbackReason:      reason,
			Timestamp:           time.Now(),
		}, trace, nil
	}

	best := 0
	if matrix != nil {
		bestScore := meanSimilarityToOthers(matrix, 0)
		for i := 1; i < len(responses); i++ {
			if score := meanSimilarityToOthers(matrix, i); score > bestScore {
				best, bestScore = i, score
			}
		}
	}
	return &domain.ConsensusDecision{
		Content:             responses[best].Content,
		Confidence:          domain.ConfidenceLow,
		AgreementLevel:      agreement,
		SynthesisStrategy:   domain.StrategyIterativeConsensus,
		ContributingMembers: []string{responses[best].MemberID},
		FallbackReason:      reason,
		Timestamp:           time.Now(),
	}, trace, nil
}

func memberIDs(responses []domain.NegotiationResponse) []string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.MemberID
	}
	sort.Strings(ids)
	return ids
}
