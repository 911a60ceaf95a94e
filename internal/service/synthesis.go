package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

var ErrNoExchanges = infraerrors.InternalServer("NO_EXCHANGES", "no exchanges available for synthesis")

// SynthesisService computes a consensus decision from the latest round of
// exchanges using one of the static strategies. The iterative strategy is
// handled by IterativeSynthesizer.
type SynthesisService struct {
	embedder EmbeddingClient
	invoker  MemberInvoker
}

func NewSynthesisService(embedder EmbeddingClient, invoker MemberInvoker) *SynthesisService {
	return &SynthesisService{embedder: embedder, invoker: invoker}
}

// Synthesize dispatches on the configured strategy. exchanges must be the
// latest round's outputs, one per surviving member.
func (s *SynthesisService) Synthesize(ctx context.Context, query string, cfg domain.SynthesisConfig, exchanges []domain.Exchange, embeddingModel string, members []domain.CouncilMember) (*domain.ConsensusDecision, error) {
	if len(exchanges) == 0 {
		return nil, ErrNoExchanges
	}
	switch cfg.Strategy {
	case domain.StrategyWeightedFusion:
		return s.weightedFusion(ctx, cfg.Weights, exchanges, embeddingModel)
	case domain.StrategyMetaSynthesis:
		return s.metaSynthesis(ctx, query, cfg, exchanges, embeddingModel, members)
	default:
		return s.consensusExtraction(ctx, exchanges, embeddingModel)
	}
}

// consensusExtraction embeds the exchanges, measures pairwise agreement, and
// promotes the response closest to all others. Embedding failure degrades to
// weighted fusion with uniform weights.
func (s *SynthesisService) consensusExtraction(ctx context.Context, exchanges []domain.Exchange, embeddingModel string) (*domain.ConsensusDecision, error) {
	matrix, err := s.measure(ctx, embeddingModel, exchanges)
	if err != nil {
		logger.L().Warn("synthesis: embedding failed, degrading to weighted fusion", zap.Error(err))
		decision, derr := s.weightedFusion(ctx, nil, exchanges, "")
		if derr != nil {
			return nil, derr
		}
		decision.Confidence = domain.ConfidenceLow
		decision.FallbackReason = domain.FallbackReasonEmbeddingFailure
		return decision, nil
	}

	avg := AverageUpperTriangle(matrix)
	if len(exchanges) == 1 {
		avg = 1
	}
	best := 0
	bestScore := meanSimilarityToOthers(matrix, 0)
	for i := 1; i < len(exchanges); i++ {
		score := meanSimilarityToOthers(matrix, i)
		if score > bestScore || (score == bestScore && exchanges[i].MemberID < exchanges[best].MemberID) {
			best, bestScore = i, score
		}
	}
	return &domain.ConsensusDecision{
		Content:             exchanges[best].Content,
		Confidence:          domain.ConfidenceForAgreement(avg),
		AgreementLevel:      avg,
		SynthesisStrategy:   domain.StrategyConsensusExtraction,
		ContributingMembers: exchangeMemberIDs(exchanges),
		Timestamp:           time.Now(),
	}, nil
}

// weightedFusion merges the exchanges into a single answer ordered by member
// weight. Agreement is measured over the inputs when an embedding model is
// given; otherwise the level is unknown and reported as 0.
func (s *SynthesisService) weightedFusion(ctx context.Context, weights []domain.MemberWeight, exchanges []domain.Exchange, embeddingModel string) (*domain.ConsensusDecision, error) {
	responses := make([]domain.NegotiationResponse, len(exchanges))
	for i, e := range exchanges {
		responses[i] = domain.NegotiationResponse{MemberID: e.MemberID, Content: e.Content, RoundNumber: e.RoundNumber}
	}
	fused, ok := fuseWeighted(responses, weights)
	if !ok {
		return nil, ErrNoExchanges
	}

	avg := 0.0
	if embeddingModel != "" {
		if matrix, err := s.measure(ctx, embeddingModel, exchanges); err == nil {
			avg = AverageUpperTriangle(matrix)
			if len(exchanges) == 1 {
				avg = 1
			}
		}
	}
	return &domain.ConsensusDecision{
		Content:             fused,
		Confidence:          domain.ConfidenceForAgreement(avg),
		AgreementLevel:      avg,
		SynthesisStrategy:   domain.StrategyWeightedFusion,
		ContributingMembers: exchangeMemberIDs(exchanges),
		Timestamp:           time.Now(),
	}, nil
}

// metaSynthesis asks the highest-weight member to compose the final answer
// from all attributed exchanges. An invocation failure degrades to weighted
// fusion with low confidence.
func (s *SynthesisService) metaSynthesis(ctx context.Context, query string, cfg domain.SynthesisConfig, exchanges []domain.Exchange, embeddingModel string, members []domain.CouncilMember) (*domain.ConsensusDecision, error) {
	synthesizer, ok := pickSynthesizer(cfg.Weights, exchanges, members)
	if !ok {
		return s.weightedFusion(ctx, cfg.Weights, exchanges, embeddingModel)
	}

	prompt := buildMetaPrompt(query, exchanges)
	resp, err := s.invoker.Invoke(ctx, synthesizer, prompt, nil)
	if err != nil {
		logger.L().Warn("synthesis: meta-synthesizer call failed, degrading to weighted fusion",
			zap.String("member", synthesizer.ID), zap.Error(err))
		decision, derr := s.weightedFusion(ctx, cfg.Weights, exchanges, embeddingModel)
		if derr != nil {
			return nil, derr
		}
		decision.Confidence = domain.ConfidenceLow
		return decision, nil
	}

	avg := 0.0
	if embeddingModel != "" {
		if matrix, merr := s.measure(ctx, embeddingModel, exchanges); merr == nil {
			avg = AverageUpperTriangle(matrix)
			if len(exchanges) == 1 {
				avg = 1
			}
		}
	}
	return &domain.ConsensusDecision{
		Content:             resp.Content,
		Confidence:          domain.ConfidenceForAgreement(avg),
		AgreementLevel:      avg,
		SynthesisStrategy:   domain.StrategyMetaSynthesis,
		ContributingMembers: exchangeMemberIDs(exchanges),
		Timestamp:           time.Now(),
	}, nil
}

func (s *SynthesisService) measure(ctx context.Context, model string, exchanges []domain.Exchange) ([][]float64, error) {
	if s.embedder == nil || model == "" {
		return nil, ErrEmbeddingFailure.WithMessagef("no embedding model configured")
	}
	texts := make([]string, len(exchanges))
	for i, e := range exchanges {
		texts[i] = e.Content
	}
	vectors, err := s.embedder.Embed(ctx, model, texts)
	if err != nil {
		return nil, ErrEmbeddingFailure.WithCause(err)
	}
	if len(vectors) != len(exchanges) {
		return nil, ErrEmbeddingFailure.WithMessagef("embedding service returned %d vectors for %d texts", len(vectors), len(exchanges))
	}
	return SimilarityMatrix(vectors), nil
}

// fuseWeighted merges responses ordered by descending renormalized weight
// (default uniform, tie-break lexicographic member id). The highest-weight
// answer leads; the rest are appended as attributed perspectives. Returns
// false when there is nothing to fuse.
func fuseWeighted(responses []domain.NegotiationResponse, weights []domain.MemberWeight) (string, bool) {
	if len(responses) == 0 {
		return "", false
	}

	weightByID := make(map[string]float64, len(weights))
	var total float64
	for _, w := range weights {
		weightByID[w.MemberID] = w.Weight
	}
	resolved := make([]float64, len(responses))
	for i, r := range responses {
		w, ok := weightByID[r.MemberID]
		if !ok || w <= 0 {
			w = 1 / float64(len(responses))
		}
		resolved[i] = w
		total += w
	}
	for i := range resolved {
		resolved[i] /= total
	}

	order := make([]int, len(responses))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if resolved[order[a]] != resolved[order[b]] {
			return resolved[order[a]] > resolved[order[b]]
		}
		return responses[order[a]].MemberID < responses[order[b]].MemberID
	})

	var b strings.Builder
	b.WriteString(responses[order[0]].Content)
	for _, idx := range order[1:] {
		fmt.Fprintf(&b, "\n\n[%s, weight %.2f]: %s", responses[idx].MemberID, resolved[idx], responses[idx].Content)
	}
	return b.String(), true
}

// pickSynthesizer chooses the highest-weight member among those with an
// exchange this round.
func pickSynthesizer(weights []domain.MemberWeight, exchanges []domain.Exchange, members []domain.CouncilMember) (domain.CouncilMember, bool) {
	memberByID := make(map[string]domain.CouncilMember, len(members))
	for _, m := range members {
		memberByID[m.ID] = m
	}
	weightByID := make(map[string]float64, len(weights))
	for _, w := range weights {
		weightByID[w.MemberID] = w.Weight
	}

	var best domain.CouncilMember
	bestWeight := -1.0
	found := false
	for _, e := range exchanges {
		m, ok := memberByID[e.MemberID]
		if !ok {
			continue
		}
		w := weightByID[e.MemberID]
		if w > bestWeight || (w == bestWeight && m.ID < best.ID) {
			best, bestWeight = m, w
			found = true
		}
	}
	return best, found
}

func buildMetaPrompt(query string, exchanges []domain.Exchange) string {
	var b strings.Builder
	b.WriteString("Synthesize a single definitive answer from the council responses below.\n\nQuestion:\n")
	b.WriteString(SanitizeQuery(query))
	b.WriteString("\n\nCouncil responses:")
	for _, e := range exchanges {
		fmt.Fprintf(&b, "\n\n[%s]: %s", e.MemberID, e.Content)
	}
	b.WriteString("\n\nProduce one coherent answer that reconciles the responses. Do not mention the council or individual members.")
	return b.String()
}

func exchangeMemberIDs(exchanges []domain.Exchange) []string {
	ids := make([]string, len(exchanges))
	for i, e := range exchanges {
		ids[i] = e.MemberID
	}
	sort.Strings(ids)
	return ids
}
