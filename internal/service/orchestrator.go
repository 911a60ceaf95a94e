package service

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

var (
	ErrInsufficientCouncil = infraerrors.ServiceUnavailable("INSUFFICIENT_COUNCIL", "too few members admitted to reach consensus")
	ErrNoSurvivors         = infraerrors.ServiceUnavailable("NO_SURVIVORS", "every council member failed")
	ErrGlobalTimeout       = infraerrors.GatewayTimeout("REQUEST_TIMEOUT", "request exceeded the global deadline")
)

// AuditRepository persists the request trail exactly once on terminal status.
type AuditRepository interface {
	SaveRequest(ctx context.Context, req domain.UserRequest, status string, decision *domain.ConsensusDecision, completedAt time.Time) error
	SaveThread(ctx context.Context, thread domain.DeliberationThread) error
	SaveCosts(ctx context.Context, requestID string, costs []domain.MemberCost) error
}

// OrchestratorResult is the terminal outcome of one request.
type OrchestratorResult struct {
	RequestID string                    `json:"request_id"`
	Status    string                    `json:"status"`
	Decision  *domain.ConsensusDecision `json:"decision,omitempty"`
	FromCache bool                      `json:"from_cache"`
}

// Orchestrator drives one request from admission to terminal status:
// idempotency gate, per-member budget admission, parallel fan-out under the
// global deadline, optional deliberation rounds, synthesis, then publication
// of audit rows, spending, and the cached decision.
type Orchestrator struct {
	idempotency *IdempotencyService
	budget      *BudgetService
	pricing     *PricingService
	pool        MemberInvoker
	synthesis   *SynthesisService
	iterative   *IterativeSynthesizer
	audit       AuditRepository

	now func() time.Time
}

func NewOrchestrator(idempotency *IdempotencyService, budget *BudgetService, pricing *PricingService, pool MemberInvoker, synthesis *SynthesisService, iterative *IterativeSynthesizer, audit AuditRepository) *Orchestrator {
	return &Orchestrator{
		idempotency: idempotency,
		budget:      budget,
		pricing:     pricing,
		pool:        pool,
		synthesis:   synthesis,
		iterative:   iterative,
		audit:       audit,
		now:         time.Now,
	}
}

// Execute runs the full pipeline for one request under a config snapshot.
func (o *Orchestrator) Execute(ctx context.Context, req domain.UserRequest, cfg domain.RequestConfig) (*OrchestratorResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, infraerrors.BadRequest("CONFIG_INVALID", err.Error())
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = o.now()
	}

	globalTimeout := time.Duration(cfg.Performance.GlobalTimeoutSeconds) * time.Second

	// Admission: the idempotency gate first.
	key, err := NormalizeKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	req.IdempotencyKey = key
	if key != "" {
		cached, done, err := o.admitIdempotent(ctx, key, req.ID, globalTimeout)
		if err != nil {
			return nil, err
		}
		if done {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, globalTimeout)
	defer cancel()

	result, err := o.run(ctx, req, cfg)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = ErrGlobalTimeout
		}
		o.publishFailure(req, key, err)
		return nil, err
	}
	return result, nil
}

// admitIdempotent resolves the key state: claim it when free, wait out a
// concurrent holder, or replay a terminal record. done=true means the result
// is final and the pipeline must not run.
func (o *Orchestrator) admitIdempotent(ctx context.Context, key, requestID string, globalTimeout time.Duration) (*OrchestratorResult, bool, error) {
	res, err := o.idempotency.CheckKey(ctx, key)
	if err != nil {
		return nil, false, err
	}

	switch res.Status {
	case IdempotencyStatusNotFound:
		if err := o.idempotency.MarkInProgress(ctx, key, requestID); err != nil {
			if infraerrors.Reason(err) == infraerrors.Reason(ErrKeyAlreadyExists) {
				return nil, false, ErrIdempotencyConflict.WithCause(err)
			}
			return nil, false, err
		}
		return nil, false, nil
	case IdempotencyStatusInProgress:
		record, err := o.idempotency.WaitForCompletion(ctx, key, globalTimeout)
		if err != nil {
			return nil, false, err
		}
		return resultFromRecord(record)
	default:
		return resultFromRecord(res.Record)
	}
}

func resultFromRecord(record *IdempotencyRecord) (*OrchestratorResult, bool, error) {
	if record == nil {
		return nil, false, ErrRequestNoLongerInCache
	}
	if record.Status == IdempotencyStatusFailed {
		errResp := record.ErrorResponse
		if errResp == nil {
			errResp = &domain.ErrorResponse{Code: http.StatusInternalServerError, Reason: "UNKNOWN", Message: "cached failure"}
		}
		return nil, false, infraerrors.New(errResp.Code, errResp.Reason, errResp.Message)
	}
	return &OrchestratorResult{
		RequestID: record.RequestID,
		Status:    domain.RequestStatusCompleted,
		Decision:  record.Decision,
		FromCache: true,
	}, true, nil
}

// run executes admission budgeting through publication under the already
// deadline-bound context.
func (o *Orchestrator) run(ctx context.Context, req domain.UserRequest, cfg domain.RequestConfig) (*OrchestratorResult, error) {
	admitted, err := o.admitBudget(ctx, req, cfg.Council)
	if err != nil {
		return nil, err
	}

	thread := domain.DeliberationThread{RequestID: req.ID}

	// Round 0: parallel fan-out.
	initial := o.fanOut(ctx, admitted, req.Query, req.Context, 0)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrGlobalTimeout
	}
	if len(initial) == 0 {
		return nil, ErrNoSurvivors
	}
	if cfg.Council.RequireMinimumForConsensus && len(initial) < cfg.Council.MinimumSize {
		return nil, ErrInsufficientCouncil.WithMessagef("only %d of the required %d members responded", len(initial), cfg.Council.MinimumSize)
	}
	thread.Rounds = append(thread.Rounds, buildRound(0, initial))

	survivors := filterMembers(admitted, initial)
	latest := initial

	// Critique rounds, skipped when the iterative synthesizer owns the loop.
	if cfg.Deliberation.Rounds > 0 && cfg.Synthesis.Strategy != domain.StrategyIterativeConsensus {
		for r := 1; r <= cfg.Deliberation.Rounds; r++ {
			prompt := buildCritiquePrompt(req.Query, latest, cfg.Transparency.AttributeMembers)
			exchanges := o.fanOut(ctx, survivors, prompt, nil, r)
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrGlobalTimeout
			}
			if len(exchanges) == 0 {
				break
			}
			// A critique responds to every prior-round author it was shown.
			priorIDs := exchangeMemberIDs(latest)
			for i := range exchanges {
				exchanges[i].ReferencesTo = referencedMembers(priorIDs, exchanges[i].MemberID)
			}
			thread.Rounds = append(thread.Rounds, buildRound(r, exchanges))
			survivors = filterMembers(survivors, exchanges)
			latest = exchanges
		}
	}

	decision, extraResponses, err := o.synthesize(ctx, req, cfg, survivors, latest)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrGlobalTimeout
		}
		return nil, err
	}

	o.publish(req, cfg, thread, decision, append(latest, extraResponses...))
	return &OrchestratorResult{
		RequestID: req.ID,
		Status:    domain.RequestStatusCompleted,
		Decision:  decision,
	}, nil
}

// admitBudget excludes members whose estimated cost would breach a cap or
// whose scope is already disabled.
func (o *Orchestrator) admitBudget(ctx context.Context, req domain.UserRequest, council domain.CouncilConfig) ([]domain.CouncilMember, error) {
	var admitted []domain.CouncilMember
	for _, member := range council.Members {
		disabled, err := o.budget.IsDisabled(ctx, member)
		if err != nil {
			return nil, err
		}
		if disabled {
			logger.L().Info("orchestrator: member excluded, budget scope disabled",
				zap.String("request_id", req.ID), zap.String("member", member.ID))
			continue
		}
		estimate := o.pricing.EstimateRequestCost(ctx, member, &req)
		check, err := o.budget.CheckBudget(ctx, member, estimate)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			logger.L().Info("orchestrator: member excluded by budget",
				zap.String("request_id", req.ID),
				zap.String("member", member.ID),
				zap.String("reason", check.Reason))
			continue
		}
		admitted = append(admitted, member)
	}

	if len(admitted) == 0 {
		return nil, ErrInsufficientCouncil.WithMessagef("no members passed budget admission")
	}
	if council.RequireMinimumForConsensus && len(admitted) < council.MinimumSize {
		return nil, ErrInsufficientCouncil.WithMessagef("only %d of the required %d members admitted", len(admitted), council.MinimumSize)
	}
	return admitted, nil
}

// fanOut invokes every member in parallel and keeps the successes, sorted by
// timestamp. Member failures are absorbed here; the caller decides whether
// the survivor count suffices.
func (o *Orchestrator) fanOut(ctx context.Context, members []domain.CouncilMember, prompt string, convCtx *domain.ConversationContext, round int) []domain.Exchange {
	var mu sync.Mutex
	var exchanges []domain.Exchange

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range members {
		member := member
		g.Go(func() error {
			resp, err := o.pool.Invoke(gctx, member, prompt, convCtx)
			if err != nil {
				logger.L().Warn("orchestrator: member dropped from round",
					zap.String("member", member.ID),
					zap.Int("round", round),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			exchanges = append(exchanges, domain.Exchange{
				MemberID:    member.ID,
				RoundNumber: round,
				Content:     resp.Content,
				Usage:       resp.Usage,
				Latency:     resp.Latency,
				Timestamp:   o.now(),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		// Partial results collected before the deadline are discarded.
		return nil
	}
	sort.SliceStable(exchanges, func(i, j int) bool {
		return exchanges[i].Timestamp.Before(exchanges[j].Timestamp)
	})
	return exchanges
}

// synthesize dispatches to the configured strategy. The iterative strategy
// returns any negotiation-round responses so their usage is costed too.
func (o *Orchestrator) synthesize(ctx context.Context, req domain.UserRequest, cfg domain.RequestConfig, survivors []domain.CouncilMember, latest []domain.Exchange) (*domain.ConsensusDecision, []domain.Exchange, error) {
	if cfg.Synthesis.Strategy != domain.StrategyIterativeConsensus {
		decision, err := o.synthesis.Synthesize(ctx, req.Query, cfg.Synthesis, latest, cfg.Iterative.EmbeddingModel, survivors)
		return decision, nil, err
	}

	initial := make([]domain.NegotiationResponse, len(latest))
	for i, e := range latest {
		initial[i] = domain.NegotiationResponse{
			MemberID:    e.MemberID,
			RoundNumber: e.RoundNumber,
			Content:     e.Content,
			TokenCount:  e.Usage.CompletionTokens,
			Timestamp:   e.Timestamp,
		}
	}
	weights := cfg.Synthesis.Weights
	if len(weights) == 0 {
		weights = InfluenceScores(survivors, exchangeMemberIDs(latest))
	}
	decision, trace, err := o.iterative.Synthesize(ctx, req.Query, survivors, initial, cfg.Iterative, weights)
	if err != nil {
		return nil, nil, err
	}

	var extra []domain.Exchange
	if trace != nil && trace.RoundsExecuted > 0 {
		for _, r := range trace.FinalResponses {
			if r.RoundNumber == 0 {
				continue
			}
			extra = append(extra, domain.Exchange{
				MemberID:    r.MemberID,
				RoundNumber: r.RoundNumber,
				Content:     r.Content,
				Usage:       domain.TokenUsage{CompletionTokens: r.TokenCount, TotalTokens: r.TokenCount},
				Timestamp:   r.Timestamp,
			})
		}
	}
	return decision, extra, nil
}

// publish records spending, persists the audit trail, and resolves the
// idempotency key. Audit and cache failures are logged; the decision already
// stands.
func (o *Orchestrator) publish(req domain.UserRequest, cfg domain.RequestConfig, thread domain.DeliberationThread, decision *domain.ConsensusDecision, exchanges []domain.Exchange) {
	// Publication must finish even when the request context has expired.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usageByMember := make(map[string]domain.TokenUsage)
	for _, e := range exchanges {
		u := usageByMember[e.MemberID]
		u.PromptTokens += e.Usage.PromptTokens
		u.CompletionTokens += e.Usage.CompletionTokens
		u.TotalTokens += e.Usage.TotalTokens
		usageByMember[e.MemberID] = u
	}

	var costs []domain.MemberCost
	for memberID, usage := range usageByMember {
		member, ok := cfg.Council.MemberByID(memberID)
		if !ok {
			continue
		}
		cost := o.pricing.ActualCost(ctx, member, usage)
		costs = append(costs, domain.MemberCost{MemberID: member.ID, Provider: member.Provider, Cost: cost})
		if err := o.budget.RecordSpending(ctx, member, cost); err != nil {
			logger.L().Error("orchestrator: failed to record spending",
				zap.String("request_id", req.ID),
				zap.String("member", member.ID),
				zap.Error(err))
		}
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i].MemberID < costs[j].MemberID })

	if o.audit != nil {
		if err := o.audit.SaveRequest(ctx, req, domain.RequestStatusCompleted, decision, o.now()); err != nil {
			logger.L().Error("orchestrator: failed to persist request", zap.String("request_id", req.ID), zap.Error(err))
		}
		if err := o.audit.SaveThread(ctx, thread); err != nil {
			logger.L().Error("orchestrator: failed to persist deliberation thread", zap.String("request_id", req.ID), zap.Error(err))
		}
		if err := o.audit.SaveCosts(ctx, req.ID, costs); err != nil {
			logger.L().Error("orchestrator: failed to persist costs", zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	if req.IdempotencyKey != "" {
		if err := o.idempotency.CacheResult(ctx, req.IdempotencyKey, req.ID, decision); err != nil {
			logger.L().Error("orchestrator: failed to cache decision",
				zap.String("request_id", req.ID),
				zap.String("key", req.IdempotencyKey),
				zap.Error(err))
		}
	}
}

// publishFailure caches the structured error under the key and persists the
// failed request row.
func (o *Orchestrator) publishFailure(req domain.UserRequest, key string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := domain.RequestStatusFailed
	if infraerrors.Reason(cause) == infraerrors.Reason(ErrGlobalTimeout) {
		status = domain.RequestStatusTimedOut
	}
	if o.audit != nil {
		if err := o.audit.SaveRequest(ctx, req, status, nil, o.now()); err != nil {
			logger.L().Error("orchestrator: failed to persist failed request", zap.String("request_id", req.ID), zap.Error(err))
		}
	}
	if key == "" {
		return
	}
	appErr := infraerrors.FromError(cause)
	errResp := &domain.ErrorResponse{
		Code:    appErr.Code,
		Reason:  appErr.Reason,
		Message: appErr.Message,
	}
	if err := o.idempotency.CacheError(ctx, key, req.ID, errResp); err != nil {
		logger.L().Error("orchestrator: failed to cache error",
			zap.String("request_id", req.ID),
			zap.String("key", key),
			zap.Error(err))
	}
}

func buildRound(round int, exchanges []domain.Exchange) domain.DeliberationRound {
	return domain.DeliberationRound{RoundNumber: round, Exchanges: exchanges}
}

func referencedMembers(priorIDs []string, self string) []string {
	out := make([]string, 0, len(priorIDs))
	for _, id := range priorIDs {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func filterMembers(members []domain.CouncilMember, exchanges []domain.Exchange) []domain.CouncilMember {
	responded := make(map[string]bool, len(exchanges))
	for _, e := range exchanges {
		responded[e.MemberID] = true
	}
	out := make([]domain.CouncilMember, 0, len(exchanges))
	for _, m := range members {
		if responded[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// buildCritiquePrompt shows each member the prior round's outputs and asks
// for a refined answer. Attribution follows the transparency setting.
func buildCritiquePrompt(query string, prior []domain.Exchange, attribute bool) string {
	var b strings.Builder
	b.WriteString("Review the other council members' answers to the question below, then produce your refined answer. Critique factual errors and adopt stronger points.\n\nQuestion:\n")
	b.WriteString(SanitizeQuery(query))
	b.WriteString("\n\nPrior responses:")
	for i, e := range prior {
		label := fmt.Sprintf("member-%d", i+1)
		if attribute {
			label = e.MemberID
		}
		fmt.Fprintf(&b, "\n\n[%s]: %s", label, e.Content)
	}
	return b.String()
}
