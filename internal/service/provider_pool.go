package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

// ProviderAdapter translates the canonical request shape to one provider's
// wire format. Adapters never retry internally; the pool owns the retry loop.
type ProviderAdapter interface {
	Send(ctx context.Context, member domain.CouncilMember, prompt string, convCtx *domain.ConversationContext) (*ProviderResponse, error)
	Health(ctx context.Context) (available bool, latency time.Duration)
}

// ProviderPool routes member requests to adapters with per-attempt timeouts,
// retry/backoff per the member's policy, Retry-After awareness, and
// fleet-level health bookkeeping.
type ProviderPool struct {
	mu       sync.RWMutex
	adapters map[string]ProviderAdapter

	health     sync.Map // provider -> *providerHealth
	rateLimits sync.Map // provider -> *rateLimitStatus
}

func NewProviderPool() *ProviderPool {
	return &ProviderPool{adapters: make(map[string]ProviderAdapter)}
}

// RegisterAdapter installs (or replaces) the adapter for a provider.
func (p *ProviderPool) RegisterAdapter(provider string, adapter ProviderAdapter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adapters[provider] = adapter
}

func (p *ProviderPool) adapter(provider string) (ProviderAdapter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.adapters[provider]
	return a, ok
}

func (p *ProviderPool) healthFor(provider string) *providerHealth {
	v, _ := p.health.LoadOrStore(provider, newProviderHealth())
	return v.(*providerHealth)
}

func (p *ProviderPool) rateLimitFor(provider string) *rateLimitStatus {
	v, _ := p.rateLimits.LoadOrStore(provider, &rateLimitStatus{})
	return v.(*rateLimitStatus)
}

// HealthSnapshot exposes per-provider health for admission and dashboards.
func (p *ProviderPool) HealthSnapshot(provider string) ProviderHealthSnapshot {
	return p.healthFor(provider).snapshot()
}

// RateLimitSnapshot exposes per-provider rate-limit pressure.
func (p *ProviderPool) RateLimitSnapshot(provider string) RateLimitSnapshot {
	return p.rateLimitFor(provider).snapshot()
}

// Invoke sends one prompt to one member, retrying per the member's policy.
// Each attempt runs under member.TimeoutSeconds × 1000 ms. Only codes in the
// policy's retryable set are retried; RATE_LIMIT consults the Retry-After
// hint before falling back to exponential backoff. Backoff sleeps abort
// immediately on context cancellation.
func (p *ProviderPool) Invoke(ctx context.Context, member domain.CouncilMember, prompt string, convCtx *domain.ConversationContext) (*ProviderResponse, error) {
	adapter, ok := p.adapter(member.Provider)
	if !ok {
		return nil, &domain.ProviderError{
			Code:    domain.ErrCodeUnknown,
			Message: "no adapter registered for provider " + member.Provider,
		}
	}

	health := p.healthFor(member.Provider)
	limits := p.rateLimitFor(member.Provider)
	timeout := time.Duration(member.TimeoutSeconds) * 1000 * time.Millisecond
	policy := member.RetryPolicy

	var lastErr *domain.ProviderError
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, classifyError(err)
		}
		if !health.allowCall(time.Now()) {
			lastErr = &domain.ProviderError{
				Code:    domain.ErrCodeServiceUnavailable,
				Message: "provider " + member.Provider + " is disabled",
			}
			return nil, lastErr
		}

		resp, err := executeWithTimeout(ctx, timeout, func(attemptCtx context.Context) (*ProviderResponse, error) {
			return adapter.Send(attemptCtx, member, prompt, convCtx)
		})
		if err == nil && resp != nil && resp.Success {
			health.recordSuccess(resp.Latency)
			limits.clearOnSuccess()
			resp.MemberID = member.ID
			return resp, nil
		}

		switch {
		case err == nil && resp != nil && resp.Err != nil:
			lastErr = resp.Err
		case err != nil:
			lastErr = classifyError(err)
		default:
			// An adapter reported failure without attaching an error.
			lastErr = &domain.ProviderError{
				Code:    domain.ErrCodeUnknown,
				Message: "provider " + member.Provider + " reported failure without an error",
			}
		}
		health.recordFailure()

		retryAfter, hasHint := time.Duration(0), false
		if lastErr.Code == domain.ErrCodeRateLimit {
			retryAfter, hasHint = getRetryAfterDelay(lastErr.RetryAfter, time.Now())
			limits.markLimited(retryAfter)
		}

		if !policy.Retryable(lastErr.Code) || attempt == policy.MaxAttempts-1 {
			break
		}

		delay := calculateBackoffDelay(policy, attempt)
		if lastErr.Code == domain.ErrCodeRateLimit && hasHint {
			delay = retryAfter
		}
		logger.L().Debug("provider pool: retrying member call",
			zap.String("member", member.ID),
			zap.String("code", string(lastErr.Code)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			return nil, classifyError(ctx.Err())
		}
	}
	return nil, lastErr
}

// sleepCtx waits for d or until ctx is cancelled; returns false on cancel so
// in-flight retries abort without sleeping out their backoff.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
