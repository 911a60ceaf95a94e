package service

import (
	"sync"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

const (
	// EWMA smoothing for success rate and latency.
	healthAlpha = 0.2

	degradedSuccessRate    = 0.9
	degradedConsecFailures = 3
	disabledConsecFailures = 10
	disabledProbeInterval  = 30 * time.Second
)

// providerHealth tracks one provider's fleet health. Transitions:
// healthy → degraded on successRate < 0.9 or 3 consecutive failures;
// degraded → disabled on 10 consecutive failures; any success while not
// healthy recovers to healthy.
type providerHealth struct {
	mu sync.Mutex

	status              string
	successRate         float64
	avgLatencyMs        float64
	consecutiveFailures int
	lastFailure         time.Time
	lastProbe           time.Time
	samples             int
}

func newProviderHealth() *providerHealth {
	return &providerHealth{status: domain.ProviderHealthy, successRate: 1}
}

// ProviderHealthSnapshot is the read-only view exposed to consumers.
type ProviderHealthSnapshot struct {
	Status              string    `json:"status"`
	SuccessRate         float64   `json:"success_rate"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

func (h *providerHealth) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.observe(1, latency)
	h.consecutiveFailures = 0
	// A successful call while degraded or disabled recovers the provider.
	h.status = domain.ProviderHealthy
}

func (h *providerHealth) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.observe(0, 0)
	h.consecutiveFailures++
	h.lastFailure = time.Now()

	switch {
	case h.consecutiveFailures >= disabledConsecFailures:
		h.status = domain.ProviderDisabled
	case h.successRate < degradedSuccessRate || h.consecutiveFailures >= degradedConsecFailures:
		if h.status == domain.ProviderHealthy {
			h.status = domain.ProviderDegraded
		}
	}
}

func (h *providerHealth) observe(outcome float64, latency time.Duration) {
	if h.samples == 0 {
		h.successRate = outcome
	} else {
		h.successRate = healthAlpha*outcome + (1-healthAlpha)*h.successRate
	}
	if latency > 0 {
		ms := float64(latency.Milliseconds())
		if h.avgLatencyMs == 0 {
			h.avgLatencyMs = ms
		} else {
			h.avgLatencyMs = healthAlpha*ms + (1-healthAlpha)*h.avgLatencyMs
		}
	}
	h.samples++
}

// allowCall gates calls to a disabled provider to one probe per interval.
func (h *providerHealth) allowCall(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != domain.ProviderDisabled {
		return true
	}
	if now.Sub(h.lastProbe) >= disabledProbeInterval {
		h.lastProbe = now
		return true
	}
	return false
}

func (h *providerHealth) snapshot() ProviderHealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ProviderHealthSnapshot{
		Status:              h.status,
		SuccessRate:         h.successRate,
		AvgLatencyMs:        h.avgLatencyMs,
		ConsecutiveFailures: h.consecutiveFailures,
		LastFailure:         h.lastFailure,
	}
}

// rateLimitStatus tracks provider-level 429 pressure; cleared by the first
// success after a limited window.
type rateLimitStatus struct {
	mu sync.Mutex

	isRateLimited     bool
	retryAfterMs      int64
	lastRateLimitTime time.Time
	count             int
}

// RateLimitSnapshot is the read-only view of one provider's limit state.
type RateLimitSnapshot struct {
	IsRateLimited     bool      `json:"is_rate_limited"`
	RetryAfterMs      int64     `json:"retry_after_ms,omitempty"`
	LastRateLimitTime time.Time `json:"last_rate_limit_time,omitzero"`
	Count             int       `json:"count"`
}

func (r *rateLimitStatus) markLimited(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRateLimited = true
	r.retryAfterMs = retryAfter.Milliseconds()
	r.lastRateLimitTime = time.Now()
	r.count++
}

func (r *rateLimitStatus) clearOnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRateLimited = false
	r.retryAfterMs = 0
}

func (r *rateLimitStatus) snapshot() RateLimitSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimitSnapshot{
		IsRateLimited:     r.isRateLimited,
		RetryAfterMs:      r.retryAfterMs,
		LastRateLimitTime: r.lastRateLimitTime,
		Count:             r.count,
	}
}
