package service

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

// ProviderResponse is the canonical result of one provider attempt.
type ProviderResponse struct {
	MemberID string
	Content  string
	Usage    domain.TokenUsage
	Latency  time.Duration
	Success  bool
	Err      *domain.ProviderError
}

// executeWithTimeout runs one adapter attempt under an absolute deadline of
// timeout (member.TimeoutSeconds × 1000 ms). The in-flight attempt is
// cancelled when the deadline expires and the failure surfaces as TIMEOUT.
func executeWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (*ProviderResponse, error)) (*ProviderResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := fn(attemptCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, &domain.ProviderError{
				Code:    domain.ErrCodeTimeout,
				Message: "provider call exceeded " + timeout.String() + " deadline",
			}
		}
		return nil, err
	}
	if resp != nil && resp.Latency == 0 {
		resp.Latency = time.Since(start)
	}
	return resp, nil
}

// calculateBackoffDelay returns the delay before attempt k (0-indexed):
// min(initialDelayMs × multiplier^k, maxDelayMs).
func calculateBackoffDelay(policy domain.RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if maxDelay := float64(policy.MaxDelayMs); delay > maxDelay {
		delay = maxDelay
	}
	return time.Duration(delay) * time.Millisecond
}

// getRetryAfterDelay parses a Retry-After hint: integer seconds, or an
// HTTP-date whose delay is max(0, date − now). The second return reports
// whether the hint was usable.
func getRetryAfterDelay(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if date, err := http.ParseTime(raw); err == nil {
		delay := date.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

// classifyError maps an adapter failure onto the error taxonomy. Explicitly
// classified ProviderErrors pass through; otherwise the HTTP status and
// message decide.
func classifyError(err error) *domain.ProviderError {
	if err == nil {
		return nil
	}
	provErr := new(domain.ProviderError)
	if errors.As(err, &provErr) && provErr != nil && provErr.Code != "" {
		return provErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ProviderError{Code: domain.ErrCodeTimeout, Message: err.Error()}
	}

	msg := strings.ToLower(err.Error())
	status := 0
	if provErr != nil {
		status = provErr.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.ProviderError{Code: domain.ErrCodeAuth, Message: err.Error(), StatusCode: status}
	case status == http.StatusTooManyRequests || strings.Contains(msg, "rate limit"):
		return &domain.ProviderError{Code: domain.ErrCodeRateLimit, Message: err.Error(), StatusCode: status}
	case status == http.StatusServiceUnavailable || strings.Contains(msg, "service unavailable"):
		return &domain.ProviderError{Code: domain.ErrCodeServiceUnavailable, Message: err.Error(), StatusCode: status}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return &domain.ProviderError{Code: domain.ErrCodeTimeout, Message: err.Error(), StatusCode: status}
	default:
		return &domain.ProviderError{Code: domain.ErrCodeUnknown, Message: err.Error(), StatusCode: status}
	}
}

// ClassifyHTTPStatus maps a raw provider HTTP status onto an error code.
// Adapters use it when building typed errors from wire responses.
func ClassifyHTTPStatus(status int, message string) domain.ErrorCode {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrCodeAuth
	case status == http.StatusTooManyRequests || strings.Contains(msg, "rate limit"):
		return domain.ErrCodeRateLimit
	case status == http.StatusServiceUnavailable || strings.Contains(msg, "service unavailable"):
		return domain.ErrCodeServiceUnavailable
	case strings.Contains(msg, "timeout"):
		return domain.ErrCodeTimeout
	default:
		return domain.ErrCodeUnknown
	}
}
