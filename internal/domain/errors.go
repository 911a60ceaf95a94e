package domain

// ErrorCode classifies a provider-call failure. Retry policies reference these
// codes to decide what is worth another attempt.
type ErrorCode string

const (
	ErrCodeAuth               ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeNetwork            ErrorCode = "NETWORK_ERROR"
	ErrCodeUnknown            ErrorCode = "UNKNOWN_ERROR"
)

// DefaultRetryableErrorCodes is the standard retryable set for new members.
func DefaultRetryableErrorCodes() []ErrorCode {
	return []ErrorCode{ErrCodeRateLimit, ErrCodeServiceUnavailable, ErrCodeTimeout, ErrCodeNetwork}
}

// ErrorResponse is the serializable error payload cached under an idempotency
// key and returned to the gateway on request-fatal failures.
type ErrorResponse struct {
	Code    int               `json:"code"`
	Reason  string            `json:"reason"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ProviderError is a classified failure from one provider attempt.
type ProviderError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	RetryAfter string    `json:"retry_after,omitempty"` // raw Retry-After header value, if any
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}
