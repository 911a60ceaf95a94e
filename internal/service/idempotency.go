package service

import (
	"context"
	"strings"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
)

// Idempotency record statuses. A record only moves forward:
// in-progress -> completed or in-progress -> failed.
const (
	IdempotencyStatusNotFound   = "not-found"
	IdempotencyStatusInProgress = "in-progress"
	IdempotencyStatusCompleted  = "completed"
	IdempotencyStatusFailed     = "failed"
)

const (
	// DefaultIdempotencyTTL bounds how long a decision stays replayable.
	DefaultIdempotencyTTL = 24 * time.Hour

	waitPollInterval = 100 * time.Millisecond
)

var (
	ErrIdempotencyKeyInvalid  = infraerrors.BadRequest("IDEMPOTENCY_KEY_INVALID", "idempotency key is invalid")
	ErrKeyAlreadyExists       = infraerrors.Conflict("IDEMPOTENCY_KEY_EXISTS", "idempotency key already claimed")
	ErrIdempotencyConflict    = infraerrors.Conflict("IDEMPOTENCY_CONFLICT", "failed to claim idempotency key")
	ErrRequestNoLongerInCache = infraerrors.NotFound("IDEMPOTENCY_KEY_GONE", "idempotent request is no longer in cache")
	ErrWaitTimeout            = infraerrors.GatewayTimeout("IDEMPOTENCY_WAIT_TIMEOUT", "timed out waiting for idempotent request completion")
	ErrIdempotencyStoreDown   = infraerrors.ServiceUnavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store unavailable")
)

// IdempotencyRecord is the cached coordination state for one key.
type IdempotencyRecord struct {
	RequestID     string                    `json:"request_id"`
	Status        string                    `json:"status"`
	Decision      *domain.ConsensusDecision `json:"decision,omitempty"`
	ErrorResponse *domain.ErrorResponse     `json:"error_response,omitempty"`
	Timestamp     time.Time                 `json:"timestamp"`
}

// CheckKeyResult is the outcome of a cache lookup.
type CheckKeyResult struct {
	Exists bool
	Status string
	Record *IdempotencyRecord
}

// CoordinationCache is the cross-process coordination surface. MarkInProgress
// is the only operation required to be atomic across processes; terminal
// writes tolerate last-writer-wins.
type CoordinationCache interface {
	CheckKey(ctx context.Context, key string) (*CheckKeyResult, error)
	// MarkInProgress atomically claims the key (set-if-absent). Returns
	// ErrKeyAlreadyExists when another record holds it.
	MarkInProgress(ctx context.Context, key, requestID string, ttl time.Duration) error
	CacheResult(ctx context.Context, key, requestID string, decision *domain.ConsensusDecision, ttl time.Duration) error
	CacheError(ctx context.Context, key, requestID string, errResp *domain.ErrorResponse, ttl time.Duration) error
	// ScanInProgress lists in-progress keys older than the cutoff, for the
	// observability sweep only.
	ScanInProgress(ctx context.Context, cutoff time.Time) ([]string, error)
}

// IdempotencyService wraps the coordination cache with key normalization and
// the waiting protocol used by concurrent requesters.
type IdempotencyService struct {
	cache CoordinationCache
	ttl   time.Duration
}

func NewIdempotencyService(cache CoordinationCache, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{cache: cache, ttl: ttl}
}

// TTL returns the configured record lifetime.
func (s *IdempotencyService) TTL() time.Duration { return s.ttl }

// NormalizeKey trims and validates a caller-supplied key. An empty result
// means the caller opted out of idempotency.
func NormalizeKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", nil
	}
	if len(key) > 128 {
		return "", ErrIdempotencyKeyInvalid
	}
	for _, r := range key {
		if r < 33 || r > 126 {
			return "", ErrIdempotencyKeyInvalid
		}
	}
	return key, nil
}

// CheckKey reports the current record state for the key.
func (s *IdempotencyService) CheckKey(ctx context.Context, key string) (*CheckKeyResult, error) {
	res, err := s.cache.CheckKey(ctx, key)
	if err != nil {
		return nil, ErrIdempotencyStoreDown.WithCause(err)
	}
	return res, nil
}

// MarkInProgress claims the key for requestID.
func (s *IdempotencyService) MarkInProgress(ctx context.Context, key, requestID string) error {
	err := s.cache.MarkInProgress(ctx, key, requestID, s.ttl)
	if err == nil {
		return nil
	}
	if infraerrors.Reason(err) == infraerrors.Reason(ErrKeyAlreadyExists) {
		return err
	}
	return ErrIdempotencyStoreDown.WithCause(err)
}

// CacheResult publishes the terminal decision under the key.
func (s *IdempotencyService) CacheResult(ctx context.Context, key, requestID string, decision *domain.ConsensusDecision) error {
	if err := s.cache.CacheResult(ctx, key, requestID, decision, s.ttl); err != nil {
		return ErrIdempotencyStoreDown.WithCause(err)
	}
	return nil
}

// CacheError publishes the terminal failure under the key.
func (s *IdempotencyService) CacheError(ctx context.Context, key, requestID string, errResp *domain.ErrorResponse) error {
	if err := s.cache.CacheError(ctx, key, requestID, errResp, s.ttl); err != nil {
		return ErrIdempotencyStoreDown.WithCause(err)
	}
	return nil
}

// WaitForCompletion polls until the record reaches a terminal status, the key
// vanishes (ErrRequestNoLongerInCache), or the timeout elapses
// (ErrWaitTimeout). Poll interval is 100ms.
func (s *IdempotencyService) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) (*IdempotencyRecord, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		res, err := s.cache.CheckKey(ctx, key)
		if err != nil {
			return nil, ErrIdempotencyStoreDown.WithCause(err)
		}
		if !res.Exists {
			return nil, ErrRequestNoLongerInCache
		}
		switch res.Status {
		case IdempotencyStatusCompleted, IdempotencyStatusFailed:
			return res.Record, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
