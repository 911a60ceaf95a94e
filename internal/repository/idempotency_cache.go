package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

const idempotencyKeyPrefix = "idempotency:"

func idempotencyKey(key string) string {
	return idempotencyKeyPrefix + key
}

// idempotencyCache stores coordination records in redis. SETNX gives the
// cross-process atomicity MarkInProgress requires; terminal writes are plain
// SETs (last-writer-wins is acceptable on terminal states).
type idempotencyCache struct {
	rdb *redis.Client
}

func NewIdempotencyCache(rdb *redis.Client) service.CoordinationCache {
	return &idempotencyCache{rdb: rdb}
}

// cachedRecord is the wire form. Timestamp round-trips as RFC 3339 so dates
// are restored as dates on read.
type cachedRecord struct {
	RequestID     string                    `json:"request_id"`
	Status        string                    `json:"status"`
	Decision      *domain.ConsensusDecision `json:"decision,omitempty"`
	ErrorResponse *domain.ErrorResponse     `json:"error_response,omitempty"`
	Timestamp     time.Time                 `json:"timestamp"`
}

func (c *idempotencyCache) CheckKey(ctx context.Context, key string) (*service.CheckKeyResult, error) {
	raw, err := c.rdb.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return &service.CheckKeyResult{Exists: false, Status: service.IdempotencyStatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec cachedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &service.CheckKeyResult{
		Exists: true,
		Status: rec.Status,
		Record: &service.IdempotencyRecord{
			RequestID:     rec.RequestID,
			Status:        rec.Status,
			Decision:      rec.Decision,
			ErrorResponse: rec.ErrorResponse,
			Timestamp:     rec.Timestamp,
		},
	}, nil
}

func (c *idempotencyCache) MarkInProgress(ctx context.Context, key, requestID string, ttl time.Duration) error {
	raw, err := json.Marshal(cachedRecord{
		RequestID: requestID,
		Status:    service.IdempotencyStatusInProgress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ok, err := c.rdb.SetNX(ctx, idempotencyKey(key), raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return service.ErrKeyAlreadyExists
	}
	return nil
}

func (c *idempotencyCache) CacheResult(ctx context.Context, key, requestID string, decision *domain.ConsensusDecision, ttl time.Duration) error {
	return c.setTerminal(ctx, key, cachedRecord{
		RequestID: requestID,
		Status:    service.IdempotencyStatusCompleted,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
	}, ttl)
}

func (c *idempotencyCache) CacheError(ctx context.Context, key, requestID string, errResp *domain.ErrorResponse, ttl time.Duration) error {
	return c.setTerminal(ctx, key, cachedRecord{
		RequestID:     requestID,
		Status:        service.IdempotencyStatusFailed,
		ErrorResponse: errResp,
		Timestamp:     time.Now().UTC(),
	}, ttl)
}

func (c *idempotencyCache) setTerminal(ctx context.Context, key string, rec cachedRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, idempotencyKey(key), raw, ttl).Err()
}

func (c *idempotencyCache) ScanInProgress(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	iter := c.rdb.Scan(ctx, 0, idempotencyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		raw, err := c.rdb.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec cachedRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Status == service.IdempotencyStatusInProgress && rec.Timestamp.Before(cutoff) {
			stale = append(stale, fullKey[len(idempotencyKeyPrefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return stale, nil
}
