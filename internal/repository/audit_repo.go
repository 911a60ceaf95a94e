package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

type auditRepository struct {
	sql sqlExecutor
}

func NewAuditRepository(sqlDB *sql.DB) service.AuditRepository {
	return &auditRepository{sql: sqlDB}
}

// SaveRequest upserts the terminal request row. The insert is idempotent on
// request id so a publication retry never duplicates the audit trail.
func (r *auditRepository) SaveRequest(ctx context.Context, req domain.UserRequest, status string, decision *domain.ConsensusDecision, completedAt time.Time) error {
	var decisionJSON []byte
	if decision != nil {
		var err error
		decisionJSON, err = json.Marshal(decision)
		if err != nil {
			return err
		}
	}
	query := `
		INSERT INTO requests (
			id, query, session_id, idempotency_key, status, consensus_decision, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			consensus_decision = EXCLUDED.consensus_decision,
			completed_at = EXCLUDED.completed_at
	`
	_, err := r.sql.ExecContext(ctx, query,
		req.ID, req.Query, nullString(req.SessionID), nullString(req.IdempotencyKey),
		status, nullBytes(decisionJSON), req.Timestamp, completedAt)
	return err
}

// SaveThread persists rounds in round order and each round's exchanges sorted
// by timestamp ascending.
func (r *auditRepository) SaveThread(ctx context.Context, thread domain.DeliberationThread) error {
	rounds := append([]domain.DeliberationRound(nil), thread.Rounds...)
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].RoundNumber < rounds[j].RoundNumber })

	roundQuery := `
		INSERT INTO deliberation_rounds (request_id, round_number)
		VALUES ($1, $2)
		ON CONFLICT (request_id, round_number) DO NOTHING
	`
	exchangeQuery := `
		INSERT INTO exchanges (
			request_id, round_number, member_id, content,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id, round_number, member_id) DO NOTHING
	`
	for _, round := range rounds {
		if _, err := r.sql.ExecContext(ctx, roundQuery, thread.RequestID, round.RoundNumber); err != nil {
			return err
		}
		exchanges := append([]domain.Exchange(nil), round.Exchanges...)
		sort.SliceStable(exchanges, func(i, j int) bool { return exchanges[i].Timestamp.Before(exchanges[j].Timestamp) })
		for _, e := range exchanges {
			if _, err := r.sql.ExecContext(ctx, exchangeQuery,
				thread.RequestID, round.RoundNumber, e.MemberID, e.Content,
				e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Usage.TotalTokens,
				e.Latency.Milliseconds(), e.Timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *auditRepository) SaveCosts(ctx context.Context, requestID string, costs []domain.MemberCost) error {
	query := `
		INSERT INTO request_costs (request_id, member_id, provider_id, cost)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, member_id) DO UPDATE SET cost = EXCLUDED.cost
	`
	for _, c := range costs {
		if _, err := r.sql.ExecContext(ctx, query, requestID, c.MemberID, c.Provider, c.Cost); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
