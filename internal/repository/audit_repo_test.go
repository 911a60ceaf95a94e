package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func TestAuditRepository_SaveRequest(t *testing.T) {
	db, mock := testDB(t)
	repo := NewAuditRepository(db)

	created := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	completed := created.Add(3 * time.Second)
	decision := &domain.ConsensusDecision{Content: "the answer", SynthesisStrategy: domain.StrategyConsensusExtraction}

	mock.ExpectExec("INSERT INTO requests").
		WithArgs("req-1", "what is the answer?", nil, "order-1",
			domain.RequestStatusCompleted, sqlmock.AnyArg(), created, completed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := domain.UserRequest{ID: "req-1", Query: "what is the answer?", IdempotencyKey: "order-1", Timestamp: created}
	require.NoError(t, repo.SaveRequest(context.Background(), req, domain.RequestStatusCompleted, decision, completed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_SaveRequestWithoutDecision(t *testing.T) {
	db, mock := testDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO requests").
		WithArgs("req-1", "q", nil, nil,
			domain.RequestStatusFailed, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := domain.UserRequest{ID: "req-1", Query: "q", Timestamp: time.Now()}
	require.NoError(t, repo.SaveRequest(context.Background(), req, domain.RequestStatusFailed, nil, time.Now()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_SaveThreadWritesRoundsInOrder(t *testing.T) {
	db, mock := testDB(t)
	repo := NewAuditRepository(db)

	base := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	thread := domain.DeliberationThread{
		RequestID: "req-1",
		// Rounds arrive out of order; persistence sorts them.
		Rounds: []domain.DeliberationRound{
			{RoundNumber: 1, Exchanges: []domain.Exchange{
				{MemberID: "claude", RoundNumber: 1, Content: "revised", Timestamp: base.Add(2 * time.Second)},
			}},
			{RoundNumber: 0, Exchanges: []domain.Exchange{
				{MemberID: "gpt", RoundNumber: 0, Content: "second", Timestamp: base.Add(time.Second)},
				{MemberID: "claude", RoundNumber: 0, Content: "first", Timestamp: base},
			}},
		},
	}

	mock.ExpectExec("INSERT INTO deliberation_rounds").
		WithArgs("req-1", 0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exchanges").
		WithArgs("req-1", 0, "claude", "first", 0, 0, 0, int64(0), base).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exchanges").
		WithArgs("req-1", 0, "gpt", "second", 0, 0, 0, int64(0), base.Add(time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO deliberation_rounds").
		WithArgs("req-1", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO exchanges").
		WithArgs("req-1", 1, "claude", "revised", 0, 0, 0, int64(0), base.Add(2*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveThread(context.Background(), thread))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_SaveCosts(t *testing.T) {
	db, mock := testDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO request_costs").
		WithArgs("req-1", "claude", "anthropic", 0.02).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO request_costs").
		WithArgs("req-1", "gpt", "openai", 0.03).
		WillReturnResult(sqlmock.NewResult(0, 1))

	costs := []domain.MemberCost{
		{MemberID: "claude", Provider: "anthropic", Cost: 0.02},
		{MemberID: "gpt", Provider: "openai", Cost: 0.03},
	}
	require.NoError(t, repo.SaveCosts(context.Background(), "req-1", costs))
	require.NoError(t, mock.ExpectationsWereMet())
}
