package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func TestToolUsageRepository_AppendUsage(t *testing.T) {
	db, mock := testDB(t)
	repo := NewToolUsageRepository(db)

	ts := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	call := domain.ToolCall{
		Name:      "web_search",
		Params:    map[string]any{"query": "golang"},
		MemberID:  "claude",
		RequestID: "req-1",
	}
	result := domain.ToolResult{
		ToolName:  "web_search",
		Success:   true,
		Result:    map[string]any{"hits": 3},
		Latency:   120 * time.Millisecond,
		Timestamp: ts,
	}

	mock.ExpectExec("INSERT INTO tool_usage").
		WithArgs("req-1", "claude", "web_search",
			sqlmock.AnyArg(), sqlmock.AnyArg(), true, int64(120), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AppendUsage(context.Background(), call, result))
	require.NoError(t, mock.ExpectationsWereMet())
}
