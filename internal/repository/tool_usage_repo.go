package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/service"
)

type toolUsageRepository struct {
	sql sqlExecutor
}

func NewToolUsageRepository(sqlDB *sql.DB) service.ToolUsageRepository {
	return &toolUsageRepository{sql: sqlDB}
}

// AppendUsage writes one tool_usage row. Params and result serialize to JSON;
// a result that cannot marshal is stored as its error placeholder rather than
// failing the append.
func (r *toolUsageRepository) AppendUsage(ctx context.Context, call domain.ToolCall, result domain.ToolResult) error {
	paramsJSON, err := json.Marshal(call.Params)
	if err != nil {
		paramsJSON = []byte(`{"marshal_error":true}`)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(`{"marshal_error":true}`)
	}
	query := `
		INSERT INTO tool_usage (
			request_id, member_id, tool_name, params, result, success, latency_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.sql.ExecContext(ctx, query,
		call.RequestID, call.MemberID, call.Name,
		paramsJSON, resultJSON, result.Success,
		result.Latency.Milliseconds(), result.Timestamp)
	return err
}
