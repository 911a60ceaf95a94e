package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/response"
	"github.com/quorumlabs/councilproxy/internal/service"
)

// CouncilHandler exposes the query pipeline to the gateway.
type CouncilHandler struct {
	orchestrator *service.Orchestrator
	configSvc    *service.ConfigService
}

func NewCouncilHandler(orchestrator *service.Orchestrator, configSvc *service.ConfigService) *CouncilHandler {
	return &CouncilHandler{orchestrator: orchestrator, configSvc: configSvc}
}

// QueryRequest is the inbound contract from the gateway.
type QueryRequest struct {
	Query          string           `json:"query" binding:"required"`
	SessionID      string           `json:"sessionId"`
	Streaming      bool             `json:"streaming"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Context        []ContextMessage `json:"context"`
}

type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryResponse is the outbound contract.
type QueryResponse struct {
	RequestID         string                    `json:"requestId"`
	Status            string                    `json:"status"`
	ConsensusDecision *domain.ConsensusDecision `json:"consensusDecision,omitempty"`
	CreatedAt         time.Time                 `json:"createdAt"`
	CompletedAt       *time.Time                `json:"completedAt,omitempty"`
	FromCache         bool                      `json:"fromCache,omitempty"`
}

// Query runs one request through the full pipeline and returns the decision.
func (h *CouncilHandler) Query(c *gin.Context) {
	var body QueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "query is required")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		response.BadRequest(c, "query is required")
		return
	}

	req := domain.UserRequest{
		Query:          body.Query,
		SessionID:      body.SessionID,
		IdempotencyKey: body.IdempotencyKey,
		Timestamp:      time.Now(),
	}
	if len(body.Context) > 0 {
		msgs := make([]domain.ContextMessage, 0, len(body.Context))
		approx := 0
		for _, m := range body.Context {
			role := domain.RoleUser
			if m.Role == domain.RoleAssistant {
				role = domain.RoleAssistant
			}
			msgs = append(msgs, domain.ContextMessage{Role: role, Content: m.Content})
			approx += len(m.Content) / 4
		}
		req.Context = &domain.ConversationContext{Messages: msgs, ApproxTokens: approx, ConversationID: body.SessionID}
	}

	cfg := h.configSvc.CouncilConfig(c.Request.Context())
	result, err := h.orchestrator.Execute(c.Request.Context(), req, cfg)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	completedAt := time.Now()
	response.Success(c, QueryResponse{
		RequestID:         result.RequestID,
		Status:            result.Status,
		ConsensusDecision: result.Decision,
		CreatedAt:         req.Timestamp,
		CompletedAt:       &completedAt,
		FromCache:         result.FromCache,
	})
}
