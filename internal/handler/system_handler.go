package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/councilproxy/internal/pkg/response"
	"github.com/quorumlabs/councilproxy/internal/service"
)

// SystemHandler serves health and fleet-status endpoints.
type SystemHandler struct {
	pool   *service.ProviderPool
	engine *service.ToolEngine
}

func NewSystemHandler(pool *service.ProviderPool, engine *service.ToolEngine) *SystemHandler {
	return &SystemHandler{pool: pool, engine: engine}
}

// ProviderHealth returns one provider's health and rate-limit snapshots.
func (h *SystemHandler) ProviderHealth(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		response.BadRequest(c, "provider is required")
		return
	}
	response.Success(c, gin.H{
		"health":    h.pool.HealthSnapshot(provider),
		"rateLimit": h.pool.RateLimitSnapshot(provider),
	})
}

// Tools lists the registered tool definitions.
func (h *SystemHandler) Tools(c *gin.Context) {
	response.Success(c, h.engine.AvailableTools())
}
