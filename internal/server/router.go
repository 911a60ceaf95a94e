package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/councilproxy/internal/handler"
	"github.com/quorumlabs/councilproxy/internal/server/middleware"
)

// Handlers bundles every endpoint handler for router setup.
type Handlers struct {
	Council *handler.CouncilHandler
	Config  *handler.ConfigHandler
	System  *handler.SystemHandler
}

// SetupRouter wires middleware and routes onto the engine.
func SetupRouter(r *gin.Engine, h *Handlers) *gin.Engine {
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLogger())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/council/query", h.Council.Query)

		v1.GET("/config/council", h.Config.GetConfig)
		v1.PUT("/config/council", h.Config.UpdateConfig)
		v1.GET("/config/council/history", h.Config.History)

		v1.GET("/providers/:provider/health", h.System.ProviderHealth)
		v1.GET("/tools", h.System.Tools)
	}

	return r
}
