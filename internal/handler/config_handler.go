package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/councilproxy/internal/domain"
	"github.com/quorumlabs/councilproxy/internal/pkg/response"
	"github.com/quorumlabs/councilproxy/internal/service"
)

// ConfigHandler manages the versioned council configuration.
type ConfigHandler struct {
	configSvc *service.ConfigService
}

func NewConfigHandler(configSvc *service.ConfigService) *ConfigHandler {
	return &ConfigHandler{configSvc: configSvc}
}

// GetConfig returns the effective request config.
func (h *ConfigHandler) GetConfig(c *gin.Context) {
	response.Success(c, h.configSvc.CouncilConfig(c.Request.Context()))
}

// UpdateConfig validates and stores a new config version.
func (h *ConfigHandler) UpdateConfig(c *gin.Context) {
	var cfg domain.RequestConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.BadRequest(c, "malformed config payload")
		return
	}
	record, err := h.configSvc.UpdateCouncilConfig(c.Request.Context(), cfg)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"version": record.Version, "updatedAt": record.UpdatedAt})
}

// History lists all stored versions, newest first.
func (h *ConfigHandler) History(c *gin.Context) {
	records, err := h.configSvc.History(c.Request.Context(), domain.ConfigTypeCouncil)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, records)
}
