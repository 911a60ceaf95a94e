package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

var ErrConfigNotFound = infraerrors.NotFound("CONFIG_NOT_FOUND", "no active configuration of that type")

// ConfigRepository is the versioned configurations store. SaveConfig writes
// version MAX(version)+1 and deactivates prior rows; concurrent writers are
// last-write-wins at the active column.
type ConfigRepository interface {
	ActiveConfig(ctx context.Context, configType string) (*domain.ConfigRecord, error)
	SaveConfig(ctx context.Context, configType string, data json.RawMessage) (*domain.ConfigRecord, error)
	ListVersions(ctx context.Context, configType string) ([]domain.ConfigRecord, error)
}

// ConfigService serves the effective request config: the latest active
// database row when present, else the static snapshot loaded at boot.
type ConfigService struct {
	repo     ConfigRepository
	fallback domain.RequestConfig
}

func NewConfigService(repo ConfigRepository, fallback domain.RequestConfig) *ConfigService {
	return &ConfigService{repo: repo, fallback: fallback}
}

// CouncilConfig resolves the config snapshot a new request runs under.
// Storage failures and missing rows fall back to the boot config.
func (s *ConfigService) CouncilConfig(ctx context.Context) domain.RequestConfig {
	if s.repo == nil {
		return s.fallback
	}
	record, err := s.repo.ActiveConfig(ctx, domain.ConfigTypeCouncil)
	if err != nil || record == nil {
		if err != nil {
			logger.L().Warn("config: failed to load active council config, using boot config", zap.Error(err))
		}
		return s.fallback
	}

	var cfg domain.RequestConfig
	if err := json.Unmarshal(record.Data, &cfg); err != nil {
		logger.L().Error("config: stored council config is malformed, using boot config",
			zap.Int("version", record.Version), zap.Error(err))
		return s.fallback
	}
	if err := cfg.Validate(); err != nil {
		logger.L().Error("config: stored council config is invalid, using boot config",
			zap.Int("version", record.Version), zap.Error(err))
		return s.fallback
	}
	return cfg
}

// UpdateCouncilConfig validates and stores a new council config version.
func (s *ConfigService) UpdateCouncilConfig(ctx context.Context, cfg domain.RequestConfig) (*domain.ConfigRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, infraerrors.BadRequest("CONFIG_INVALID", err.Error())
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	record, err := s.repo.SaveConfig(ctx, domain.ConfigTypeCouncil, data)
	if err != nil {
		return nil, err
	}
	logger.L().Info("config: council config updated", zap.Int("version", record.Version))
	return record, nil
}

// History lists all stored versions of a config type, newest first.
func (s *ConfigService) History(ctx context.Context, configType string) ([]domain.ConfigRecord, error) {
	return s.repo.ListVersions(ctx, configType)
}
