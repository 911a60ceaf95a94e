// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Providers    ProvidersConfig    `mapstructure:"providers"`
	Council      CouncilConfig      `mapstructure:"council"`
	Deliberation DeliberationConfig `mapstructure:"deliberation"`
	Synthesis    SynthesisConfig    `mapstructure:"synthesis"`
	Iterative    IterativeConfig    `mapstructure:"iterative_consensus"`
	Performance  PerformanceConfig  `mapstructure:"performance"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Timezone     string             `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // gin mode: debug | release | test
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a lib/pq connection string.
func (d *DatabaseConfig) DSN() string {
	if d.Password == "" {
		return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, d.SSLMode)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ProvidersConfig carries the outbound credentials and HTTP identity.
type ProvidersConfig struct {
	UserAgent       string           `mapstructure:"user_agent"`
	ProxyURL        string           `mapstructure:"proxy_url"`
	AnthropicAPIKey string           `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string           `mapstructure:"openai_api_key"`
	Compat          []CompatUpstream `mapstructure:"compat"`
}

// CompatUpstream is one OpenAI-compatible endpoint reachable via the generic
// adapter.
type CompatUpstream struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// CouncilConfig seeds the default fleet used when no versioned configuration
// row exists yet.
type CouncilConfig struct {
	Members                    []MemberConfig `mapstructure:"members"`
	MinimumSize                int            `mapstructure:"minimum_size"`
	RequireMinimumForConsensus bool           `mapstructure:"require_minimum_for_consensus"`
}

type MemberConfig struct {
	ID             string  `mapstructure:"id"`
	Provider       string  `mapstructure:"provider"`
	Model          string  `mapstructure:"model"`
	Weight         float64 `mapstructure:"weight"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	Multiplier     float64 `mapstructure:"backoff_multiplier"`
}

type DeliberationConfig struct {
	Rounds int `mapstructure:"rounds"`
}

type SynthesisConfig struct {
	Strategy string `mapstructure:"strategy"`
}

type IterativeConfig struct {
	MaxRounds          int     `mapstructure:"max_rounds"`
	AgreementThreshold float64 `mapstructure:"agreement_threshold"`
	DeadlockWindow     int     `mapstructure:"deadlock_window"`
	DeadlockTolerance  float64 `mapstructure:"deadlock_tolerance"`
	NegotiationMode    string  `mapstructure:"negotiation_mode"`
	EmbeddingModel     string  `mapstructure:"embedding_model"`
}

type PerformanceConfig struct {
	GlobalTimeoutSeconds int `mapstructure:"global_timeout_seconds"`
}

type BudgetConfig struct {
	// DefaultEstimatedCost is charged against caps at admission when no
	// pricing row resolves for the member's model.
	DefaultEstimatedCost float64 `mapstructure:"default_estimated_cost"`
	RotationEnabled      bool    `mapstructure:"rotation_enabled"`
}

type ToolsConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
}

type EmbeddingConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"` // falls back to providers.openai_api_key
}

type IdempotencyConfig struct {
	TTLSeconds       int `mapstructure:"ttl_seconds"`
	WaitTimeoutMs    int `mapstructure:"wait_timeout_ms"`
	SweepIntervalMin int `mapstructure:"sweep_interval_min"`
}

// Load reads config.yaml (search path: $DATA_DIR, ., ./config,
// /etc/councilproxy), applies environment overrides, and validates.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/councilproxy")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "councilproxy")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.dbname", "councilproxy")
	viper.SetDefault("database.sslmode", "prefer")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("providers.user_agent", "councilproxy/1.0")

	viper.SetDefault("council.minimum_size", 2)
	viper.SetDefault("council.require_minimum_for_consensus", true)

	viper.SetDefault("deliberation.rounds", 1)
	viper.SetDefault("synthesis.strategy", domain.StrategyConsensusExtraction)

	viper.SetDefault("iterative_consensus.max_rounds", 5)
	viper.SetDefault("iterative_consensus.agreement_threshold", 0.85)
	viper.SetDefault("iterative_consensus.deadlock_window", 3)
	viper.SetDefault("iterative_consensus.deadlock_tolerance", 0.01)
	viper.SetDefault("iterative_consensus.negotiation_mode", domain.NegotiationModeParallel)
	viper.SetDefault("iterative_consensus.embedding_model", "text-embedding-3-small")

	viper.SetDefault("performance.global_timeout_seconds", 120)

	viper.SetDefault("budget.default_estimated_cost", 0.01)
	viper.SetDefault("budget.rotation_enabled", true)

	viper.SetDefault("tools.default_timeout_seconds", 30)

	viper.SetDefault("embedding.model", "text-embedding-3-small")

	viper.SetDefault("idempotency.ttl_seconds", 86400)
	viper.SetDefault("idempotency.wait_timeout_ms", 120000)
	viper.SetDefault("idempotency.sweep_interval_min", 10)

	viper.SetDefault("timezone", "Local")
}

// Validate rejects configurations the pipeline cannot run under.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Performance.GlobalTimeoutSeconds <= 0 {
		return fmt.Errorf("config: performance.global_timeout_seconds must be > 0")
	}
	if c.Tools.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config: tools.default_timeout_seconds must be > 0")
	}
	if c.Idempotency.TTLSeconds <= 0 {
		return fmt.Errorf("config: idempotency.ttl_seconds must be > 0")
	}
	if c.Council.MinimumSize < 1 {
		return fmt.Errorf("config: council.minimum_size must be >= 1")
	}
	for _, m := range c.Council.Members {
		if m.ID == "" || m.Provider == "" || m.Model == "" {
			return fmt.Errorf("config: council member requires id, provider, and model")
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone used for budget period bounds.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "Local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// CouncilSnapshot converts the file-based council seed into the runtime
// request config shape.
func (c *Config) CouncilSnapshot() domain.RequestConfig {
	members := make([]domain.CouncilMember, 0, len(c.Council.Members))
	for _, m := range c.Council.Members {
		member := domain.CouncilMember{
			ID:             m.ID,
			Provider:       m.Provider,
			Model:          m.Model,
			Weight:         m.Weight,
			TimeoutSeconds: m.TimeoutSeconds,
			RetryPolicy: domain.RetryPolicy{
				MaxAttempts:         m.MaxAttempts,
				InitialDelayMs:      m.InitialDelayMs,
				MaxDelayMs:          m.MaxDelayMs,
				BackoffMultiplier:   m.Multiplier,
				RetryableErrorCodes: domain.DefaultRetryableErrorCodes(),
			},
		}
		if member.TimeoutSeconds <= 0 {
			member.TimeoutSeconds = 60
		}
		if member.RetryPolicy.MaxAttempts <= 0 {
			member.RetryPolicy.MaxAttempts = 3
		}
		if member.RetryPolicy.InitialDelayMs <= 0 {
			member.RetryPolicy.InitialDelayMs = 500
		}
		if member.RetryPolicy.MaxDelayMs < member.RetryPolicy.InitialDelayMs {
			member.RetryPolicy.MaxDelayMs = member.RetryPolicy.InitialDelayMs
		}
		if member.RetryPolicy.BackoffMultiplier <= 1 {
			member.RetryPolicy.BackoffMultiplier = 2
		}
		members = append(members, member)
	}
	return domain.RequestConfig{
		Council: domain.CouncilConfig{
			Members:                    members,
			MinimumSize:                c.Council.MinimumSize,
			RequireMinimumForConsensus: c.Council.RequireMinimumForConsensus,
		},
		Deliberation: domain.DeliberationConfig{Rounds: c.Deliberation.Rounds},
		Synthesis:    domain.SynthesisConfig{Strategy: c.Synthesis.Strategy},
		Iterative: domain.IterativeConsensusConfig{
			MaxRounds:          c.Iterative.MaxRounds,
			AgreementThreshold: c.Iterative.AgreementThreshold,
			DeadlockWindow:     c.Iterative.DeadlockWindow,
			DeadlockTolerance:  c.Iterative.DeadlockTolerance,
			NegotiationMode:    c.Iterative.NegotiationMode,
			EmbeddingModel:     c.Iterative.EmbeddingModel,
		},
		Performance:  domain.PerformanceConfig{GlobalTimeoutSeconds: c.Performance.GlobalTimeoutSeconds},
		Transparency: domain.TransparencyConfig{AttributeMembers: true},
	}
}
