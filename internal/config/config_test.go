package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/councilproxy/internal/domain"
)

func validConfig() *Config {
	return &Config{
		Server:      ServerConfig{Port: 8080},
		Council:     CouncilConfig{MinimumSize: 2},
		Performance: PerformanceConfig{GlobalTimeoutSeconds: 120},
		Tools:       ToolsConfig{DefaultTimeoutSeconds: 30},
		Idempotency: IdempotencyConfig{TTLSeconds: 86400},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "global timeout",
			mutate:  func(c *Config) { c.Performance.GlobalTimeoutSeconds = 0 },
			wantErr: "global_timeout_seconds",
		},
		{
			name:    "tool timeout",
			mutate:  func(c *Config) { c.Tools.DefaultTimeoutSeconds = 0 },
			wantErr: "default_timeout_seconds",
		},
		{
			name:    "idempotency ttl",
			mutate:  func(c *Config) { c.Idempotency.TTLSeconds = 0 },
			wantErr: "ttl_seconds",
		},
		{
			name:    "minimum size",
			mutate:  func(c *Config) { c.Council.MinimumSize = 0 },
			wantErr: "minimum_size",
		},
		{
			name: "member missing model",
			mutate: func(c *Config) {
				c.Council.Members = []MemberConfig{{ID: "claude", Provider: "anthropic"}}
			},
			wantErr: "council member",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "app", DBName: "councilproxy", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=app dbname=councilproxy sslmode=disable", d.DSN())

	d.Password = "secret"
	require.Contains(t, d.DSN(), "password=secret")
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	require.Equal(t, "cache:6380", r.Addr())
}

func TestLocation(t *testing.T) {
	cfg := validConfig()
	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, time.Local, loc)

	cfg.Timezone = "America/New_York"
	loc, err = cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())
}

func TestCouncilSnapshotAppliesMemberDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Council.Members = []MemberConfig{
		{ID: "claude", Provider: "anthropic", Model: "claude-3"},
		{ID: "gpt", Provider: "openai", Model: "gpt-4o", Weight: 0.8, TimeoutSeconds: 45,
			MaxAttempts: 5, InitialDelayMs: 250, MaxDelayMs: 4000, Multiplier: 3},
	}
	cfg.Synthesis.Strategy = domain.StrategyConsensusExtraction
	cfg.Deliberation.Rounds = 1

	snap := cfg.CouncilSnapshot()
	require.Len(t, snap.Council.Members, 2)

	// Zero-valued member picks up the retry and timeout defaults and still
	// validates as a runnable config.
	defaulted := snap.Council.Members[0]
	require.Equal(t, 60, defaulted.TimeoutSeconds)
	require.Equal(t, 3, defaulted.RetryPolicy.MaxAttempts)
	require.Equal(t, 500, defaulted.RetryPolicy.InitialDelayMs)
	require.GreaterOrEqual(t, defaulted.RetryPolicy.MaxDelayMs, defaulted.RetryPolicy.InitialDelayMs)
	require.Equal(t, 2.0, defaulted.RetryPolicy.BackoffMultiplier)
	require.NoError(t, defaulted.RetryPolicy.Validate())

	// Explicit values pass through untouched.
	explicit := snap.Council.Members[1]
	require.Equal(t, 45, explicit.TimeoutSeconds)
	require.Equal(t, 5, explicit.RetryPolicy.MaxAttempts)
	require.Equal(t, 250, explicit.RetryPolicy.InitialDelayMs)
	require.Equal(t, 3.0, explicit.RetryPolicy.BackoffMultiplier)

	require.True(t, snap.Transparency.AttributeMembers)
	require.Equal(t, domain.StrategyConsensusExtraction, snap.Synthesis.Strategy)
	require.Equal(t, 1, snap.Deliberation.Rounds)
	require.NotEmpty(t, defaulted.RetryPolicy.RetryableErrorCodes)
}
