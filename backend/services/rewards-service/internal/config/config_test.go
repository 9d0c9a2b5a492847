package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evrewards/backend/services/rewards-service/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
matching:
  radiusM: 200
  slackSeconds: 600
rewards:
  rewardShare: "0.08"
reputation:
  silverThreshold: 50
  goldThreshold: 200
  platinumThreshold: 1000
`)
	t.Setenv("REWARDS_HTTP_PORT", "9090")
	t.Setenv("REWARDS_TRACKING_MIN_DWELL", "120")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, DriverMemory, cfg.Database.Driver)
	require.False(t, cfg.RedisEnabled())
	require.False(t, cfg.RabbitEnabled())
	require.Equal(t, time.Hour, cfg.AuditInterval())
	require.Equal(t, 24*time.Hour, cfg.CacheTTL())

	policies := cfg.Policies()
	require.Equal(t, 2*time.Minute, policies.Tracking.MinDwell)
	require.Equal(t, 15*time.Minute, policies.Tracking.IdleTimeout)
	require.Equal(t, 200.0, policies.Matching.RadiusM)
	require.Equal(t, 10*time.Minute, policies.Matching.Slack)
	require.Equal(t, 24*time.Hour, policies.Matching.Retention)
	require.Equal(t, "0.08", policies.Matching.RewardShare.String())
	require.Equal(t, "0.1", policies.Reputation.FollowerShare.String())
	require.Equal(t, models.TierThresholds{Silver: 50, Gold: 200, Platinum: 1000}, policies.Reputation.Tiers)
	require.Equal(t, 1000.0, policies.MaxGeofenceM)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(c *Config){
		"postgres without dsn":  func(c *Config) { c.Database.DSN = "" },
		"unknown driver":        func(c *Config) { c.Database.Driver = "sqlite" },
		"rabbit without queues": func(c *Config) { c.Rabbit.URL = "amqp://localhost" },
		"share above one":       func(c *Config) { c.Rewards.RewardShare = "1.5" },
		"negative share":        func(c *Config) { c.Rewards.FollowerShare = "-0.1" },
		"share not a number":    func(c *Config) { c.Rewards.FollowerShare = "ten percent" },
		"tiers out of order":    func(c *Config) { c.Reputation.GoldThreshold = 50 },
		"zero batch":            func(c *Config) { c.Matching.BatchSize = 0 },
		"zero retention":        func(c *Config) { c.Matching.RetentionHours = 0 },
		"memory with redis": func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Redis.Addr = "localhost:6379"
		},
		"memory with rabbit": func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Rabbit.URL = "amqp://localhost"
			c.Rabbit.WebhookQueue = "pos"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.DSN = "postgres://localhost/rewards"
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Database.Driver = " Memory "
	cfg.Reputation.PointsPerKWh = "2.5"
	require.NoError(t, cfg.Validate())
	require.Equal(t, DriverMemory, cfg.Database.Driver)
	require.Equal(t, "2.5", cfg.Policies().Reputation.PointsPerKWh.String())
}

func TestHTTPAddress(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8086", cfg.HTTPAddress())
	cfg.HTTP.Port = ":7000"
	require.Equal(t, ":7000", cfg.HTTPAddress())
	cfg.HTTP.Port = "127.0.0.1:7000"
	require.Equal(t, "127.0.0.1:7000", cfg.HTTPAddress())
	cfg.HTTP.Port = " "
	require.Equal(t, ":8086", cfg.HTTPAddress())
}
