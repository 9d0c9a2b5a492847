package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	libconfig "evrewards/backend/libs/config"
	"evrewards/backend/services/rewards-service/internal/models"
	"evrewards/backend/services/rewards-service/internal/service"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	// DriverMemory keeps state in process and copies it on every transaction.
	// It is meant for local runs and tests, so it cannot be combined with Redis or RabbitMQ.
	DriverMemory = "memory"
)

// Config defines rewards service configuration.
type Config struct {
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL"`

	HTTP struct {
		Port string `yaml:"port" env:"REWARDS_HTTP_PORT"`
	} `yaml:"http"`

	Database struct {
		Driver       string `yaml:"driver" env:"REWARDS_DB_DRIVER"`
		DSN          string `yaml:"dsn" env:"REWARDS_POSTGRES_DSN"`
		MaxOpenConns int    `yaml:"maxOpenConns" env:"REWARDS_DB_MAX_OPEN_CONNS"`
		AutoMigrate  bool   `yaml:"autoMigrate" env:"REWARDS_DB_AUTO_MIGRATE"`
	} `yaml:"database"`

	Redis struct {
		Addr            string `yaml:"addr" env:"REWARDS_REDIS_ADDR"`
		Password        string `yaml:"password" env:"REWARDS_REDIS_PASSWORD"`
		DB              int    `yaml:"db" env:"REWARDS_REDIS_DB"`
		CacheTTLSeconds int    `yaml:"cacheTtlSeconds" env:"REWARDS_REDIS_CACHE_TTL"`
		LockTTLSeconds  int    `yaml:"lockTtlSeconds" env:"REWARDS_REDIS_LOCK_TTL"`
	} `yaml:"redis"`

	Rabbit struct {
		URL           string `yaml:"url" env:"REWARDS_RABBIT_URL"`
		WebhookQueue  string `yaml:"webhookQueue" env:"REWARDS_RABBIT_WEBHOOK_QUEUE"`
		LocationQueue string `yaml:"locationQueue" env:"REWARDS_RABBIT_LOCATION_QUEUE"`
		Prefetch      int    `yaml:"prefetch" env:"REWARDS_RABBIT_PREFETCH"`
		Workers       int    `yaml:"workers" env:"REWARDS_RABBIT_WORKERS"`
	} `yaml:"rabbit"`

	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"REWARDS_JWT_SECRET"`
	} `yaml:"auth"`

	Tracking struct {
		IdleTimeoutSeconds   int     `yaml:"idleTimeoutSeconds" env:"REWARDS_TRACKING_IDLE_TIMEOUT"`
		MinDwellSeconds      int     `yaml:"minDwellSeconds" env:"REWARDS_TRACKING_MIN_DWELL"`
		StableSamplesForHigh int     `yaml:"stableSamplesForHigh" env:"REWARDS_TRACKING_STABLE_SAMPLES"`
		StabilityRadiusM     float64 `yaml:"stabilityRadiusM" env:"REWARDS_TRACKING_STABILITY_RADIUS_M"`
		MaxAccuracyM         float64 `yaml:"maxAccuracyM" env:"REWARDS_TRACKING_MAX_ACCURACY_M"`
		MaxGeofenceRadiusM   float64 `yaml:"maxGeofenceRadiusM" env:"REWARDS_TRACKING_MAX_GEOFENCE_M"`
	} `yaml:"tracking"`

	Matching struct {
		RadiusM              float64 `yaml:"radiusM" env:"REWARDS_MATCH_RADIUS_M"`
		SlackSeconds         int     `yaml:"slackSeconds" env:"REWARDS_MATCH_SLACK"`
		RetentionHours       int     `yaml:"retentionHours" env:"REWARDS_MATCH_RETENTION_HOURS"`
		SweepIntervalSeconds int     `yaml:"sweepIntervalSeconds" env:"REWARDS_SWEEP_INTERVAL"`
		BatchSize            int     `yaml:"batchSize" env:"REWARDS_SWEEP_BATCH_SIZE"`
	} `yaml:"matching"`

	Rewards struct {
		RewardShare   string `yaml:"rewardShare" env:"REWARDS_REWARD_SHARE"`
		FollowerShare string `yaml:"followerShare" env:"REWARDS_FOLLOWER_SHARE"`
	} `yaml:"rewards"`

	Reputation struct {
		PointsPerCharge   int64  `yaml:"pointsPerCharge" env:"REWARDS_POINTS_PER_CHARGE"`
		PointsPerKWh      string `yaml:"pointsPerKWh" env:"REWARDS_POINTS_PER_KWH"`
		StreakBonus       int64  `yaml:"streakBonus" env:"REWARDS_STREAK_BONUS"`
		SilverThreshold   int64  `yaml:"silverThreshold" env:"REWARDS_TIER_SILVER"`
		GoldThreshold     int64  `yaml:"goldThreshold" env:"REWARDS_TIER_GOLD"`
		PlatinumThreshold int64  `yaml:"platinumThreshold" env:"REWARDS_TIER_PLATINUM"`
	} `yaml:"reputation"`

	Audit struct {
		IntervalSeconds int `yaml:"intervalSeconds" env:"REWARDS_AUDIT_INTERVAL"`
	} `yaml:"audit"`

	WS struct {
		PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"REWARDS_WS_PING_INTERVAL"`
		WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"REWARDS_WS_WRITE_TIMEOUT"`
	} `yaml:"ws"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.HTTP.Port = "8086"
	cfg.Database.Driver = DriverPostgres
	cfg.Database.MaxOpenConns = 25
	cfg.Redis.CacheTTLSeconds = 86400
	cfg.Redis.LockTTLSeconds = 10
	cfg.Rabbit.Prefetch = 32
	cfg.Rabbit.Workers = 4

	cfg.Tracking.IdleTimeoutSeconds = 900
	cfg.Tracking.MinDwellSeconds = 300
	cfg.Tracking.StableSamplesForHigh = 5
	cfg.Tracking.StabilityRadiusM = 30
	cfg.Tracking.MaxAccuracyM = 50
	cfg.Tracking.MaxGeofenceRadiusM = 1000

	cfg.Matching.RadiusM = 150
	cfg.Matching.SlackSeconds = 900
	cfg.Matching.RetentionHours = 24
	cfg.Matching.SweepIntervalSeconds = 60
	cfg.Matching.BatchSize = 500

	cfg.Rewards.RewardShare = "1"
	cfg.Rewards.FollowerShare = "0.10"

	cfg.Reputation.PointsPerCharge = 10
	cfg.Reputation.PointsPerKWh = "1"
	cfg.Reputation.StreakBonus = 2
	cfg.Reputation.SilverThreshold = 100
	cfg.Reputation.GoldThreshold = 500
	cfg.Reputation.PlatinumThreshold = 2000

	cfg.Audit.IntervalSeconds = 3600
	cfg.WS.PingIntervalSeconds = 30
	cfg.WS.WriteTimeoutSeconds = 10
	return cfg
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from path plus environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfigFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and ranges.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required")
		}
	case DriverMemory:
		if c.RedisEnabled() || c.RabbitEnabled() {
			return errors.New("config: memory driver is for local runs; unset redis and rabbit or use postgres")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}

	if c.Rabbit.URL != "" && c.Rabbit.WebhookQueue == "" && c.Rabbit.LocationQueue == "" {
		return errors.New("config: rabbit url set without queues")
	}
	if c.Tracking.IdleTimeoutSeconds <= 0 || c.Tracking.MinDwellSeconds < 0 {
		return errors.New("config: tracking timeouts must be positive")
	}
	if c.Tracking.MaxGeofenceRadiusM <= 0 {
		return errors.New("config: tracking maxGeofenceRadiusM must be positive")
	}
	if c.Matching.RadiusM <= 0 || c.Matching.SlackSeconds < 0 || c.Matching.RetentionHours <= 0 {
		return errors.New("config: matching radius, slack and retention must be positive")
	}
	if c.Matching.BatchSize <= 0 {
		return errors.New("config: matching batchSize must be positive")
	}
	for name, raw := range map[string]string{
		"rewards.rewardShare":     c.Rewards.RewardShare,
		"rewards.followerShare":   c.Rewards.FollowerShare,
		"reputation.pointsPerKWh": c.Reputation.PointsPerKWh,
	} {
		if _, err := parseFraction(raw, name == "reputation.pointsPerKWh"); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	r := c.Reputation
	if !(0 < r.SilverThreshold && r.SilverThreshold < r.GoldThreshold && r.GoldThreshold < r.PlatinumThreshold) {
		return errors.New("config: tier thresholds must be increasing and positive")
	}
	return nil
}

// parseFraction accepts values in [0,1], or any non-negative value when unbounded.
func parseFraction(raw string, unbounded bool) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() || (!unbounded && d.GreaterThan(decimal.NewFromInt(1))) {
		return decimal.Zero, fmt.Errorf("%s out of range", raw)
	}
	return d, nil
}

// HTTPAddress returns the listen address. A bare port becomes :port.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8086"
	}
	if strings.Contains(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// RedisEnabled reports whether a redis address is configured.
func (c *Config) RedisEnabled() bool { return strings.TrimSpace(c.Redis.Addr) != "" }

// RabbitEnabled reports whether broker intake is configured.
func (c *Config) RabbitEnabled() bool { return strings.TrimSpace(c.Rabbit.URL) != "" }

// CacheTTL returns the session snapshot ttl.
func (c *Config) CacheTTL() time.Duration { return seconds(c.Redis.CacheTTLSeconds, 24*time.Hour) }

// LockTTL returns the distributed lock ttl.
func (c *Config) LockTTL() time.Duration { return seconds(c.Redis.LockTTLSeconds, 10*time.Second) }

// SweepInterval returns the background sweep period.
func (c *Config) SweepInterval() time.Duration {
	return seconds(c.Matching.SweepIntervalSeconds, time.Minute)
}

// AuditInterval returns the balance audit period. Zero disables the audit.
func (c *Config) AuditInterval() time.Duration {
	if c.Audit.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Audit.IntervalSeconds) * time.Second
}

// PingInterval returns the websocket keepalive period.
func (c *Config) PingInterval() time.Duration {
	return seconds(c.WS.PingIntervalSeconds, 30*time.Second)
}

// WriteTimeout returns the websocket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return seconds(c.WS.WriteTimeoutSeconds, 10*time.Second)
}

// Policies converts the tunables into service policies. Call after Validate.
func (c *Config) Policies() service.Policies {
	rewardShare, _ := parseFraction(c.Rewards.RewardShare, false)
	followerShare, _ := parseFraction(c.Rewards.FollowerShare, false)
	perKWh, _ := parseFraction(c.Reputation.PointsPerKWh, true)

	return service.Policies{
		Tracking: service.TrackingPolicy{
			IdleTimeout:          time.Duration(c.Tracking.IdleTimeoutSeconds) * time.Second,
			MinDwell:             time.Duration(c.Tracking.MinDwellSeconds) * time.Second,
			StableSamplesForHigh: c.Tracking.StableSamplesForHigh,
			StabilityRadiusM:     c.Tracking.StabilityRadiusM,
			MaxAccuracyM:         c.Tracking.MaxAccuracyM,
			MaxGeofenceRadiusM:   c.Tracking.MaxGeofenceRadiusM,
		},
		Matching: service.MatchPolicy{
			RadiusM:     c.Matching.RadiusM,
			Slack:       time.Duration(c.Matching.SlackSeconds) * time.Second,
			Retention:   time.Duration(c.Matching.RetentionHours) * time.Hour,
			BatchSize:   c.Matching.BatchSize,
			RewardShare: rewardShare,
		},
		Reputation: service.ReputationPolicy{
			PointsPerCharge: c.Reputation.PointsPerCharge,
			PointsPerKWh:    perKWh,
			StreakBonus:     c.Reputation.StreakBonus,
			Tiers: models.TierThresholds{
				Silver:   c.Reputation.SilverThreshold,
				Gold:     c.Reputation.GoldThreshold,
				Platinum: c.Reputation.PlatinumThreshold,
			},
			FollowerShare: followerShare,
		},
		MaxGeofenceM: c.Tracking.MaxGeofenceRadiusM,
	}
}

func seconds(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}
