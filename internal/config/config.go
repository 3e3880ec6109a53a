// Package config loads the server configuration from a YAML file, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "config/config.yaml"

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Round   RoundConfig   `yaml:"round"`
	Wager   WagerConfig   `yaml:"wager"`
	Demo    DemoConfig    `yaml:"demo"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Bus     BusConfig     `yaml:"bus"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	AdminToken string `yaml:"admin_token"` // empty disables the admin routes
}

// RoundConfig holds the phase durations, in seconds.
type RoundConfig struct {
	BettingSeconds         int `yaml:"betting_seconds"`
	PlaySeconds            int `yaml:"play_seconds"`
	CooldownSeconds        int `yaml:"cooldown_seconds"`
	TransitionRetrySeconds int `yaml:"transition_retry_seconds"`
}

type WagerConfig struct {
	MaxAmount   decimal.Decimal `yaml:"max_amount"`
	FeeRate     decimal.Decimal `yaml:"fee_rate"`
	TiePolicy   string          `yaml:"tie_policy"` // down | refund
	PayoutScale int32           `yaml:"payout_scale"`
}

type DemoConfig struct {
	InitialBalance     decimal.Decimal `yaml:"initial_balance"`
	MaxBalance         decimal.Decimal `yaml:"max_balance"`
	IssueRatePerMinute float64         `yaml:"issue_rate_per_minute"`
	IssueBurst         int             `yaml:"issue_burst"`
}

type OracleConfig struct {
	TickMillis int             `yaml:"tick_millis"`
	StartPrice decimal.Decimal `yaml:"start_price"`
	Volatility decimal.Decimal `yaml:"volatility"` // max relative move per tick
}

type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"` // empty selects the in-memory store
}

type RedisConfig struct {
	URL             string `yaml:"url"`
	Channel         string `yaml:"channel"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	ReconciliationTopic string   `yaml:"reconciliation_topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies .env and environment
// overrides and fills defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	// fee_rate 0 and payout_scale 0 are valid settings, so their defaults are
	// set before parsing.
	cfg := Config{Wager: WagerConfig{FeeRate: decimal.RequireFromString("0.05"), PayoutScale: 2}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Wager.FeeRate.IsNegative() || c.Wager.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: wager.fee_rate must be in [0, 1), got %s", c.Wager.FeeRate)
	}
	if c.Wager.PayoutScale < 0 {
		return fmt.Errorf("config: wager.payout_scale must not be negative, got %d", c.Wager.PayoutScale)
	}
	switch c.Wager.TiePolicy {
	case "down", "refund":
	default:
		return fmt.Errorf("config: wager.tie_policy must be down or refund, got %q", c.Wager.TiePolicy)
	}
	if c.Demo.MaxBalance.LessThan(c.Demo.InitialBalance) {
		return fmt.Errorf("config: demo.max_balance %s below initial_balance %s", c.Demo.MaxBalance, c.Demo.InitialBalance)
	}
	return nil
}

func (c *Config) BettingDuration() time.Duration {
	return time.Duration(c.Round.BettingSeconds) * time.Second
}

func (c *Config) PlayDuration() time.Duration {
	return time.Duration(c.Round.PlaySeconds) * time.Second
}

func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Round.CooldownSeconds) * time.Second
}

func (c *Config) TransitionRetry() time.Duration {
	return time.Duration(c.Round.TransitionRetrySeconds) * time.Second
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Oracle.TickMillis) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FEE_RATE"); v != "" {
		if rate, err := decimal.NewFromString(v); err == nil {
			cfg.Wager.FeeRate = rate
		}
	}
	if v := os.Getenv("BETTING_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Round.BettingSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Round.BettingSeconds <= 0 {
		cfg.Round.BettingSeconds = 15
	}
	if cfg.Round.PlaySeconds <= 0 {
		cfg.Round.PlaySeconds = 30
	}
	if cfg.Round.CooldownSeconds <= 0 {
		cfg.Round.CooldownSeconds = 5
	}
	if cfg.Round.TransitionRetrySeconds <= 0 {
		cfg.Round.TransitionRetrySeconds = 2
	}
	if cfg.Wager.MaxAmount.LessThanOrEqual(decimal.Zero) {
		cfg.Wager.MaxAmount = decimal.NewFromInt(1000)
	}
	if cfg.Wager.TiePolicy == "" {
		cfg.Wager.TiePolicy = "down"
	}
	if cfg.Demo.InitialBalance.LessThanOrEqual(decimal.Zero) {
		cfg.Demo.InitialBalance = decimal.NewFromInt(1000)
	}
	if cfg.Demo.MaxBalance.LessThanOrEqual(decimal.Zero) {
		cfg.Demo.MaxBalance = decimal.NewFromInt(10000)
	}
	if cfg.Demo.IssueRatePerMinute <= 0 {
		cfg.Demo.IssueRatePerMinute = 6
	}
	if cfg.Demo.IssueBurst <= 0 {
		cfg.Demo.IssueBurst = 3
	}
	if cfg.Oracle.TickMillis <= 0 {
		cfg.Oracle.TickMillis = 1000
	}
	if cfg.Oracle.StartPrice.LessThanOrEqual(decimal.Zero) {
		cfg.Oracle.StartPrice = decimal.NewFromInt(60000)
	}
	if cfg.Oracle.Volatility.LessThanOrEqual(decimal.Zero) {
		cfg.Oracle.Volatility = decimal.RequireFromString("0.001")
	}
	if cfg.Bus.SubscriberBuffer <= 0 {
		cfg.Bus.SubscriberBuffer = 256
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "updown_events"
	}
	if cfg.Redis.CacheTTLSeconds <= 0 {
		cfg.Redis.CacheTTLSeconds = 30
	}
	if cfg.Kafka.ReconciliationTopic == "" {
		cfg.Kafka.ReconciliationTopic = "updown.reconciliation"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}
