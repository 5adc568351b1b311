// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every server setting.
type Config struct {
	GRPCAddr    string `mapstructure:"GRPC_ADDR"`
	AdminAddr   string `mapstructure:"ADMIN_ADDR"`
	AdminAPIKey string `mapstructure:"ADMIN_API_KEY"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	JWTKey      string `mapstructure:"JWT_KEY"`
	TLSCert     string `mapstructure:"TLS_CERT"`
	TLSKey      string `mapstructure:"TLS_KEY"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`

	RelayURL          string        `mapstructure:"RELAY_URL"`
	RelayAPIKey       string        `mapstructure:"RELAY_API_KEY"`
	RelayRPS          float64       `mapstructure:"RELAY_RPS"`
	RelayBurst        int           `mapstructure:"RELAY_BURST"`
	RelayTimeout      time.Duration `mapstructure:"RELAY_TIMEOUT"`
	RelayPollInterval time.Duration `mapstructure:"RELAY_POLL_INTERVAL"`

	ChainID      uint64 `mapstructure:"CHAIN_ID"`
	TokenAddress string `mapstructure:"TOKEN_ADDRESS"`

	PinMaxAttempts int           `mapstructure:"PIN_MAX_ATTEMPTS"`
	PinLockout     time.Duration `mapstructure:"PIN_LOCKOUT"`
	KDFConcurrency int           `mapstructure:"KDF_CONCURRENCY"`

	RetryBase        time.Duration `mapstructure:"RETRY_BASE"`
	RetryMax         time.Duration `mapstructure:"RETRY_MAX"`
	MaxAttempts      int           `mapstructure:"MAX_ATTEMPTS"`
	StuckAfter       time.Duration `mapstructure:"STUCK_AFTER"`
	SweepSchedule    string        `mapstructure:"SWEEP_SCHEDULE"`
	RecoverySchedule string        `mapstructure:"RECOVERY_SCHEDULE"`
	DrainConcurrency int           `mapstructure:"DRAIN_CONCURRENCY"`
	InlineDispatch   bool          `mapstructure:"INLINE_DISPATCH"`

	DevReflection bool `mapstructure:"DEV_REFLECTION"`
}

var defaults = map[string]any{
	"GRPC_ADDR":           ":8443",
	"ADMIN_ADDR":          ":9090",
	"EVENTS_EXCHANGE":     "walletrelay.events",
	"RELAY_RPS":           10.0,
	"RELAY_BURST":         20,
	"RELAY_TIMEOUT":       "30s",
	"RELAY_POLL_INTERVAL": "2s",
	"CHAIN_ID":            137,
	"PIN_MAX_ATTEMPTS":    3,
	"PIN_LOCKOUT":         "24h",
	"KDF_CONCURRENCY":     4,
	"RETRY_BASE":          "30s",
	"RETRY_MAX":           "30m",
	"MAX_ATTEMPTS":        10,
	"STUCK_AFTER":         "5m",
	"SWEEP_SCHEDULE":      "@every 15s",
	"RECOVERY_SCHEDULE":   "@every 1m",
	"DRAIN_CONCURRENCY":   8,
	"INLINE_DISPATCH":     true,
	"DEV_REFLECTION":      false,
}

var keys = []string{
	"GRPC_ADDR", "ADMIN_ADDR", "ADMIN_API_KEY", "DATABASE_URL", "JWT_KEY", "TLS_CERT", "TLS_KEY",
	"REDIS_URL", "RABBITMQ_URL", "EVENTS_EXCHANGE",
	"RELAY_URL", "RELAY_API_KEY", "RELAY_RPS", "RELAY_BURST", "RELAY_TIMEOUT", "RELAY_POLL_INTERVAL",
	"CHAIN_ID", "TOKEN_ADDRESS", "PIN_MAX_ATTEMPTS", "PIN_LOCKOUT", "KDF_CONCURRENCY",
	"RETRY_BASE", "RETRY_MAX", "MAX_ATTEMPTS", "STUCK_AFTER", "SWEEP_SCHEDULE", "RECOVERY_SCHEDULE",
	"DRAIN_CONCURRENCY", "INLINE_DISPATCH", "DEV_REFLECTION",
}

// Load reads the environment, layered over an optional .env file in dir.
func Load(dir string) (Config, error) {
	v := viper.New()
	if dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName(".env")
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	if dir != "" {
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read %s/.env: %w", dir, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.TokenAddress = strings.ToLower(strings.TrimSpace(c.TokenAddress))
	c.RelayURL = strings.TrimRight(strings.TrimSpace(c.RelayURL), "/")
	return c, c.Validate()
}

// Validate checks settings the server cannot start without.
func (c Config) Validate() error {
	var problems []string
	if c.JWTKey == "" {
		problems = append(problems, "JWT_KEY is required")
	}
	if c.RelayURL == "" {
		problems = append(problems, "RELAY_URL is required")
	}
	if c.TokenAddress == "" {
		problems = append(problems, "TOKEN_ADDRESS is required")
	}
	if c.ChainID == 0 {
		problems = append(problems, "CHAIN_ID must be positive")
	}
	if c.PinMaxAttempts <= 0 {
		problems = append(problems, "PIN_MAX_ATTEMPTS must be positive")
	}
	if c.PinLockout <= 0 {
		problems = append(problems, "PIN_LOCKOUT must be positive")
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		problems = append(problems, "RETRY_BASE must be positive and not above RETRY_MAX")
	}
	if c.RelayTimeout <= 0 || c.StuckAfter <= c.RelayTimeout {
		// a relay call still in flight must never be reclaimed as stuck
		problems = append(problems, "STUCK_AFTER must exceed RELAY_TIMEOUT")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, "TLS_CERT and TLS_KEY go together")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// DevMode reports whether storage falls back to process memory.
func (c Config) DevMode() bool { return c.DatabaseURL == "" }
