// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL     string
	RedisURL        string
	HistoryCacheTTL time.Duration
	HistoryMaxAge   time.Duration

	SessionTTL       time.Duration
	SessionSweepCron string

	FeeRate          float64
	SavingsAPY       float64
	OptionDailyDecay float64

	YahooBaseURL string
	YahooRPS     float64
	HTTPTimeout  time.Duration
}

// Load reads configuration from environment variables, after loading a
// .env file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		HistoryCacheTTL:  getEnvAsDuration("HISTORY_CACHE_TTL", 15*time.Minute),
		HistoryMaxAge:    getEnvAsDuration("HISTORY_MAX_AGE", 24*time.Hour),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		SessionSweepCron: getEnv("SESSION_SWEEP_CRON", "@every 5m"),
		FeeRate:          getEnvAsFloat("FEE_RATE", 0.001),
		SavingsAPY:       getEnvAsFloat("SAVINGS_APY", 0.03),
		OptionDailyDecay: getEnvAsFloat("OPTION_DAILY_DECAY", 0.0006),
		YahooBaseURL:     getEnv("YAHOO_BASE_URL", ""),
		YahooRPS:         getEnvAsFloat("YAHOO_RPS", 5),
		HTTPTimeout:      getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a TCP port, got %q", c.Port)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.FeeRate < 0 || c.FeeRate >= 1 {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %v", c.FeeRate)
	}
	if c.SavingsAPY < 0 {
		return fmt.Errorf("SAVINGS_APY must be >= 0, got %v", c.SavingsAPY)
	}
	if c.OptionDailyDecay < 0 || c.OptionDailyDecay >= 1 {
		return fmt.Errorf("OPTION_DAILY_DECAY must be in [0, 1), got %v", c.OptionDailyDecay)
	}
	if c.YahooRPS <= 0 {
		return fmt.Errorf("YAHOO_RPS must be > 0, got %v", c.YahooRPS)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0")
	}
	if c.HistoryCacheTTL <= 0 || c.HistoryMaxAge <= 0 {
		return fmt.Errorf("HISTORY_CACHE_TTL and HISTORY_MAX_AGE must be > 0")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if _, err := cron.ParseStandard(c.SessionSweepCron); err != nil {
		return fmt.Errorf("SESSION_SWEEP_CRON: %w", err)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
