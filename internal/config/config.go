// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis
	RedisAddr     string // Redis address (optional, uses in-memory cache if not set)
	RedisPassword string
	RedisDB       int

	// Tracing
	OTLPEndpoint string

	// Risk fusion weights, must sum to 1.0
	WeightBehavioral float64
	WeightGraph      float64
	WeightAnomaly    float64
	WeightRuleBased  float64

	// Graph analysis settings
	GraphMaxNodes         int
	GraphRetention        time.Duration
	CommunityRefreshEvery time.Duration
	SuspicionThreshold    float64

	// Security
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultGraphMaxNodes      = 10000
	DefaultGraphRetentionDays = 7
	DefaultRefreshSeconds     = 30
	DefaultSuspicion          = 0.6
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisAddr:             os.Getenv("REDIS_ADDR"),   // Optional, uses in-memory cache if not set
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               int(getEnvInt64("REDIS_DB", 0)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WeightBehavioral:      getEnvFloat("RISK_WEIGHT_BEHAVIORAL", 0.35),
		WeightGraph:           getEnvFloat("RISK_WEIGHT_GRAPH", 0.30),
		WeightAnomaly:         getEnvFloat("RISK_WEIGHT_ANOMALY", 0.25),
		WeightRuleBased:       getEnvFloat("RISK_WEIGHT_RULE_BASED", 0.10),
		GraphMaxNodes:         int(getEnvInt64("GRAPH_MAX_NODES", DefaultGraphMaxNodes)),
		GraphRetention:        time.Duration(getEnvInt64("GRAPH_RETENTION_DAYS", DefaultGraphRetentionDays)) * 24 * time.Hour,
		CommunityRefreshEvery: time.Duration(getEnvInt64("COMMUNITY_REFRESH_SECONDS", DefaultRefreshSeconds)) * time.Second,
		SuspicionThreshold:    getEnvFloat("SUSPICION_THRESHOLD", DefaultSuspicion),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is consistent
func (c *Config) Validate() error {
	weights := map[string]float64{
		"RISK_WEIGHT_BEHAVIORAL": c.WeightBehavioral,
		"RISK_WEIGHT_GRAPH":      c.WeightGraph,
		"RISK_WEIGHT_ANOMALY":    c.WeightAnomaly,
		"RISK_WEIGHT_RULE_BASED": c.WeightRuleBased,
	}
	sum := 0.0
	for name, w := range weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("risk weights must sum to 1.0, got %v", sum)
	}

	if c.SuspicionThreshold < 0 || c.SuspicionThreshold > 1 {
		return fmt.Errorf("SUSPICION_THRESHOLD must be in [0,1], got %v", c.SuspicionThreshold)
	}
	if c.GraphMaxNodes <= 0 {
		return fmt.Errorf("GRAPH_MAX_NODES must be positive, got %d", c.GraphMaxNodes)
	}
	if c.GraphRetention <= 0 {
		return fmt.Errorf("GRAPH_RETENTION_DAYS must be positive")
	}
	if c.CommunityRefreshEvery <= 0 {
		return fmt.Errorf("COMMUNITY_REFRESH_SECONDS must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// Weights returns the fusion weights keyed by component name, in the shape
// the risk engine consumes.
func (c *Config) Weights() map[string]float64 {
	return map[string]float64{
		"behavioral": c.WeightBehavioral,
		"graph":      c.WeightGraph,
		"anomaly":    c.WeightAnomaly,
		"rule_based": c.WeightRuleBased,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
