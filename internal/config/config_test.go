package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, 0.35, cfg.WeightBehavioral)
	assert.Equal(t, 0.30, cfg.WeightGraph)
	assert.Equal(t, 0.25, cfg.WeightAnomaly)
	assert.Equal(t, 0.10, cfg.WeightRuleBased)
	assert.Equal(t, DefaultGraphMaxNodes, cfg.GraphMaxNodes)
	assert.Equal(t, 7*24*time.Hour, cfg.GraphRetention)
	assert.Equal(t, 30*time.Second, cfg.CommunityRefreshEvery)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RISK_WEIGHT_BEHAVIORAL", "0.40")
	setEnv(t, "RISK_WEIGHT_GRAPH", "0.30")
	setEnv(t, "RISK_WEIGHT_ANOMALY", "0.20")
	setEnv(t, "RISK_WEIGHT_RULE_BASED", "0.10")
	setEnv(t, "GRAPH_MAX_NODES", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.40, cfg.WeightBehavioral)
	assert.Equal(t, 500, cfg.GraphMaxNodes)
}

func TestLoad_InvalidWeightSum(t *testing.T) {
	setEnv(t, "RISK_WEIGHT_BEHAVIORAL", "0.9")
	setEnv(t, "RISK_WEIGHT_GRAPH", "0.3")
	setEnv(t, "RISK_WEIGHT_ANOMALY", "0.25")
	setEnv(t, "RISK_WEIGHT_RULE_BASED", "0.1")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			WeightBehavioral:      0.35,
			WeightGraph:           0.30,
			WeightAnomaly:         0.25,
			WeightRuleBased:       0.10,
			SuspicionThreshold:    0.6,
			GraphMaxNodes:         10000,
			GraphRetention:        7 * 24 * time.Hour,
			CommunityRefreshEvery: 30 * time.Second,
			LogFormat:             "text",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.WeightGraph = -0.1; c.WeightBehavioral = 0.75 },
			wantErr: "RISK_WEIGHT_GRAPH",
		},
		{
			name:    "weights do not sum",
			mutate:  func(c *Config) { c.WeightAnomaly = 0.5 },
			wantErr: "sum to 1.0",
		},
		{
			name:    "suspicion threshold out of range",
			mutate:  func(c *Config) { c.SuspicionThreshold = 1.5 },
			wantErr: "SUSPICION_THRESHOLD",
		},
		{
			name:    "zero max nodes",
			mutate:  func(c *Config) { c.GraphMaxNodes = 0 },
			wantErr: "GRAPH_MAX_NODES",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "yaml" },
			wantErr: "LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Weights(t *testing.T) {
	cfg := &Config{
		WeightBehavioral: 0.35,
		WeightGraph:      0.30,
		WeightAnomaly:    0.25,
		WeightRuleBased:  0.10,
	}

	w := cfg.Weights()
	assert.Equal(t, 0.35, w["behavioral"])
	assert.Equal(t, 0.30, w["graph"])
	assert.Equal(t, 0.25, w["anomaly"])
	assert.Equal(t, 0.10, w["rule_based"])
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "0.42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 0.42, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.99, getEnvFloat("NONEXISTENT_VAR", 0.99))
	assert.Equal(t, 0.99, getEnvFloat("TEST_INVALID", 0.99)) // Falls back on parse error
}
