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
	assert.Equal(t, DefaultHistorySize, cfg.HistorySize)
	assert.Equal(t, 400, cfg.Detection.WindowSize)
	assert.Equal(t, 20, cfg.Detection.MinSpinsRequired)
	assert.Equal(t, 0.96, cfg.Detection.BaselineRTP)
	assert.Equal(t, 0.5, cfg.Scoring.TiltDecayPerHour)
	assert.Equal(t, time.Hour, cfg.RollupInterval)
	assert.Equal(t, 5*time.Second, cfg.SnapshotCooldown)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PUMP_THRESHOLD", "0.15")
	setEnv(t, "SNAPSHOT_COOLDOWN", "10s")
	setEnv(t, "MIN_SPINS_REQUIRED", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.15, cfg.Detection.PumpThreshold)
	assert.Equal(t, 10*time.Second, cfg.SnapshotCooldown)
	assert.Equal(t, 50, cfg.Detection.MinSpinsRequired)
}

func TestLoad_InvalidPumpThreshold(t *testing.T) {
	setEnv(t, "PUMP_THRESHOLD", "1.5")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PUMP_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			HistorySize:      1024,
			Detection:        DefaultDetection(),
			Scoring:          DefaultScoring(),
			RollupInterval:   time.Hour,
			SnapshotCooldown: 5 * time.Second,
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
			name:    "zero history",
			mutate:  func(c *Config) { c.HistorySize = 0 },
			wantErr: "BUS_HISTORY_SIZE",
		},
		{
			name:    "eval window larger than retention",
			mutate:  func(c *Config) { c.Detection.DetectionWindow = c.Detection.WindowSize + 1 },
			wantErr: "DETECTION_EVAL_WINDOW",
		},
		{
			name:    "negative decay",
			mutate:  func(c *Config) { c.Scoring.TiltDecayPerHour = -1 },
			wantErr: "TILT_DECAY_PER_HOUR",
		},
		{
			name:    "damping over 1",
			mutate:  func(c *Config) { c.Scoring.RollupDamping = 1.5 },
			wantErr: "ROLLUP_DAMPING",
		},
		{
			name:    "zero cooldown",
			mutate:  func(c *Config) { c.SnapshotCooldown = 0 },
			wantErr: "SNAPSHOT_COOLDOWN",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
