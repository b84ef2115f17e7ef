// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event bus
	HistorySize int // bounded event history ring

	// Anomaly detection
	Detection DetectionConfig

	// Trust scoring
	Scoring ScoringConfig

	// Rollup / snapshots
	RollupInterval   time.Duration // cadence of the rollup worker
	SnapshotCooldown time.Duration // per-requester on-demand snapshot throttle
	SnapshotRetain   int           // number of past snapshots kept for trends

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// DetectionConfig tunes the statistical anomaly detector.
type DetectionConfig struct {
	WindowSize        int     // samples retained per session
	DetectionWindow   int     // most recent samples evaluated per cycle
	DetectionInterval int     // re-evaluate every N new samples
	MinSpinsRequired  int     // below this, never emit
	BaselineRTP       float64 // honest return-to-player baseline
	PumpThreshold     float64 // RTP deviation that triggers a pump signal
	CompressionRatio  float64 // variance ratio below this flags compression
	ClusterThreshold  float64 // clustering score above this flags win clustering
}

// ScoringConfig tunes the venue and actor trust scorers.
type ScoringConfig struct {
	TiltDecayPerHour float64 // linear decay of tilt indicators, points/hour
	RollupDamping    float64 // max fraction of an external delta applied per rollup
}

// Defaults
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultHistorySize = 4096
	DefaultRateLimit   = 120
)

// DefaultDetection returns the stock detector tuning.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		WindowSize:        400,
		DetectionWindow:   100,
		DetectionInterval: 200,
		MinSpinsRequired:  20,
		BaselineRTP:       0.96,
		PumpThreshold:     0.10,
		CompressionRatio:  0.3,
		ClusterThreshold:  0.75,
	}
}

// DefaultScoring returns the stock scorer tuning.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		TiltDecayPerHour: 0.5,
		RollupDamping:    0.2,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	det := DefaultDetection()
	det.WindowSize = getEnvInt("DETECTION_WINDOW_SIZE", det.WindowSize)
	det.DetectionWindow = getEnvInt("DETECTION_EVAL_WINDOW", det.DetectionWindow)
	det.DetectionInterval = getEnvInt("DETECTION_INTERVAL", det.DetectionInterval)
	det.MinSpinsRequired = getEnvInt("MIN_SPINS_REQUIRED", det.MinSpinsRequired)
	det.BaselineRTP = getEnvFloat("BASELINE_RTP", det.BaselineRTP)
	det.PumpThreshold = getEnvFloat("PUMP_THRESHOLD", det.PumpThreshold)
	det.CompressionRatio = getEnvFloat("COMPRESSION_RATIO", det.CompressionRatio)
	det.ClusterThreshold = getEnvFloat("CLUSTER_THRESHOLD", det.ClusterThreshold)

	sc := DefaultScoring()
	sc.TiltDecayPerHour = getEnvFloat("TILT_DECAY_PER_HOUR", sc.TiltDecayPerHour)
	sc.RollupDamping = getEnvFloat("ROLLUP_DAMPING", sc.RollupDamping)

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		HistorySize:      getEnvInt("BUS_HISTORY_SIZE", DefaultHistorySize),
		Detection:        det,
		Scoring:          sc,
		RollupInterval:   getEnvDuration("ROLLUP_INTERVAL", time.Hour),
		SnapshotCooldown: getEnvDuration("SNAPSHOT_COOLDOWN", 5*time.Second),
		SnapshotRetain:   getEnvInt("SNAPSHOT_RETAIN", 48),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are in range
func (c *Config) Validate() error {
	if c.HistorySize <= 0 {
		return fmt.Errorf("BUS_HISTORY_SIZE must be positive")
	}
	d := c.Detection
	if d.DetectionWindow > d.WindowSize {
		return fmt.Errorf("DETECTION_EVAL_WINDOW (%d) cannot exceed DETECTION_WINDOW_SIZE (%d)", d.DetectionWindow, d.WindowSize)
	}
	if d.MinSpinsRequired <= 0 {
		return fmt.Errorf("MIN_SPINS_REQUIRED must be positive")
	}
	if d.BaselineRTP <= 0 || d.BaselineRTP > 2 {
		return fmt.Errorf("BASELINE_RTP must be in (0, 2], got %v", d.BaselineRTP)
	}
	if d.PumpThreshold <= 0 || d.PumpThreshold >= 1 {
		return fmt.Errorf("PUMP_THRESHOLD must be in (0, 1), got %v", d.PumpThreshold)
	}
	if d.ClusterThreshold <= 0 || d.ClusterThreshold > 1 {
		return fmt.Errorf("CLUSTER_THRESHOLD must be in (0, 1], got %v", d.ClusterThreshold)
	}
	s := c.Scoring
	if s.TiltDecayPerHour < 0 {
		return fmt.Errorf("TILT_DECAY_PER_HOUR cannot be negative")
	}
	if s.RollupDamping < 0 || s.RollupDamping > 1 {
		return fmt.Errorf("ROLLUP_DAMPING must be in [0, 1], got %v", s.RollupDamping)
	}
	if c.SnapshotCooldown <= 0 {
		return fmt.Errorf("SNAPSHOT_COOLDOWN must be positive")
	}
	if c.RollupInterval <= 0 {
		return fmt.Errorf("ROLLUP_INTERVAL must be positive")
	}
	return nil
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
