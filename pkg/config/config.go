// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default values applied when the environment leaves a knob unset.
const (
	DefaultGraphURI     = "data/lattice.db"
	DefaultQueueURL     = "redis://localhost:6379/0"
	DefaultPort         = 3000
	DefaultLogLevel     = "info"
	DefaultEvalInterval = 30 * time.Second
)

// Config is the process configuration.
type Config struct {
	// GraphURI locates the property graph. For the embedded store this
	// is a filesystem path; bolt-style URLs keep their path component.
	GraphURI      string
	GraphUser     string // accepted for compatibility, unused by the embedded store
	GraphPassword string

	QueueURL string

	Port     int
	LogLevel string
	LogJSON  bool

	EvalInterval time.Duration
	PresetsFile  string
}

// FromEnv reads the configuration from environment variables, applying
// defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		GraphURI:      envStr("GRAPH_URI", DefaultGraphURI),
		GraphUser:     os.Getenv("GRAPH_USER"),
		GraphPassword: os.Getenv("GRAPH_PASSWORD"),
		QueueURL:      envStr("QUEUE_URL", DefaultQueueURL),
		Port:          envInt("PORT", DefaultPort),
		LogLevel:      envStr("LOG_LEVEL", DefaultLogLevel),
		LogJSON:       envBool("LOG_JSON", false),
		EvalInterval:  envDurationMs("EVAL_INTERVAL_MS", DefaultEvalInterval),
		PresetsFile:   os.Getenv("PRESETS_FILE"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
