// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server and CLI configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Transports: JSON file listing {"name","type","config"} specs.
	// When empty a single local transport is configured.
	TransportsFile   string
	PausedTransports []string
	LocalStoragePath string

	// Naming (optional). MirrorURL wins over NamesFile when both are set.
	NamesFile string
	MirrorURL string

	// Dispatch
	FetchTimeout time.Duration
	Relay        bool

	// Auth (optional; when set, write endpoints require a bearer token)
	JWTSecret string

	// Uploads
	MaxUploadSize int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		TransportsFile:   envOr("TRANSPORTS_FILE", ""),
		PausedTransports: envList("PAUSED_TRANSPORTS"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/dweb"),
		NamesFile:        envOr("NAMES_FILE", ""),
		MirrorURL:        envOr("MIRROR_URL", ""),
		FetchTimeout:     envDuration("FETCH_TIMEOUT", 30*time.Second),
		Relay:            envBool("RELAY", false),
		JWTSecret:        envOr("JWT_SECRET", ""),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.FetchTimeout < 0 {
		return fmt.Errorf("FETCH_TIMEOUT must not be negative")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.TransportsFile == "" && c.LocalStoragePath == "" {
		return fmt.Errorf("either TRANSPORTS_FILE or LOCAL_STORAGE_PATH is required")
	}
	if c.MirrorURL != "" && !strings.HasPrefix(c.MirrorURL, "http://") && !strings.HasPrefix(c.MirrorURL, "https://") {
		return fmt.Errorf("MIRROR_URL must be an http(s) URL")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList splits a comma separated variable, dropping blanks.
func envList(key string) []string {
	return SplitList(os.Getenv(key))
}

// SplitList splits a comma separated list, trimming and dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
