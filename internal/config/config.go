// Package config loads the flagport server configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Storage backends selectable via STORAGE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds runtime configuration for the flagport server.
type Config struct {
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout      time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout     time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	MaxJSONBodyBytes int64         `envconfig:"MAX_JSON_BODY_BYTES" default:"1048576"`

	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// APIKeys is a comma-separated list of clientID:key pairs. Keys may be
	// raw values, bcrypt hashes, or hex-encoded SHA-256 hashes.
	APIKeys string `envconfig:"API_KEYS" required:"true"`

	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"100"`
	StatsMaxPeriodDays int `envconfig:"STATS_MAX_PERIOD_DAYS" default:"90"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	switch cfg.StorageBackend {
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("DATABASE_URL must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if _, err := cfg.ParseAPIKeys(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParseAPIKeys parses the API_KEYS value into a client-id -> key map.
func (c *Config) ParseAPIKeys() (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		clientID, key, ok := strings.Cut(pair, ":")
		clientID = strings.TrimSpace(clientID)
		key = strings.TrimSpace(key)
		if !ok || clientID == "" || key == "" {
			return nil, fmt.Errorf("malformed API_KEYS entry %q, want clientID:key", pair)
		}
		if _, exists := keys[clientID]; exists {
			return nil, fmt.Errorf("duplicate client id %q in API_KEYS", clientID)
		}
		keys[clientID] = key
	}
	if len(keys) == 0 {
		return nil, errors.New("API_KEYS must contain at least one clientID:key pair")
	}
	return keys, nil
}
