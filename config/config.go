/*
config.go - Application configuration

PURPOSE:
  Loads server, database, cache, sweeper and tracing configuration from
  environment variables, with an optional JSON config file underneath.
  Environment variables take precedence over file values.

SEE ALSO:
  - cmd/server/main.go: the consumer
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Store   StoreConfig   `json:"store"`
	Cache   CacheConfig   `json:"cache"`
	Sweeper SweeperConfig `json:"sweeper"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// StoreConfig holds the SQLite location.
type StoreConfig struct {
	Path string `json:"path"`
}

// CacheConfig selects the settings cache backend.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr"` // empty = in-memory cache
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// SweeperConfig controls the background maintenance loop.
type SweeperConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"` // Jaeger collector endpoint
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
}

// Load builds the configuration from env vars and an optional JSON file.
// Environment variables take precedence over file values.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", ""),
		},
		Store: StoreConfig{
			Path: getEnv("DATABASE_PATH", "./loyalty.db"),
		},
		Cache: CacheConfig{
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		Sweeper: SweeperConfig{
			Enabled:  getEnvBool("SWEEPER_ENABLED", true),
			Interval: time.Duration(getEnvInt("SWEEPER_INTERVAL_SEC", 60)) * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "loyalty-engine"),
			Environment: getEnv("TRACING_ENVIRONMENT", "development"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		// Re-apply env vars so they win over file values.
		overrideFromEnv(cfg)
	}

	return cfg, nil
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper interval must be positive")
	}
	return nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = n
		}
	}
	if v := os.Getenv("SWEEPER_ENABLED"); v != "" {
		cfg.Sweeper.Enabled = isTrue(v)
	}
	if v := os.Getenv("SWEEPER_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweeper.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = isTrue(v)
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		cfg.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_ENVIRONMENT"); v != "" {
		cfg.Tracing.Environment = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return isTrue(value)
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

func isTrue(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}
