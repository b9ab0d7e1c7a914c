package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the errly server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Platform PlatformConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Path string
}

type RedisConfig struct {
	URL string // optional: direct-ingestion rate limiting is disabled when empty
}

// PlatformConfig addresses the hosting platform's deployment and log API,
// used by the log watcher to discover deployments and stream their output.
type PlatformConfig struct {
	APIToken         string
	ProjectID        string
	EnvironmentName  string
	ServiceID        string
	MaxSubscriptions int
}

type AuthConfig struct {
	Password      string // ERRLY_PASSWORD: dashboard login secret and ingest shared token
	MaxSSEClients int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("PORT", 3000),
			Env:      envString("NODE_ENV", "development"),
			LogLevel: envString("ERRLY_LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Path: envString("ERRLY_DB_PATH", "./data/errly.db"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Platform: PlatformConfig{
			APIToken:         os.Getenv("RAILWAY_API_TOKEN"),
			ProjectID:        os.Getenv("RAILWAY_PROJECT_ID"),
			EnvironmentName:  os.Getenv("RAILWAY_ENVIRONMENT_NAME"),
			ServiceID:        os.Getenv("RAILWAY_SERVICE_ID"),
			MaxSubscriptions: envInt("ERRLY_MAX_SUBSCRIPTIONS", 50),
		},
		Auth: AuthConfig{
			Password:      os.Getenv("ERRLY_PASSWORD"),
			MaxSSEClients: envInt("ERRLY_MAX_SSE_CLIENTS", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.Password == "" {
		return fmt.Errorf("ERRLY_PASSWORD is required")
	}
	if c.Platform.APIToken != "" && c.Platform.ProjectID == "" {
		return fmt.Errorf("RAILWAY_PROJECT_ID is required when RAILWAY_API_TOKEN is set")
	}
	if c.Platform.MaxSubscriptions <= 0 {
		return fmt.Errorf("ERRLY_MAX_SUBSCRIPTIONS must be positive, got %d", c.Platform.MaxSubscriptions)
	}
	if c.Auth.MaxSSEClients <= 0 {
		return fmt.Errorf("ERRLY_MAX_SSE_CLIENTS must be positive, got %d", c.Auth.MaxSSEClients)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
