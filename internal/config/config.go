package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string      `json:"serverAddress"`
	DatabasePath  string      `json:"databasePath"`
	DatabaseURL   string      `json:"databaseUrl"`
	Security      Security    `json:"security"`
	Enrollment    Enrollment  `json:"enrollment"`
	Maintenance   Maintenance `json:"maintenance"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Security configuration
type Security struct {
	APIKey            string `json:"apiKey"`
	APIKeyHeader      string `json:"apiKeyHeader"`
	SeedAdminPassword string `json:"seedAdminPassword"`
}

// Enrollment configuration
type Enrollment struct {
	CodeTTLMinutes int    `json:"codeTtlMinutes"`
	DeviceIDMode   string `json:"deviceIdMode"`
}

// CodeTTL returns the enrollment code lifetime
func (e Enrollment) CodeTTL() time.Duration {
	return time.Duration(e.CodeTTLMinutes) * time.Minute
}

// Maintenance configuration for expired token collection
type Maintenance struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
}

// Interval returns the collection interval
func (m Maintenance) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "kioskfleet.db",
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
		Enrollment: Enrollment{
			CodeTTLMinutes: int(models.DefaultCodeTTL / time.Minute),
			DeviceIDMode:   models.DeviceIDModeServer,
		},
		Maintenance: Maintenance{
			Enabled:         true,
			IntervalMinutes: 60,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if password := os.Getenv("SEED_ADMIN_PASSWORD"); password != "" {
		cfg.Security.SeedAdminPassword = password
	}

	// Enrollment configuration
	if ttl := os.Getenv("REGISTRATION_CODE_TTL_MINUTES"); ttl != "" {
		if minutes, err := strconv.Atoi(ttl); err == nil && minutes > 0 {
			cfg.Enrollment.CodeTTLMinutes = minutes
		}
	}
	if mode := os.Getenv("DEVICE_ID_MODE"); mode != "" {
		cfg.Enrollment.DeviceIDMode = mode
	}

	// Token collection configuration
	if enabled := os.Getenv("TOKEN_GC_ENABLED"); enabled != "" {
		cfg.Maintenance.Enabled = enabled == "true" || enabled == "1"
	}
	if interval := os.Getenv("TOKEN_GC_INTERVAL_MINUTES"); interval != "" {
		if minutes, err := strconv.Atoi(interval); err == nil && minutes > 0 {
			cfg.Maintenance.IntervalMinutes = minutes
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	switch c.Enrollment.DeviceIDMode {
	case models.DeviceIDModeServer, models.DeviceIDModeClient:
	default:
		return fmt.Errorf("invalid device id mode %q: want %q or %q",
			c.Enrollment.DeviceIDMode, models.DeviceIDModeServer, models.DeviceIDModeClient)
	}
	if c.Enrollment.CodeTTLMinutes <= 0 {
		return fmt.Errorf("registration code ttl must be positive")
	}
	if c.Maintenance.IntervalMinutes <= 0 {
		return fmt.Errorf("token collection interval must be positive")
	}
	if c.Security.APIKeyHeader == "" {
		c.Security.APIKeyHeader = "X-API-Key"
	}
	return nil
}
