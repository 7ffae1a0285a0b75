package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Server contains HTTP listener configuration
type Server struct {
	Port           int      `toml:"port"`            // Listen port
	AllowedOrigins []string `toml:"allowed_origins"` // CORS origin allowlist ("*" allows all)
	RequestRate    float64  `toml:"request_rate"`    // Inbound requests per second (0 = unlimited)
	RequestBurst   int      `toml:"request_burst"`   // Inbound burst size
}

// Upstream contains weather provider configuration
type Upstream struct {
	TomorrowKeys   []string `toml:"tomorrow_keys"`   // Tomorrow.io API keys, tried in order
	OpenWeatherKey string   `toml:"openweather_key"` // OpenWeatherMap fallback + geocoding key
	TimeoutSeconds int      `toml:"timeout_seconds"` // Per-request upstream timeout
	TomorrowURL    string   `toml:"tomorrow_url"`    // Override for testing
	OpenWeatherURL string   `toml:"openweather_url"` // Override for testing
}

// Limits contains per-credential quota configuration
type Limits struct {
	HourlyLimit int `toml:"hourly_limit"` // Calls per key per rolling hour
	DailyLimit  int `toml:"daily_limit"`  // Calls per key per rolling day
}

// Cache contains response cache tier configuration
type Cache struct {
	ExactTTLMinutes int     `toml:"exact_ttl_minutes"` // Exact coordinate tier TTL
	GridTTLMinutes  int     `toml:"grid_ttl_minutes"`  // Grid cell tier TTL
	CityTTLMinutes  int     `toml:"city_ttl_minutes"`  // City name tier TTL
	GridResolution  float64 `toml:"grid_resolution"`   // Cell size in degrees
	NearestMaxKm    float64 `toml:"nearest_max_km"`    // Fallback search radius
}

// Logging contains logging configuration with rotation and cross-platform support
type Logging struct {
	Enabled         bool   `toml:"enabled"`          // Enable file logging
	Directory       string `toml:"directory"`        // Log directory (relative or absolute)
	FilenamePattern string `toml:"filename_pattern"` // Log filename with date patterns
	Level           string `toml:"level"`            // Log level: debug, info, warn, error
	MaxFiles        int    `toml:"max_files"`        // Number of log files to keep
	MaxSizeMB       int    `toml:"max_size_mb"`      // Rotate when file exceeds this size
	ConsoleOutput   bool   `toml:"console_output"`   // Also output to console
}

// Config represents the complete application configuration
type Config struct {
	Server   Server   `toml:"server"`
	Upstream Upstream `toml:"upstream"`
	Limits   Limits   `toml:"limits"`
	Cache    Cache    `toml:"cache"`
	Logging  Logging  `toml:"logging"`
}

// LoadConfig reads and parses a TOML configuration file, then layers
// environment overrides on top.
func LoadConfig(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{
				Path: cleanPath,
			}
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var config Config
	err = toml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML configuration: %w", err)
	}

	config.ApplyEnvOverrides()
	config.ApplyDefaults()

	return &config, nil
}

// ApplyEnvOverrides lets deployment environments override file settings
// without editing the config. Useful on platforms that inject PORT.
func (c *Config) ApplyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if keys := os.Getenv("TOMORROW_API_KEYS"); keys != "" {
		c.Upstream.TomorrowKeys = splitAndTrim(keys)
	}
	if key := os.Getenv("OPENWEATHER_API_KEY"); key != "" {
		c.Upstream.OpenWeatherKey = key
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitAndTrim(origins)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ApplyDefaults sets default values for optional configuration fields
func (c *Config) ApplyDefaults() {
	// Default server settings
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.RequestBurst <= 0 {
		c.Server.RequestBurst = 20
	}

	// Default upstream settings
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 10
	}

	// Default quota limits match the Tomorrow.io free tier
	if c.Limits.HourlyLimit <= 0 {
		c.Limits.HourlyLimit = 25
	}
	if c.Limits.DailyLimit <= 0 {
		c.Limits.DailyLimit = 500
	}

	// Default cache tiers: tighter TTLs for precise tiers, looser for broad
	if c.Cache.ExactTTLMinutes <= 0 {
		c.Cache.ExactTTLMinutes = 10
	}
	if c.Cache.GridTTLMinutes <= 0 {
		c.Cache.GridTTLMinutes = 30
	}
	if c.Cache.CityTTLMinutes <= 0 {
		c.Cache.CityTTLMinutes = 60
	}
	if c.Cache.GridResolution <= 0 {
		c.Cache.GridResolution = 0.05
	}
	if c.Cache.NearestMaxKm <= 0 {
		c.Cache.NearestMaxKm = 50
	}

	// Default logging settings
	if strings.TrimSpace(c.Logging.Directory) == "" {
		c.Logging.Directory = "logs"
	}
	if strings.TrimSpace(c.Logging.FilenamePattern) == "" {
		c.Logging.FilenamePattern = "raingate-YYYYMMDD.log"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxFiles <= 0 {
		c.Logging.MaxFiles = 7 // Keep 7 days of logs by default
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10 // 10MB default rotation size
	}
	// ConsoleOutput defaults to false for production, can be enabled in config
}

// ConfigNotFoundError represents a missing configuration file
type ConfigNotFoundError struct {
	Path string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("configuration file not found: %s\n\nTo create a sample configuration file, run:\n  %s --generate-config", e.Path, filepath.Base(os.Args[0]))
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors
type MultiValidationError struct {
	Errors []ValidationError
}

func (e *MultiValidationError) Error() string {
	var messages []string
	for _, err := range e.Errors {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  %s", strings.Join(messages, "\n  "))
}

// Validate checks the configuration for correctness and completeness
func (c *Config) Validate() error {
	var errors []ValidationError

	if err := c.validateServer(); err != nil {
		errors = append(errors, err...)
	}
	if err := c.validateUpstream(); err != nil {
		errors = append(errors, err...)
	}
	if err := c.validateLimits(); err != nil {
		errors = append(errors, err...)
	}
	if err := c.validateCache(); err != nil {
		errors = append(errors, err...)
	}
	if err := c.validateLogging(); err != nil {
		errors = append(errors, err...)
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}

	return nil
}

// validateServer checks listener configuration
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RequestRate < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.request_rate",
			Message: fmt.Sprintf("request_rate must not be negative, got %g", c.Server.RequestRate),
		})
	}

	return errors
}

// validateUpstream checks that at least one provider can be reached
func (c *Config) validateUpstream() []ValidationError {
	var errors []ValidationError

	hasTomorrow := false
	for _, key := range c.Upstream.TomorrowKeys {
		if strings.TrimSpace(key) != "" {
			hasTomorrow = true
			break
		}
	}

	if !hasTomorrow && strings.TrimSpace(c.Upstream.OpenWeatherKey) == "" {
		errors = append(errors, ValidationError{
			Field:   "upstream.tomorrow_keys",
			Message: "at least one API key is required. Get one at https://www.tomorrow.io/weather-api/ or https://openweathermap.org/api",
		})
	}

	if c.Upstream.TimeoutSeconds < 1 || c.Upstream.TimeoutSeconds > 120 {
		errors = append(errors, ValidationError{
			Field:   "upstream.timeout_seconds",
			Message: fmt.Sprintf("timeout_seconds must be between 1 and 120, got %d", c.Upstream.TimeoutSeconds),
		})
	}

	return errors
}

// validateLimits checks per-credential quota configuration
func (c *Config) validateLimits() []ValidationError {
	var errors []ValidationError

	if c.Limits.HourlyLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "limits.hourly_limit",
			Message: fmt.Sprintf("hourly_limit must be at least 1, got %d", c.Limits.HourlyLimit),
		})
	}
	if c.Limits.DailyLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "limits.daily_limit",
			Message: fmt.Sprintf("daily_limit must be at least 1, got %d", c.Limits.DailyLimit),
		})
	}
	if c.Limits.DailyLimit < c.Limits.HourlyLimit {
		errors = append(errors, ValidationError{
			Field:   "limits.daily_limit",
			Message: fmt.Sprintf("daily_limit (%d) must not be lower than hourly_limit (%d)", c.Limits.DailyLimit, c.Limits.HourlyLimit),
		})
	}

	return errors
}

// validateCache checks cache tier configuration
func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError

	// Broader tiers hold staler data; their TTLs must not undercut the
	// narrower tiers or promotion would resurrect expired entries.
	if c.Cache.ExactTTLMinutes > c.Cache.GridTTLMinutes {
		errors = append(errors, ValidationError{
			Field:   "cache.grid_ttl_minutes",
			Message: fmt.Sprintf("grid TTL (%d) must not be shorter than exact TTL (%d)", c.Cache.GridTTLMinutes, c.Cache.ExactTTLMinutes),
		})
	}
	if c.Cache.GridTTLMinutes > c.Cache.CityTTLMinutes {
		errors = append(errors, ValidationError{
			Field:   "cache.city_ttl_minutes",
			Message: fmt.Sprintf("city TTL (%d) must not be shorter than grid TTL (%d)", c.Cache.CityTTLMinutes, c.Cache.GridTTLMinutes),
		})
	}

	if c.Cache.GridResolution <= 0 || c.Cache.GridResolution > 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.grid_resolution",
			Message: fmt.Sprintf("grid_resolution must be between 0 (exclusive) and 1 degree, got %g", c.Cache.GridResolution),
		})
	}
	if c.Cache.NearestMaxKm < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.nearest_max_km",
			Message: fmt.Sprintf("nearest_max_km must not be negative, got %g", c.Cache.NearestMaxKm),
		})
	}

	return errors
}

// validateLogging checks logging configuration
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level != "" {
		valid := false
		for _, validLevel := range validLevels {
			if level == validLevel {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "logging.level",
				Message: fmt.Sprintf("level must be one of: %s, got '%s'", strings.Join(validLevels, ", "), c.Logging.Level),
			})
		}
	}

	// Validate max files
	if c.Logging.MaxFiles < 0 || c.Logging.MaxFiles > 365 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_files",
			Message: fmt.Sprintf("max_files must be between 0 and 365, got %d", c.Logging.MaxFiles),
		})
	}

	// Validate max size
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > 1000 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be between 0 and 1000, got %d", c.Logging.MaxSizeMB),
		})
	}

	// Validate directory if logging is enabled
	if c.Logging.Enabled {
		if strings.TrimSpace(c.Logging.Directory) == "" {
			errors = append(errors, ValidationError{
				Field:   "logging.directory",
				Message: "directory is required when logging is enabled",
			})
		}

		if strings.TrimSpace(c.Logging.FilenamePattern) == "" {
			errors = append(errors, ValidationError{
				Field:   "logging.filename_pattern",
				Message: "filename_pattern is required when logging is enabled",
			})
		}
		// Pattern characters are checked by the logger package at
		// initialization; config stays free of that dependency.
	}

	return errors
}

// GenerateSampleConfig creates a sample configuration file at the specified path
func GenerateSampleConfig(configPath string) error {
	sampleConfig := `# Raingate Configuration File
# Weather forecast proxy with multi-tier caching and API key rotation

[server]
# HTTP listen port (the PORT environment variable overrides this)
port = 8080

# CORS origin allowlist. Use "*" to allow any origin.
allowed_origins = ["*"]

# Inbound rate limit in requests per second across all clients.
# 0 disables the limiter.
request_rate = 0.0
request_burst = 20

[upstream]
# Tomorrow.io API keys, tried in order. Multiple keys multiply the
# effective daily quota. Get keys at https://www.tomorrow.io/weather-api/
# The TOMORROW_API_KEYS environment variable (comma-separated) overrides.
tomorrow_keys = ["your-tomorrow-api-key-here"]

# OpenWeatherMap key, used as the fallback forecast source and for
# reverse geocoding (city-tier cache). Get one at
# https://openweathermap.org/api
# The OPENWEATHER_API_KEY environment variable overrides.
openweather_key = "your-openweather-api-key-here"

# Per-request upstream timeout in seconds
timeout_seconds = 10

[limits]
# Per-key quotas, matching the Tomorrow.io free tier
hourly_limit = 25
daily_limit = 500

[cache]
# Response cache TTLs per tier, in minutes. Precise tiers expire first.
exact_ttl_minutes = 10
grid_ttl_minutes = 30
city_ttl_minutes = 60

# Grid cell size in degrees. 0.05 is roughly 5 km at the equator.
grid_resolution = 0.05

# How far away cached data may be when served as an approximate
# fallback after an upstream failure, in kilometers.
nearest_max_km = 50.0

[logging]
# Cross-platform file logging with rotation
enabled = true                              # Enable file logging
directory = "logs"                          # Log directory (relative to working dir or absolute path)
filename_pattern = "raingate-YYYYMMDD.log"  # Daily rotation pattern
                                            # YYYY=year, MM=month, DD=day, HH=hour, MM=minute
level = "info"                              # Log level: debug, info, warn, error
max_files = 7                               # Keep 7 days of logs (0 = unlimited)
max_size_mb = 10                            # Rotate when file exceeds 10MB (0 = unlimited)
console_output = true                       # Also output to console (helpful for debugging)
`

	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write sample config
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write sample config: %w", err)
	}

	return nil
}
