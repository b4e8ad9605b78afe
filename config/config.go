package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigOptions holds all application configuration
type ConfigOptions struct {
	AppPort               string
	DefinitionsPath       string
	DBPath                string
	CacheEnabled          bool
	CacheTTL              time.Duration
	RequestTimeout        time.Duration
	MaxConcurrentSearches int
	DefaultAPILimit       int
	WebUIEnabled          bool
	DebugMode             bool
	LogFile               string
	UIPassword            string
	APIKey                string
	JWTSecret             string
	SkipTLSVerify         bool
	CronjobsEnabled       bool
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) without overriding the real environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("could not load %s: %w", f, err)
		}
	}
	return nil
}

// GetConfig loads and validates all configuration from environment variables
func GetConfig() (*ConfigOptions, error) {
	config := &ConfigOptions{
		AppPort:               GetEnv("APP_PORT", "8080"),
		DefinitionsPath:       GetEnv("DEFINITIONS_PATH", "./definitions"),
		DBPath:                GetEnv("DB_PATH", "./data/scarf.db"),
		CacheEnabled:          GetEnvAsBool("CACHE_ENABLED", true),
		CacheTTL:              GetEnvAsDuration("CACHE_TTL", 15*time.Minute),
		RequestTimeout:        GetEnvAsDuration("REQUEST_TIMEOUT", 20*time.Second),
		MaxConcurrentSearches: GetEnvAsInt("MAX_CONCURRENT_SEARCHES", 4),
		DefaultAPILimit:       GetEnvAsInt("DEFAULT_API_LIMIT", 100),
		WebUIEnabled:          GetEnvAsBool("WEB_UI", true),
		DebugMode:             GetEnvAsBool("DEBUG", false),
		LogFile:               GetEnv("LOG_FILE", ""),
		UIPassword:            GetEnv("UI_PASSWORD", "password"),
		APIKey:                GetEnv("API_KEY", GenerateRandomString(16)),
		JWTSecret:             GetEnv("JWT_SECRET", GenerateRandomString(32)),
		SkipTLSVerify:         GetEnvAsBool("SKIP_TLS_VERIFY", false),
		CronjobsEnabled:       GetEnvAsBool("CRONJOBS_ENABLED", true),
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *ConfigOptions) Validate() error {
	// Validate port
	if port, err := strconv.Atoi(c.AppPort); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("APP_PORT must be a valid port number (1-65535), got: %s", c.AppPort)
	}

	// Validate paths
	if c.DefinitionsPath == "" {
		return fmt.Errorf("DEFINITIONS_PATH cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	// Validate durations
	if c.CacheEnabled && c.CacheTTL < time.Minute {
		return fmt.Errorf("CACHE_TTL must be at least 1 minute, got: %s", c.CacheTTL)
	}
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("REQUEST_TIMEOUT must be at least 1 second, got: %s", c.RequestTimeout)
	}

	// Validate UI password strength if web UI is enabled
	if c.WebUIEnabled && len(c.UIPassword) < 6 {
		return fmt.Errorf("UI_PASSWORD must be at least 6 characters when WEB_UI is enabled")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY cannot be empty")
	}

	// Validate concurrent searches
	if c.MaxConcurrentSearches < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SEARCHES must be at least 1")
	}
	if c.DefaultAPILimit < 1 {
		return fmt.Errorf("DEFAULT_API_LIMIT must be at least 1")
	}

	return nil
}

// PrintConfig displays current configuration (with sensitive values masked)
func (c *ConfigOptions) PrintConfig(w io.Writer) {
	fmt.Fprintln(w, "=== Current Configuration ===")
	fmt.Fprintf(w, "App Port: %s\n", c.AppPort)
	fmt.Fprintf(w, "Definitions Path: %s\n", c.DefinitionsPath)
	fmt.Fprintf(w, "Database Path: %s\n", c.DBPath)
	fmt.Fprintf(w, "Cache Enabled: %t\n", c.CacheEnabled)
	fmt.Fprintf(w, "Cache TTL: %s\n", c.CacheTTL)
	fmt.Fprintf(w, "Request Timeout: %s\n", c.RequestTimeout)
	fmt.Fprintf(w, "Max Concurrent Searches: %d\n", c.MaxConcurrentSearches)
	fmt.Fprintf(w, "Default API Limit: %d\n", c.DefaultAPILimit)
	fmt.Fprintf(w, "Web UI Enabled: %t\n", c.WebUIEnabled)
	fmt.Fprintf(w, "Debug Mode: %t\n", c.DebugMode)
	fmt.Fprintf(w, "Log File: %s\n", c.LogFile)
	fmt.Fprintf(w, "UI Password: %s\n", maskSensitive(c.UIPassword))
	fmt.Fprintf(w, "API Key: %s\n", maskSensitive(c.APIKey))
	fmt.Fprintf(w, "JWT Secret: %s\n", maskSensitive(c.JWTSecret))
	fmt.Fprintf(w, "Skip TLS Verify: %t\n", c.SkipTLSVerify)
	fmt.Fprintf(w, "Cronjobs Enabled: %t\n", c.CronjobsEnabled)
	fmt.Fprintln(w, "================================")
}

// PrintConfigHelp displays all available environment variables with descriptions
func PrintConfigHelp(w io.Writer) {
	help := `
=== Environment Variables Configuration ===

Variables may also be placed in a .env file in the working directory.

Server Configuration:
  APP_PORT=8080                    Server port (1-65535)
  WEB_UI=true                      Enable the admin API (true/false)
  DEBUG=false                      Enable debug logging and HTTP tracing (true/false)
  LOG_FILE=                        Also write logs to this file, rotated
  REQUEST_TIMEOUT=20s              Timeout of each HTTP exchange with a site
  DEFAULT_API_LIMIT=100            Default number of results for Torznab clients
  MAX_CONCURRENT_SEARCHES=4        Indexers queried at once by aggregate searches
  CRONJOBS_ENABLED=true            Run the scheduled searches of definitions

Storage & Caching:
  DEFINITIONS_PATH=./definitions   Path to indexer definition files
  DB_PATH=./data/scarf.db          SQLite database file path
  CACHE_ENABLED=true               Enable or disable caching (true/false)
  CACHE_TTL=15m                    Cache time-to-live (e.g., 10m, 1h)

Security:
  UI_PASSWORD=password             Admin password (min 6 chars)
  JWT_SECRET=<auto-generated>      JWT signing secret (min 32 chars)
  API_KEY=<auto-generated>         API key for Torznab endpoints
  SKIP_TLS_VERIFY=false            Skip TLS certificate verification

Indexer settings:
  <INDEXER>_<SETTING>=value        Overrides a definition's user_config entry,
                                   e.g. MYTRACKER_USERNAME=alice

Note: Sensitive values are auto-generated if not provided.
=============================================
`
	fmt.Fprint(w, help)
}

// Existing helper functions with additions
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, ok := os.LookupEnv(key); ok {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func GetEnvAsBool(key string, fallback bool) bool {
	val := GetEnv(key, "")
	if val == "" {
		return fallback
	}
	return strings.ToLower(val) == "true" || val == "1"
}

func GetEnvAsInt(key string, fallback int) int {
	if valueStr, ok := os.LookupEnv(key); ok {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return hex.EncodeToString(bytes)
}

// maskSensitive masks sensitive configuration values for display
func maskSensitive(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}
