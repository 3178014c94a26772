package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TokenEnvKey is the environment variable holding the GitHub bearer token
const TokenEnvKey = "GITHUB_TOKEN"

// Config holds the application configuration
type Config struct {
	// GitHub; the token is not kept here, see TokenSource
	GitHubOwner  string
	GitHubRepo   string
	GitHubAPIURL string // empty means api.github.com

	// Workflow
	EventType         string
	WorkflowName      string
	DiscoveryInterval time.Duration
	DiscoveryAttempts int
	DiscoveryWindow   time.Duration
	SearchWindow      time.Duration
	HTTPTimeout       time.Duration

	// API Server
	APIPort         string
	APIHost         string
	LogJSON         bool
	SubmitRateLimit float64
	SubmitBurst     int

	// CLI
	APIEndpoint string
}

// TokenSource returns the current bearer token, or "" if none is configured
type TokenSource func() string

// TokenFromEnv reads the bearer token from the process environment on every call
func TokenFromEnv() string {
	return os.Getenv(TokenEnvKey)
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		GitHubOwner:  getEnv("GITHUB_OWNER", "ScienceLiveHub"),
		GitHubRepo:   getEnv("GITHUB_REPO", "nanopub-viewer"),
		GitHubAPIURL: getEnv("GITHUB_API_URL", ""),
		EventType:    getEnv("DISPATCH_EVENT_TYPE", "process-nanopubs-content-gen"),
		WorkflowName: getEnv("WORKFLOW_NAME", "Process Nanopublications"),
		APIPort:      getEnv("API_PORT", "8080"),
		APIHost:      getEnv("API_HOST", "localhost"),
		APIEndpoint:  getEnv("API_ENDPOINT", "http://localhost:8080"),
	}

	var err error
	if cfg.DiscoveryInterval, err = getDuration("DISCOVERY_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DiscoveryAttempts, err = getInt("DISCOVERY_ATTEMPTS", 6); err != nil {
		return nil, err
	}
	if cfg.DiscoveryWindow, err = getDuration("DISCOVERY_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.SearchWindow, err = getDuration("SEARCH_WINDOW", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getDuration("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = getBool("LOG_JSON", false); err != nil {
		return nil, err
	}
	if cfg.SubmitRateLimit, err = getFloat("SUBMIT_RATE_LIMIT", 1); err != nil {
		return nil, err
	}
	if cfg.SubmitBurst, err = getInt("SUBMIT_BURST", 5); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ConfigError{Field: key, Message: "must be a duration such as 5s or 2m"}
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ConfigError{Field: key, Message: "must be an integer"}
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &ConfigError{Field: key, Message: "must be a number"}
	}
	return f, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ConfigError{Field: key, Message: "must be true or false"}
	}
	return b, nil
}

// Validate validates the configuration.
// The token is deliberately not checked here: the server starts without it
// and reports its absence per request.
func (c *Config) Validate() error {
	if c.GitHubOwner == "" || c.GitHubRepo == "" {
		return &ConfigError{Field: "GITHUB_OWNER/GITHUB_REPO", Message: "target repository is required"}
	}
	if c.EventType == "" {
		return &ConfigError{Field: "DISPATCH_EVENT_TYPE", Message: "must not be empty"}
	}
	if c.WorkflowName == "" {
		return &ConfigError{Field: "WORKFLOW_NAME", Message: "must not be empty"}
	}
	if c.DiscoveryInterval <= 0 {
		return &ConfigError{Field: "DISCOVERY_INTERVAL", Message: "must be positive"}
	}
	if c.DiscoveryAttempts < 0 {
		return &ConfigError{Field: "DISCOVERY_ATTEMPTS", Message: "must not be negative"}
	}
	if c.DiscoveryWindow <= 0 {
		return &ConfigError{Field: "DISCOVERY_WINDOW", Message: "must be positive"}
	}
	if c.SearchWindow <= 0 {
		return &ConfigError{Field: "SEARCH_WINDOW", Message: "must be positive"}
	}
	if c.SubmitRateLimit <= 0 || c.SubmitBurst <= 0 {
		return &ConfigError{Field: "SUBMIT_RATE_LIMIT/SUBMIT_BURST", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
