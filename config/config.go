package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "MIRROR_GITHUB_TOKEN"
	// EnvGithubTokenFallback is read when EnvGithubToken is unset
	EnvGithubTokenFallback = "GITHUB_TOKEN"
	// EnvWebhookSecret is the environment variable name for the webhook secret
	EnvWebhookSecret = "MIRROR_WEBHOOK_SECRET"

	DefaultDatabasePath = "github_issues.db"
	DefaultListenAddr   = ":8080"
	DefaultPageSize     = 100
	DefaultWorkers      = 5
)

// Config represents the application configuration
type Config struct {
	// GitHub API token (can be set via MIRROR_GITHUB_TOKEN or GITHUB_TOKEN)
	GitHubToken string `json:"github_token,omitempty" mapstructure:"github_token"`

	// Base URL of a GitHub Enterprise API; empty means api.github.com
	GitHubAPIURL string `json:"github_api_url,omitempty" mapstructure:"github_api_url"`

	// Shared secret for webhook signatures; empty disables signature checking
	WebhookSecret string `json:"webhook_secret,omitempty" mapstructure:"webhook_secret"`

	// Path to the SQLite database file
	DatabasePath string `json:"database_path" mapstructure:"database_path"`

	// SQL driver: "sqlite3" (cgo) or "sqlite" (pure Go)
	DatabaseDriver string `json:"database_driver,omitempty" mapstructure:"database_driver"`

	// List of repositories to sync in the format "owner/name"
	Repositories []string `json:"repositories" mapstructure:"repositories"`

	ListenAddr string `json:"listen_addr,omitempty" mapstructure:"listen_addr"`
	PageSize   int    `json:"page_size,omitempty" mapstructure:"page_size"`
	Workers    int    `json:"workers,omitempty" mapstructure:"workers"`
	LogLevel   string `json:"log_level,omitempty" mapstructure:"log_level"`
	LogFile    string `json:"log_file,omitempty" mapstructure:"log_file"`

	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	tokenFromEnv  bool
	secretFromEnv bool
	// database_path as written in the file, before it was resolved against the config directory
	rawDatabasePath string
	resolvedDBPath  string
}

// TelemetryConfig selects OpenTelemetry exporters
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Stdout       bool   `json:"stdout" mapstructure:"stdout"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
}

// LoadConfig loads the configuration file at path, applying a .env file in the
// working directory and environment overrides
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}

	v.SetDefault("database_path", DefaultDatabasePath)
	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("page_size", DefaultPageSize)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("log_level", "info")

	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("listen_addr", "MIRROR_LISTEN_ADDR")
	v.BindEnv("telemetry.enabled", "MIRROR_OTEL_ENABLED")
	v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if token := firstEnv(EnvGithubToken, EnvGithubTokenFallback); token != "" {
		config.GitHubToken = token
		config.tokenFromEnv = true
	}
	if secret := os.Getenv(EnvWebhookSecret); secret != "" {
		config.WebhookSecret = secret
		config.secretFromEnv = true
	}

	config.PageSize = clamp(config.PageSize, 1, 100)
	config.Workers = clamp(config.Workers, 1, 10)
	config.LogLevel = strings.ToLower(config.LogLevel)

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.rawDatabasePath = config.DatabasePath
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
		config.resolvedDBPath = config.DatabasePath
	}

	return &config, nil
}

// SaveConfig saves the configuration to a JSON file.
// A token or webhook secret that came from the environment is not written.
func SaveConfig(config *Config, path string) error {
	out := *config
	if out.tokenFromEnv {
		out.GitHubToken = ""
	}
	if out.secretFromEnv {
		out.WebhookSecret = ""
	}
	if out.rawDatabasePath != "" && out.DatabasePath == out.resolvedDBPath {
		out.DatabasePath = out.rawDatabasePath
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		DatabasePath:   DefaultDatabasePath,
		DatabaseDriver: "sqlite3",
		Repositories:   []string{"example/repo"},
		ListenAddr:     DefaultListenAddr,
		PageSize:       DefaultPageSize,
		Workers:        DefaultWorkers,
		LogLevel:       "info",
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}

// AddRepository appends repo unless it is already configured, reporting whether it was added
func (c *Config) AddRepository(repo string) bool {
	for _, existing := range c.Repositories {
		if existing == repo {
			return false
		}
	}
	c.Repositories = append(c.Repositories, repo)
	return true
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}
