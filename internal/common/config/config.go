// Package config provides configuration management for Colloquy.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Colloquy.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	LLM       LLMConfig       `mapstructure:"llm"`
	AgentHost AgentHostConfig `mapstructure:"agentHost"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Scenarios ScenariosConfig `mapstructure:"scenarios"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded SQLite store and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite (default) or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LLMConfig holds configuration for the external LLM provider endpoint.
type LLMConfig struct {
	BaseURL      string  `mapstructure:"baseUrl"`
	APIKey       string  `mapstructure:"apiKey"`
	DefaultModel string  `mapstructure:"defaultModel"`
	Temperature  float64 `mapstructure:"temperature"`
	TimeoutSecs  int     `mapstructure:"timeoutSecs"`
}

// AgentHostConfig holds configuration for in-process hosted agents.
type AgentHostConfig struct {
	// MaxTurnSteps bounds how many LLM round-trips a single turn may take.
	MaxTurnSteps int `mapstructure:"maxTurnSteps"`
	// RetryAttempts bounds transient LLM retries within a turn.
	RetryAttempts int `mapstructure:"retryAttempts"`
	// RetryBackoffMs is the initial backoff; doubles per attempt.
	RetryBackoffMs int `mapstructure:"retryBackoffMs"`
}

// BridgeConfig holds configuration for the external MCP bridge.
type BridgeConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	DefaultWaitMs int  `mapstructure:"defaultWaitMs"`
	MaxReplies    int  `mapstructure:"maxReplies"`
}

// WatchdogConfig holds configuration for the stalled-conversation sweeper.
type WatchdogConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	IntervalSecs  int  `mapstructure:"intervalSecs"`
	StallSecs     int  `mapstructure:"stallSecs"`    // idle threshold before cancellation
	MinAgeSecs    int  `mapstructure:"minAgeSecs"`   // never cancel younger conversations
}

// ScenariosConfig holds scenario seeding configuration.
type ScenariosConfig struct {
	SeedDir string `mapstructure:"seedDir"` // directory of YAML/JSON scenario files loaded at boot
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the LLM request timeout as a time.Duration.
func (l *LLMConfig) Timeout() time.Duration {
	if l.TimeoutSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(l.TimeoutSecs) * time.Second
}

// Interval returns the sweep interval as a time.Duration.
func (w *WatchdogConfig) Interval() time.Duration {
	return time.Duration(w.IntervalSecs) * time.Second
}

// StallThreshold returns the idle threshold as a time.Duration.
func (w *WatchdogConfig) StallThreshold() time.Duration {
	return time.Duration(w.StallSecs) * time.Second
}

// MinAge returns the minimum conversation age as a time.Duration.
func (w *WatchdogConfig) MinAge() time.Duration {
	return time.Duration(w.MinAgeSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COLLOQUY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./colloquy.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "colloquy")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "colloquy")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "colloquy-cluster")
	v.SetDefault("nats.clientId", "colloquy-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// LLM provider defaults
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.defaultModel", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeoutSecs", 60)

	// Agent host defaults
	v.SetDefault("agentHost.maxTurnSteps", 8)
	v.SetDefault("agentHost.retryAttempts", 3)
	v.SetDefault("agentHost.retryBackoffMs", 1000)

	// Bridge defaults
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.defaultWaitMs", 10000)
	v.SetDefault("bridge.maxReplies", 200)

	// Watchdog defaults
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.intervalSecs", 30)
	v.SetDefault("watchdog.stallSecs", 600)
	v.SetDefault("watchdog.minAgeSecs", 60)

	// Scenario seeding defaults
	v.SetDefault("scenarios.seedDir", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COLLOQUY_ with snake_case naming.
// Config file should be named colloquy.yaml and placed in the current directory or /etc/colloquy/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COLLOQUY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "COLLOQUY_DB_PATH")
	_ = v.BindEnv("llm.baseUrl", "COLLOQUY_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "COLLOQUY_LLM_API_KEY")
	_ = v.BindEnv("scenarios.seedDir", "COLLOQUY_SCENARIOS_SEED_DIR")

	v.SetConfigName("colloquy")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/colloquy/")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env + defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
