// Package config loads application configuration from a YAML file with
// environment variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// API Keys
	OpenAIKey string `yaml:"openai_key"`

	// GCP Configuration
	GCPProject     string `yaml:"gcp_project"`
	GCPCredentials string `yaml:"gcp_credentials"`

	// Model Configuration
	ChatModel       string  `yaml:"chat_model"`
	ExtractionModel string  `yaml:"extraction_model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float64 `yaml:"temperature"`

	// Storage selects the session backend: memory, redis, firestore.
	Storage string      `yaml:"storage"`
	Redis   RedisConfig `yaml:"redis"`

	// Conversation policy knobs.
	Conversation ConversationConfig `yaml:"conversation"`

	// Extraction pipeline configuration.
	Extraction ExtractionConfig `yaml:"extraction"`

	// Server configuration.
	Server ServerConfig `yaml:"server"`
}

// RedisConfig holds Redis connection settings for the redis storage backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ConversationConfig holds the turn-policy parameters.
type ConversationConfig struct {
	// MaxRedirects is how many off-topic redirects a session tolerates
	// before it is ended.
	MaxRedirects int `yaml:"max_redirects"`
	// CompletionThreshold is the fraction of enabled questions that must be
	// answered for an ended session to count as complete rather than partial.
	CompletionThreshold float64 `yaml:"completion_threshold"`
	// SessionTTL is how long an idle session stays resumable.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// RecapGap is the idle gap after which a resumed session gets a recap.
	RecapGap time.Duration `yaml:"recap_gap"`
}

// ExtractionConfig holds the async extraction pipeline parameters.
type ExtractionConfig struct {
	// QueueSize bounds the in-process job queue.
	QueueSize int `yaml:"queue_size"`
	// ConfidenceThreshold gates which extracted values are kept.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// Milestones are the response counts that trigger creator notifications.
	Milestones []int64 `yaml:"milestones"`
	// SweepInterval is the cron schedule for the ended-session sweeper
	// ("" disables sweeping).
	SweepInterval string `yaml:"sweep_interval"`
	// SweepWindow bounds how far back the sweeper looks for ended sessions.
	SweepWindow time.Duration `yaml:"sweep_window"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int  `yaml:"port"`
	MetricsPort int  `yaml:"metrics_port"`
	Tracing     bool `yaml:"tracing"`
}

// Default returns a configuration with all defaults applied and secrets
// read from the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ChatModel == "" {
		c.ChatModel = "gpt-4o-mini"
	}
	if c.ExtractionModel == "" {
		c.ExtractionModel = "gpt-4o-mini"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Storage == "" {
		c.Storage = "memory"
	}
	if c.Conversation.MaxRedirects == 0 {
		c.Conversation.MaxRedirects = 3
	}
	if c.Conversation.CompletionThreshold == 0 {
		c.Conversation.CompletionThreshold = 0.8
	}
	if c.Conversation.SessionTTL == 0 {
		c.Conversation.SessionTTL = 24 * time.Hour
	}
	if c.Conversation.RecapGap == 0 {
		c.Conversation.RecapGap = 2 * time.Minute
	}
	if c.Extraction.QueueSize == 0 {
		c.Extraction.QueueSize = 100
	}
	if c.Extraction.ConfidenceThreshold == 0 {
		c.Extraction.ConfidenceThreshold = 0.7
	}
	if len(c.Extraction.Milestones) == 0 {
		c.Extraction.Milestones = []int64{1, 5, 10}
	}
	if c.Extraction.SweepInterval == "" {
		c.Extraction.SweepInterval = "@hourly"
	}
	if c.Extraction.SweepWindow == 0 {
		c.Extraction.SweepWindow = 24 * time.Hour
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
}

// Load API keys and project settings from environment if not in config.
func (c *Config) applyEnv() {
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.GCPProject == "" {
		c.GCPProject = os.Getenv("GCP_PROJECT")
	}
	if c.GCPCredentials == "" {
		c.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
}

// SaveConfig saves configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key is required")
	}

	switch c.Storage {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for redis storage")
		}
	case "firestore":
		if c.GCPProject == "" {
			return fmt.Errorf("gcp_project is required for firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}

	if c.Conversation.CompletionThreshold < 0 || c.Conversation.CompletionThreshold > 1 {
		return fmt.Errorf("conversation.completion_threshold must be in [0, 1]")
	}
	if c.Extraction.ConfidenceThreshold < 0 || c.Extraction.ConfidenceThreshold > 1 {
		return fmt.Errorf("extraction.confidence_threshold must be in [0, 1]")
	}

	return nil
}
