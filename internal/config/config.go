package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the entire configuration structure
type Config struct {
	Telegram     TelegramConfig     `toml:"telegram" yaml:"telegram"`
	Proxy        ProxyConfig        `toml:"proxy" yaml:"proxy"`
	Responder    ResponderConfig    `toml:"responder" yaml:"responder"`
	Conversation ConversationConfig `toml:"conversation" yaml:"conversation"`
	Storage      StorageConfig      `toml:"storage" yaml:"storage"`
	Metrics      MetricsConfig      `toml:"metrics" yaml:"metrics"`
	Logging      LoggingConfig      `toml:"logging" yaml:"logging"`
}

// TelegramConfig contains Telegram Bot settings
type TelegramConfig struct {
	Token          string  `toml:"token" yaml:"token"`
	PollingTimeout int     `toml:"polling_timeout" yaml:"polling_timeout"`
	AllowedUserIDs []int64 `toml:"allowed_user_ids" yaml:"allowed_user_ids"`
}

// ProxyConfig contains HTTP proxy settings
type ProxyConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	URL     string `toml:"url" yaml:"url"`
}

// ResponderConfig contains chat completion API settings
type ResponderConfig struct {
	URL           string  `toml:"url" yaml:"url"`
	APIKey        string  `toml:"api_key" yaml:"api_key"`
	Model         string  `toml:"model" yaml:"model"`
	Temperature   float64 `toml:"temperature" yaml:"temperature"`
	Timeout       int     `toml:"timeout" yaml:"timeout"`
	MaxRetries    *int    `toml:"max_retries" yaml:"max_retries"`
	MaxConcurrent int     `toml:"max_concurrent" yaml:"max_concurrent"`
	Stream        bool    `toml:"stream" yaml:"stream"`
}

// ConversationConfig controls buffering, pacing and prompting
type ConversationConfig struct {
	SystemPrompt       string `toml:"system_prompt" yaml:"system_prompt"`
	MaxHistoryMessages int    `toml:"max_history_messages" yaml:"max_history_messages"`
	WaitSeconds        *int   `toml:"wait_seconds" yaml:"wait_seconds"`
	WordsPerMinute     int    `toml:"words_per_minute" yaml:"words_per_minute"`
	NotifyOnFailure    *bool  `toml:"notify_on_failure" yaml:"notify_on_failure"`
	FailureMessage     string `toml:"failure_message" yaml:"failure_message"`
}

// StorageConfig contains history storage settings
type StorageConfig struct {
	Type       string `toml:"type" yaml:"type"`
	FilePath   string `toml:"file_path" yaml:"file_path"`
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
	PebblePath string `toml:"pebble_path" yaml:"pebble_path"`
}

// MetricsConfig contains the prometheus listener settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Output string `toml:"output" yaml:"output"`
}

const (
	defaultWaitSeconds = 30
	defaultMaxRetries  = 2
)

// Wait is the quiet period before buffered messages are answered. An
// explicit 0 answers immediately.
func (c ConversationConfig) Wait() time.Duration {
	if c.WaitSeconds == nil {
		return defaultWaitSeconds * time.Second
	}
	return time.Duration(*c.WaitSeconds) * time.Second
}

// Retries is the number of extra attempts after a failed completion
func (c ResponderConfig) Retries() int {
	if c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// ShouldNotifyOnFailure reports whether users get a notice when a reply fails
func (c ConversationConfig) ShouldNotifyOnFailure() bool {
	return c.NotifyOnFailure == nil || *c.NotifyOnFailure
}

// Load reads and parses the configuration file, then applies .env and
// environment overrides. An empty configPath falls back to the default
// locations, and a missing default file is not an error.
func Load(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = getDefaultConfigPath()
	}

	var cfg Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		log.Infof("Loading configuration from: %s", configPath)
		if err := decode(configPath, data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case os.IsNotExist(err) && !explicit:
		log.Infof("No configuration file at %s, using environment only", configPath)
	default:
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to load .env file: %v", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	if _, err := os.Stat("config.toml"); err == nil {
		return "config.toml"
	}

	configDir := "config"
	if _, err := os.Stat(filepath.Join(configDir, "config.toml")); err == nil {
		return filepath.Join(configDir, "config.toml")
	}

	return "config.toml"
}

// applyEnv overrides file values with the variables the bot has always
// been configured with.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.Responder.APIKey = v
	}
	if v := os.Getenv("ALLOWED_USER_IDS"); v != "" {
		ids, err := ParseUserIDs(v)
		if err != nil {
			return &ConfigError{Field: "ALLOWED_USER_IDS", Message: err.Error()}
		}
		cfg.Telegram.AllowedUserIDs = ids
	}
	if v, ok := os.LookupEnv("SYSTEM_PROMPT"); ok {
		cfg.Conversation.SystemPrompt = v
	}

	ints := []struct {
		name string
		set  func(n int)
	}{
		{"MAX_HISTORY_MESSAGES", func(n int) { cfg.Conversation.MaxHistoryMessages = n }},
		{"MESSAGE_WAIT_SECONDS", func(n int) { cfg.Conversation.WaitSeconds = &n }},
		{"WORDS_PER_MINUTE", func(n int) { cfg.Conversation.WordsPerMinute = n }},
	}
	for _, item := range ints {
		raw := strings.TrimSpace(os.Getenv(item.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return &ConfigError{Field: item.name, Message: fmt.Sprintf("invalid integer %q", raw)}
		}
		item.set(n)
	}
	return nil
}

// ParseUserIDs parses a comma separated list of Telegram user ids
func ParseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// setDefaults applies default values to configuration fields
func setDefaults(cfg *Config) {
	if cfg.Telegram.PollingTimeout == 0 {
		cfg.Telegram.PollingTimeout = 60
	}
	if cfg.Responder.URL == "" {
		cfg.Responder.URL = "https://api.deepseek.com"
	}
	if cfg.Responder.Model == "" {
		cfg.Responder.Model = "deepseek-chat"
	}
	if cfg.Responder.Timeout == 0 {
		cfg.Responder.Timeout = 60
	}
	if cfg.Responder.MaxRetries == nil {
		retries := defaultMaxRetries
		cfg.Responder.MaxRetries = &retries
	}
	if cfg.Responder.MaxConcurrent == 0 {
		cfg.Responder.MaxConcurrent = 4
	}
	if cfg.Conversation.MaxHistoryMessages == 0 {
		cfg.Conversation.MaxHistoryMessages = 50
	}
	if cfg.Conversation.WaitSeconds == nil {
		wait := defaultWaitSeconds
		cfg.Conversation.WaitSeconds = &wait
	}
	if cfg.Conversation.WordsPerMinute == 0 {
		cfg.Conversation.WordsPerMinute = 150
	}
	if cfg.Conversation.FailureMessage == "" {
		cfg.Conversation.FailureMessage = "Произошла ошибка при обработке вашего сообщения."
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "file"
	}
	if cfg.Storage.FilePath == "" {
		cfg.Storage.FilePath = filepath.Join("data", "message_history.json")
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join("data", "history.db")
	}
	if cfg.Storage.PebblePath == "" {
		cfg.Storage.PebblePath = filepath.Join("data", "history.pebble")
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "bot.log"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return &ConfigError{Field: "telegram.token", Message: "telegram token is required"}
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return &ConfigError{Field: "telegram.allowed_user_ids", Message: "at least one allowed user id is required"}
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return &ConfigError{Field: "proxy.url", Message: "proxy URL is required when proxy is enabled"}
	}
	if c.Responder.APIKey == "" {
		return &ConfigError{Field: "responder.api_key", Message: "responder API key is required"}
	}
	if c.Responder.MaxRetries != nil && *c.Responder.MaxRetries < 0 {
		return &ConfigError{Field: "responder.max_retries", Message: "must not be negative"}
	}
	if c.Conversation.WaitSeconds != nil && *c.Conversation.WaitSeconds < 0 {
		return &ConfigError{Field: "conversation.wait_seconds", Message: "must not be negative"}
	}
	if c.Conversation.WordsPerMinute < 0 {
		return &ConfigError{Field: "conversation.words_per_minute", Message: "must not be negative"}
	}
	switch c.Storage.Type {
	case "file", "sqlite", "pebble":
	default:
		return &ConfigError{Field: "storage.type", Message: fmt.Sprintf("unsupported storage type %q", c.Storage.Type)}
	}
	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
