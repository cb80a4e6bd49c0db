// ABOUTME: Configuration loading and parsing for mia-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mia-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Chat        ChatConfig        `yaml:"chat"`
	AI          AIConfig          `yaml:"ai"`
	Translation TranslationConfig `yaml:"translation"`
	WhatsApp    WhatsAppConfig    `yaml:"whatsapp"`
	Helpdesk    HelpdeskConfig    `yaml:"helpdesk"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Dedupe      DedupeConfig      `yaml:"dedupe"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the admin API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ChatConfig holds widget channel addressing configuration
type ChatConfig struct {
	ChannelDomain   string        `yaml:"channel_domain"`
	AttendantDomain string        `yaml:"attendant_domain"`
	RecoveryGrace   time.Duration `yaml:"-"`

	RecoveryGraceRaw string `yaml:"recovery_grace"`
}

// AIConfig holds AI answering backend configuration
type AIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	ChatflowID string        `yaml:"chatflow_id"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// TranslationConfig holds translation backend configuration
type TranslationConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// WhatsAppConfig holds WhatsApp gateway configuration. InstanceChatID names
// the bot instance that owns the channel.
type WhatsAppConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	Session        string `yaml:"session"`
	APIKey         string `yaml:"api_key"`
	CountryCode    string `yaml:"country_code"`
	InstanceChatID string `yaml:"instance_chat_id"`
}

// HelpdeskConfig holds support-desk platform configuration
type HelpdeskConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	AccessToken    string `yaml:"access_token"`
	AccountID      string `yaml:"account_id"`
	AITeamName     string `yaml:"ai_team_name"`
	InstanceChatID string `yaml:"instance_chat_id"`
}

// SessionsConfig holds session table lifecycle configuration
type SessionsConfig struct {
	IdleThreshold   time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	IdleThresholdRaw   string `yaml:"idle_threshold"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// DedupeConfig holds the duplicate suppression window configuration
type DedupeConfig struct {
	Capacity int `yaml:"capacity"`
}

// ResolverConfig holds identity resolution configuration
type ResolverConfig struct {
	TenantScoped bool `yaml:"tenant_scoped"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible defaults when omitted.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Sessions.IdleThreshold == 0 {
		c.Sessions.IdleThreshold = 30 * time.Minute
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = 5 * time.Minute
	}
	if c.Dedupe.Capacity == 0 {
		c.Dedupe.Capacity = 1000
	}
	if c.Chat.RecoveryGrace == 0 {
		c.Chat.RecoveryGrace = 2 * time.Minute
	}
	if c.Helpdesk.AITeamName == "" {
		c.Helpdesk.AITeamName = "ia"
	}
	if c.WhatsApp.CountryCode == "" {
		c.WhatsApp.CountryCode = "55"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Chat.ChannelDomain == "" {
		return fmt.Errorf("chat.channel_domain is required")
	}
	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required")
	}
	if c.AI.ChatflowID == "" {
		return fmt.Errorf("ai.chatflow_id is required")
	}
	if c.Translation.Enabled && c.Translation.BaseURL == "" {
		return fmt.Errorf("translation.base_url is required when translation is enabled")
	}
	if c.WhatsApp.Enabled {
		if c.WhatsApp.BaseURL == "" {
			return fmt.Errorf("whatsapp.base_url is required when whatsapp is enabled")
		}
		if c.WhatsApp.InstanceChatID == "" {
			return fmt.Errorf("whatsapp.instance_chat_id is required when whatsapp is enabled")
		}
	}
	if c.Helpdesk.Enabled {
		if c.Helpdesk.BaseURL == "" {
			return fmt.Errorf("helpdesk.base_url is required when helpdesk is enabled")
		}
		if c.Helpdesk.AccountID == "" {
			return fmt.Errorf("helpdesk.account_id is required when helpdesk is enabled")
		}
		if c.Helpdesk.InstanceChatID == "" {
			return fmt.Errorf("helpdesk.instance_chat_id is required when helpdesk is enabled")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Chat.RecoveryGraceRaw, &cfg.Chat.RecoveryGrace, "chat.recovery_grace"},
		{cfg.AI.TimeoutRaw, &cfg.AI.Timeout, "ai.timeout"},
		{cfg.Translation.TimeoutRaw, &cfg.Translation.Timeout, "translation.timeout"},
		{cfg.Sessions.IdleThresholdRaw, &cfg.Sessions.IdleThreshold, "sessions.idle_threshold"},
		{cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval, "sessions.cleanup_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
