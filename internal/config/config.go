// Package config provides configuration management for the antigravity proxy
// server. It handles loading and parsing YAML configuration files, overlaying
// secrets from a .env file, and provides structured access to application
// settings including server port, account storage, and retry tunables.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the client-facing HTTP port.
	Port int `yaml:"port" json:"port"`

	// AccountsPath is the path to the persisted account list.
	AccountsPath string `yaml:"accounts-path" json:"accounts-path"`

	// SharedToken is the bearer token clients must present.
	SharedToken string `yaml:"shared-token" json:"shared-token"`

	// FallbackEnabled toggles the cross-family fallback-model hop.
	FallbackEnabled bool `yaml:"fallback-enabled" json:"fallback-enabled"`

	// DefaultCooldownMs is the short-retry cooldown baseline.
	// nil means default (10000).
	DefaultCooldownMs *int `yaml:"default-cooldown-ms,omitempty" json:"default-cooldown-ms,omitempty"`

	// MaxAccounts caps the pool size.
	// nil means default (10).
	MaxAccounts *int `yaml:"max-accounts,omitempty" json:"max-accounts,omitempty"`

	// MaxWaitBeforeErrorMs is the threshold above which a fully-limited pool
	// triggers fallback/error instead of sleeping.
	// nil means default (120000).
	MaxWaitBeforeErrorMs *int `yaml:"max-wait-before-error-ms,omitempty" json:"max-wait-before-error-ms,omitempty"`

	// MaxRetries bounds the dispatch attempt loop.
	// nil means default (5).
	MaxRetries *int `yaml:"max-retries,omitempty" json:"max-retries,omitempty"`

	// MaxEmptyResponseRetries bounds empty-stream retries per attempt.
	// nil means default (2).
	MaxEmptyResponseRetries *int `yaml:"max-empty-response-retries,omitempty" json:"max-empty-response-retries,omitempty"`

	// GeminiMaxOutputTokens caps generationConfig.maxOutputTokens for Gemini models.
	// nil means default (16384).
	GeminiMaxOutputTokens *int `yaml:"gemini-max-output-tokens,omitempty" json:"gemini-max-output-tokens,omitempty"`

	// ThinkingSignatureTTLMs is the thinking-signature cache TTL.
	// nil means default (7200000, 2h).
	ThinkingSignatureTTLMs *int64 `yaml:"thinking-signature-ttl-ms,omitempty" json:"thinking-signature-ttl-ms,omitempty"`

	// ProxyURL is an optional outbound proxy for upstream calls.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// HotReload toggles the accounts file watch; the config file itself is
	// read once at startup and never watched.
	// nil means default (true).
	HotReload *bool `yaml:"hot-reload,omitempty" json:"hot-reload,omitempty"`

	// Logging configures the process-wide logger.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// LoggingConfig holds structured-logging output settings.
type LoggingConfig struct {
	// Level is the minimum logrus level name (debug, info, warn, error).
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// File, when set, routes log output to a lumberjack-rotated file
	// instead of stdout.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// MaxSizeMB is the rotation threshold. nil means default (100).
	MaxSizeMB *int `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`

	// MaxBackups is the number of rotated files kept. nil means default (3).
	MaxBackups *int `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
}

const (
	defaultPort                    = 8080
	defaultCooldownMs              = 10000
	defaultMaxAccounts             = 10
	defaultMaxWaitBeforeErrorMs    = 120000
	defaultMaxRetries              = 5
	defaultMaxEmptyResponseRetries = 2
	defaultGeminiMaxOutputTokens   = 16384
	defaultThinkingSignatureTTLMs  = int64(7_200_000)
	defaultLogMaxSizeMB            = 100
	defaultLogMaxBackups           = 3
)

// GetDefaultCooldownMs returns the configured cooldown baseline, defaulting to 10000.
func (c *Config) GetDefaultCooldownMs() int {
	if c == nil || c.DefaultCooldownMs == nil {
		return defaultCooldownMs
	}
	return *c.DefaultCooldownMs
}

// GetMaxAccounts returns the configured pool cap, defaulting to 10.
func (c *Config) GetMaxAccounts() int {
	if c == nil || c.MaxAccounts == nil {
		return defaultMaxAccounts
	}
	return *c.MaxAccounts
}

// GetMaxWaitBeforeErrorMs returns the configured wait ceiling, defaulting to 120000.
func (c *Config) GetMaxWaitBeforeErrorMs() int {
	if c == nil || c.MaxWaitBeforeErrorMs == nil {
		return defaultMaxWaitBeforeErrorMs
	}
	return *c.MaxWaitBeforeErrorMs
}

// GetMaxRetries returns the configured attempt-loop bound, defaulting to 5.
func (c *Config) GetMaxRetries() int {
	if c == nil || c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// GetMaxEmptyResponseRetries returns the configured empty-stream retry bound, defaulting to 2.
func (c *Config) GetMaxEmptyResponseRetries() int {
	if c == nil || c.MaxEmptyResponseRetries == nil {
		return defaultMaxEmptyResponseRetries
	}
	return *c.MaxEmptyResponseRetries
}

// GetGeminiMaxOutputTokens returns the configured output-token cap, defaulting to 16384.
func (c *Config) GetGeminiMaxOutputTokens() int {
	if c == nil || c.GeminiMaxOutputTokens == nil {
		return defaultGeminiMaxOutputTokens
	}
	return *c.GeminiMaxOutputTokens
}

// GetThinkingSignatureTTLMs returns the configured cache TTL, defaulting to 2h.
func (c *Config) GetThinkingSignatureTTLMs() int64 {
	if c == nil || c.ThinkingSignatureTTLMs == nil {
		return defaultThinkingSignatureTTLMs
	}
	return *c.ThinkingSignatureTTLMs
}

// GetPort returns the configured client port, defaulting to 8080.
func (c *Config) GetPort() int {
	if c == nil || c.Port == 0 {
		return defaultPort
	}
	return c.Port
}

// IsHotReloadEnabled reports whether accounts file watching is on, defaulting to true.
func (c *Config) IsHotReloadEnabled() bool {
	if c == nil || c.HotReload == nil {
		return true
	}
	return *c.HotReload
}

// GetLogMaxSizeMB returns the configured rotation size, defaulting to 100MB.
func (l *LoggingConfig) GetLogMaxSizeMB() int {
	if l == nil || l.MaxSizeMB == nil {
		return defaultLogMaxSizeMB
	}
	return *l.MaxSizeMB
}

// GetLogMaxBackups returns the configured backup count, defaulting to 3.
func (l *LoggingConfig) GetLogMaxBackups() int {
	if l == nil || l.MaxBackups == nil {
		return defaultLogMaxBackups
	}
	return *l.MaxBackups
}

// Load reads a YAML configuration file at path, then overlays the .env file
// in the process working directory (if present) so that SharedToken may be supplied as
// ANTIGRAVITY_SHARED_TOKEN without living in the checked-in YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	_ = godotenv.Load(".env")
	if tok := os.Getenv("ANTIGRAVITY_SHARED_TOKEN"); tok != "" {
		cfg.SharedToken = tok
	}
	if proxyURL := os.Getenv("ANTIGRAVITY_PROXY_URL"); proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}

	if cfg.AccountsPath == "" {
		cfg.AccountsPath = "accounts.json"
	}

	return cfg, nil
}
