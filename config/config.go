package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port     int    `toml:"port"`
	BaseURL  string `toml:"base_url"` // public URL OAuth redirects come back to
	LogLevel string `toml:"log_level"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type JWTConfig struct {
	Secret string `toml:"secret"` // For JWT signing
}

type OAuthProviderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"` // overridable via env
}

type SyncConfig struct {
	ThrottleSeconds  int `toml:"throttle_seconds"`   // min gap between fetch passes
	DedupWindowDays  int `toml:"dedup_window_days"`  // existence-index horizon
	MaxMessages      int `toml:"max_messages"`       // cap per pass
	PageSize         int `toml:"page_size"`          // provider page size
	PollSeconds      int `toml:"poll_seconds"`       // background poll cadence
	SessionTTLSecs   int `toml:"session_ttl_secs"`   // session staleness cutoff
}

type AnalyzerConfig struct {
	URL            string `toml:"url"` // empty disables the proxy
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type Config struct {
	Server   ServerConfig        `toml:"server"`
	Database DatabaseConfig      `toml:"database"`
	JWT      JWTConfig           `toml:"jwt"`
	Gmail    OAuthProviderConfig `toml:"gmail"`
	Outlook  OAuthProviderConfig `toml:"outlook"`
	Sync     SyncConfig          `toml:"sync"`
	Analyzer AnalyzerConfig      `toml:"analyzer"`
}

func LoadConfig(filepath string) (*Config, error) {
	var config Config

	// Set default values
	config.Server.Port = 3000
	config.Server.BaseURL = "http://localhost:3000"
	config.Server.LogLevel = "info"
	config.Database.Path = "mailbridge.db"
	config.Sync.ThrottleSeconds = 30
	config.Sync.DedupWindowDays = 30
	config.Sync.MaxMessages = 30
	config.Sync.PageSize = 15
	config.Sync.PollSeconds = 60
	config.Sync.SessionTTLSecs = 120
	config.Analyzer.TimeoutSeconds = 20

	if filepath != "" {
		if _, err := toml.DecodeFile(filepath, &config); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	// Secrets prefer the environment over the config file
	if v := os.Getenv("MAILBRIDGE_JWT_SECRET"); v != "" {
		config.JWT.Secret = v
	}
	if v := os.Getenv("MAILBRIDGE_GMAIL_CLIENT_ID"); v != "" {
		config.Gmail.ClientID = v
	}
	if v := os.Getenv("MAILBRIDGE_GMAIL_CLIENT_SECRET"); v != "" {
		config.Gmail.ClientSecret = v
	}
	if v := os.Getenv("MAILBRIDGE_OUTLOOK_CLIENT_ID"); v != "" {
		config.Outlook.ClientID = v
	}
	if v := os.Getenv("MAILBRIDGE_OUTLOOK_CLIENT_SECRET"); v != "" {
		config.Outlook.ClientSecret = v
	}

	if config.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required (config or MAILBRIDGE_JWT_SECRET)")
	}

	return &config, nil
}

// ThrottleWindow returns the minimum gap between fetch passes.
func (c *SyncConfig) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleSeconds) * time.Second
}

// DedupWindow returns how far back the existence index looks.
func (c *SyncConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowDays) * 24 * time.Hour
}

// PollInterval returns the background poller cadence.
func (c *SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// SessionTTL returns how long a session stays live without a ping.
func (c *SyncConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}

// Timeout returns the analyzer call deadline.
func (c *AnalyzerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
