// Package config loads and saves the gateway configuration. Files may be
// JSON (the historical format) or YAML, selected by file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	BotList     []Bot  `json:"botlist" yaml:"botlist"`
	WebHost     string `json:"web_host" yaml:"web_host"`
	WebPort     int    `json:"web_port" yaml:"web_port"`
	AccessToken string `json:"access_token" yaml:"access_token"`
	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// Bot configures one platform adapter. Platform selects the adapter type;
// the remaining fields are platform-specific credentials and endpoint
// overrides, so only the ones the platform needs are set.
type Bot struct {
	Platform string `json:"platform" yaml:"platform"`

	// OneBot: HTTP API base and event stream socket.
	HTTPURL     string `json:"http_url,omitempty" yaml:"http_url,omitempty"`
	WSURL       string `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`
	AccessToken string `json:"access_token,omitempty" yaml:"access_token,omitempty"`

	// Villa: bot credentials and the villa the bot lives in.
	BotID   string `json:"bot_id,omitempty" yaml:"bot_id,omitempty"`
	Secret  string `json:"secret,omitempty" yaml:"secret,omitempty"`
	VillaID string `json:"villa_id,omitempty" yaml:"villa_id,omitempty"`

	// QQ open platform: app credentials for guild and group bots. Older
	// config files carry extra keys (botqq, token) from the pre-app-token
	// credential scheme; unknown keys are ignored on load.
	AppID     string `json:"appid,omitempty" yaml:"appid,omitempty"`
	AppSecret string `json:"appsecret,omitempty" yaml:"appsecret,omitempty"`
}

// Defaults returns a configuration that binds locally with no bots.
func Defaults() *Config {
	return &Config{
		BotList:  []Bot{},
		WebHost:  "127.0.0.1",
		WebPort:  8080,
		LogLevel: "info",
	}
}

// DefaultConfigPath is the config file looked up when --config is not given.
func DefaultConfigPath() string {
	return "config.json"
}

// Load reads and parses the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format matching the extension.
func Save(path string, cfg *Config) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) validate() error {
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("web_port %d out of range", c.WebPort)
	}
	for i, bot := range c.BotList {
		if bot.Platform == "" {
			return fmt.Errorf("botlist[%d]: platform is required", i)
		}
	}
	return nil
}
