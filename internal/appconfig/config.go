// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/omega/internal/interpreter"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/util"
)

const appDirName = "omega"

// InferenceConfig points at the local Ollama server.
type InferenceConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TopP           float64 `yaml:"top_p"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// RuleConfig is a user-supplied command rule. Patterns are Go regular
// expressions matched against lowercased input; Command may reference
// capture groups as {1}, {2}, ...
type RuleConfig struct {
	Patterns    []string `yaml:"patterns"`
	Command     string   `yaml:"command"`
	Description string   `yaml:"description"`
}

// AgentConfig controls agent mode.
type AgentConfig struct {
	CommandTimeoutSeconds int          `yaml:"command_timeout_seconds"`
	Shell                 string       `yaml:"shell"`
	Markers               []string     `yaml:"markers"`
	Rules                 []RuleConfig `yaml:"rules,omitempty"`
	ExtraDenylist         []string     `yaml:"extra_denylist,omitempty"`
	SystemPrompt          string       `yaml:"system_prompt"`
	Internet              bool         `yaml:"internet"`
	Learning              bool         `yaml:"learning"`
	HistoryMessages       int          `yaml:"history_messages"`
}

// TunnelConfig holds the provider table and supervisor policy.
type TunnelConfig struct {
	LocalPort                  int                  `yaml:"local_port"`
	URLTimeoutSeconds          int                  `yaml:"url_timeout_seconds"`
	AutoRestart                bool                 `yaml:"auto_restart"`
	RestartMaxAttempts         int                  `yaml:"restart_max_attempts"`
	RestartBackoffSeconds      int                  `yaml:"restart_backoff_seconds"`
	RestartStableWindowSeconds int                  `yaml:"restart_stable_window_seconds"`
	Providers                  []model.ProviderSpec `yaml:"providers"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen        string  `yaml:"listen"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// StorageConfig locates the sqlite record store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	Inference InferenceConfig `yaml:"inference"`
	Agent     AgentConfig     `yaml:"agent"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	UI        UIConfig        `yaml:"ui"`
}

// RuleSpecs returns the configured rule table, or the built-in one when
// agent.rules is empty. A non-empty list replaces the defaults entirely.
func (a AgentConfig) RuleSpecs() []interpreter.RuleSpec {
	if len(a.Rules) == 0 {
		return interpreter.DefaultRules()
	}
	specs := make([]interpreter.RuleSpec, 0, len(a.Rules))
	for _, r := range a.Rules {
		specs = append(specs, interpreter.RuleSpec{Patterns: r.Patterns, Template: r.Command, Description: r.Description})
	}
	return specs
}

// DefaultProviders returns the built-in provider table exposing localPort.
func DefaultProviders(localPort int) []model.ProviderSpec {
	port := strconv.Itoa(localPort)
	return []model.ProviderSpec{
		{
			ID:         "cloudflare",
			Name:       "Cloudflare Tunnel",
			Command:    []string{"cloudflared", "tunnel", "--url", "http://localhost:" + port},
			URLPattern: `https://[a-z0-9-]+\.trycloudflare\.com`,
			Priority:   1,
			Enabled:    true,
		},
		{
			ID:         "ngrok",
			Name:       "ngrok",
			Command:    []string{"ngrok", "http", port, "--log", "stdout"},
			URLPattern: `https://[a-z0-9-]+\.ngrok-free\.app`,
			Priority:   2,
			Enabled:    true,
		},
		{
			ID:         "localtunnel",
			Name:       "LocalTunnel",
			Command:    []string{"lt", "--port", port},
			URLPattern: `https://[a-z0-9-]+\.loca\.lt`,
			Priority:   3,
			Enabled:    true,
		},
		{
			ID:         "serveo",
			Name:       "Serveo",
			Command:    []string{"ssh", "-o", "StrictHostKeyChecking=accept-new", "-o", "ServerAliveInterval=30", "-R", "80:localhost:" + port, "serveo.net"},
			URLPattern: `https://[a-z0-9-]+\.serveo(usercontent)?\.(net|com)`,
			Priority:   4,
			Enabled:    true,
			PTY:        true,
		},
	}
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Inference: InferenceConfig{
			BaseURL:        "http://127.0.0.1:11434",
			Model:          "llama3.2",
			Temperature:    0.7,
			TopP:           0.9,
			MaxTokens:      2048,
			TimeoutSeconds: 120,
		},
		Agent: AgentConfig{
			CommandTimeoutSeconds: int(util.DefaultCommandTimeout.Seconds()),
			Shell:                 "/bin/sh",
			Markers:               append([]string(nil), interpreter.DefaultMarkers...),
			SystemPrompt:          "You are a helpful assistant running on the user's own machine.",
			Internet:              true,
			Learning:              true,
			HistoryMessages:       10,
		},
		Tunnel: TunnelConfig{
			LocalPort:                  util.DefaultLocalPort,
			URLTimeoutSeconds:          int(util.DefaultURLTimeout.Seconds()),
			AutoRestart:                true,
			RestartMaxAttempts:         3,
			RestartBackoffSeconds:      2,
			RestartStableWindowSeconds: 30,
			Providers:                  DefaultProviders(util.DefaultLocalPort),
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:5000",
			RatePerSecond: 2,
			Burst:         5,
		},
		UI: UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/omega.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// RuntimeFilePath returns the full path to runtime.json.
func RuntimeFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "runtime.json"), nil
}

// DatabasePath returns the sqlite path, honouring storage.path.
func (c Config) DatabasePath() (string, error) {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p, nil
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "omega.db"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	path, err := ConfigFilePath()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

func normalize(cfg *Config) error {
	def := Default()

	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = util.DefaultRefreshSeconds
	}

	cfg.Inference.BaseURL = strings.TrimRight(util.NormalizeAddr(cfg.Inference.BaseURL, def.Inference.BaseURL), "/")
	if strings.TrimSpace(cfg.Inference.Model) == "" {
		cfg.Inference.Model = def.Inference.Model
	}
	if cfg.Inference.Temperature < 0 || cfg.Inference.Temperature > 2 {
		cfg.Inference.Temperature = def.Inference.Temperature
	}
	if cfg.Inference.TopP <= 0 || cfg.Inference.TopP > 1 {
		cfg.Inference.TopP = def.Inference.TopP
	}
	if cfg.Inference.MaxTokens <= 0 {
		cfg.Inference.MaxTokens = def.Inference.MaxTokens
	}
	if cfg.Inference.TimeoutSeconds <= 0 {
		cfg.Inference.TimeoutSeconds = def.Inference.TimeoutSeconds
	}

	if cfg.Agent.CommandTimeoutSeconds <= 0 {
		cfg.Agent.CommandTimeoutSeconds = def.Agent.CommandTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Agent.Shell) == "" {
		cfg.Agent.Shell = def.Agent.Shell
	}
	if cfg.Agent.Markers == nil {
		cfg.Agent.Markers = def.Agent.Markers
	}
	if cfg.Agent.HistoryMessages < 0 {
		cfg.Agent.HistoryMessages = 0
	}

	if !util.ValidPort(cfg.Tunnel.LocalPort) {
		cfg.Tunnel.LocalPort = def.Tunnel.LocalPort
	}
	if cfg.Tunnel.URLTimeoutSeconds <= 0 {
		cfg.Tunnel.URLTimeoutSeconds = def.Tunnel.URLTimeoutSeconds
	}
	if cfg.Tunnel.RestartMaxAttempts < 0 {
		cfg.Tunnel.RestartMaxAttempts = 0
	}
	if cfg.Tunnel.RestartBackoffSeconds <= 0 {
		cfg.Tunnel.RestartBackoffSeconds = def.Tunnel.RestartBackoffSeconds
	}
	if cfg.Tunnel.RestartStableWindowSeconds <= 0 {
		cfg.Tunnel.RestartStableWindowSeconds = def.Tunnel.RestartStableWindowSeconds
	}
	if cfg.Tunnel.Providers == nil {
		cfg.Tunnel.Providers = DefaultProviders(cfg.Tunnel.LocalPort)
	}
	seen := map[string]struct{}{}
	for i, p := range cfg.Tunnel.Providers {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return fmt.Errorf("tunnel.providers[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("tunnel.providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if len(p.Command) == 0 {
			return fmt.Errorf("tunnel.providers[%d] (%s): command is required", i, p.ID)
		}
		if strings.TrimSpace(p.URLPattern) == "" {
			return fmt.Errorf("tunnel.providers[%d] (%s): url_pattern is required", i, p.ID)
		}
		cfg.Tunnel.Providers[i] = p
	}

	cfg.Server.Listen = util.NormalizeAddr(cfg.Server.Listen, def.Server.Listen)
	if _, err := util.ListenPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", cfg.Server.Listen, err)
	}
	if cfg.Server.RatePerSecond <= 0 {
		cfg.Server.RatePerSecond = def.Server.RatePerSecond
	}
	if cfg.Server.Burst <= 0 {
		cfg.Server.Burst = def.Server.Burst
	}
	return nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	path, err := ConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
