// Package config loads the chatmd configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// DefaultBackend names the adapter used when a document does not pick one.
	DefaultBackend string `yaml:"default_backend"`

	// ShowSettings controls whether the settings block is serialized into
	// rendered documents.
	ShowSettings bool `yaml:"show_settings"`

	// ToolLang is the fenced-block language marker designating a tool
	// invocation payload.
	ToolLang string `yaml:"tool_lang"`

	// SettingsTag is the info string marking the leading settings block;
	// empty means the codec default.
	SettingsTag string `yaml:"settings_tag"`

	// RoleLabels overrides the canonical heading label per role
	// (system/user/assistant keys).
	RoleLabels map[string]string `yaml:"role_labels"`

	// RoleAliases maps additional heading labels to roles.
	RoleAliases map[string]string `yaml:"role_aliases"`

	// Variables are template variables expanded from ${name} references in
	// submitted messages.
	Variables map[string]string `yaml:"variables"`

	// Backends holds per-backend overrides.
	Backends map[string]BackendConfig `yaml:"backends"`

	// RequestsPerMinute caps the submission rate.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
}

// BackendConfig holds configuration for a single backend.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"api_key"`
	// Settings are default settings applied under the backend's schema.
	Settings map[string]any `yaml:"settings"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DefaultBackend == "" {
		c.DefaultBackend = "openai"
	}
	if c.ToolLang == "" {
		c.ToolLang = "tool"
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 30
	}
}

// AdapterConfig resolves the factory configuration for a backend, pulling
// the API key from the named environment variable when not set inline.
func (c *Config) AdapterConfig(backend string) map[string]any {
	out := make(map[string]any)
	bc, ok := c.Backends[backend]
	if !ok {
		return out
	}
	if bc.BaseURL != "" {
		out["base_url"] = bc.BaseURL
	}
	key := bc.APIKey
	if key == "" && bc.APIKeyEnv != "" {
		key = os.Getenv(bc.APIKeyEnv)
	}
	if key != "" {
		out["api_key"] = key
	}
	return out
}
