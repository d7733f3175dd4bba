package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "openai", cfg.DefaultBackend)
	assert.Equal(t, "tool", cfg.ToolLang)
	assert.Equal(t, float64(30), cfg.RequestsPerMinute)
	assert.False(t, cfg.ShowSettings)
}

func TestLoad(t *testing.T) {
	content := `
default_backend: ollama
show_settings: true
tool_lang: chatgpt
requests_per_minute: 10
role_labels:
  assistant: claude
role_aliases:
  me: user
variables:
  project: chatmd
backends:
  ollama:
    base_url: http://remote:11434
    settings:
      model: mistral
  openai:
    api_key_env: TEST_OPENAI_KEY
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.DefaultBackend)
	assert.True(t, cfg.ShowSettings)
	assert.Equal(t, "chatgpt", cfg.ToolLang)
	assert.Equal(t, float64(10), cfg.RequestsPerMinute)
	assert.Equal(t, "claude", cfg.RoleLabels["assistant"])
	assert.Equal(t, "user", cfg.RoleAliases["me"])
	assert.Equal(t, "chatmd", cfg.Variables["project"])
	assert.Equal(t, "http://remote:11434", cfg.Backends["ollama"].BaseURL)
	assert.Equal(t, "mistral", cfg.Backends["ollama"].Settings["model"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_backend: [oops"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("show_settings: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultBackend)
	assert.Equal(t, "tool", cfg.ToolLang)
	assert.Equal(t, float64(30), cfg.RequestsPerMinute)
}

func TestAdapterConfig(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	cfg := &Config{
		Backends: map[string]BackendConfig{
			"openai": {BaseURL: "http://proxy:8080", APIKeyEnv: "TEST_OPENAI_KEY"},
			"inline": {APIKey: "sk-inline", APIKeyEnv: "TEST_OPENAI_KEY"},
		},
	}

	out := cfg.AdapterConfig("openai")
	assert.Equal(t, "http://proxy:8080", out["base_url"])
	assert.Equal(t, "sk-from-env", out["api_key"])

	// Inline key wins over the environment variable.
	out = cfg.AdapterConfig("inline")
	assert.Equal(t, "sk-inline", out["api_key"])

	// Unconfigured backends get an empty map, not nil.
	out = cfg.AdapterConfig("absent")
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
