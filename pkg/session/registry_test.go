package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmd-dev/chatmd/pkg/config"
)

func TestRegistryOpen(t *testing.T) {
	registry := NewRegistry(config.Default())

	sess, err := registry.Open(OpenOptions{Document: []byte("## user\n\nHello\n")})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, "openai", sess.Backend())
	assert.Equal(t, "## user\n\nHello\n", string(sess.Document()))

	got, ok := registry.Get(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	require.NoError(t, sess.Close())
	_, ok = registry.Get(sess.ID())
	assert.False(t, ok)
}

func TestRegistryOpenExplicitBackend(t *testing.T) {
	registry := NewRegistry(config.Default())

	sess, err := registry.Open(OpenOptions{Backend: "ollama"})
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "ollama", sess.Backend())

	_, err = registry.Open(OpenOptions{Backend: "nope"})
	assert.Error(t, err)
}

func TestRegistryDefaultBackendFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultBackend = "anthropic"
	registry := NewRegistry(cfg)

	sess, err := registry.Open(OpenOptions{})
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "anthropic", sess.Backend())
}

func TestRegistryList(t *testing.T) {
	registry := NewRegistry(config.Default())

	a, err := registry.Open(OpenOptions{})
	require.NoError(t, err)
	b, err := registry.Open(OpenOptions{})
	require.NoError(t, err)

	ids := registry.List()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, a.ID())
	assert.Contains(t, ids, b.ID())

	registry.CloseAll()
	assert.Empty(t, registry.List())
}

func TestRegistrySessionsAreIsolated(t *testing.T) {
	registry := NewRegistry(config.Default())

	a, err := registry.Open(OpenOptions{Document: []byte("## user\n\nA\n")})
	require.NoError(t, err)
	defer a.Close()
	b, err := registry.Open(OpenOptions{Document: []byte("## user\n\nB\n")})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SetBackend("ollama"))
	assert.Equal(t, "ollama", a.Backend())
	assert.Equal(t, "openai", b.Backend())
	assert.NotEqual(t, string(a.Document()), string(b.Document()))
}
