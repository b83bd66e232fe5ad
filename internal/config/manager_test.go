package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGetReturnsLoadedConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, ":9000", m.Get().Server.Listen)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	var notified *Config
	m.OnChange(func(c *Config) { notified = c })

	updated := `
[server]
listen = ":9100"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	m.reload()

	assert.Equal(t, ":9100", m.Get().Server.Listen)
	require.NotNil(t, notified)
	assert.Equal(t, ":9100", notified.Server.Listen)
}

func TestManagerCallbacksRunInRegistrationOrder(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	var order []string
	m.OnChange(func(*Config) { order = append(order, "first") })
	m.OnChange(func(*Config) { order = append(order, "second") })

	require.NoError(t, os.WriteFile(path, []byte("[server]\nlisten = \":9100\"\n"), 0o600))
	m.reload()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))
	m.reload()

	assert.Equal(t, ":9000", m.Get().Server.Listen)
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[providers]]
id = "bad"
protocol = "nope"
base_url = "https://example.com"
`), 0o600))

	_, err := NewManager(path, slog.Default())
	assert.Error(t, err)
}
