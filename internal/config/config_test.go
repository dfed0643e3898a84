package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	require.NoError(t, Initialize(path))

	assert.Equal(t, ":8080", GetString("listen"))
	assert.Equal(t, "claude-sonnet-4-5", GetString("model.default"))
	assert.Equal(t, int64(8192), GetInt64("model.max-tokens"))
	assert.Equal(t, "info", GetString("log.level"))
	assert.NotEmpty(t, DataDir())
}

func TestConfigFileAndDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9999"
data-dir: `+dir+`
model:
  default: claude-haiku-4-5
`), 0o644))

	require.NoError(t, Initialize(path))
	assert.Equal(t, ":9999", GetString("listen"))
	assert.Equal(t, "claude-haiku-4-5", GetString("model.default"))
	assert.Equal(t, filepath.Join(dir, "loom.db"), DatabasePath())
	assert.Equal(t, filepath.Join(dir, "users.yaml"), UsersFilePath())
	assert.Equal(t, filepath.Join(dir, "prompts.yaml"), PromptsFilePath())
	assert.Equal(t, filepath.Join(dir, "plugins.toml"), PluginManifestPath())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_LISTEN", ":7070")
	require.NoError(t, Initialize(""))
	assert.Equal(t, ":7070", GetString("listen"))
}

func TestEphemeralUsesMemoryDatabase(t *testing.T) {
	require.NoError(t, Initialize(""))
	Set("ephemeral", true)
	assert.Equal(t, ":memory:", DatabasePath())
}
