// Package config is the viper-backed configuration singleton. Values
// resolve env var > config file > default, with the LOOM_ prefix for
// environment overrides (e.g. LOOM_LISTEN, LOOM_DATA_DIR,
// LOOM_LOG_LEVEL).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Called once at
// startup, before anything reads a value.
//
// Config file precedence: explicit path > project ./loom.yaml (walking
// up from the working directory) > ~/.config/threadloom/config.yaml.
func Initialize(explicitPath string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		configFileSet = true
	}

	if !configFileSet {
		if cwd, err := os.Getwd(); err == nil {
			for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
				configPath := filepath.Join(dir, "loom.yaml")
				if _, err := os.Stat(configPath); err == nil {
					v.SetConfigFile(configPath)
					configFileSet = true
					break
				}
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "threadloom", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	dataDir := defaultDataDir()
	v.SetDefault("listen", ":8080")
	v.SetDefault("data-dir", dataDir)
	v.SetDefault("db", "")
	v.SetDefault("users-file", "")
	v.SetDefault("prompts-file", "")
	v.SetDefault("plugins-file", "")
	v.SetDefault("ephemeral", false)

	v.SetDefault("model.default", "claude-sonnet-4-5")
	v.SetDefault("model.max-tokens", 8192)
	v.SetDefault("model.thinking-budget", 0)

	// The Anthropic SDK reads ANTHROPIC_API_KEY itself; this key exists
	// so deployments can configure it alongside everything else.
	_ = v.BindEnv("model.api-key", "ANTHROPIC_API_KEY")
	v.SetDefault("model.api-key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 50)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)

	v.SetDefault("server.shutdown-timeout", "15s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".threadloom")
	}
	return ".threadloom"
}

// DataDir returns the data directory, created on demand by callers.
func DataDir() string {
	return GetString("data-dir")
}

// DatabasePath resolves the SQLite path: the db key, or loom.db under
// the data directory. Ephemeral mode runs fully in memory.
func DatabasePath() string {
	if GetBool("ephemeral") {
		return ":memory:"
	}
	if db := GetString("db"); db != "" {
		return db
	}
	return filepath.Join(DataDir(), "loom.db")
}

// UsersFilePath resolves the YAML user file.
func UsersFilePath() string {
	if p := GetString("users-file"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "users.yaml")
}

// PromptsFilePath resolves the system prompt library file.
func PromptsFilePath() string {
	if p := GetString("prompts-file"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "prompts.yaml")
}

// PluginManifestPath resolves the plugins.toml manifest.
func PluginManifestPath() string {
	if p := GetString("plugins-file"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "plugins.toml")
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetInt64 retrieves a 64-bit integer configuration value.
func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, used by flags and tests.
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every configuration setting.
func AllSettings() map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v.AllSettings()
}
