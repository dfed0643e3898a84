package plugin

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Manifest is the plugins.toml file: it cannot add plugins, only
// disable registered ones, override priorities, and carry per-plugin
// settings.
type Manifest struct {
	Disabled   []string                  `toml:"disabled"`
	Priorities map[string]int            `toml:"priorities"`
	Settings   map[string]map[string]any `toml:"settings"`
}

// LoadManifest reads plugins.toml. A missing file is an empty manifest:
// everything enabled at its default priority.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &m, nil
	}
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("failed to parse plugin manifest %s: %w", path, err)
	}
	return &m, nil
}

// Enabled reports whether the named plugin should be registered.
func (m *Manifest) Enabled(name string) bool {
	for _, d := range m.Disabled {
		if d == name {
			return false
		}
	}
	return true
}

// Priority returns the manifest override for name, or def.
func (m *Manifest) Priority(name string, def int) int {
	if p, ok := m.Priorities[name]; ok {
		return p
	}
	return def
}

// SettingsFor returns the plugin's settings table, never nil.
func (m *Manifest) SettingsFor(name string) map[string]any {
	if s, ok := m.Settings[name]; ok {
		return s
	}
	return map[string]any{}
}
