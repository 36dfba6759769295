// Package manifest loads modules.yaml, the ordered module list that fixes
// both invocation order within a loop and merge priority (later entries
// override earlier ones on present fields).
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one module registration.
type Entry struct {
	ID       string `yaml:"id"`
	Path     string `yaml:"path"`
	Enabled  bool   `yaml:"enabled"`
	Critical bool   `yaml:"critical"`
}

// Manifest is the ordered list as loaded from modules.yaml; order is
// significant and preserved exactly as read.
type Manifest struct {
	Modules []Entry `yaml:"modules"`
}

// Load reads and parses path. Order of Modules matches on-disk file order.
func Load(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return m, nil
}

// Critical returns the enabled, critical-loop entries in manifest order.
func (m Manifest) Critical() []Entry {
	return filter(m.Modules, true)
}

// Auxiliary returns the enabled, auxiliary-loop entries in manifest order.
func (m Manifest) Auxiliary() []Entry {
	return filter(m.Modules, false)
}

func filter(entries []Entry, critical bool) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Enabled && e.Critical == critical {
			out = append(out, e)
		}
	}
	return out
}
