// Package app resolves process-wide configuration: the config directory,
// settings file, and database/cache paths used by the store and cache
// packages. Mirrors the teacher's lookup-order and sync.Once conventions.
package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/epimem/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "epimem"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# epimem configuration
# Run: epimem --help

# Optional: override backend locations.
# Can also be set via EPIMEM_DURABLE_URL / EPIMEM_CACHE_PATH or --durable-url / --cache-path.
# durable_url: ~/.config/epimem/episodes.db
# cache_path: ~/.config/epimem/cache.bolt
`
