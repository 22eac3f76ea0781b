package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// durableURLOverride/cachePathOverride let the CLI's --durable-url/--cache-path
// flags win over config.yaml and the environment without threading a value
// through every call site, mirroring the teacher's dbPathOverride pattern.
//
//nolint:gochecknoglobals // process-wide CLI override, set once at startup
var (
	overrideMu        sync.RWMutex
	durableURLOverride string
	cachePathOverride  string
)

// SetDurableURLOverride records the --durable-url flag value, if any.
func SetDurableURLOverride(v string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	durableURLOverride = v
}

func getDurableURLOverride() string {
	overrideMu.RLock()
	defer overrideMu.RUnlock()
	return durableURLOverride
}

// SetCachePathOverride records the --cache-path flag value, if any.
func SetCachePathOverride(v string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	cachePathOverride = v
}

func getCachePathOverride() string {
	overrideMu.RLock()
	defer overrideMu.RUnlock()
	return cachePathOverride
}

// GetDurableURL resolves the durable store's SQLite DSN.
// Order of precedence:
// 1) CLI override (--durable-url)
// 2) Environment variable: EPIMEM_DURABLE_URL
// 3) config.yaml: durable_url
// 4) Default: ~/.config/epimem/episodes.db
// The parent directory of a plain file path is created if missing.
func GetDurableURL() (string, error) {
	if override := getDurableURLOverride(); override != "" {
		return ensureDirForDSN(override)
	}

	if envURL := os.Getenv("EPIMEM_DURABLE_URL"); envURL != "" {
		return ensureDirForDSN(envURL)
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DurableURL != "" {
		return ensureDirForDSN(cfg.DurableURL)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return ensureDirForDSN(filepath.Join(configDir, "episodes.db"))
}

// GetCachePath resolves the cache store's bbolt file path, with the same
// precedence order as GetDurableURL.
func GetCachePath() (string, error) {
	if override := getCachePathOverride(); override != "" {
		return ensureDirForDSN(override)
	}

	if envPath := os.Getenv("EPIMEM_CACHE_PATH"); envPath != "" {
		return ensureDirForDSN(envPath)
	}

	cfg, err := LoadSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.CachePath != "" {
		return ensureDirForDSN(cfg.CachePath)
	}

	configDir, err := ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return ensureDirForDSN(filepath.Join(configDir, "cache.bolt"))
}

// ResolveDurableURLDetailed returns the resolved DSN along with the source of
// that decision (CLI flag, environment, config file, or default).
func ResolveDurableURLDetailed() (path string, source string, err error) {
	if override := getDurableURLOverride(); override != "" {
		resolved, ensureErr := ensureDirForDSN(override)
		return resolved, "cli(--durable-url)", ensureErr
	}

	if envURL := os.Getenv("EPIMEM_DURABLE_URL"); envURL != "" {
		resolved, ensureErr := ensureDirForDSN(envURL)
		return resolved, "env(EPIMEM_DURABLE_URL)", ensureErr
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to determine config directory: %w", err)
	}

	// Config file order must match LoadSettings.
	configPaths := []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(string(os.PathSeparator), "etc", "epimem", "config.yaml"),
		"config.yaml",
	}

	for _, p := range configPaths {
		s, loadErr := loadSettingsFile(p)
		if loadErr == nil {
			if s.DurableURL != "" {
				resolved, ensureErr := ensureDirForDSN(s.DurableURL)
				return resolved, fmt.Sprintf("config(%s)", p), ensureErr
			}
			continue
		}
		if errors.Is(loadErr, os.ErrNotExist) {
			continue
		}
		return "", "", fmt.Errorf("failed to load config %s: %w", p, loadErr)
	}

	resolved, err := ensureDirForDSN(filepath.Join(dir, "episodes.db"))
	return resolved, "default(~/.config/epimem/episodes.db)", err
}

// ensureDirForDSN creates the parent directory of a plain filesystem path.
// "file:" URIs (e.g. "file:foo.db?cache=shared") are passed through
// unmodified since the directory they name isn't necessarily literal.
func ensureDirForDSN(path string) (string, error) {
	if len(path) >= 5 && path[:5] == "file:" {
		return path, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return path, nil
}
