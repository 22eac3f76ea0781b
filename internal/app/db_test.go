package app

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetSettingsStateForTest() {
	settingsOnce = sync.Once{}
	settings = Settings{}
	settingsErr = nil
	SetDurableURLOverride("")
	SetCachePathOverride("")
}

func TestGetDurableURL_PrioritizesCLIOverride(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("EPIMEM_DURABLE_URL", filepath.Join(home, "env", "episodes.db"))

	overridePath := filepath.Join(home, "cli", "episodes.db")
	SetDurableURLOverride(overridePath)

	resolved, err := GetDurableURL()
	require.NoError(t, err)
	require.Equal(t, overridePath, resolved)
}

func TestGetDurableURL_UsesEnvWithoutOverride(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	envPath := filepath.Join(home, "env", "episodes.db")
	t.Setenv("EPIMEM_DURABLE_URL", envPath)

	resolved, err := GetDurableURL()
	require.NoError(t, err)
	require.Equal(t, envPath, resolved)
}

func TestResolveDurableURLDetailed_ReportsSourceForEnv(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	envPath := filepath.Join(home, "env", "episodes.db")
	t.Setenv("EPIMEM_DURABLE_URL", envPath)

	resolved, source, err := ResolveDurableURLDetailed()
	require.NoError(t, err)
	require.Equal(t, envPath, resolved)
	require.Equal(t, "env(EPIMEM_DURABLE_URL)", source)
}

func TestGetCachePath_PrioritizesCLIOverride(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	overridePath := filepath.Join(home, "cli", "cache.bolt")
	SetCachePathOverride(overridePath)

	resolved, err := GetCachePath()
	require.NoError(t, err)
	require.Equal(t, overridePath, resolved)
}

func TestEnsureDirForDSN_CreatesParentDirectories(t *testing.T) {
	base := t.TempDir()
	dbPath := filepath.Join(base, "nested", "deep", "episodes.db")

	resolved, err := ensureDirForDSN(dbPath)
	require.NoError(t, err)
	require.Equal(t, dbPath, resolved)
	require.DirExists(t, filepath.Dir(dbPath))
}

func TestEnsureDirForDSN_PassesThroughFileURIUnmodified(t *testing.T) {
	resolved, err := ensureDirForDSN("file::memory:?cache=shared")
	require.NoError(t, err)
	require.Equal(t, "file::memory:?cache=shared", resolved)
}
