package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSettings_PrefersUserConfigOverLocal(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	workdir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workdir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })

	userConfigPath := filepath.Join(home, ".config", "epimem", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userConfigPath), 0o755))
	require.NoError(t, os.WriteFile(userConfigPath, []byte("durable_url: /tmp/from-user.db\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "config.yaml"), []byte("durable_url: /tmp/from-local.db\n"), 0o600))

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-user.db", s.DurableURL)
}

func TestLoadSettings_FallsBackToLocalConfig(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	workdir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workdir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })

	require.NoError(t, os.WriteFile(filepath.Join(workdir, "config.yaml"), []byte("durable_url: /tmp/from-local.db\n"), 0o600))

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, "/tmp/from-local.db", s.DurableURL)
}

func TestLoadSettings_InvalidYAMLReturnsError(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	userConfigPath := filepath.Join(home, ".config", "epimem", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userConfigPath), 0o755))
	require.NoError(t, os.WriteFile(userConfigPath, []byte("durable_url: ["), 0o600))

	_, err := LoadSettings()
	require.Error(t, err)
}

func TestLoadSettingsFile_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("durable_url: /tmp/read.db\ncache_path: /tmp/read.bolt\n"), 0o600))

	s, err := loadSettingsFile(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/read.db", s.DurableURL)
	require.Equal(t, "/tmp/read.bolt", s.CachePath)
}

func TestLoadSettingsFile_ReadsTuningFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "max_episodes: 500\n" +
		"eviction_policy: relevance_weighted\n" +
		"pattern_workers: 4\n" +
		"decay_rate_per_hour: 0.02\n" +
		"step_batch_size: 64\n" +
		"rate_limit_rps: 25\n" +
		"rate_limit_burst: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := loadSettingsFile(path)
	require.NoError(t, err)
	require.Equal(t, 500, s.MaxEpisodes)
	require.Equal(t, "relevance_weighted", s.EvictionPolicy)
	require.Equal(t, 4, s.PatternWorkers)
	require.Equal(t, 0.02, s.DecayRatePerHr)
	require.Equal(t, 64, s.StepBatchSize)
	require.Equal(t, 25.0, s.RateLimitRPS)
	require.Equal(t, 50, s.RateLimitBurst)
}

func TestLoadSettings_AppliesDefaultsWhenUnset(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, DefaultMaxEpisodes, s.MaxEpisodes)
	require.Equal(t, DefaultEvictionPolicy, s.EvictionPolicy)
	require.Equal(t, DefaultStepBatchSize, s.StepBatchSize)
	require.Equal(t, DefaultStepBatchMS, s.StepBatchMS)
	require.Equal(t, DefaultRateLimitRPS, s.RateLimitRPS)
	require.Equal(t, DefaultRateLimitBurst, s.RateLimitBurst)
}

func TestLoadSettings_EnvOverridesConfigFile(t *testing.T) {
	resetSettingsStateForTest()
	t.Cleanup(resetSettingsStateForTest)

	home := t.TempDir()
	t.Setenv("HOME", home)

	userConfigPath := filepath.Join(home, ".config", "epimem", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userConfigPath), 0o755))
	require.NoError(t, os.WriteFile(userConfigPath, []byte("max_episodes: 500\n"), 0o600))
	t.Setenv("EPIMEM_MAX_EPISODES", "9000")

	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, 9000, s.MaxEpisodes)
}
