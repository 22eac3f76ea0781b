package app

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml, overridable by
// environment variables documented in spec.md §6. Field names match
// snake_case YAML keys.
type Settings struct {
	DurableURL   string `yaml:"durable_url"`
	CachePath    string `yaml:"cache_path"`
	NATSURL      string `yaml:"nats_url"`

	MaxEpisodes    int    `yaml:"max_episodes"`
	EvictionPolicy string `yaml:"eviction_policy"` // "lru" or "relevance_weighted"

	PatternWorkers  int     `yaml:"pattern_workers"`
	DecayRatePerHr  float64 `yaml:"decay_rate_per_hour"`
	DecayIntervalMS int     `yaml:"decay_interval_ms"`

	StepBatchSize int `yaml:"step_batch_size"`
	StepBatchMS   int `yaml:"step_batch_ms"`

	PoolMax          int `yaml:"pool_max"`
	PoolTimeoutMS    int `yaml:"pool_timeout_ms"`
	BreakerThreshold int `yaml:"breaker_threshold"`
	BreakerCooldownMS int `yaml:"breaker_cooldown_ms"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults per spec.md §4.1, §4.5, §4.4, §5, §6.
const (
	DefaultMaxEpisodes      = 10000
	DefaultEvictionPolicy   = "lru"
	DefaultStepBatchSize    = 32
	DefaultStepBatchMS      = 250
	DefaultDecayRatePerHour = 0.01
	DefaultDecayInterval    = time.Hour
	DefaultPoolMax          = 4
	DefaultPoolTimeoutMS    = 2000
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldownMS = 30000
	DefaultRateLimitRPS     = 10.0
	DefaultRateLimitBurst   = 20
)

// withDefaults fills zero-valued fields with the documented defaults.
func (s Settings) withDefaults() Settings {
	if s.MaxEpisodes <= 0 {
		s.MaxEpisodes = DefaultMaxEpisodes
	}
	if s.EvictionPolicy == "" {
		s.EvictionPolicy = DefaultEvictionPolicy
	}
	if s.PatternWorkers <= 0 {
		s.PatternWorkers = 0 // 0 is a sentinel meaning "logical CPUs", resolved by the caller.
	}
	if s.DecayRatePerHr <= 0 {
		s.DecayRatePerHr = DefaultDecayRatePerHour
	}
	if s.DecayIntervalMS <= 0 {
		s.DecayIntervalMS = int(DefaultDecayInterval / time.Millisecond)
	}
	if s.StepBatchSize <= 0 {
		s.StepBatchSize = DefaultStepBatchSize
	}
	if s.StepBatchMS <= 0 {
		s.StepBatchMS = DefaultStepBatchMS
	}
	if s.PoolMax <= 0 {
		s.PoolMax = DefaultPoolMax
	}
	if s.PoolTimeoutMS <= 0 {
		s.PoolTimeoutMS = DefaultPoolTimeoutMS
	}
	if s.BreakerThreshold <= 0 {
		s.BreakerThreshold = DefaultBreakerThreshold
	}
	if s.BreakerCooldownMS <= 0 {
		s.BreakerCooldownMS = DefaultBreakerCooldownMS
	}
	if s.RateLimitRPS <= 0 {
		s.RateLimitRPS = DefaultRateLimitRPS
	}
	if s.RateLimitBurst <= 0 {
		s.RateLimitBurst = DefaultRateLimitBurst
	}
	return s
}

// settingsOnce/settings/settingsErr implement a sync.Once lazy-load singleton
// for config, matching the teacher's process-wide immutable-after-init policy
// (spec.md §9 "Global state").
//
//nolint:gochecknoglobals // sync.Once singleton is intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error
)

// LoadSettings loads configuration once using the documented lookup order:
// 1) ~/.config/epimem/config.yaml
// 2) /etc/epimem/config.yaml
// 3) ./config.yaml (lowest priority)
// then applies environment variable overrides, then defaults.
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		s := Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}

		candidates := []string{
			filepath.Join(dir, "config.yaml"),
			filepath.Join(string(os.PathSeparator), "etc", "epimem", "config.yaml"),
			"config.yaml",
		}
		for _, p := range candidates {
			loaded, loadErr := loadSettingsFile(p)
			if loadErr == nil {
				s = loaded
				break
			}
			if !errors.Is(loadErr, os.ErrNotExist) {
				settingsErr = loadErr
				return
			}
		}

		applyEnvOverrides(&s)
		settings = s.withDefaults()
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// applyEnvOverrides applies the EPIMEM_* environment variables documented in
// spec.md §6, which take precedence over config.yaml.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("EPIMEM_DURABLE_URL"); v != "" {
		s.DurableURL = v
	}
	if v := os.Getenv("EPIMEM_CACHE_PATH"); v != "" {
		s.CachePath = v
	}
	if v := os.Getenv("EPIMEM_NATS_URL"); v != "" {
		s.NATSURL = v
	}
	if v := os.Getenv("EPIMEM_MAX_EPISODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxEpisodes = n
		}
	}
	if v := os.Getenv("EPIMEM_EVICTION_POLICY"); v != "" {
		s.EvictionPolicy = v
	}
	if v := os.Getenv("EPIMEM_PATTERN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PatternWorkers = n
		}
	}
	if v := os.Getenv("EPIMEM_DECAY_RATE_PER_HOUR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.DecayRatePerHr = f
		}
	}
	if v := os.Getenv("EPIMEM_DECAY_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.DecayIntervalMS = n
		}
	}
	if v := os.Getenv("EPIMEM_STEP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.StepBatchSize = n
		}
	}
	if v := os.Getenv("EPIMEM_STEP_BATCH_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.StepBatchMS = n
		}
	}
	if v := os.Getenv("EPIMEM_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PoolMax = n
		}
	}
	if v := os.Getenv("EPIMEM_POOL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PoolTimeoutMS = n
		}
	}
	if v := os.Getenv("EPIMEM_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.BreakerThreshold = n
		}
	}
	if v := os.Getenv("EPIMEM_BREAKER_COOLDOWN_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.BreakerCooldownMS = n
		}
	}
	if v := os.Getenv("EPIMEM_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.RateLimitRPS = f
		}
	}
	if v := os.Getenv("EPIMEM_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RateLimitBurst = n
		}
	}
}
