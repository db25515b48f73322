package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"relay/internal/logging"
)

// Host setting keys, flat, with their defaults.
const (
	KeyRateLimitPerMinute = "rateLimitPerMinute"
	KeyGuardrailsEnabled  = "guardrails.enabled"
	KeyGuardrailsDryRun   = "guardrails.dryRun"
	KeyCacheEnabled       = "cache.enabled"
	KeyCacheMaxEntries    = "cache.maxEntries"
	KeyCacheTTLMs         = "cache.ttlMs"
	KeyMemoryMaxCount     = "memory.maxCount"
	KeyMemoryPruneDays    = "memory.pruneAfterDays"
	KeyAutonomousMaxSteps = "autonomous.maxSteps"
	KeyAutonomousConfirm  = "autonomous.confirmBeforeApply"
)

// Settings wraps viper-backed host settings with live reload. Reads are safe
// from any goroutine; changes take effect on the next read.
type Settings struct {
	mu     sync.RWMutex
	v      *viper.Viper
	logger logging.Logger

	onChange []func()
}

// NewSettings builds a settings view with defaults applied. configFile may be
// empty for a defaults-only view (tests, embedded hosts).
func NewSettings(configFile string, logger logging.Logger) (*Settings, error) {
	v := viper.New()
	v.SetDefault(KeyRateLimitPerMinute, 30)
	v.SetDefault(KeyGuardrailsEnabled, true)
	v.SetDefault(KeyGuardrailsDryRun, false)
	v.SetDefault(KeyCacheEnabled, true)
	v.SetDefault(KeyCacheMaxEntries, 200)
	v.SetDefault(KeyCacheTTLMs, 600000)
	v.SetDefault(KeyMemoryMaxCount, 500)
	v.SetDefault(KeyMemoryPruneDays, 30)
	v.SetDefault(KeyAutonomousMaxSteps, 10)
	v.SetDefault(KeyAutonomousConfirm, true)

	s := &Settings{v: v, logger: logging.OrNop(logger)}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			// A missing settings file is normal; defaults apply.
			s.logger.Debug("settings file not loaded: %v", err)
		}
		v.OnConfigChange(func(_ fsnotify.Event) { s.notify() })
		v.WatchConfig()
	}
	return s, nil
}

// OnChange registers a callback fired after the settings file changes.
func (s *Settings) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Settings) notify() {
	s.mu.RLock()
	callbacks := append([]func(){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Set overrides a key at runtime (host settings UI).
func (s *Settings) Set(key string, value any) {
	s.v.Set(key, value)
	s.notify()
}

func (s *Settings) RateLimitPerMinute() int { return s.v.GetInt(KeyRateLimitPerMinute) }
func (s *Settings) GuardrailsEnabled() bool { return s.v.GetBool(KeyGuardrailsEnabled) }
func (s *Settings) GuardrailsDryRun() bool  { return s.v.GetBool(KeyGuardrailsDryRun) }
func (s *Settings) CacheEnabled() bool      { return s.v.GetBool(KeyCacheEnabled) }
func (s *Settings) CacheMaxEntries() int    { return s.v.GetInt(KeyCacheMaxEntries) }
func (s *Settings) MemoryMaxCount() int     { return s.v.GetInt(KeyMemoryMaxCount) }
func (s *Settings) AutonomousMaxSteps() int { return s.v.GetInt(KeyAutonomousMaxSteps) }
func (s *Settings) AutonomousConfirm() bool { return s.v.GetBool(KeyAutonomousConfirm) }

// CacheTTL returns the cache TTL as a duration.
func (s *Settings) CacheTTL() time.Duration {
	return time.Duration(s.v.GetInt64(KeyCacheTTLMs)) * time.Millisecond
}

// MemoryPruneAge returns the memory age threshold as a duration.
func (s *Settings) MemoryPruneAge() time.Duration {
	return time.Duration(s.v.GetInt(KeyMemoryPruneDays)) * 24 * time.Hour
}
