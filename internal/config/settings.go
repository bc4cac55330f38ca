// ABOUTME: Process-wide settings initialized once from config with a last-write-wins override.
// ABOUTME: Holds defaults such as the locale outside of any request-handling code.

package config

import "sync"

// Settings is a concurrency-safe key/value store of process-wide defaults.
// Writes are last-write-wins.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

// Setting keys.
const (
	SettingLocale = "locale"
)

// NewSettings seeds a Settings store from the loaded configuration.
func NewSettings(cfg *Config) *Settings {
	s := &Settings{values: make(map[string]string)}
	locale := DefaultLocale
	if cfg != nil && cfg.Defaults.Locale != "" {
		locale = cfg.Defaults.Locale
	}
	s.values[SettingLocale] = locale
	return s
}

// Get returns the value for key and whether it was set.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set overrides key.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Locale returns the current default locale.
func (s *Settings) Locale() string {
	v, _ := s.Get(SettingLocale)
	return v
}
