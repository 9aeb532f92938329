// Package config provides configuration management for caffeind with Viper integration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// File permission constants
const (
	dirPerm  = 0755
	filePerm = 0644
)

// Config represents the complete configuration for caffeind.
type Config struct {
	// Reason is the human-readable inhibition reason reported to the service.
	Reason string `mapstructure:"reason" yaml:"reason"`
	// DefaultDurationMinutes is the expiry used by toggle-style activation
	// when no explicit duration is given. 0 means indefinite.
	DefaultDurationMinutes uint32 `mapstructure:"default_duration_minutes" yaml:"default_duration_minutes"`
	// PresetMinutes lists the timed-activation choices a panel menu offers.
	PresetMinutes []uint32      `mapstructure:"preset_minutes" yaml:"preset_minutes"`
	Inhibit       InhibitConfig `mapstructure:"inhibit" yaml:"inhibit"`
	Bus           BusConfig     `mapstructure:"bus" yaml:"bus"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// InhibitConfig selects what the grant suppresses.
type InhibitConfig struct {
	Idle    bool `mapstructure:"idle" yaml:"idle"`
	Suspend bool `mapstructure:"suspend" yaml:"suspend"`
}

// BusConfig holds D-Bus naming overrides, mainly for test sessions.
type BusConfig struct {
	// Name is the well-known control name to claim. Empty uses the default.
	Name string `mapstructure:"name" yaml:"name"`
	// SyncInterface carries the StateChanged broadcast. Empty uses the default.
	SyncInterface string `mapstructure:"sync_interface" yaml:"sync_interface"`
	// ClaimName disables the control export entirely when false.
	ClaimName bool `mapstructure:"claim_name" yaml:"claim_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Manager handles configuration loading, watching, and reloading.
type Manager struct {
	config    *Config
	viper     *viper.Viper
	mu        sync.RWMutex
	callbacks []func(*Config)
	watching  bool
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	v := viper.New()

	// Supports yaml, json, toml automatically
	v.SetConfigName("config")

	configDir, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Current directory for development

	v.SetEnvPrefix("CAFFEIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"reason":                   "REASON",
		"default_duration_minutes": "DEFAULT_DURATION_MINUTES",
		"inhibit.idle":             "INHIBIT_IDLE",
		"inhibit.suspend":          "INHIBIT_SUSPEND",
		"bus.name":                 "BUS_NAME",
		"bus.sync_interface":       "BUS_SYNC_INTERFACE",
		"bus.claim_name":           "BUS_CLAIM_NAME",
		"logging.level":            "LOG_LEVEL",
		"logging.format":           "LOG_FORMAT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, "CAFFEIND_"+env); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable %s: %w", env, err)
		}
	}

	return &Manager{
		viper:     v,
		callbacks: make([]func(*Config), 0),
	}, nil
}

// Load loads the configuration from file and environment variables.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to ensure directories: %w", err)
	}

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if err := m.createDefaultConfig(); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.config = config
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch starts watching the config file for changes and reloads automatically.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return nil
	}

	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.mu.Lock()
		if err := m.reload(); err != nil {
			m.mu.Unlock()
			return
		}
		m.notifyCallbacksLocked()
	})

	m.watching = true
	return nil
}

// OnConfigChange registers a callback function to be called when config changes.
func (m *Manager) OnConfigChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// notifyCallbacksLocked copies callbacks and config, releases lock, then notifies.
// Must be called with m.mu held for write. Releases the lock before calling callbacks.
func (m *Manager) notifyCallbacksLocked() {
	config := m.config
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(config)
	}
}

// reload re-reads the config file. Must be called with m.mu held.
func (m *Manager) reload() error {
	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config: %w", err)
	}
	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m.config = config
	return nil
}

// GetConfigFile returns the path of the config file in use.
func (m *Manager) GetConfigFile() string {
	if used := m.viper.ConfigFileUsed(); used != "" {
		return used
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return ""
	}
	return configDir + "/config.yaml"
}

// createDefaultConfig writes a default config file so users have something to edit.
func (m *Manager) createDefaultConfig() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, dirPerm); err != nil {
		return err
	}
	path := configDir + "/config.yaml"
	if err := m.viper.SafeWriteConfigAs(path); err != nil {
		// Already exists is fine
		var exists viper.ConfigFileAlreadyExistsError
		if errors.As(err, &exists) {
			return nil
		}
		return err
	}
	return nil
}

// Global manager instance, initialized by Init.
var (
	globalManager *Manager
	globalOnce    sync.Once
	globalErr     error
)

// Init initializes the global configuration manager.
func Init() error {
	globalOnce.Do(func() {
		manager, err := NewManager()
		if err != nil {
			globalErr = err
			return
		}
		if err := manager.Load(); err != nil {
			globalErr = err
			return
		}
		globalManager = manager
	})
	return globalErr
}

// Get returns the global configuration. Init must have been called.
func Get() *Config {
	if globalManager == nil {
		cfg := Default()
		return &cfg
	}
	return globalManager.Get()
}

// Watch starts watching the global config file.
func Watch() error {
	if globalManager == nil {
		return fmt.Errorf("config not initialized")
	}
	return globalManager.Watch()
}

// OnConfigChange registers a global config change callback.
func OnConfigChange(callback func(*Config)) {
	if globalManager != nil {
		globalManager.OnConfigChange(callback)
	}
}
