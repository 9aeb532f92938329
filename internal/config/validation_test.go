package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Inhibit.Idle)
	assert.Zero(t, cfg.DefaultDurationMinutes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty reason", func(c *Config) { c.Reason = "  " }, true},
		{"nothing inhibited", func(c *Config) { c.Inhibit = InhibitConfig{} }, true},
		{"suspend only", func(c *Config) { c.Inhibit = InhibitConfig{Suspend: true} }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"empty log level allowed", func(c *Config) { c.Logging.Level = "" }, false},
		{"custom bus name", func(c *Config) { c.Bus.Name = "org.test.caffeind" }, false},
		{"zero preset", func(c *Config) { c.PresetMinutes = []uint32{60, 0} }, true},
		{"no presets allowed", func(c *Config) { c.PresetMinutes = nil }, false},
		{"bus name without dot", func(c *Config) { c.Bus.Name = "caffeind" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
