package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"console": true,
	"json":    true,
}

// Validate checks the configuration for values that would misbehave at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Reason) == "" {
		return fmt.Errorf("reason must not be empty")
	}

	if !c.Inhibit.Idle && !c.Inhibit.Suspend {
		return fmt.Errorf("inhibit: at least one of idle or suspend must be enabled")
	}

	if c.Logging.Level != "" && !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}

	for _, m := range c.PresetMinutes {
		if m == 0 {
			return fmt.Errorf("preset_minutes: entries must be greater than zero")
		}
	}

	if c.Bus.Name != "" && !strings.Contains(c.Bus.Name, ".") {
		return fmt.Errorf("bus: name %q is not a valid well-known D-Bus name", c.Bus.Name)
	}

	return nil
}
