package config

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Reason:                 "caffeind: user requested idle inhibition",
		DefaultDurationMinutes: 0, // indefinite
		PresetMinutes:          []uint32{60, 120},
		Inhibit: InhibitConfig{
			Idle:    true,
			Suspend: true,
		},
		Bus: BusConfig{
			ClaimName: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// setDefaults registers the defaults with viper. Must be called before
// ReadInConfig so missing keys fall back cleanly.
func (m *Manager) setDefaults() {
	d := Default()
	m.viper.SetDefault("reason", d.Reason)
	m.viper.SetDefault("default_duration_minutes", d.DefaultDurationMinutes)
	m.viper.SetDefault("preset_minutes", d.PresetMinutes)
	m.viper.SetDefault("inhibit.idle", d.Inhibit.Idle)
	m.viper.SetDefault("inhibit.suspend", d.Inhibit.Suspend)
	m.viper.SetDefault("bus.name", d.Bus.Name)
	m.viper.SetDefault("bus.sync_interface", d.Bus.SyncInterface)
	m.viper.SetDefault("bus.claim_name", d.Bus.ClaimName)
	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
}
