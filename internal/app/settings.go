package app

import (
	"context"

	"beesense/internal/config"
	"beesense/internal/monitor"
)

// SettingsFromConfig resolves the monitoring section against the defaults.
// A missing section reports monitor.ErrNoSettings.
func SettingsFromConfig(cfg *config.Config) (monitor.Settings, error) {
	if cfg == nil || cfg.Monitoring == nil {
		return monitor.Settings{}, monitor.ErrNoSettings
	}
	m := cfg.Monitoring
	s := monitor.DefaultSettings()
	if m.Enabled != nil {
		s.MonitoringEnabled = *m.Enabled
	}
	if m.WeightDeltaThresholdKg != nil {
		s.WeightDeltaThresholdKg = *m.WeightDeltaThresholdKg
	}
	if m.InactivityThresholdHours != nil {
		s.InactivityThresholdHours = *m.InactivityThresholdHours
	}
	if m.RenotifyIntervalHours != nil {
		s.RenotifyIntervalHours = *m.RenotifyIntervalHours
	}
	return s, nil
}

// liveSettings reads the committed config on every call, so hot reloads
// apply to the next run.
type liveSettings struct {
	cfgm *config.ConfigManager
}

func (l liveSettings) GetSettings(context.Context) (monitor.Settings, error) {
	return SettingsFromConfig(l.cfgm.Get())
}
