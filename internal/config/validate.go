package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	logx "beesense/pkg/logx"
)

// Validate checks field-level constraints. Cross-package checks (storage
// driver names, schedule syntax, notifier completeness) are installed with
// ConfigManager.SetValidator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	if m := c.Monitoring; m != nil {
		if v := m.WeightDeltaThresholdKg; v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0) {
			add(fmt.Errorf("monitoring.weight_delta_threshold_kg: must be a finite value >= 0"))
		}
		if v := m.InactivityThresholdHours; v != nil && *v <= 0 {
			add(fmt.Errorf("monitoring.inactivity_threshold_hours: must be > 0"))
		}
		if v := m.RenotifyIntervalHours; v != nil && *v <= 0 {
			add(fmt.Errorf("monitoring.renotify_interval_hours: must be > 0"))
		}
		if m.Concurrency < 0 {
			add(errors.New("monitoring.concurrency: must be >= 0"))
		}
		add(durationErr("monitoring.entity_timeout", m.EntityTimeout))
	}

	add(durationErr("source.timeout", c.Source.Timeout))
	if c.Source.RatePerSec < 0 || c.Source.Burst < 0 {
		add(errors.New("source: rate_per_sec and burst must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Source.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("source.timezone: %w", err))
		}
	}

	add(durationErr("storage.busy_timeout", c.Storage.BusyTimeout))
	if c.Storage.MaxConns < 0 {
		add(errors.New("storage.max_conns: must be >= 0"))
	}

	n := c.Notifier
	if n.RatePerSec < 0 || n.RetryMax < 0 {
		add(errors.New("notifier: rate_per_sec and retry_max must be >= 0"))
	}
	add(durationErr("notifier.retry_base", n.RetryBase))
	add(durationErr("notifier.retry_max_delay", n.RetryMaxDelay))
	add(durationErr("notifier.send_timeout", n.SendTimeout))
	add(durationErr("notifier.mqtt.connect_timeout", n.MQTT.ConnectTimeout))
	add(durationErr("notifier.shoutrrr.timeout", n.Shoutrrr.Timeout))
	if n.MQTT.QoS < 0 || n.MQTT.QoS > 2 {
		add(fmt.Errorf("notifier.mqtt.qos: must be 0, 1 or 2 (got %d)", n.MQTT.QoS))
	}

	s := c.Scheduler
	add(durationErr("scheduler.run_timeout", s.RunTimeout))
	switch strings.ToLower(strings.TrimSpace(s.Overlap)) {
	case "", "skip", "allow":
	default:
		add(fmt.Errorf("scheduler.overlap: must be skip or allow (got %q)", s.Overlap))
	}
	if s.HistorySize < 0 {
		add(errors.New("scheduler.history_size: must be >= 0"))
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

func durationErr(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}
