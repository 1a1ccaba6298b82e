package config

import (
	"reflect"
	"strings"

	logx "beesense/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (api keys, tokens, passwords, DSNs) are only
// reported as "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitoring, newCfg.Monitoring) {
		changed = append(changed, "monitoring")
		m := newCfg.Monitoring
		attrs = append(attrs, logx.Bool("monitoring.configured", m != nil))
		if m != nil {
			if m.Enabled != nil {
				attrs = append(attrs, logx.Bool("monitoring.enabled", *m.Enabled))
			}
			if m.WeightDeltaThresholdKg != nil {
				attrs = append(attrs, logx.Float64("monitoring.threshold_kg", *m.WeightDeltaThresholdKg))
			}
			if m.InactivityThresholdHours != nil {
				attrs = append(attrs, logx.Int("monitoring.inactivity_hours", *m.InactivityThresholdHours))
			}
			if m.RenotifyIntervalHours != nil {
				attrs = append(attrs, logx.Int("monitoring.renotify_hours", *m.RenotifyIntervalHours))
			}
		}
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.base_url", strings.TrimSpace(newCfg.Source.BaseURL)),
			logx.Bool("source.api_key_set", strings.TrimSpace(newCfg.Source.APIKey) != "" || strings.TrimSpace(newCfg.Source.APIKeyFile) != ""),
			logx.String("source.timeout", newCfg.Source.Timeout),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
			logx.Bool("notifier.log", n.Log),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Bool("notifier.mqtt", n.MQTT.Enabled),
			logx.Bool("notifier.shoutrrr", n.Shoutrrr.Enabled),
			logx.Int("notifier.shoutrrr_urls", len(n.Shoutrrr.URLs)),
			logx.Bool("notifier.kafka", n.Kafka.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.schedule", s.Schedule),
			logx.String("scheduler.timezone", s.Timezone),
			logx.String("scheduler.overlap", s.Overlap),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.textfile", newCfg.Metrics.Textfile),
		)
	}

	return changed, attrs
}
