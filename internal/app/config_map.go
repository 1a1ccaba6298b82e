package app

import (
	"fmt"
	"strings"
	"time"

	"beesense/internal/config"
	"beesense/internal/monitor"
	"beesense/internal/notify"
	"beesense/internal/scheduler"
	"beesense/internal/source"
	"beesense/internal/storage"
	logx "beesense/pkg/logx"
)

// DefaultBaseURL is the public BeeSense measurement API.
const DefaultBaseURL = "https://jamika.sk/api/api.php"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./data/beesense.db"
		}
	case "file":
		if path == "" {
			path = "./data/escalation"
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	sc := cfg.Source
	timeout, err := config.ParseDurationOrDefault("source.timeout", sc.Timeout, 30*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	out := source.Config{
		BaseURL:    strings.TrimSpace(sc.BaseURL),
		APIKey:     strings.TrimSpace(sc.APIKey),
		APIKeyFile: strings.TrimSpace(sc.APIKeyFile),
		Timeout:    timeout,
		RatePerSec: sc.RatePerSec,
		Burst:      sc.Burst,
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.APIKey == "" && out.APIKeyFile == "" {
		return source.Config{}, fmt.Errorf("source.api_key, source.api_key_file or %s is required", config.EnvAPIKey)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return source.Config{}, fmt.Errorf("source.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) (notify.DeliveryConfig, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.DeliveryConfig{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.DeliveryConfig{}, err
	}
	send, err := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notify.DeliveryConfig{}, err
	}
	return notify.DeliveryConfig{
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   send,
	}, nil
}

// mapNotifyConfig falls back to the log driver when nothing is enabled.
func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	delivery, err := mapDeliveryConfig(cfg)
	if err != nil {
		return notify.Config{}, err
	}
	n := cfg.Notifier
	connect, err := config.ParseDurationField("notifier.mqtt.connect_timeout", n.MQTT.ConnectTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	shoutTimeout, err := config.ParseDurationField("notifier.shoutrrr.timeout", n.Shoutrrr.Timeout)
	if err != nil {
		return notify.Config{}, err
	}
	if n.MQTT.QoS < 0 || n.MQTT.QoS > 2 {
		return notify.Config{}, fmt.Errorf("notifier.mqtt.qos must be 0..2, got %d", n.MQTT.QoS)
	}

	out := notify.Config{
		Delivery: delivery,
		Log:      n.Log,
		Telegram: notify.TelegramConfig{
			Enabled:  n.Telegram.Enabled,
			Token:    strings.TrimSpace(n.Telegram.Token),
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		},
		MQTT: notify.MQTTConfig{
			Enabled:        n.MQTT.Enabled,
			Broker:         strings.TrimSpace(n.MQTT.Broker),
			ClientID:       strings.TrimSpace(n.MQTT.ClientID),
			Username:       n.MQTT.Username,
			Password:       n.MQTT.Password,
			TopicPrefix:    strings.TrimSpace(n.MQTT.TopicPrefix),
			QoS:            byte(n.MQTT.QoS),
			ConnectTimeout: connect,
		},
		Shoutrrr: notify.ShoutrrrConfig{
			Enabled: n.Shoutrrr.Enabled,
			URLs:    n.Shoutrrr.URLs,
			Timeout: shoutTimeout,
		},
		Kafka: notify.KafkaConfig{
			Enabled: n.Kafka.Enabled,
			Brokers: n.Kafka.Brokers,
			Topic:   strings.TrimSpace(n.Kafka.Topic),
		},
	}
	if !out.Log && !out.Telegram.Enabled && !out.MQTT.Enabled && !out.Shoutrrr.Enabled && !out.Kafka.Enabled {
		out.Log = true
	}
	return out, out.Validate()
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	timeout, err := config.ParseDurationField("scheduler.run_timeout", s.RunTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	overlap, err := scheduler.ParseOverlap(s.Overlap)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.overlap: %w", err)
	}
	out := scheduler.Config{
		Enabled:     s.Enabled,
		Schedule:    strings.TrimSpace(s.Schedule),
		Timezone:    strings.TrimSpace(s.Timezone),
		RunTimeout:  timeout,
		Overlap:     overlap,
		HistorySize: s.HistorySize,
		RunOnStart:  s.RunOnStart,
	}
	if out.Schedule == "" {
		out.Schedule = scheduler.DefaultSchedule
	}
	if _, err := scheduler.ParseSchedule(out.Schedule); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
	}
	return out, nil
}

func mapMonitorOptions(cfg *config.Config) (monitor.Options, error) {
	var opt monitor.Options
	m := cfg.Monitoring
	if m == nil {
		return opt, nil
	}
	timeout, err := config.ParseDurationField("monitoring.entity_timeout", m.EntityTimeout)
	if err != nil {
		return opt, err
	}
	opt.Concurrency = m.Concurrency
	opt.EntityTimeout = timeout
	return opt, nil
}

// Validate is the ConfigManager hook for checks that need the domain packages.
func Validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorOptions(cfg); err != nil {
		return err
	}
	return nil
}
