package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Monitoring holds the operator settings read by every run.
	// When the section is omitted monitoring counts as not configured and
	// runs are no-ops.
	Monitoring *MonitoringConfig `json:"monitoring,omitempty"`

	Source    SourceConfig    `json:"source"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MonitoringConfig mirrors the settings screen of the mobile app.
//
// Pointers distinguish "omitted" (use the default) from an explicit value, so
// an explicit 0 threshold disables delta suppression and an explicit 0 hours
// is rejected.
//
// Defaults:
//   - enabled: true
//   - weight_delta_threshold_kg: 3
//   - inactivity_threshold_hours: 5
//   - renotify_interval_hours: 4
//   - concurrency: 4
//   - entity_timeout: "30s"
type MonitoringConfig struct {
	Enabled                  *bool    `json:"enabled,omitempty"`
	WeightDeltaThresholdKg   *float64 `json:"weight_delta_threshold_kg,omitempty"`
	InactivityThresholdHours *int     `json:"inactivity_threshold_hours,omitempty"`
	RenotifyIntervalHours    *int     `json:"renotify_interval_hours,omitempty"`

	Concurrency   int    `json:"concurrency,omitempty"`
	EntityTimeout string `json:"entity_timeout,omitempty"`
}

// SourceConfig points at the measurement REST API.
//
// api_key may be left empty when api_key_file is set or BEESENSE_API_KEY is
// exported.
type SourceConfig struct {
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key,omitempty"`
	APIKeyFile string  `json:"api_key_file,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Timezone of the server timestamps (IANA name); local time when empty.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig selects the escalation state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/beesense.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres; BEESENSE_POSTGRES_DSN overrides
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// NotifierConfig controls delivery and the enabled drivers.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	// Log writes notifications to the application log.
	Log      bool                   `json:"log"`
	Telegram TelegramNotifierConfig `json:"telegram"`
	MQTT     MQTTNotifierConfig     `json:"mqtt"`
	Shoutrrr ShoutrrrNotifierConfig `json:"shoutrrr"`
	Kafka    KafkaNotifierConfig    `json:"kafka"`
}

type TelegramNotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // BEESENSE_TELEGRAM_TOKEN overrides
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type MQTTNotifierConfig struct {
	Enabled        bool   `json:"enabled"`
	Broker         string `json:"broker,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	QoS            int    `json:"qos,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type ShoutrrrNotifierConfig struct {
	Enabled bool     `json:"enabled"`
	URLs    []string `json:"urls,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type KafkaNotifierConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// SchedulerConfig controls the trigger of the monitoring job.
//
// Schedule accepts "15m", "@every 15m", "*/15 * * * *", "06:30" and the
// "cron:" / "interval:" / "daily:" prefixes.
//
// Defaults: schedule "15m", run_timeout "5m", overlap "skip", history_size 50.
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	RunTimeout  string `json:"run_timeout,omitempty"`
	Overlap     string `json:"overlap,omitempty"` // "skip" | "allow"
	HistorySize int    `json:"history_size,omitempty"`
	RunOnStart  bool   `json:"run_on_start,omitempty"`
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// Textfile is written after every run for the node_exporter textfile collector.
	Textfile string `json:"textfile,omitempty"`
}
