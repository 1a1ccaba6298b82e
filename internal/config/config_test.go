package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "beesense/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
monitoring:
  weight_delta_threshold_kg: 2.5
  renotify_interval_hours: 3
source:
  base_url: https://example.test/api.php
  api_key: from-file
storage:
  driver: sqlite
  path: ./data/state.db
notifier:
  log: true
  mqtt:
    enabled: false
    qos: 1
scheduler:
  enabled: true
  schedule: 15m
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = func(k string) string { return env[k] }
	m.SetLogger(logx.Nop())
	return m
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := newTestManager(p, nil)

	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Monitoring)
	assert.Nil(t, cfg.Monitoring.Enabled)
	require.NotNil(t, cfg.Monitoring.WeightDeltaThresholdKg)
	assert.InDelta(t, 2.5, *cfg.Monitoring.WeightDeltaThresholdKg, 1e-9)
	assert.Nil(t, cfg.Monitoring.InactivityThresholdHours)
	require.NotNil(t, cfg.Monitoring.RenotifyIntervalHours)
	assert.Equal(t, 3, *cfg.Monitoring.RenotifyIntervalHours)
	assert.Equal(t, "from-file", cfg.Source.APIKey)
	assert.Equal(t, 1, cfg.Notifier.MQTT.QoS)
	assert.Equal(t, "15m", cfg.Scheduler.Schedule)
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"storage":{"driver":"memory"},"notifier":{"log":true}}`)
	cfg, err := newTestManager(p, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cfg.Monitoring)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.yaml", []byte("storage:\n  drvier: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drvier")

	_, err = Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`))
	require.Error(t, err)
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yml", []byte("\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Monitoring)
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := newTestManager(p, map[string]string{
		EnvAPIKey:        " from-env ",
		EnvTelegramToken: "123:abc",
		EnvPostgresDSN:   "postgres://u@h/db",
	})

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Source.APIKey)
	assert.Equal(t, "123:abc", cfg.Notifier.Telegram.Token)
	assert.Equal(t, "postgres://u@h/db", cfg.Storage.DSN)
}

func TestValidate(t *testing.T) {
	neg := -1
	nan := math.NaN()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "file path", cfg: Config{Logging: LoggingConfig{File: LoggingFile{Enabled: true}}}, want: "logging.file.path"},
		{name: "hours", cfg: Config{Monitoring: &MonitoringConfig{RenotifyIntervalHours: &neg}}, want: "renotify_interval_hours"},
		{name: "inactivity", cfg: Config{Monitoring: &MonitoringConfig{InactivityThresholdHours: &neg}}, want: "inactivity_threshold_hours"},
		{name: "nan threshold", cfg: Config{Monitoring: &MonitoringConfig{WeightDeltaThresholdKg: &nan}}, want: "weight_delta_threshold_kg"},
		{name: "duration", cfg: Config{Source: SourceConfig{Timeout: "soon"}}, want: "source.timeout"},
		{name: "qos", cfg: Config{Notifier: NotifierConfig{MQTT: MQTTNotifierConfig{QoS: 3}}}, want: "notifier.mqtt.qos"},
		{name: "overlap", cfg: Config{Scheduler: SchedulerConfig{Overlap: "queue"}}, want: "scheduler.overlap"},
		{name: "timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, want: "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	ok := Config{Scheduler: SchedulerConfig{Overlap: "ALLOW", Timezone: "UTC"}}
	assert.NoError(t, ok.Validate())
}

func TestLoadRunsValidator(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := newTestManager(p, nil)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})

	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Source: SourceConfig{APIKey: "secret-1"}}
	newCfg := &Config{Source: SourceConfig{APIKey: "secret-2"}, Storage: StorageConfig{DSN: "postgres://pw@h"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"source", "storage"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	m := newTestManager("unused.json", nil)
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := newTestManager(p, nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", sampleYAML+"metrics:\n  enabled: true\n")

	select {
	case cfg := <-ch:
		assert.True(t, cfg.Metrics.Enabled)
		assert.True(t, m.Get().Metrics.Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
}
