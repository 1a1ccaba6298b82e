package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"beesense/internal/config"
	"beesense/internal/escalation"
	"beesense/internal/monitor"
	"beesense/internal/notify"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func validConfig() *config.Config {
	return &config.Config{
		Source:  config.SourceConfig{APIKey: "k"},
		Storage: config.StorageConfig{Driver: "memory"},
	}
}

func TestSettingsFromConfig(t *testing.T) {
	_, err := SettingsFromConfig(nil)
	require.ErrorIs(t, err, monitor.ErrNoSettings)
	_, err = SettingsFromConfig(&config.Config{})
	require.ErrorIs(t, err, monitor.ErrNoSettings)

	s, err := SettingsFromConfig(&config.Config{Monitoring: &config.MonitoringConfig{}})
	require.NoError(t, err)
	assert.Equal(t, monitor.DefaultSettings(), s)

	s, err = SettingsFromConfig(&config.Config{Monitoring: &config.MonitoringConfig{
		Enabled:                  ptr(false),
		WeightDeltaThresholdKg:   ptr(0.0),
		InactivityThresholdHours: ptr(8),
		RenotifyIntervalHours:    ptr(2),
	}})
	require.NoError(t, err)
	assert.False(t, s.MonitoringEnabled)
	assert.Zero(t, s.WeightDeltaThresholdKg)
	assert.Equal(t, 8, s.InactivityThresholdHours)
	assert.Equal(t, 2, s.RenotifyIntervalHours)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validConfig()))

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{name: "api key", mutate: func(c *config.Config) { c.Source.APIKey = "" }, want: "source.api_key"},
		{name: "driver", mutate: func(c *config.Config) { c.Storage.Driver = "redis" }, want: "storage.driver"},
		{name: "postgres dsn", mutate: func(c *config.Config) { c.Storage.Driver = "postgres" }, want: "storage.dsn"},
		{name: "schedule", mutate: func(c *config.Config) { c.Scheduler.Schedule = "sometimes" }, want: "scheduler.schedule"},
		{name: "telegram", mutate: func(c *config.Config) { c.Notifier.Telegram.Enabled = true }, want: "telegram.token"},
		{name: "entity timeout", mutate: func(c *config.Config) {
			c.Monitoring = &config.MonitoringConfig{EntityTimeout: "later"}
		}, want: "monitoring.entity_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNotifyFallsBackToLog(t *testing.T) {
	nc, err := mapNotifyConfig(validConfig())
	require.NoError(t, err)
	assert.True(t, nc.Log)

	c := validConfig()
	c.Notifier.Shoutrrr = config.ShoutrrrNotifierConfig{Enabled: true, URLs: []string{"generic://example.test"}}
	nc, err = mapNotifyConfig(c)
	require.NoError(t, err)
	assert.False(t, nc.Log)
}

func TestMapStorageDefaults(t *testing.T) {
	c := validConfig()
	c.Storage.Driver = ""
	sc, err := mapStorageConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "./data/beesense.db", sc.Path)

	sc2, err := mapSourceConfig(c)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, sc2.BaseURL)
}

func TestRestartRequired(t *testing.T) {
	a, b := validConfig(), validConfig()
	assert.Empty(t, restartRequired(a, b))

	b.Storage.Driver = "file"
	b.Notifier.Kafka.Brokers = []string{"localhost:9092"}
	assert.Equal(t, []string{"storage", "notifier drivers"}, restartRequired(a, b))
}

// hiveAPI serves one hive whose weight dropped by 5 kg.
func hiveAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("cmd") {
		case "all_tables_last_row":
			_, _ = w.Write([]byte(`{"success":true,"data":{"hive7":{"id":2,"timestamp":"2025-05-30 16:00:00","data":"{}"}}}`))
		case "last_two":
			_, _ = w.Write([]byte(`{"success":true,"data":[
				{"id":2,"timestamp":"2025-05-30 16:00:00","data":"{\"weight_left\":20,\"weight_right\":20}"},
				{"id":1,"timestamp":"2025-05-30 15:00:00","data":"{\"weight_left\":22.5,\"weight_right\":22.5}"}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, path, baseURL, monitoring string) {
	t.Helper()
	body := fmt.Sprintf(`logging:
  level: error
monitoring:
%s
source:
  base_url: %s
  api_key: k
  timezone: UTC
storage:
  driver: memory
notifier:
  log: true
scheduler:
  enabled: false
metrics:
  enabled: true
  textfile: %s
`, monitoring, baseURL, filepath.Join(filepath.Dir(path), "beesense.prom"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestApp(t *testing.T) (*App, string, string) {
	t.Helper()
	srv := hiveAPI(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, srv.URL, "  weight_delta_threshold_kg: 3")

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	return a, path, srv.URL
}

func TestRunEndToEnd(t *testing.T) {
	a, path, _ := newTestApp(t)
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	ctx := context.Background()

	res, err := a.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, monitor.OutcomeNotified, res.Entities[0].Outcome)
	assert.Equal(t, escalation.Info, res.Entities[0].Severity)
	assert.InDelta(t, -5.0, res.Entities[0].DeltaKg, 1e-9)

	st, ok, err := a.Store().Get(ctx, "hive7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, escalation.Info, st.Severity)

	hist := a.Notifier().Snapshot()
	require.Len(t, hist, 1)
	assert.Equal(t, "hive7", hist[0].Entity)
	assert.Equal(t, "log", hist[0].Driver)
	assert.Equal(t, notify.SlotFor(escalation.Info), hist[0].Slot)
	assert.Empty(t, hist[0].Error)

	res, err = a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.OutcomeSuppressed, res.Entities[0].Outcome)

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "beesense.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `beesense_notifications_total{severity="info"} 1`)
}

func TestStartStopNotifiesSystemd(t *testing.T) {
	a, _, _ := newTestApp(t)

	var (
		mu     sync.Mutex
		states []string
	)
	a.sdNotify = func(state string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
		return true, nil
	}

	require.NoError(t, a.Start(context.Background()))
	require.Error(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSignal))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, states)
}

func TestHotReloadAppliesToNextRun(t *testing.T) {
	a, path, baseURL := newTestApp(t)
	a.sdNotify = func(string) (bool, error) { return false, nil }
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, baseURL, "  enabled: false")

	require.Eventually(t, func() bool {
		m := a.Config().Monitoring
		return m != nil && m.Enabled != nil && !*m.Enabled
	}, 5*time.Second, 20*time.Millisecond)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.SkipReason)
}
