package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"beesense/internal/escalation"
	"beesense/internal/monitor"
	logx "beesense/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun() monitor.RunResult {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return monitor.RunResult{
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Entities: []monitor.EntityResult{
			{Entity: "hive1", Outcome: monitor.OutcomeNotified, Severity: escalation.Info},
			{Entity: "hive2", Outcome: monitor.OutcomeNotified, Severity: escalation.Warning},
			{Entity: "hive3", Outcome: monitor.OutcomeBelowThreshold},
			{Entity: "hive4", Outcome: monitor.OutcomeFetchFailed, Err: errors.New("timeout")},
		},
	}
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		res  monitor.RunResult
		err  error
		want string
	}{
		{name: "ok", res: monitor.RunResult{Entities: []monitor.EntityResult{{Outcome: monitor.OutcomeSuppressed}}}, want: ResultOK},
		{name: "partial", res: sampleRun(), want: ResultPartial},
		{name: "skipped", res: monitor.RunResult{SkipReason: "disabled"}, want: ResultSkipped},
		{name: "error", err: &monitor.SystemicError{Stage: "entities", Err: errors.New("down")}, want: ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultOf(tt.res, tt.err))
		})
	}
}

func TestObserveRun(t *testing.T) {
	m, err := New("", logx.Nop())
	require.NoError(t, err)

	res := sampleRun()
	m.ObserveRun(res, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues(ResultPartial)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.entityOutcomes.WithLabelValues("notified")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.entityOutcomes.WithLabelValues("fetch_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notificationsTotal.WithLabelValues("info")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notificationsTotal.WithLabelValues("warning")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.lastEntities))
	assert.InDelta(t, float64(res.FinishedAt.Unix())+0.5, testutil.ToFloat64(m.lastSuccess), 1e-3)
	assert.Equal(t, 1, testutil.CollectAndCount(m.runDuration))
}

func TestObserveSystemicError(t *testing.T) {
	m, err := New("", logx.Nop())
	require.NoError(t, err)

	m.ObserveRun(monitor.RunResult{}, &monitor.SystemicError{Stage: "settings", Err: errors.New("bad")})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.systemicErrors.WithLabelValues("settings")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsTotal.WithLabelValues(ResultError)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.lastSuccess))
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "beesense.prom")
	m, err := New(path, logx.Nop())
	require.NoError(t, err)

	m.ObserveRun(sampleRun(), nil)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `beesense_runs_total{result="partial"} 1`)
	assert.Contains(t, string(b), `beesense_notifications_total{severity="warning"} 1`)

	m.SetTextfile("")
	assert.NoError(t, m.WriteTextfile())
}
