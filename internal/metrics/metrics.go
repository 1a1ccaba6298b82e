// Package metrics records monitoring runs as Prometheus metrics and
// optionally exports them for the node_exporter textfile collector.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"beesense/internal/monitor"
	logx "beesense/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beesense"

// Run results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Metrics holds the collectors of one process in a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal          *prometheus.CounterVec // by result
	entityOutcomes     *prometheus.CounterVec // by outcome
	notificationsTotal *prometheus.CounterVec // by severity
	systemicErrors     *prometheus.CounterVec // by stage
	runDuration        prometheus.Histogram
	lastSuccess        prometheus.Gauge
	lastEntities       prometheus.Gauge

	log logx.Logger

	mu       sync.Mutex
	textfile string
}

// New registers all collectors. An empty textfile disables the export.
func New(textfile string, log logx.Logger) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		log:      log,
		textfile: strings.TrimSpace(textfile),
	}
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Monitoring runs by result (ok, partial, skipped, error)",
		},
		[]string{"result"},
	)
	m.entityOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_outcomes_total",
			Help:      "Per-hive run outcomes",
		},
		[]string{"outcome"},
	)
	m.notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Delivered weight change notifications by severity",
		},
		[]string{"severity"},
	)
	m.systemicErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "systemic_errors_total",
			Help:      "Runs aborted before processing hives, by stage",
		},
		[]string{"stage"},
	)
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of monitoring runs",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
	m.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run without systemic error",
	})
	m.lastEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_entities",
		Help:      "Hives processed by the last run",
	})

	for _, c := range []prometheus.Collector{
		m.runsTotal, m.entityOutcomes, m.notificationsTotal, m.systemicErrors,
		m.runDuration, m.lastSuccess, m.lastEntities,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetTextfile changes the export path; empty disables it.
func (m *Metrics) SetTextfile(path string) {
	m.mu.Lock()
	m.textfile = strings.TrimSpace(path)
	m.mu.Unlock()
}

// ResultOf classifies a run for the runs_total counter.
func ResultOf(res monitor.RunResult, err error) string {
	switch {
	case err != nil:
		return ResultError
	case res.SkipReason != "":
		return ResultSkipped
	case res.Failures() > 0:
		return ResultPartial
	default:
		return ResultOK
	}
}

// ObserveRun records one RunOnce result and refreshes the textfile.
func (m *Metrics) ObserveRun(res monitor.RunResult, err error) {
	m.runsTotal.WithLabelValues(ResultOf(res, err)).Inc()
	if d := res.Duration(); d > 0 {
		m.runDuration.Observe(d.Seconds())
	}

	var se *monitor.SystemicError
	if errors.As(err, &se) {
		m.systemicErrors.WithLabelValues(se.Stage).Inc()
	} else if err != nil {
		m.systemicErrors.WithLabelValues("unknown").Inc()
	}
	if err == nil && !res.FinishedAt.IsZero() {
		m.lastSuccess.Set(float64(res.FinishedAt.UnixMilli()) / 1e3)
	}

	m.lastEntities.Set(float64(len(res.Entities)))
	for _, e := range res.Entities {
		m.entityOutcomes.WithLabelValues(string(e.Outcome)).Inc()
		if e.Outcome == monitor.OutcomeNotified {
			m.notificationsTotal.WithLabelValues(e.Severity.String()).Inc()
		}
	}

	if werr := m.WriteTextfile(); werr != nil {
		m.log.Warn("metrics textfile export failed", logx.Err(werr))
	}
}

// WriteTextfile writes the registry to the configured path, if any.
func (m *Metrics) WriteTextfile() error {
	m.mu.Lock()
	path := m.textfile
	m.mu.Unlock()
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
