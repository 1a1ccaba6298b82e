package monitor

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"beesense/internal/escalation"
	"beesense/internal/notify"
	logx "beesense/pkg/logx"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency   = 4
	defaultEntityTimeout = 30 * time.Second
)

type Options struct {
	// Concurrency bounds how many hives are processed at once.
	Concurrency int
	// EntityTimeout bounds fetch + decide + deliver for one hive.
	EntityTimeout time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Engine is the monitoring job. RunOnce is safe to call concurrently.
type Engine struct {
	settings SettingsProvider
	source   MeasurementSource
	notifier notify.Notifier
	machine  *escalation.Machine
	log      logx.Logger

	concurrency   int
	entityTimeout time.Duration
	now           func() time.Time
}

func New(settings SettingsProvider, source MeasurementSource, store escalation.Store, notifier notify.Notifier, log logx.Logger, opt Options) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = defaultConcurrency
	}
	if opt.EntityTimeout <= 0 {
		opt.EntityTimeout = defaultEntityTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Engine{
		settings:      settings,
		source:        source,
		notifier:      notifier,
		machine:       escalation.NewMachine(store, log.With(logx.String("comp", "escalation"))),
		log:           log,
		concurrency:   opt.Concurrency,
		entityTimeout: opt.EntityTimeout,
		now:           opt.Now,
	}
}

// RunOnce performs one monitoring pass.
//
// The returned error is non-nil only for systemic failures and is then a
// *SystemicError. Per-hive failures are reported in RunResult.Entities.
func (e *Engine) RunOnce(ctx context.Context) (RunResult, error) {
	res := RunResult{StartedAt: e.now()}
	finish := func(err error) (RunResult, error) {
		res.FinishedAt = e.now()
		if err != nil {
			e.log.Error("monitoring run failed", logx.Err(err))
		}
		return res, err
	}

	settings, err := e.settings.GetSettings(ctx)
	if errors.Is(err, ErrNoSettings) {
		res.SkipReason = "not configured"
		e.log.Debug("monitoring not configured; skipping run")
		return finish(nil)
	}
	if err != nil {
		return finish(&SystemicError{Stage: "settings", Err: err})
	}
	if err := settings.Validate(); err != nil {
		return finish(&SystemicError{Stage: "settings", Err: err})
	}
	if !settings.MonitoringEnabled {
		res.SkipReason = "disabled"
		e.log.Debug("monitoring disabled; skipping run")
		return finish(nil)
	}
	if settings.InactivityThresholdHours < settings.RenotifyIntervalHours {
		e.log.Warn("inactivity threshold below renotify interval; every repeat escalates",
			logx.Int("inactivity_threshold_hours", settings.InactivityThresholdHours),
			logx.Int("renotify_interval_hours", settings.RenotifyIntervalHours))
	}

	ids, err := e.source.ListEntityIDs(ctx)
	if err != nil {
		return finish(&SystemicError{Stage: "entities", Err: err})
	}
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		res.SkipReason = "no entities"
		return finish(nil)
	}

	var (
		mu  sync.Mutex
		out = make([]EntityResult, 0, len(ids))
		g   errgroup.Group
	)
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			// Run deadline: hives already processed keep their results.
			break
		}
		g.Go(func() error {
			r := e.processEntity(ctx, id, settings)
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	res.Entities = out

	e.log.Info("monitoring run finished",
		logx.Int("entities", len(ids)),
		logx.Int("notified", res.Count(OutcomeNotified)),
		logx.Int("suppressed", res.Count(OutcomeSuppressed)),
		logx.Int("failed", res.Failures()))
	return finish(nil)
}

func (e *Engine) processEntity(ctx context.Context, id string, s Settings) EntityResult {
	ctx, cancel := context.WithTimeout(ctx, e.entityTimeout)
	defer cancel()
	log := e.log.With(logx.String("entity", id))
	r := EntityResult{Entity: id}

	ms, err := e.source.GetLastTwoMeasurements(ctx, id)
	if err != nil {
		r.Err = err
		r.Outcome = OutcomeFetchFailed
		if errors.Is(err, ErrMalformed) {
			r.Outcome = OutcomeMalformed
		}
		log.Warn("measurement fetch failed; skipping hive", logx.Err(err))
		return r
	}
	if len(ms) < 2 {
		r.Outcome = OutcomeInsufficientData
		return r
	}

	delta := ms[0].TotalKg - ms[1].TotalKg
	r.DeltaKg = delta
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		r.Err = ErrMalformed
		r.Outcome = OutcomeMalformed
		log.Warn("weight delta is not a number; skipping hive")
		return r
	}
	if math.Abs(delta) < s.WeightDeltaThresholdKg {
		r.Outcome = OutcomeBelowThreshold
		return r
	}

	deliver := func(ctx context.Context, d escalation.Decision) error {
		n := notify.Build(id, delta, d.Severity, d.Next.LastNotifiedAt)
		return e.notifier.Notify(ctx, n)
	}
	d, err := e.machine.Apply(ctx, id, e.now(), s.Policy(), deliver)
	r.Severity = d.Severity
	switch {
	case errors.Is(err, escalation.ErrDelivery):
		r.Err = err
		r.Outcome = OutcomeNotifyFailed
		log.Warn("notification failed; will retry next run", logx.String("severity", d.Severity.String()), logx.Err(err))
	case err != nil:
		r.Err = err
		r.Outcome = OutcomeStateFailed
		log.Warn("escalation state unavailable; skipping hive", logx.Err(err))
	case d.Reason == escalation.ReasonConflict:
		r.Outcome = OutcomeConflict
		log.Debug("concurrent run already handled hive")
	case !d.ShouldNotify:
		r.Outcome = OutcomeSuppressed
		log.Debug("recently notified; suppressed", logx.Float64("delta_kg", delta))
	default:
		r.Outcome = OutcomeNotified
		log.Info("hive weight change notified",
			logx.Float64("delta_kg", delta),
			logx.String("severity", d.Severity.String()),
			logx.String("reason", string(d.Reason)))
	}
	return r
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
