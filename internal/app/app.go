package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"beesense/internal/config"
	"beesense/internal/metrics"
	"beesense/internal/monitor"
	"beesense/internal/notify"
	"beesense/internal/runtime/supervisor"
	"beesense/internal/scheduler"
	"beesense/internal/source"
	"beesense/internal/storage"
	logx "beesense/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// App wires the monitoring engine to its host: config, logging, state
// store, measurement source, notifier, scheduler and metrics.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	source  *source.Client
	notif   *notify.Multi
	engine  *monitor.Engine
	sched   *scheduler.Service
	metrics *metrics.Metrics

	// sdNotify wraps daemon.SdNotify; tests replace it.
	sdNotify func(state string) (bool, error)
}

// LoadConfig loads and validates the config file with the domain checks installed.
func LoadConfig(ctx context.Context, path string) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

// OpenStore opens the escalation state store selected by cfg.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, sc, log)
}

// OpenSource builds the measurement API client.
func OpenSource(cfg *config.Config, log logx.Logger) (*source.Client, error) {
	sc, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	return source.New(sc, log.With(logx.String("comp", "source")))
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(ctx, cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		sdNotify: systemdNotify,
	}
	fail := func(err error) (*App, error) {
		a.closeResources()
		return nil, err
	}

	if a.store, err = OpenStore(ctx, cfg, log); err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	if a.source, err = OpenSource(cfg, log); err != nil {
		return fail(fmt.Errorf("source: %w", err))
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if a.notif, err = notify.Open(ncfg, log); err != nil {
		return fail(fmt.Errorf("notifier: %w", err))
	}

	if a.metrics, err = metrics.New(metricsTextfile(cfg), log.With(logx.String("comp", "metrics"))); err != nil {
		return fail(err)
	}

	opt, err := mapMonitorOptions(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = monitor.New(liveSettings{cfgm: cfgm}, a.source, a.store, a.notif, log.With(logx.String("comp", "monitor")), opt)

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched, err = scheduler.New(sc, func(ctx context.Context) error {
		_, err := a.Run(ctx)
		return err
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return fail(err)
	}

	appLog.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("storage", cfg.Storage.Driver),
		logx.Strings("notifiers", a.notif.Drivers()),
	)
	return a, nil
}

func metricsTextfile(cfg *config.Config) string {
	if !cfg.Metrics.Enabled {
		return ""
	}
	return cfg.Metrics.Textfile
}

func (a *App) Config() *config.Config               { return a.cfgm.Get() }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Source() *source.Client               { return a.source }
func (a *App) Scheduler() *scheduler.Service        { return a.sched }
func (a *App) Metrics() *metrics.Metrics            { return a.metrics }
func (a *App) Notifier() *notify.Multi              { return a.notif }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) ConfigManager() *config.ConfigManager { return a.cfgm }

// Run executes one monitoring run and records it in the metrics.
func (a *App) Run(ctx context.Context) (monitor.RunResult, error) {
	res, err := a.engine.RunOnce(ctx)
	a.metrics.ObserveRun(res, err)
	return res, err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	// restarted on panic
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)

	if iv, err := daemon.SdWatchdogEnabled(false); err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
	} else if iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(iv / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					a.notifySystemd(daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.notifySystemd(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

func systemdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (a *App) notifySystemd(state string) {
	if a.sdNotify == nil {
		return
	}
	sent, err := a.sdNotify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// applyConfig pushes a reloaded config into the live components.
// Storage, source and notifier drivers are bound at startup.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed; keeping previous", logx.Err(err))
	}

	if d, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier delivery config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(d)
	}
	a.metrics.SetTextfile(metricsTextfile(newCfg))

	for _, name := range restartRequired(oldCfg, newCfg) {
		a.log.Warn("config change requires restart to take effect", logx.String("section", name))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func restartRequired(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Source != newCfg.Source {
		out = append(out, "source")
	}
	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.Log != nn.Log || on.Telegram != nn.Telegram || on.MQTT != nn.MQTT ||
		!reflect.DeepEqual(on.Shoutrrr, nn.Shoutrrr) || !reflect.DeepEqual(on.Kafka, nn.Kafka) {
		out = append(out, "notifier drivers")
	}
	om, nm := oldCfg.Monitoring, newCfg.Monitoring
	if om != nil && nm != nil && (om.Concurrency != nm.Concurrency || om.EntityTimeout != nm.EntityTimeout) {
		out = append(out, "monitoring.concurrency/entity_timeout")
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemd(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		fn(stepCtx)
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	// Let an in-flight run finish its hive (reserve/rollback) before the store closes.
	step("scheduler", 10*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) {
		if err := a.sup.Wait(c); err != nil {
			a.log.Warn("supervisor stopped with error", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// closeResources releases notifier, store and logging. Nil members are skipped.
func (a *App) closeResources() {
	if a.notif != nil {
		if err := a.notif.Close(); err != nil {
			a.log.Warn("notifier close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
