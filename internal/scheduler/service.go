package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "beesense/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrNotStarted = errors.New("scheduler not started")

// Service runs a single job on the configured schedule.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	spec ParsedSpec
	loc  *time.Location
	job  Job

	c       *cron.Cron
	entryID cron.EntryID

	// draining holds the stop contexts of replaced crons.
	draining []context.Context

	runCtx      context.Context
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
	running     atomic.Int32
	historySize atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

// New validates the schedule and returns a stopped service.
func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.New("scheduler: job is nil")
	}
	s := &Service{cfg: cfg, spec: spec, job: job, log: log}
	s.historySize.Store(int64(cfg.HistorySize))
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the job and, when run_on_start is set, fires it once.
// Runs inherit ctx values; ctx cancellation or Stop ends in-flight runs.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if s.cfg.Enabled {
		s.startCronLocked()
	} else {
		s.log.Info("scheduler disabled")
	}
	if s.cfg.Enabled && s.cfg.RunOnStart {
		s.spawnLocked("start")
	}
}

// Stop halts the trigger, cancels in-flight runs and waits for them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.stopCronLocked()
	s.runCancel()
	s.runCtx, s.runCancel = nil, nil
	draining := s.draining
	s.draining = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Cron callbacks register with wg themselves, so wait for the
		// crons first and only then for wg.
		for _, d := range draining {
			<-d.Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; runs still in flight", logx.Int("running", int(s.running.Load())))
	}
}

// Apply swaps the config. The cron is restarted when the schedule, timezone
// or enabled flag changes. An invalid schedule keeps the previous config.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	s.spec = spec
	s.historySize.Store(int64(cfg.HistorySize))
	if s.runCtx == nil {
		return nil
	}
	restart := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		old.RunTimeout != cfg.RunTimeout ||
		old.Overlap != cfg.Overlap
	if !restart {
		return nil
	}
	s.stopCronLocked()
	if cfg.Enabled {
		s.startCronLocked()
		s.log.Info("scheduler restarted", logx.String("schedule", cfg.Schedule), logx.String("tz", s.loc.String()))
	} else {
		s.log.Info("scheduler disabled")
	}
	return nil
}

// Trigger runs the job now in the background, honoring the overlap policy.
func (s *Service) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return ErrNotStarted
	}
	s.spawnLocked("manual")
	return nil
}

func (s *Service) spawnLocked(trigger string) {
	ctx, timeout, overlap := s.runCtx, s.cfg.RunTimeout, s.cfg.Overlap
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(ctx, trigger, timeout, overlap)
	}()
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))

	ctx, timeout, overlap := s.runCtx, s.cfg.RunTimeout, s.cfg.Overlap
	id, err := s.c.AddFunc(s.spec.CronSpec(), func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.fire(ctx, "schedule", timeout, overlap)
	})
	if err != nil {
		// ParseSchedule already checked the expression.
		s.log.Error("scheduler add failed", logx.String("spec", s.spec.CronSpec()), logx.Err(err))
		s.c = nil
		return
	}
	s.entryID = id
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("spec", s.spec.CronSpec()),
		logx.String("tz", s.loc.String()),
		logx.String("overlap", s.cfg.Overlap.String()),
	)
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	kept := s.draining[:0]
	for _, d := range s.draining {
		if d.Err() == nil {
			kept = append(kept, d)
		}
	}
	s.draining = append(kept, s.c.Stop())
	s.c = nil
	s.entryID = 0
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(ctx context.Context, trigger string, timeout time.Duration, overlap OverlapPolicy) {
	if ctx.Err() != nil {
		return
	}
	n := s.running.Add(1)
	defer s.running.Add(-1)

	start := time.Now()
	if overlap == OverlapSkipIfRunning && n > 1 {
		s.log.Info("previous run still in progress; skipping", logx.String("trigger", trigger))
		s.record(HistoryItem{Trigger: trigger, Started: start, Skipped: true})
		return
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.runJob(runCtx)
	item := HistoryItem{Trigger: trigger, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
	}
	s.record(item)
}

// runJob converts a panicking job into an error so the ticker survives.
func (s *Service) runJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", logx.Any("panic", r))
			err = errors.New("job panicked")
		}
	}()
	return s.job(ctx)
}

func (s *Service) record(item HistoryItem) {
	size := int(s.historySize.Load())

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if size > 0 && len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Schedule: s.cfg.Schedule,
		Overlap:  s.cfg.Overlap.String(),
		Running:  int(s.running.Load()),
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil {
		e := s.c.Entry(s.entryID)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
