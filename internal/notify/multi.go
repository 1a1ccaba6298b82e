package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logx "beesense/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNoDrivers = errors.New("no notification drivers configured")
	ErrStopped   = errors.New("notifier stopped")
)

// DeliveryConfig controls rate limiting and retries shared by all drivers.
type DeliveryConfig struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// HistoryItem is one delivery attempt outcome kept for operators.
type HistoryItem struct {
	At     time.Time
	Slot   string
	Entity string
	Driver string
	Error  string
}

const historyMax = 300

// Multi fans a notification out to every driver, synchronously.
//
// Each driver is retried with jittered exponential backoff. Notify succeeds
// when at least one driver delivered; otherwise all driver errors are joined.
// It is safe for concurrent use.
type Multi struct {
	log     logx.Logger
	drivers []Driver

	mu      sync.Mutex
	cfg     DeliveryConfig
	limiter *rate.Limiter
	closed  bool

	hmu     sync.Mutex
	history []HistoryItem
}

func NewMulti(cfg DeliveryConfig, log logx.Logger, drivers ...Driver) *Multi {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Multi{log: log, drivers: drivers}
	m.Apply(cfg)
	return m
}

// Apply swaps the delivery settings. Drivers are not touched.
func (m *Multi) Apply(cfg DeliveryConfig) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	m.mu.Unlock()
}

// Drivers returns the configured driver names.
func (m *Multi) Drivers() []string {
	out := make([]string, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d.Name())
	}
	return out
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	cfg, lim := m.cfg, m.limiter
	m.mu.Unlock()

	if len(m.drivers) == 0 {
		return ErrNoDrivers
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

	type result struct {
		name string
		err  error
	}
	results := make([]result, len(m.drivers))
	var wg sync.WaitGroup
	for i, d := range m.drivers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = result{name: d.Name(), err: m.sendWithRetry(ctx, cfg, d, n)}
		}()
	}
	wg.Wait()

	var errs []error
	delivered := 0
	for _, r := range results {
		item := HistoryItem{At: time.Now(), Slot: n.Slot, Entity: n.Entity, Driver: r.name}
		if r.err != nil {
			item.Error = r.err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
		} else {
			delivered++
		}
		m.appendHistory(item)
	}
	if delivered > 0 {
		for _, err := range errs {
			m.log.Warn("notification driver failed", logx.String("entity", n.Entity), logx.String("slot", n.Slot), logx.Err(err))
		}
		return nil
	}
	return errors.Join(errs...)
}

func (m *Multi) sendWithRetry(ctx context.Context, cfg DeliveryConfig, d Driver, n Notification) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := d.Notify(callCtx, n)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		m.log.Debug("notify send failed",
			logx.String("driver", d.Name()), logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

// Snapshot returns recent delivery outcomes, oldest first.
func (m *Multi) Snapshot() []HistoryItem {
	m.hmu.Lock()
	out := append([]HistoryItem(nil), m.history...)
	m.hmu.Unlock()
	return out
}

func (m *Multi) appendHistory(it HistoryItem) {
	m.hmu.Lock()
	m.history = append(m.history, it)
	if len(m.history) > historyMax {
		m.history = m.history[len(m.history)-historyMax:]
	}
	m.hmu.Unlock()
}

// Close closes every driver. Notify fails with ErrStopped afterwards.
func (m *Multi) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, d := range m.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func retryDelay(cfg DeliveryConfig, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
