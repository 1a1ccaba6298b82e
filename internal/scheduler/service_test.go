package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "beesense/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newService(t *testing.T, cfg Config, job Job) *Service {
	t.Helper()
	s, err := New(cfg, job, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func historyLen(s *Service) func() bool {
	return func() bool { return len(s.Snapshot().History) > 0 }
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "whenever"}, func(context.Context) error { return nil }, logx.Nop())
	require.Error(t, err)

	_, err = New(Config{}, nil, logx.Nop())
	require.Error(t, err)
}

func TestTriggerBeforeStart(t *testing.T) {
	s, err := New(Config{}, func(context.Context) error { return nil }, logx.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Trigger(), ErrNotStarted)
}

func TestTriggerRecordsHistory(t *testing.T) {
	s := newService(t, Config{Enabled: true, Schedule: "1h"}, func(context.Context) error {
		return errors.New("boom")
	})

	require.NoError(t, s.Trigger())
	require.Eventually(t, historyLen(s), 2*time.Second, 5*time.Millisecond)

	h := s.Snapshot().History[0]
	assert.Equal(t, "manual", h.Trigger)
	assert.Equal(t, "boom", h.Error)
	assert.False(t, h.Skipped)
}

func TestOverlapSkip(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var runs atomic.Int32
	s := newService(t, Config{Enabled: true, Schedule: "1h"}, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, s.Trigger())
	<-started
	require.NoError(t, s.Trigger())
	require.Eventually(t, historyLen(s), 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Snapshot().History[0].Skipped)

	close(release)
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestOverlapAllow(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	s := newService(t, Config{Enabled: true, Schedule: "1h", Overlap: OverlapAllow}, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, s.Trigger())
	require.NoError(t, s.Trigger())
	<-started
	<-started
	assert.Equal(t, 2, s.Snapshot().Running)
	close(release)
}

func TestRunTimeout(t *testing.T) {
	s := newService(t, Config{Enabled: true, Schedule: "1h", RunTimeout: 20 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, s.Trigger())
	require.Eventually(t, historyLen(s), 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, s.Snapshot().History[0].Error, context.DeadlineExceeded.Error())
}

func TestStopCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	s, err := New(Config{Enabled: true, Schedule: "1h"}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	require.NoError(t, s.Trigger())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.True(t, cancelled.Load())
}

func TestPanicIsRecorded(t *testing.T) {
	s := newService(t, Config{Enabled: true, Schedule: "1h"}, func(context.Context) error {
		panic("bad hive")
	})

	require.NoError(t, s.Trigger())
	require.Eventually(t, historyLen(s), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "job panicked", s.Snapshot().History[0].Error)
}

func TestRunOnStart(t *testing.T) {
	s := newService(t, Config{Enabled: true, Schedule: "1h", RunOnStart: true}, func(context.Context) error { return nil })
	require.Eventually(t, historyLen(s), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "start", s.Snapshot().History[0].Trigger)
}

func TestScheduledTick(t *testing.T) {
	var runs atomic.Int32
	s := newService(t, Config{Enabled: true, Schedule: "1s"}, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	snap := s.Snapshot()
	assert.False(t, snap.Next.IsZero())
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 4*time.Second, 20*time.Millisecond)
	assert.Equal(t, "schedule", s.Snapshot().History[0].Trigger)
}

func TestApply(t *testing.T) {
	s := newService(t, Config{Enabled: true, Schedule: "1h"}, func(context.Context) error { return nil })

	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "nope"}))
	assert.Equal(t, "1h", s.Snapshot().Schedule)

	require.NoError(t, s.Apply(Config{Enabled: false, Schedule: "30m"}))
	snap := s.Snapshot()
	assert.False(t, snap.Enabled)
	assert.True(t, snap.Next.IsZero())

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "30m", Timezone: "UTC"}))
	snap = s.Snapshot()
	assert.True(t, snap.Enabled)
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Next.IsZero())
}

func TestParseOverlap(t *testing.T) {
	p, err := ParseOverlap("")
	require.NoError(t, err)
	assert.Equal(t, OverlapSkipIfRunning, p)
	p, err = ParseOverlap("Allow")
	require.NoError(t, err)
	assert.Equal(t, OverlapAllow, p)
	_, err = ParseOverlap("queue")
	require.Error(t, err)
}
