package escalation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "beesense/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	mu   sync.Mutex
	data map[string]State
	// failCAS makes the n-th CompareAndSwap call (1-based) return an error.
	failCAS int
	calls   int
}

func newMapStore() *mapStore { return &mapStore{data: map[string]State{}} }

func (s *mapStore) Get(_ context.Context, entity string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[entity]
	return st, ok, nil
}

func (s *mapStore) CompareAndSwap(_ context.Context, entity string, prev, next *State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failCAS > 0 && s.calls == s.failCAS {
		return false, errors.New("boom")
	}
	cur, ok := s.data[entity]
	switch {
	case prev == nil && ok:
		return false, nil
	case prev != nil && (!ok || !cur.Equal(*prev)):
		return false, nil
	}
	if next == nil {
		delete(s.data, entity)
	} else {
		s.data[entity] = *next
	}
	return true, nil
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }

func TestEvaluateFirstNotificationIsInfo(t *testing.T) {
	d := Evaluate(nil, t0, Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)})
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, Info, d.Severity)
	assert.Equal(t, ReasonFirst, d.Reason)
	assert.Nil(t, d.Prev)
	assert.Equal(t, t0, d.Next.LastNotifiedAt)
}

func TestEvaluateRenotifyWindow(t *testing.T) {
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(24)}
	prev := &State{LastNotifiedAt: t0, Severity: Info}

	d := Evaluate(prev, t0.Add(hours(3)), p)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, ReasonSuppressed, d.Reason)
	assert.Equal(t, *prev, d.Next)

	d = Evaluate(prev, t0.Add(hours(5)), p)
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, ReasonRepeat, d.Reason)
	assert.Equal(t, Info, d.Severity)
}

func TestEvaluateBoundariesAreInclusive(t *testing.T) {
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}
	prev := &State{LastNotifiedAt: t0, Severity: Info}

	d := Evaluate(prev, t0.Add(hours(4)), p)
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, Info, d.Severity)

	d = Evaluate(prev, t0.Add(hours(5)), p)
	assert.Equal(t, Warning, d.Severity)
	assert.Equal(t, ReasonEscalate, d.Reason)
}

func TestEvaluateClockSkewSuppresses(t *testing.T) {
	prev := &State{LastNotifiedAt: t0, Severity: Warning}
	d := Evaluate(prev, t0.Add(-time.Hour), Policy{RenotifyInterval: hours(1), InactivityThreshold: hours(2)})
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, Warning, d.Severity)
}

func TestEvaluateAlertIsTerminal(t *testing.T) {
	prev := &State{LastNotifiedAt: t0, Severity: Alert}
	d := Evaluate(prev, t0.Add(hours(48)), Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)})
	assert.True(t, d.ShouldNotify)
	assert.Equal(t, Alert, d.Severity)
}

func TestMachineEscalationChain(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}

	want := []struct {
		at     time.Duration
		notify bool
		sev    Severity
	}{
		{0, true, Info},
		{hours(3), false, Info},
		{hours(5), true, Warning},
		{hours(10), true, Alert},
		{hours(15), true, Alert},
	}
	for _, w := range want {
		d, err := m.Decide(ctx, "hive7", t0.Add(w.at), p)
		require.NoError(t, err)
		assert.Equal(t, w.notify, d.ShouldNotify, "at %s", w.at)
		assert.Equal(t, w.sev, d.Severity, "at %s", w.at)
	}

	got, ok, _ := st.Get(ctx, "hive7")
	require.True(t, ok)
	assert.Equal(t, Alert, got.Severity)
	assert.True(t, got.LastNotifiedAt.Equal(t0.Add(hours(15))))
}

func TestMachineSuppressedDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}

	_, err := m.Decide(ctx, "h", t0, p)
	require.NoError(t, err)
	calls := st.calls

	d, err := m.Decide(ctx, "h", t0.Add(time.Hour), p)
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, calls, st.calls)
}

func TestMachineConcurrentApplyHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	// Two machines share a store to mimic two processes; the keyed lock does
	// not help across them, only the CAS does.
	m1, m2 := NewMachine(st, logx.Nop()), NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}

	var sent atomic.Int32
	deliver := func(context.Context, Decision) error {
		sent.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		m := m1
		if i%2 == 1 {
			m = m2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Apply(ctx, "hive1", t0, p, deliver)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), sent.Load())
}

func TestMachineLostRaceReportsConflict(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}

	// Another writer gets in between Get and CAS.
	racing := &racingStore{mapStore: st, before: func() {
		st.data["h"] = State{LastNotifiedAt: t0, Severity: Info}
	}}
	m.store = racing

	d, err := m.Decide(ctx, "h", t0, p)
	require.NoError(t, err)
	assert.False(t, d.ShouldNotify)
	assert.Equal(t, ReasonConflict, d.Reason)
}

type racingStore struct {
	*mapStore
	before func()
	once   sync.Once
}

func (r *racingStore) CompareAndSwap(ctx context.Context, entity string, prev, next *State) (bool, error) {
	r.once.Do(func() {
		r.mapStore.mu.Lock()
		r.before()
		r.mapStore.mu.Unlock()
	})
	return r.mapStore.CompareAndSwap(ctx, entity, prev, next)
}

func TestMachineRollbackOnDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(4), InactivityThreshold: hours(5)}
	fail := func(context.Context, Decision) error { return errors.New("telegram down") }

	// First ever notification fails: the record must stay absent.
	d, err := m.Apply(ctx, "h", t0, p, fail)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.True(t, d.ShouldNotify)
	_, ok, _ := st.Get(ctx, "h")
	assert.False(t, ok)

	// Establish INFO, then fail the escalation: INFO must survive untouched.
	_, err = m.Apply(ctx, "h", t0, p, nil)
	require.NoError(t, err)
	_, err = m.Apply(ctx, "h", t0.Add(hours(6)), p, fail)
	require.ErrorIs(t, err, ErrDelivery)
	got, ok, _ := st.Get(ctx, "h")
	require.True(t, ok)
	assert.Equal(t, Info, got.Severity)
	assert.True(t, got.LastNotifiedAt.Equal(t0))

	// The next attempt retries the same escalation.
	d, err = m.Apply(ctx, "h", t0.Add(hours(6)), p, func(context.Context, Decision) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Warning, d.Severity)
}

func TestMachineRollbackErrorIsReported(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	st.failCAS = 2 // reserve succeeds, rollback fails
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(1), InactivityThreshold: hours(2)}

	_, err := m.Apply(ctx, "h", t0, p, func(context.Context, Decision) error { return errors.New("x") })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, ErrRollback)
}

func TestMachineNormalizesToMilliseconds(t *testing.T) {
	ctx := context.Background()
	st := newMapStore()
	m := NewMachine(st, logx.Nop())
	p := Policy{RenotifyInterval: hours(1), InactivityThreshold: hours(2)}

	d, err := m.Decide(ctx, "h", t0.Add(123456*time.Nanosecond), p)
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Next.LastNotifiedAt.UnixNano()%int64(time.Millisecond))
}

func TestKeyedLocksRespectContextAndCleanUp(t *testing.T) {
	k := newKeyedLocks()
	unlock, err := k.lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, k.size())
}
