package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "beesense/pkg/logx"
)

var (
	// ErrDelivery wraps the error returned by the deliver callback of Apply.
	ErrDelivery = errors.New("notification delivery failed")
	// ErrRollback is joined when a failed delivery could not be swapped back.
	ErrRollback = errors.New("escalation rollback failed")
)

// Reason explains a Decision.
type Reason string

const (
	ReasonFirst      Reason = "first"      // no record: cycle (re)starts at INFO
	ReasonRepeat     Reason = "repeat"     // renotify interval elapsed, same severity
	ReasonEscalate   Reason = "escalate"   // inactivity threshold elapsed, next severity
	ReasonSuppressed Reason = "suppressed" // notified recently
	ReasonConflict   Reason = "conflict"   // a concurrent run reserved the state first
)

// Decision is the outcome of one evaluation.
type Decision struct {
	ShouldNotify bool
	Severity     Severity
	Reason       Reason

	// Prev is the record read (nil when absent). Next is what gets persisted
	// when ShouldNotify is true.
	Prev *State
	Next State
}

// Evaluate applies the transition rules to prev. It has no side effects.
func Evaluate(prev *State, now time.Time, p Policy) Decision {
	if prev == nil {
		return Decision{
			ShouldNotify: true,
			Severity:     Info,
			Reason:       ReasonFirst,
			Next:         State{LastNotifiedAt: now, Severity: Info},
		}
	}

	cur := *prev
	elapsed := now.Sub(cur.LastNotifiedAt)
	if elapsed < p.RenotifyInterval {
		return Decision{Severity: cur.Severity, Reason: ReasonSuppressed, Prev: &cur, Next: cur}
	}

	next, reason := cur.Severity, ReasonRepeat
	if elapsed >= p.InactivityThreshold {
		next, reason = cur.Severity.Escalate(), ReasonEscalate
	}
	return Decision{
		ShouldNotify: true,
		Severity:     next,
		Reason:       reason,
		Prev:         &cur,
		Next:         State{LastNotifiedAt: now, Severity: next},
	}
}

// Machine evaluates and persists escalation decisions.
type Machine struct {
	store Store
	locks *keyedLocks
	log   logx.Logger
}

func NewMachine(store Store, log logx.Logger) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Machine{store: store, locks: newKeyedLocks(), log: log}
}

// Decide evaluates the hive's state at now and persists the next state when a
// notification is due.
func (m *Machine) Decide(ctx context.Context, entity string, now time.Time, p Policy) (Decision, error) {
	return m.Apply(ctx, entity, now, p, nil)
}

// Apply runs the per-hive critical section and calls deliver (when non-nil)
// while the hive is locked and its next state is reserved.
//
// A deliver error reverts the reservation and is returned wrapped in ErrDelivery
// together with the decision that was attempted.
func (m *Machine) Apply(ctx context.Context, entity string, now time.Time, p Policy, deliver func(context.Context, Decision) error) (Decision, error) {
	unlock, err := m.locks.lock(ctx, entity)
	if err != nil {
		return Decision{}, fmt.Errorf("lock %s: %w", entity, err)
	}
	defer unlock()

	// Stores keep millisecond precision; keep in-memory values comparable.
	now = time.UnixMilli(now.UnixMilli())

	cur, ok, err := m.store.Get(ctx, entity)
	if err != nil {
		return Decision{}, fmt.Errorf("read state %s: %w", entity, err)
	}
	var prev *State
	if ok {
		prev = &cur
	}

	d := Evaluate(prev, now, p)
	if !d.ShouldNotify {
		return d, nil
	}

	next := d.Next
	swapped, err := m.store.CompareAndSwap(ctx, entity, prev, &next)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve state %s: %w", entity, err)
	}
	if !swapped {
		m.log.Debug("escalation reserved by concurrent run", logx.String("entity", entity))
		return Decision{Severity: d.Severity, Reason: ReasonConflict, Prev: prev, Next: next}, nil
	}

	if deliver == nil {
		return d, nil
	}
	if derr := deliver(ctx, d); derr != nil {
		derr = fmt.Errorf("%w: %w", ErrDelivery, derr)
		// The run may be at its deadline; the rollback must still happen.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		back, rerr := m.store.CompareAndSwap(rctx, entity, &next, prev)
		if rerr != nil || !back {
			if rerr == nil {
				rerr = errors.New("state changed during delivery")
			}
			m.log.Error("escalation rollback failed", logx.String("entity", entity), logx.Err(rerr))
			return d, errors.Join(derr, fmt.Errorf("%w: %w", ErrRollback, rerr))
		}
		return d, derr
	}
	return d, nil
}
