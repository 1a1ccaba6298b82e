package escalation

import (
	"context"
	"time"
)

// State is the persisted escalation record of one hive.
type State struct {
	LastNotifiedAt time.Time `json:"last_notified_at"`
	Severity       Severity  `json:"severity"`
}

// Equal compares at millisecond precision, which is what every Store persists.
func (s State) Equal(o State) bool {
	return s.Severity == o.Severity && s.LastNotifiedAt.UnixMilli() == o.LastNotifiedAt.UnixMilli()
}

// Store is the persistence contract the machine needs.
//
// CompareAndSwap replaces the record of entity with next only if the current
// record equals prev. A nil prev means "must be absent"; a nil next deletes.
// It reports whether the swap happened. Implementations must make it atomic per key.
type Store interface {
	Get(ctx context.Context, entity string) (State, bool, error)
	CompareAndSwap(ctx context.Context, entity string, prev, next *State) (bool, error)
}

// Policy carries the two timing knobs of the machine.
type Policy struct {
	// RenotifyInterval is the minimum time between any two notifications.
	RenotifyInterval time.Duration
	// InactivityThreshold is the minimum time before the next notification escalates.
	InactivityThreshold time.Duration
}
