package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"beesense/internal/escalation"
)

// Slot ids, one per severity.
const (
	SlotInfo    = "weight-change-info"
	SlotWarning = "weight-change-warning"
	SlotAlert   = "weight-change-alert"
)

// Priority is the delivery priority hint for drivers that support one.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
	PriorityMax     Priority = "max"
)

// Notification is one rendered weight-change alert.
type Notification struct {
	Slot     string
	Title    string
	Body     string
	Severity escalation.Severity
	Priority Priority
	Entity   string
	Delta    float64
	At       time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Driver is a single delivery channel.
type Driver interface {
	Notifier
	Name() string
	Close() error
}

// SlotFor returns the stable slot id of a severity.
func SlotFor(sev escalation.Severity) string {
	switch sev {
	case escalation.Warning:
		return SlotWarning
	case escalation.Alert:
		return SlotAlert
	default:
		return SlotInfo
	}
}

// Build renders the notification for a weight change of delta kg on entity.
func Build(entity string, delta float64, sev escalation.Severity, at time.Time) Notification {
	n := Notification{
		Slot:     SlotFor(sev),
		Severity: sev,
		Entity:   entity,
		Delta:    delta,
		At:       at,
	}

	d, ok := FormatDelta(delta)
	switch sev {
	case escalation.Warning:
		n.Title = "Significant hive weight change!"
		n.Priority = PriorityHigh
		n.Body = fmt.Sprintf("Hive %s: weight changed by %s kg", entity, d)
	case escalation.Alert:
		n.Title = "URGENT: critical hive weight change!"
		n.Priority = PriorityMax
		n.Body = fmt.Sprintf("Hive %s: weight changed by %s kg, needs immediate attention!", entity, d)
	default:
		n.Title = "Hive weight change"
		n.Priority = PriorityDefault
		n.Body = fmt.Sprintf("Hive %s: weight changed by %s kg", entity, d)
	}
	if !ok {
		n.Body = fmt.Sprintf("Hive %s: significant weight change detected", entity)
	}
	return n
}

// FormatDelta renders a signed delta with at most two decimals and no trailing
// zeros ("-2.5", "3", "0.13"). It reports false for NaN and infinities.
func FormatDelta(delta float64) (string, bool) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return "", false
	}
	// FormatFloat rounds exact ties half to even, same as DecimalFormat("0.##").
	s := strconv.FormatFloat(delta, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		s = "0"
	}
	return s, true
}

// payload is the JSON form published by the mqtt and kafka drivers.
type payload struct {
	Slot     string    `json:"slot"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Severity string    `json:"severity"`
	Priority Priority  `json:"priority"`
	Entity   string    `json:"entity"`
	DeltaKg  *float64  `json:"delta_kg,omitempty"`
	At       time.Time `json:"at"`
}

func (n Notification) MarshalJSON() ([]byte, error) {
	p := payload{
		Slot:     n.Slot,
		Title:    n.Title,
		Body:     n.Body,
		Severity: n.Severity.String(),
		Priority: n.Priority,
		Entity:   n.Entity,
		At:       n.At,
	}
	if !math.IsNaN(n.Delta) && !math.IsInf(n.Delta, 0) {
		d := n.Delta
		p.DeltaKg = &d
	}
	return json.Marshal(p)
}
