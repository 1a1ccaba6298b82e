package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"beesense/internal/escalation"
)

var (
	// ErrNoSettings means monitoring was never configured; the run is a no-op.
	ErrNoSettings      = errors.New("monitoring settings not configured")
	ErrInvalidSettings = errors.New("invalid monitoring settings")
	// ErrMalformed marks measurement data that could not be decoded.
	ErrMalformed = errors.New("malformed measurement")
)

// Settings are the operator's monitoring knobs.
type Settings struct {
	MonitoringEnabled        bool    `json:"monitoring_enabled"`
	WeightDeltaThresholdKg   float64 `json:"weight_delta_threshold_kg"`
	InactivityThresholdHours int     `json:"inactivity_threshold_hours"`
	RenotifyIntervalHours    int     `json:"renotify_interval_hours"`
}

// DefaultSettings mirrors the defaults of the mobile app.
func DefaultSettings() Settings {
	return Settings{
		MonitoringEnabled:        true,
		WeightDeltaThresholdKg:   3,
		InactivityThresholdHours: 5,
		RenotifyIntervalHours:    4,
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.WeightDeltaThresholdKg < 0 || math.IsNaN(s.WeightDeltaThresholdKg) {
		errs = append(errs, fmt.Errorf("weight_delta_threshold_kg must be >= 0, got %v", s.WeightDeltaThresholdKg))
	}
	if s.InactivityThresholdHours < 1 {
		errs = append(errs, fmt.Errorf("inactivity_threshold_hours must be >= 1, got %d", s.InactivityThresholdHours))
	}
	if s.RenotifyIntervalHours < 1 {
		errs = append(errs, fmt.Errorf("renotify_interval_hours must be >= 1, got %d", s.RenotifyIntervalHours))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

func (s Settings) Policy() escalation.Policy {
	return escalation.Policy{
		RenotifyInterval:    time.Duration(s.RenotifyIntervalHours) * time.Hour,
		InactivityThreshold: time.Duration(s.InactivityThresholdHours) * time.Hour,
	}
}

// Measurement is one sensor reading of a hive.
type Measurement struct {
	EntityID   string    `json:"entity_id"`
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	RawTime    string    `json:"raw_timestamp,omitempty"`
	TotalKg    float64   `json:"total_weight_kg"`
	LeftKg     float64   `json:"weight_left_kg"`
	RightKg    float64   `json:"weight_right_kg"`
	TempInside float64   `json:"temperature_sensor"`
	TempOut    float64   `json:"temperature_outside"`
	Humidity   float64   `json:"humidity"`
	Pressure   float64   `json:"pressure"`
}

type SettingsProvider interface {
	GetSettings(ctx context.Context) (Settings, error)
}

type MeasurementSource interface {
	ListEntityIDs(ctx context.Context) ([]string, error)
	// GetLastTwoMeasurements returns up to two measurements, newest first.
	GetLastTwoMeasurements(ctx context.Context, entity string) ([]Measurement, error)
}

// SettingsFunc adapts a function to SettingsProvider.
type SettingsFunc func(ctx context.Context) (Settings, error)

func (f SettingsFunc) GetSettings(ctx context.Context) (Settings, error) { return f(ctx) }

// SystemicError is a run-level failure. Stage names the step that failed.
type SystemicError struct {
	Stage string
	Err   error
}

func (e *SystemicError) Error() string { return "monitor " + e.Stage + ": " + e.Err.Error() }
func (e *SystemicError) Unwrap() error { return e.Err }

// Outcome classifies what happened to one hive in a run.
type Outcome string

const (
	OutcomeNotified         Outcome = "notified"
	OutcomeSuppressed       Outcome = "suppressed"
	OutcomeConflict         Outcome = "conflict"
	OutcomeBelowThreshold   Outcome = "below_threshold"
	OutcomeInsufficientData Outcome = "insufficient_data"
	OutcomeFetchFailed      Outcome = "fetch_failed"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeNotifyFailed     Outcome = "notify_failed"
	OutcomeStateFailed      Outcome = "state_failed"
)

// Failed reports whether the outcome is a per-hive error.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeFetchFailed, OutcomeMalformed, OutcomeNotifyFailed, OutcomeStateFailed:
		return true
	}
	return false
}

type EntityResult struct {
	Entity   string
	Outcome  Outcome
	DeltaKg  float64
	Severity escalation.Severity
	Err      error
}

type RunResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// SkipReason is set when the run did nothing by configuration
	// ("disabled", "not configured", "no entities").
	SkipReason string
	Entities   []EntityResult
}

func (r RunResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r RunResult) Count(o Outcome) int {
	n := 0
	for _, e := range r.Entities {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

func (r RunResult) Failures() int {
	n := 0
	for _, e := range r.Entities {
		if e.Outcome.Failed() {
			n++
		}
	}
	return n
}
