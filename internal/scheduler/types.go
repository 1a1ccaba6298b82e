package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops a tick while the previous run is still going.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

func (p OverlapPolicy) String() string {
	if p == OverlapAllow {
		return "allow"
	}
	return "skip"
}

// ParseOverlap maps "skip" (or empty) and "allow".
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OverlapSkipIfRunning, nil
	case "allow":
		return OverlapAllow, nil
	default:
		return 0, fmt.Errorf("unknown overlap policy %q", s)
	}
}

// Config controls the scheduler service.
type Config struct {
	Enabled     bool
	Schedule    string
	Timezone    string // IANA TZ, e.g. "Europe/Bratislava"
	RunTimeout  time.Duration
	Overlap     OverlapPolicy
	HistorySize int
	RunOnStart  bool
}

const (
	DefaultSchedule    = "15m"
	DefaultRunTimeout  = 5 * time.Minute
	DefaultHistorySize = 50
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type HistoryItem struct {
	Trigger  string // "schedule" | "start" | "manual"
	Started  time.Time
	Duration time.Duration
	Skipped  bool
	Error    string
}

type Snapshot struct {
	Enabled  bool
	Schedule string
	Timezone string
	Overlap  string
	Running  int
	Next     time.Time
	Prev     time.Time
	History  []HistoryItem
}
