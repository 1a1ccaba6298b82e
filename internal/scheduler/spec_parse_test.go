package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", cron: "0 0 * * *"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron", cron: "@every 1m"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:00:30", kind: SpecInterval, source: "hhmm", duration: 30 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "daily", raw: "daily:06:05", kind: SpecCron, source: "daily", cron: "5 6 * * *"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "cron:", "61 * * * *", "daily:25:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for schedule %q", raw)
		}
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()
	p, err := ParseSchedule("15m")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.CronSpec(); got != "@every 15m0s" {
		t.Fatalf("CronSpec = %q", got)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
