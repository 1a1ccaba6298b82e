// Package scheduler triggers the monitoring job on a cron or interval
// schedule.
//
// It wraps robfig/cron with an overlap policy, a per-run timeout and a
// bounded run history. Schedule strings accept Go durations ("15m"),
// HH:MM intervals ("00:30"), cron expressions ("*/5 * * * *", "@hourly",
// "@every 1m") and the "cron:", "interval:", "every:" and "daily:" prefixes.
package scheduler
