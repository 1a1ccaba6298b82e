// Package monitor runs the weight-change monitoring job.
//
// Each run reads the settings afresh, lists every known hive, compares its two
// latest measurements and, for changes at or above the threshold, asks the
// escalation machine whether a notification is due. Hives are independent: a
// failing hive is logged and skipped, and only settings or hive-list failures
// fail the run.
package monitor
