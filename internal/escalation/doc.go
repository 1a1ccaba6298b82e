// Package escalation implements the per-hive notification escalation state machine.
//
// # States
//
//	ABSENT -> INFO -> WARNING -> ALERT
//
// ALERT is terminal for an escalation cycle. Severity never decreases on its own:
// a cycle restarts at INFO only when the persisted record is gone (never created,
// or deleted by an operator).
//
// # Critical section
//
// Machine.Apply serializes read -> decide -> reserve -> deliver per hive with an
// in-process keyed lock, and reserves the next state with a compare-and-swap on
// the Store so that overlapping runs in other processes cannot both win. When
// delivery fails the reservation is swapped back, so LastNotifiedAt always names a
// notification that was actually delivered.
package escalation
