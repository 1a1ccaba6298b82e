// Package notify builds weight-change notifications and delivers them through
// one or more drivers (log, telegram, mqtt, shoutrrr, kafka).
//
// Every notification carries a slot id derived from its severity. Drivers that
// can replace a previous message (telegram, mqtt retained topics, compacted
// kafka topics) use the slot so that a repeat at the same severity replaces the
// unacknowledged one while a new severity gets its own slot.
package notify
