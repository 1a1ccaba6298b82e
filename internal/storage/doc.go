// Package storage persists per-hive escalation records.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "postgres": shared PostgreSQL database, safe for several instances
//   - "file": JSON snapshot + journal, single process only
//   - "memory": volatile, for tests and dry runs
//
// Every driver implements CompareAndSwap atomically per entity; the sqlite and
// postgres drivers do it with a single conditional statement so it also holds
// across processes.
package storage
