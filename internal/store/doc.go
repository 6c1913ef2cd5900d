// Package store implements the durable hit queue on SQLite.
//
// The queue is a single table, hits2, holding encoded hits in insertion
// order. AUTOINCREMENT guarantees hit ids are never reused, so ids
// increase with physical insertion order even across deletes.
//
// # Failure model
//
// Storage faults never reach callers. Every operation degrades to a
// no-op (Put drops the hit, Peek returns nothing, Count returns 0) and
// the fault closes the database. The next access after RecoveryCooldown
// reopens it; if reopening fails the file is deleted and recreated.
//
// # Database Configuration
//
//   - WAL mode: readers (status commands) never block the worker
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - file mode 0600: hits may carry user identifiers
//
// A Queue is owned by one worker goroutine and is not safe for
// concurrent use.
package store
