// Package journal provides a SQLite-backed append-only journal of the
// change events the engine dispatched, plus the terminal outcome of every
// call.
//
// The journal is an inspection and replay aid, not the source of truth:
// the realtime backend stays authoritative and the engine never reads its
// own state back from here.
//
// # Ordering
//
// Entries are ordered by seq, the loop's logical sequence, never by
// timestamps. Events carrying a transport event id are idempotent:
// re-appending the same id is a no-op.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads (`parley journal`) during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// The layout is versioned with user_version. Open applies the missing
// upgrade steps in one transaction and refuses files from a newer build.
package journal
