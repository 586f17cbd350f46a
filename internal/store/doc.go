// Package store defines the persistence interface and its backends.
//
// # Overview
//
// The Store interface covers protocols, cross-project permissions,
// meetings, opinions, votes, and decisions. Entities cross-reference each
// other by identifier only and are resolved through the store on read.
// Uniqueness constraints (protocol registration, decision recording) are
// atomic check-then-write: concurrent duplicate attempts yield exactly one
// winner and a typed sentinel for the rest.
//
// # Backends
//
//   - SQLiteStore: modernc.org/sqlite with WAL and foreign keys, for
//     deployments that persist across restarts.
//   - MemoryStore: mutex-guarded maps with copy-on-read semantics, for
//     tests and embedded use.
//
// # Dead letters
//
// DeadLetterStore receives the queue contents of disconnected sessions
// when the release policy is deadletter. MemoryDeadLetters keeps them in
// process; RedisDeadLetters parks them in Redis lists with a TTL so they
// survive the process.
package store
