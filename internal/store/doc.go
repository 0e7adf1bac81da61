// Package store provides the key-value blob storage each peer persists to.
//
// Callers see three operations, Get, Set and Remove, keyed by string. The
// values are opaque bytes; encoding is the caller's business.
//
// # Backends
//
//   - SQLite: durable, WAL-mode database (the default for real peers)
//   - File: one file per key on an afero filesystem
//   - Memory: a map, for tests and the in-process simulator
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
