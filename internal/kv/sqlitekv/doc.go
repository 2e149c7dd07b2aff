// Package sqlitekv provides a SQLite-backed kv.Store.
//
// Each key is one row of the records table. Writes replace the row in
// place (INSERT ... ON CONFLICT(key) DO UPDATE), so re-persisting a session
// snapshot is idempotent.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Expired rows are filtered on read and swept on Open.
package sqlitekv
