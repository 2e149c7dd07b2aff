// Package journal is the optimistic local record of a count session.
//
// Every mutation is applied in memory first, so reads always reflect the
// latest local write, and then flushed to a kv.Store as one snapshot per
// session:
//
//	session/<id> -> {session, products, entries[], aliases, lines, timestamp}
//
// A snapshot whose timestamp is older than the retention window (24h by
// default) is stale: RestoreSnapshot discards it and reports a
// STALE_RECOVERY error so the caller re-fetches the session from the sync
// gateway. Entries are never lost to a network failure; they stay in the
// journal as Local (or Dirty, or PendingDelete) until a sync succeeds.
package journal
