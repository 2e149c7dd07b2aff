// Package count defines the data model of a dual-blind sector count.
//
// A sector count session has exactly two counter slots. Each slot
// accumulates count entries per product; entries for the same product and
// slot are summed. Every entry carries an identity tag that is either
// Local (not yet persisted by the sync gateway) or Remote (bound to the
// server-assigned id). The tag moves from Local to Remote at most once.
//
// # Error Kinds
//
//   - VALIDATION: malformed formula or quantity, rejected before the network
//   - CONFLICT: out-of-order transition or server-side refusal, never retried
//   - TRANSIENT_NETWORK: timeout or 5xx, entry stays unsynced for the next sync
//   - STALE_RECOVERY: local snapshot older than the retention window
//   - NOT_FOUND: unknown session or entry
//   - ESCALATED: recount rounds exhausted, supervisor decision required
package count
