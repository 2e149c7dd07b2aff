// Package recount drives a sector count session through its lifecycle.
//
// The lifecycle is a pure Machine: Apply(session, event) returns the next
// session or a CONFLICT error with the session untouched. The Orchestrator
// validates every operator action against the Machine before any side
// effect, then performs it against the SyncGateway and adopts the
// authoritative session it returns:
//
//	PENDING -> IN_PROGRESS (per slot) -> VERIFIED        -> FINALIZED
//	                                  -> CON_DIFFERENCES -> RECOUNT -> FINALIZED
//	                                                                -> CON_DIFFERENCES
//
// CANCELLED is reachable from every non-terminal state. A disagreement
// that persists after the last permitted recount round escalates; only a
// forced finalize or a cancel is accepted then.
package recount
