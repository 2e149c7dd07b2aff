// Package harness plays count drills: scripted sessions in which two
// operators count a sector against an in-process reference gateway.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: recount_then_agree
//	description: "Slots disagree on one product and agree after a recount"
//	max_rounds: 3
//	session:
//	  id: S1
//	  sector_id: A-12
//	  operators: [ana, ben]
//	  products:
//	    - {id: P1, name: Agua, system_stock: 48}
//	flow:
//	  - {op: open, slot: 1}
//	  - {op: enter, slot: 1, product: P1, input: "12*4"}
//	  - {op: fail_gateway, count: 1}
//	  - {op: submit, slot: 2, expect: {state: CON_DIFFERENCES}}
//	  - {op: finalize, slot: 1, expect: {error: CONFLICT}}
//	assertions:
//	  - {type: final_state, state: FINALIZED}
//	  - {type: stock_adjusted, times: 1}
//	  - {type: server_entries, product: P1, slot: 1, count: 2}
//
// # Operations
//
// Counting steps map onto the orchestrator of the step's slot: open,
// enter, edit, delete (edit and delete name their target by line), sync,
// submit, recount, finalize (force: true for the override) and cancel.
// Environment steps drive the drill itself: fail_gateway makes the next
// count gateway requests fail with 503, advance moves the wall clock by
// after, and restart drops a slot's in-memory state so the next step
// recovers from the journal store.
//
// # Assertion Types
//
//   - final_state: the gateway's session state, round and escalation flag
//   - stock_adjusted: how many times the stock adjuster ran
//   - server_entries: live gateway entries of a product, slot and round
//   - trace_count: how many steps of an op ended with a given error kind
//
// Every step is recorded in the trace with the gateway's state after it,
// so a drill can also be compared against a golden file.
package harness
