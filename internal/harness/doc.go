// Package harness runs scripted scope scenarios against the recording driver.
//
// A scenario opens, uses and releases named scopes on one execution, or on
// several when it forks, and then asserts on the scopes and on the driver
// calls the coordinator made.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: mixed_nesting
//	description: "Nested plain and atomic scopes share one connection"
//	execution: exec-1            # optional, defaults to "scenario"
//	steps:
//	  - open: A
//	  - open_atomic: C
//	    isolation: serializable  # optional
//	  - complete: C
//	  - release: C
//	  - connection: A
//	  - fail: { on: commit, error: "disk full" }
//	  - release: A
//	    expect_error: FINALIZATION
//	assertions:
//	  - type: depth
//	    scope: A
//	    depth: 1
//	  - type: trace_order
//	    events: [begin, commit, close]
//
// # Step Types
//
//   - open, open_atomic: open a named scope on the scenario's endpoint
//   - complete: mark an atomic scope complete
//   - connection, transaction: access the scope's connection or transaction
//   - release: release the scope
//   - fail: inject (or, with an empty error, clear) a driver failure
//   - fork: run later steps on a new execution identity, numbered
//     "<execution>/1", "<execution>/2", ...
//
// A step that fails must say so with expect_error, naming the error kind.
//
// # Assertion Types
//
//   - depth, initiating: check a scope's acquisition snapshot
//   - trace_contains, trace_order, trace_count: check successful driver calls
//   - registry_empty: no operation context outlived the steps
//   - same_transaction: the listed atomic scopes saw one transaction handle
//
// # Deterministic Testing
//
// Every scenario runs on a fresh recording driver and registry with a fixed
// execution identity and numbered fork identities, so the trace is identical
// across runs and can be compared against a golden file.
package harness
