// Package harness runs end-to-end pipeline scenarios against a real node.
//
// A scenario ingests objects, runs queue workers and advances a manual
// clock, then checks the recorded trace and the final store state.
// Traces are compared against golden files, so they only carry values that
// are stable between runs: no IDs and no timestamps.
//
// # Scenario Format
//
//	name: conflicting_resend
//	description: "A resend with a different accession is reconciled"
//	config:
//	  duplicate_policy: manual
//	  max_failures: 2
//	  retry_delay: 1m
//	flow:
//	  - ingest: {study: A}
//	    expect: stored
//	  - ingest: {study: A, set: {AccessionNumber: ACC2}}
//	    expect: reconciled
//	  - work: {workers: 2}
//	    expect: "1"
//	  - advance: 1m
//	assertions:
//	  - type: trace_count
//	    step: ingest
//	    result: reconciled
//	    count: 1
//	  - type: final_state
//	    table: queue_entries
//	    where: {type: ProcessDuplicate}
//	    expect: {status: idle}
//
// # Flow Steps
//
//   - ingest: builds a test object (study "A" or "B", or a literal UID)
//     and accepts it; the result is the ingestion outcome
//   - work: runs workers concurrently, each claiming at most one entry; the
//     result is how many claimed. With fail set every processor errors.
//   - advance: moves the clock forward
//
// # Assertion Types
//
//   - trace_contains: a step with matching args and result exists
//   - trace_order: step kinds appear in order
//   - trace_count: exactly count matching steps
//   - final_state: rows of locations, queue_entries or reconciliations
//     selected by where match expect, and number count when given
package harness
