// Package execution provides the durable state machine for workflow
// executions, their stages, and their tasks.
//
// The Repository persists executions through the stores.Backend contract
// and reconstructs the full object graph on read. Stage ordering is kept
// in an explicit index so read-time ordering never depends on write
// order. A repository can span two backends at once during a storage
// migration: the primary is authoritative and the previous backend only
// serves reads that miss the primary.
package execution
