// Package jobs reconciles job completion reports with the ledger.
//
// Workers and the orchestrator may report the outcome of the same job more than once (message
// redelivery, retries after a crash). TryComplete turns every report after the first into a
// no-op, so at most one terminal transition is ever observed per job. Complete is the
// unconditional variant used by administrative tooling.
//
// Transitions:
//   - CREATED | SCHEDULED -> RUNNING (Start)
//   - CREATED | SCHEDULED | RUNNING -> FINISHED | FAILED (TryComplete)
package jobs
