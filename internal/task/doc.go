// Package task implements the background task orchestration engine: durable
// task records with a compare-and-swap state machine, an executable registry,
// per-attempt execution contexts, rate-limited wrappers for AI-bound work,
// the idempotent state aggregator that applies lifecycle events and resolves
// parent/child fan-in, and the runner that claims and executes tasks on a
// worker pool.
//
// The engine accepts at-least-once delivery throughout and compensates with
// event-id deduplication and conditional updates; it never relies on
// exactly-once transport semantics.
package task
