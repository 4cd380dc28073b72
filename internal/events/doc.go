// Package events defines the lifecycle events emitted by the background task
// engine and the in-process bus that carries them.
//
// Events are the write-ahead signal for every task state mutation: executors
// and dispatchers publish them, and the state aggregator consumes them to
// apply transitions to the persisted task records. Each event carries a
// unique EventID so consumers can deduplicate at-least-once deliveries.
//
// The package also defines the optional external bridge contract used to
// mirror lifecycle events onto an external bus for observers outside the
// process.
package events
