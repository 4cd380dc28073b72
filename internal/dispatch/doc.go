// Package dispatch decouples "a task is ready to run" from "where and how
// it runs". A start signal either loops back into the local runner queue
// (single-node deployments and tests) or travels over a NATS queue group so
// any worker node can claim the task (horizontal scaling).
//
// Both paths provide at-least-once delivery and preserve the originating
// event's id and parameters byte-for-byte so retries are deterministic.
// Node selection across distributed workers is delegated to the broker.
package dispatch
