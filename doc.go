// Package courier provides the background job dispatch and delivery
// scheduler of a federated social service. Work is pulled from a fixed set
// of named queues (outbound delivery, inbound activities, database tasks,
// maintenance, webhooks, ...) and executed under per-queue concurrency
// ceilings, sliding-window rate limits, and failure-dependent backoff.
//
// Courier is a library first. The engine package wires a backing store,
// the queue registry, one worker pool per queue, and the lifecycle
// observer:
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithProcessors(procs),
//	    engine.WithLogger(logger),
//	)
//	if err := eng.Run(ctx); err != nil { ... }
//
// # Architecture
//
// Each subsystem (job, queue, worker, schedule) defines the store contract
// it needs. A single backend (store/memory, store/redis, store/sqlite,
// store/postgres) implements all of them and is the single source of truth
// for job state: leases, acks and retry reschedules are serialized per job
// by the store, never by the worker pool.
//
// Job, worker and lease identifiers use TypeID: type-prefixed, K-sortable,
// UUIDv7-based strings.
package courier
