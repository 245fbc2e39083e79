// Package engine wires the courier subsystems together and provides the
// application-level API for enqueuing and administering jobs.
//
// An Engine owns one worker pool per queue of the queue registry, the
// routing tables built from the job processors, the extension registry
// (with the lifecycle observer and the metrics extension registered by
// default), and the repeatable-job scheduler.
//
// # Building an Engine
//
//	eng, err := engine.New(redisStore,
//	    engine.WithLogger(logger),
//	    engine.WithProcessors(jobs.Processors{
//	        WebhookDeliver: jobs.NewWebhookDeliverer(metaCache),
//	    }),
//	    engine.WithQueues(registry),
//	)
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{
//	    To: "https://remote.example/inbox",
//	}, job.WithPriority(10))
//
// Enqueue rejects job names the target queue cannot route and fills
// attempts and backoff from the queue's configuration.
//
// # Running
//
// Run blocks until its context is cancelled and then drains every pool.
// Start and Stop are the non-blocking equivalents.
//
// # Options
//
//   - [WithLogger]: set the logger
//   - [WithProcessors]: set the job processors
//   - [WithQueues]: set the queue registry
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithPoolOptions]: set worker pool options for every queue
//   - [WithTasks]: replace the repeatable tasks
//   - [WithService]: run a component alongside the pools
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
