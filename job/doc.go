// Package job defines the job entity, its state machine, typed definitions,
// per-queue routers, and the store interface.
//
// # Job Entity
//
// A [Job] is a unit of work in one queue. It carries a JSON payload and
// progresses through a state machine:
//
//	waiting → active → completed
//	waiting → active → delayed → waiting → active → ...
//	waiting → active → failed
//	active  → (lock expired) → waiting
//	delayed → waiting (when RunAt is due, or promoted)
//	failed  → waiting (retried by an operator)
//
// Attempts is the execution budget and AttemptsMade the number of finished
// executions; AttemptsMade never exceeds Attempts.
//
// # Routing
//
// Each queue has a [Router] built from typed [Definition] values and frozen
// at startup:
//
//	r := job.NewRouter("deliver")
//	job.MustRegister(r, job.NewDefinition("deliver",
//	    func(ctx context.Context, p DeliverPayload) (string, error) {
//	        return deliverer.Deliver(ctx, p)
//	    },
//	))
//	r.Freeze()
//
// A name with no route fails the job with an [UnrecoverableError] wrapping
// courier.ErrUnknownJob.
package job
