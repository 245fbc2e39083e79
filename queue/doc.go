// Package queue defines the fixed set of named queues, their configuration,
// and the limiters that enforce it.
//
// # Queues
//
// Every job belongs to one of the queues in [Names]. [Defaults] holds the
// stock configuration:
//
//	queue          concurrency  rate       backoff
//	system         1            -          fixed
//	db             1            -          fixed
//	deliver        128          128/s      network
//	inbox          16           16/s       network
//	webhookDeliver 64           64/s       network
//	relationship   16           64/s       fixed
//	objectStorage  16           -          fixed
//	endedPollNotification 1     -          fixed
//
// [NewRegistry] applies per-queue overrides, typically from the daemon
// configuration file, and validates the result.
//
// # Limiters
//
// [Window] enforces a queue's rate as a strict sliding window: within any
// interval of Rate.Window at most Rate.Max jobs start. [KeyedLimiter] is a
// per-destination token bucket (golang.org/x/time/rate) used by delivery
// queues so that a single slow or busy remote host cannot take the whole
// queue's budget.
package queue
