// Package worker drives queued workflow runs through an engine.
//
// A Worker dequeues tasks from a taskqueue.Queue, executes them with an
// api.Engine and settles them with Ack or Nack. Run tasks execute a
// workflow; cancel tasks request cancellation of a run.
//
// # Leases
//
// A dequeued task is leased to one worker for Config.LeaseTTL. While a run
// executes, a heartbeat renews the task lease and, when Config.Results is
// set, the run lease in the result store. Losing either lease stops the run
// and leaves the task for redelivery without settling it. A task whose run
// lease is held by another worker is deferred for one lease period.
//
// # Retries
//
// Runs that fail with a handler error, a timeout or an interruption are
// resumed from stage 1 after an exponential backoff, up to
// Config.MaxAttempts deliveries. Other failures are final. A worker that is
// shut down mid-run puts the task back without charging an attempt.
//
// Multiple workers, in one process or many, can share a queue and stores.
package worker
