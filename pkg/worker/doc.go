// Package worker runs a single task on behalf of an execution agent.
//
// A Worker moves its task to in_progress, calls a step function in a loop
// and reports progress after every step as a statistics update. Iteration
// reports are merged with max on the store, so reports that arrive out of
// order never move the counter backwards.
//
// # Cooperative stop
//
// Stopping a task that is not tagged development only sets its status
// message to "stopping". The worker polls the task between steps; when it
// sees the message it runs the checkpoint hook and moves the task to
// stopped itself.
//
// # Terminal transitions
//
// Finishing (stopped with reason completed), failing and acknowledging a
// stop are conditional status changes. When one hits a concurrent status
// conflict the worker re-reads the task and tries again with exponential
// backoff, and gives up as soon as the task is no longer in_progress.
package worker
