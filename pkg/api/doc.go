// Package api contains the public types of taskstate: tasks and their
// statuses, partial updates, error kinds, history events and observers.
//
// Most users interact with the higher-level taskstate package, which
// re-exports selected types and helpers from this package.
//
// # Tasks
//
// A Task is a snapshot of a record owned by a store. Its Status changes only
// through conditional writes guarded by the status the writer read, so a
// snapshot is always safe to hand to a status change and never the source of
// truth.
//
// # Updates
//
// Update describes a partial write. Nil fields are left alone and
// LastUpdate is always written. LastIterationMax is merged with max on the
// store, and LastMetrics is merged leaf by leaf. Fields renders what an
// update wrote for inclusion in API responses.
//
// # Errors
//
// Every lifecycle failure is an *Error with a code. errors.Is matches by
// code against the Err* sentinels, and only ErrStatusConflict is retryable:
// re-read the task and decide again.
//
// # Observability
//
// Observer receives callbacks for status changes, conflicts, publish
// compensations and statistics updates. LoggingObserver logs them with
// log/slog, BasicMetrics counts them, and CompositeObserver fans out to
// several observers.
package api
