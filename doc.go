// Package taskstate manages the status lifecycle of long-running tasks
// shared by concurrent clients and worker agents.
//
// Every status change is one conditional write on the store, guarded by
// the status the writer read. Two writers racing from the same status see
// exactly one winner and the other gets ErrStatusConflict, without any
// lock service or in-process shared state.
//
// # Client
//
// A Client runs lifecycle operations against one backend:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite
//   - Postgres
//   - MongoDB
//   - Redis
//   - NATS JetStream key-value
//
// Clients are built around a caller-owned connection with the New*Client
// constructors, or from configuration with Open.
//
// # Statuses
//
// Tasks start as created. ChangeStatus moves a task along the transition
// table, which Force bypasses. The table is returned by
// PossibleTransitions and checked by ValidateTransition.
//
// # Publish
//
// Publish moves a task through publishing to published and marks its
// output model ready on the way. When a step after entering publishing
// fails, the previous status is restored and the original error returned.
//
// # Stop
//
// Stop stops a task tagged development immediately. Any other task keeps
// its status with the message "stopping", and its worker (see package
// pkg/worker) moves it to stopped after a checkpoint.
//
// # Statistics
//
// UpdateStatistics records worker progress without a status guard. The
// iteration counter is merged with max on the store, so reports arriving
// out of order never move it backwards, and metrics are merged leaf by
// leaf.
//
// # Errors
//
// Failures are *Error values with a code. Use errors.Is with the Err*
// variables; only ErrStatusConflict is retryable.
package taskstate
