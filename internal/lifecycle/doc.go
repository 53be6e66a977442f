// Package lifecycle implements the status lifecycle of tasks on top of the
// persistence stores: the transition table, the conditional status change
// executor, the monotonic statistics updater and the publish and stop
// workflows.
//
// A Service holds no task state between calls. Every status change is a
// single conditional store write guarded by the status the caller read, so
// concurrent callers racing on the same task see at most one winner and the
// rest fail with api.ErrStatusConflict.
package lifecycle
