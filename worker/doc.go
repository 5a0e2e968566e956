// Package worker claims jobs from the queue and routes them to handlers
// registered by job type.
//
// A worker cycles idle -> claiming -> processing -> idle. Cancelling the run
// context stops further claims; a job already in flight is finished on a
// context that ignores the cancellation so its outcome is always persisted.
// Several workers, in one process through Pool or across processes, only
// coordinate through the queue store.
package worker
