// Package backend defines the dispatcher contract shared by the local
// worker-pool backend and the SGE-like grid backend. The
// state machine and CLI only ever talk to this interface; how a job's
// command actually gets run is opaque to the core.
package backend

import "context"

// SubmitOptions carries the grid-style keyword arguments a backend may
// use when placing a job (queue name, resource requests, ...).
type SubmitOptions struct {
	QueueName string
	Args      map[string]string
}

// Backend dispatches jobs to wherever they actually run and reports
// their outcome back through the statemachine package.
type Backend interface {
	// Submit assigns an external id to unique and arranges for it (and
	// its array elements, if any) to eventually receive execute/finish
	// events. For the local backend the external id equals the
	// internal one; for the grid backend it is the grid's own id.
	Submit(ctx context.Context, unique int64, opts SubmitOptions) (externalID int64, err error)

	// Resubmit resets and reinserts the given jobs. failedOnly limits
	// the selection to jobs currently in failure; includeRunning also
	// resubmits jobs still executing (after attempting to stop them).
	Resubmit(ctx context.Context, uniques []int64, failedOnly, includeRunning bool) error

	// Stop requests cancellation of the given jobs. On success the
	// manager does not itself change status — the backend is expected
	// to drive the corresponding finish() event once the cancellation
	// is observed.
	Stop(ctx context.Context, uniques []int64) error

	// RunOne is invoked in the worker/wrapper context: it transitions
	// the job (or one array element) to executing, runs the command,
	// and issues finish with the observed exit code.
	RunOne(ctx context.Context, unique int64, elementIndex *int) error

	// Close releases any resources held by the backend (queue
	// connections, registries, grid clients).
	Close() error
}
