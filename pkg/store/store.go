// Package store defines the persistence contract that the state
// machine and dependency propagator are built against.
// A Store is the single shared mutable resource in the system; the
// manager process is assumed to be the sole writer to it.
package store

import (
	"context"
	"errors"

	"jobtk/pkg/jobgraph"
)

var (
	// ErrNotFound is returned when a lookup by unique id or external id
	// finds nothing.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned on a uniqueness violation (e.g. reusing a
	// live external id).
	ErrConflict = errors.New("store: conflicting record")
)

// JobFilter narrows ListJobs results. A zero-value filter matches
// every non-deleted job.
type JobFilter struct {
	Uniques []int64
	Status  []jobgraph.Status
}

// Store is the transactional persistence layer for jobs, array
// elements and dependency edges.
type Store interface {
	// CreateJob persists job and, if arraySpec is non-nil, one
	// ArrayElement per index in its progression. Returns the
	// allocated internal id.
	CreateJob(ctx context.Context, job *jobgraph.Job, arraySpec *jobgraph.ArraySpec) (int64, error)

	// CreateEdge inserts a dependency edge. Duplicate edges are
	// idempotent. Returns *jobgraph.CycleError if the edge would close
	// a cycle; the store is left unchanged in that case.
	CreateEdge(ctx context.Context, waiter, waitedFor int64) error

	GetJob(ctx context.Context, unique int64) (*jobgraph.Job, error)
	GetJobByExternalID(ctx context.Context, externalID int64) (*jobgraph.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*jobgraph.Job, error)
	ListArrayElements(ctx context.Context, parentUnique int64) ([]*jobgraph.ArrayElement, error)

	// UpdateJobStatus sets status and result (nil clears it) and
	// optionally the external id / name / queue name via opts.
	UpdateJobStatus(ctx context.Context, unique int64, status jobgraph.Status, result *int, opts ...UpdateOption) error

	// UpdateElementStatus sets one array element's status and result.
	UpdateElementStatus(ctx context.Context, parentUnique int64, index int, status jobgraph.Status, result *int) error

	// Predecessors returns the jobs that unique must wait for
	// (waited_for endpoints of edges where unique is the waiter).
	Predecessors(ctx context.Context, unique int64) ([]*jobgraph.Job, error)

	// Successors returns the jobs waiting on unique (waiter endpoints
	// of edges where unique is the waited-for).
	Successors(ctx context.Context, unique int64) ([]*jobgraph.Job, error)

	// DeleteCascade removes the job, its array elements, and every
	// edge incident to it.
	DeleteCascade(ctx context.Context, unique int64) error

	// WithTx runs fn with a Store scoped to a single transaction; all
	// writes inside fn commit or roll back atomically. Implementations
	// that cannot nest transactions run fn against the same Store.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// UpdateOption mutates the set of fields an UpdateJobStatus call also
// writes, alongside status/result.
type UpdateOption func(*UpdateOptions)

// UpdateOptions is the accumulated effect of a chain of UpdateOptions.
type UpdateOptions struct {
	ExternalID *int64
	Name       *string
	QueueName  *string
}

func WithExternalID(id int64) UpdateOption {
	return func(o *UpdateOptions) { o.ExternalID = &id }
}

func WithName(name string) UpdateOption {
	return func(o *UpdateOptions) { o.Name = &name }
}

func WithQueueName(name string) UpdateOption {
	return func(o *UpdateOptions) { o.QueueName = &name }
}

// ApplyUpdateOptions folds a slice of UpdateOption into an UpdateOptions.
func ApplyUpdateOptions(opts []UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
