// Package statemachine holds the four job-lifecycle events — submit,
// queue, execute, finish — translated from gridtk's Job.submit/queue/
// execute/finish methods onto a transactional store.Store. Every
// function here assumes it is called with a Store already scoped to a
// single transaction (via store.Store.WithTx); callers at the edges
// (CLI commands, backend workers) open that transaction.
package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jobtk/pkg/jobgraph"
	"jobtk/pkg/metrics"
	"jobtk/pkg/store"
)

// Submit resets a job (and, cascading, its array elements) to
// submitted and clears its result. Accepted from any status (table
// row "submit" has no dashes).
func Submit(ctx context.Context, s store.Store, unique int64, newQueue *string) error {
	job, err := s.GetJob(ctx, unique)
	if err != nil {
		return wrapStoreErr(err)
	}

	var opts []store.UpdateOption
	if newQueue != nil {
		opts = append(opts, store.WithQueueName(*newQueue))
	}
	if err := s.UpdateJobStatus(ctx, job.Unique, jobgraph.StatusSubmitted, nil, opts...); err != nil {
		return wrapStoreErr(err)
	}

	if job.IsArray() {
		elems, err := s.ListArrayElements(ctx, job.Unique)
		if err != nil {
			return wrapStoreErr(err)
		}
		for _, e := range elems {
			if err := s.UpdateElementStatus(ctx, job.Unique, e.Index, jobgraph.StatusSubmitted, nil); err != nil {
				return wrapStoreErr(err)
			}
		}
	}
	return nil
}

// QueueOptions carries the parameters a user-level re-queue may supply.
// The internal re-evaluation calls Queue with a zero QueueOptions.
type QueueOptions struct {
	NewExternalID *int64
	NewName       *string
	NewQueueName  *string
}

// Queue evaluates a job's predecessors and transitions it to queued,
// waiting, or failure. Legal from submitted, queued, waiting, success,
// or failure; queued and waiting are the "re-evaluate" cells of the
// transition table, used when propagation revisits a job whose
// predecessors changed.
func Queue(ctx context.Context, log *zap.Logger, s store.Store, unique int64, opts QueueOptions) error {
	if log == nil {
		log = zap.NewNop()
	}
	job, err := s.GetJob(ctx, unique)
	if err != nil {
		return wrapStoreErr(err)
	}
	switch job.Status {
	case jobgraph.StatusSubmitted, jobgraph.StatusQueued, jobgraph.StatusWaiting,
		jobgraph.StatusSuccess, jobgraph.StatusFailure:
	default:
		metrics.IllegalTransitionsTotal.WithLabelValues("queue", string(job.Status)).Inc()
		return &jobgraph.IllegalTransitionError{Unique: unique, From: job.Status, Event: "queue"}
	}

	var storeOpts []store.UpdateOption
	if opts.NewExternalID != nil {
		storeOpts = append(storeOpts, store.WithExternalID(*opts.NewExternalID))
	}
	if opts.NewName != nil {
		storeOpts = append(storeOpts, store.WithName(*opts.NewName))
	}
	if opts.NewQueueName != nil {
		storeOpts = append(storeOpts, store.WithQueueName(*opts.NewQueueName))
	}

	newStatus, err := evaluateQueueTarget(ctx, s, job)
	if err != nil {
		return err
	}

	if err := s.UpdateJobStatus(ctx, job.Unique, newStatus, nil, storeOpts...); err != nil {
		return wrapStoreErr(err)
	}
	metrics.TransitionsTotal.WithLabelValues("queue", string(newStatus)).Inc()
	if job.IsArray() {
		elems, err := s.ListArrayElements(ctx, job.Unique)
		if err != nil {
			return wrapStoreErr(err)
		}
		for _, e := range elems {
			if err := s.UpdateElementStatus(ctx, job.Unique, e.Index, newStatus, nil); err != nil {
				return wrapStoreErr(err)
			}
		}
	}

	// Re-evaluate any successor that was queued against this job's
	// previous (now stale) state — it may need to fall back to
	// waiting, or cascade to failure.
	successors, err := s.Successors(ctx, job.Unique)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, succ := range successors {
		if succ.Status != jobgraph.StatusQueued {
			continue
		}
		log.Debug("re-evaluating stale queued successor", zap.Int64("successor", succ.Unique), zap.Int64("predecessor", job.Unique))
		if err := Queue(ctx, log, s, succ.Unique, QueueOptions{}); err != nil && !jobgraph.IsIllegalTransition(err) {
			return err
		}
	}

	// If this job itself cascaded to a terminal status (stop_on_failure
	// propagation), its own waiting successors need the same downstream
	// treatment a Finish would give them — otherwise a chain longer than
	// two jobs leaves the tail stuck in waiting forever.
	if newStatus.Terminal() {
		if err := propagate(ctx, log, s, job.Unique); err != nil {
			return err
		}
	}
	return nil
}

// evaluateQueueTarget decides where a job lands once queued: failure
// propagates under stop_on_failure, otherwise a non-terminal
// predecessor means waiting, otherwise queued.
func evaluateQueueTarget(ctx context.Context, s store.Store, job *jobgraph.Job) (jobgraph.Status, error) {
	predecessors, err := s.Predecessors(ctx, job.Unique)
	if err != nil {
		return "", wrapStoreErr(err)
	}

	nonTerminal := false
	failed := false
	for _, p := range predecessors {
		if !p.Status.Terminal() {
			nonTerminal = true
		}
		if p.Status == jobgraph.StatusFailure {
			failed = true
		}
	}

	switch {
	case job.StopOnFailure && failed:
		return jobgraph.StatusFailure, nil
	case nonTerminal:
		return jobgraph.StatusWaiting, nil
	default:
		return jobgraph.StatusQueued, nil
	}
}

// Execute marks a job (or, for an array, one named element) executing.
// Legal only from queued or executing (the latter lets array elements
// execute one at a time while the parent stays executing).
func Execute(ctx context.Context, log *zap.Logger, s store.Store, unique int64, elementIndex *int) error {
	if log == nil {
		log = zap.NewNop()
	}
	job, err := s.GetJob(ctx, unique)
	if err != nil {
		return wrapStoreErr(err)
	}
	switch job.Status {
	case jobgraph.StatusQueued, jobgraph.StatusExecuting:
	default:
		metrics.IllegalTransitionsTotal.WithLabelValues("execute", string(job.Status)).Inc()
		return &jobgraph.IllegalTransitionError{Unique: unique, From: job.Status, Event: "execute"}
	}

	if err := s.UpdateJobStatus(ctx, job.Unique, jobgraph.StatusExecuting, nil); err != nil {
		return wrapStoreErr(err)
	}
	metrics.TransitionsTotal.WithLabelValues("execute", string(jobgraph.StatusExecuting)).Inc()
	if elementIndex != nil {
		if err := s.UpdateElementStatus(ctx, job.Unique, *elementIndex, jobgraph.StatusExecuting, nil); err != nil {
			return wrapStoreErr(err)
		}
	}

	return healLostFinishes(ctx, log, s, job.Unique)
}

// healLostFinishes implements scenario 6: a predecessor array job whose
// elements are all terminal but whose own status is stuck at executing
// (its finish() call never landed, e.g. worker crash) is force-finished
// with a sentinel failing result so the DAG can keep unblocking.
func healLostFinishes(ctx context.Context, log *zap.Logger, s store.Store, unique int64) error {
	predecessors, err := s.Predecessors(ctx, unique)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, p := range predecessors {
		if !p.IsArray() || p.Status != jobgraph.StatusExecuting {
			continue
		}
		elems, err := s.ListArrayElements(ctx, p.Unique)
		if err != nil {
			return wrapStoreErr(err)
		}
		if _, _, ok := jobgraph.AggregateResult(elems); !ok {
			continue // still genuinely in flight
		}
		log.Warn("healing lost finish on predecessor stuck executing", zap.Int64("predecessor", p.Unique))
		metrics.LostFinishesHealed.Inc()
		// Force the sentinel failure directly rather than routing
		// through Finish: Finish derives an array job's outcome from
		// AggregateResult over its (already-terminal) elements, which
		// would happily report success/0 here if every element in fact
		// succeeded — masking the very lost-finish this heal exists to
		// surface. The synthesized result is -1 regardless of what the
		// elements say.
		if err := forceFinish(ctx, log, s, p.Unique, jobgraph.StatusFailure, -1); err != nil && !jobgraph.IsIllegalTransition(err) {
			return err
		}
	}
	return nil
}

// Finish records a job or array element's outcome and, once the whole
// job has reached a terminal state, invokes the dependency propagator.
// Legal only from executing.
func Finish(ctx context.Context, log *zap.Logger, s store.Store, unique int64, result int, elementIndex *int) error {
	if log == nil {
		log = zap.NewNop()
	}
	job, err := s.GetJob(ctx, unique)
	if err != nil {
		return wrapStoreErr(err)
	}
	if job.Status != jobgraph.StatusExecuting {
		metrics.IllegalTransitionsTotal.WithLabelValues("finish", string(job.Status)).Inc()
		return &jobgraph.IllegalTransitionError{Unique: unique, From: job.Status, Event: "finish"}
	}

	var finalStatus jobgraph.Status
	var finalResult int

	if job.IsArray() {
		if elementIndex != nil {
			elemStatus := jobgraph.StatusSuccess
			if result != 0 {
				elemStatus = jobgraph.StatusFailure
			}
			if err := s.UpdateElementStatus(ctx, job.Unique, *elementIndex, elemStatus, &result); err != nil {
				return wrapStoreErr(err)
			}
		}
		elems, err := s.ListArrayElements(ctx, job.Unique)
		if err != nil {
			return wrapStoreErr(err)
		}
		status, aggResult, ok := jobgraph.AggregateResult(elems)
		if !ok {
			return nil // parent stays executing until every element terminalizes
		}
		finalStatus, finalResult = status, aggResult
	} else {
		finalStatus = jobgraph.StatusSuccess
		if result != 0 {
			finalStatus = jobgraph.StatusFailure
		}
		finalResult = result
	}

	if err := s.UpdateJobStatus(ctx, job.Unique, finalStatus, &finalResult); err != nil {
		return wrapStoreErr(err)
	}
	metrics.TransitionsTotal.WithLabelValues("finish", string(finalStatus)).Inc()

	return propagate(ctx, log, s, job.Unique)
}

// forceFinish sets unique directly to a terminal status/result and
// propagates, bypassing the array-aggregation rule Finish otherwise
// applies. Used only by healLostFinishes, where the sentinel outcome
// of a synthesized finish must win regardless of what the job's
// (already-terminal) elements individually reported.
func forceFinish(ctx context.Context, log *zap.Logger, s store.Store, unique int64, status jobgraph.Status, result int) error {
	if err := s.UpdateJobStatus(ctx, unique, status, &result); err != nil {
		return wrapStoreErr(err)
	}
	metrics.TransitionsTotal.WithLabelValues("finish", string(status)).Inc()
	return propagate(ctx, log, s, unique)
}

// propagate re-evaluates every waiting successor of a job that just
// reached a terminal state. Queued successors are handled
// by Queue's own re-evaluation pass and need no separate walk here.
func propagate(ctx context.Context, log *zap.Logger, s store.Store, finished int64) error {
	successors, err := s.Successors(ctx, finished)
	if err != nil {
		return wrapStoreErr(err)
	}
	for _, succ := range successors {
		if succ.Status != jobgraph.StatusWaiting {
			continue
		}
		if err := Queue(ctx, log, s, succ.Unique, QueueOptions{}); err != nil && !jobgraph.IsIllegalTransition(err) {
			return err
		}
	}
	return nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", jobgraph.ErrStoreError, err)
}
