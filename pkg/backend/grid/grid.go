// Package grid implements backend.Backend by delegating to an
// external SGE-like submission client (ported from gridtk's sge.py:
// qsub to submit, qdel to stop, a per-job wrapper process that reads
// JOBTK_JOB_ID/JOBTK_ELEMENT_INDEX and calls `jobtk run-job`). Calls
// into the client are wrapped in the teacher's circuit breaker so a
// flaky grid master degrades instead of cascading failures into every
// submit/stop call.
package grid

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jobtk/pkg/backend"
	"jobtk/pkg/executor/runner"
	"jobtk/pkg/jobgraph"
	"jobtk/pkg/metrics"
	"jobtk/pkg/resilience"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
)

var tracer = otel.Tracer("jobtk/backend/grid")

const backendName = "grid"

// GridClient is the thin external-process boundary the backend talks
// to. The production implementation shells out to qsub/qdel; tests
// substitute a fake.
type GridClient interface {
	// Submit places a command on the grid and returns its external job
	// id. arraySpec is nil for singletons.
	Submit(ctx context.Context, command []string, queueName string, args map[string]string, arraySpec *jobgraph.ArraySpec) (externalID int64, err error)
	// Stop requests cancellation of a previously submitted external id.
	Stop(ctx context.Context, externalID int64) error
}

// QSubClient is the default GridClient, grounded on jman.py's use of
// the `qsub`/`qdel` command-line tools.
type QSubClient struct {
	// BinaryPath overrides the qsub executable; defaults to "qsub" on
	// the PATH.
	BinaryPath     string
	QDelBinaryPath string
	// WrapperPath is the per-job wrapper invoked by the grid, which
	// reads JOBTK_JOB_ID / JOBTK_ELEMENT_INDEX and calls `jobtk
	// run-job` (the backend environment contract).
	WrapperPath string
}

func (c *QSubClient) binary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return "qsub"
}

func (c *QSubClient) qdelBinary() string {
	if c.QDelBinaryPath != "" {
		return c.QDelBinaryPath
	}
	return "qdel"
}

func (c *QSubClient) Submit(ctx context.Context, command []string, queueName string, args map[string]string, arraySpec *jobgraph.ArraySpec) (int64, error) {
	cmdArgs := []string{"-terse"}
	if queueName != "" {
		cmdArgs = append(cmdArgs, "-q", queueName)
	}
	if arraySpec != nil {
		cmdArgs = append(cmdArgs, "-t", fmt.Sprintf("%d-%d:%d", arraySpec.Start, arraySpec.Stop, arraySpec.Step))
	}
	for k, v := range args {
		cmdArgs = append(cmdArgs, "-"+k, v)
	}
	cmdArgs = append(cmdArgs, c.WrapperPath)
	cmdArgs = append(cmdArgs, command...)

	out, err := exec.CommandContext(ctx, c.binary(), cmdArgs...).Output()
	if err != nil {
		return 0, fmt.Errorf("qsub: %w", err)
	}
	idStr := strings.TrimSpace(strings.SplitN(string(out), ".", 2)[0])
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("qsub: unparseable job id %q: %w", idStr, err)
	}
	return id, nil
}

func (c *QSubClient) Stop(ctx context.Context, externalID int64) error {
	if err := exec.CommandContext(ctx, c.qdelBinary(), strconv.FormatInt(externalID, 10)).Run(); err != nil {
		return fmt.Errorf("qdel: %w", err)
	}
	return nil
}

// Backend is the grid implementation of backend.Backend.
type Backend struct {
	store   store.Store
	client  GridClient
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
	runner  runner.JobRunner
}

func New(s store.Store, client GridClient, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		store:   s,
		client:  client,
		breaker: resilience.NewCircuitBreaker("grid-client", resilience.DefaultCircuitBreakerConfig()),
		log:     log,
		runner:  runner.NewShellRunner(),
	}
}

func (b *Backend) shellRunner() runner.JobRunner { return b.runner }

func (b *Backend) Submit(ctx context.Context, unique int64, opts backend.SubmitOptions) (int64, error) {
	ctx, span := tracer.Start(ctx, "grid.Submit", trace.WithAttributes(attribute.Int64("jobtk.unique", unique)))
	defer span.End()

	job, err := b.store.GetJob(ctx, unique)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
	}

	start := time.Now()
	var externalID int64
	err = b.breaker.Execute(ctx, func() error {
		id, submitErr := b.client.Submit(ctx, job.Command, opts.QueueName, opts.Args, job.ArraySpec)
		externalID = id
		return submitErr
	})
	metrics.CircuitBreakerState.Set(float64(b.breaker.State()))
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordBackendOp(backendName, "submit", outcome, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
	}
	return externalID, nil
}

func (b *Backend) Resubmit(ctx context.Context, uniques []int64, failedOnly, includeRunning bool) error {
	for _, unique := range uniques {
		job, err := b.store.GetJob(ctx, unique)
		if err != nil {
			return fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
		if failedOnly && job.Status != jobgraph.StatusFailure {
			continue
		}
		if job.Status == jobgraph.StatusExecuting {
			if !includeRunning {
				continue
			}
			if err := b.Stop(ctx, []int64{unique}); err != nil {
				return err
			}
		}

		err = b.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			if err := statemachine.Submit(ctx, tx, unique, nil); err != nil {
				return err
			}
			return statemachine.Queue(ctx, b.log, tx, unique, statemachine.QueueOptions{})
		})
		if err != nil {
			return fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
		if _, err := b.Submit(ctx, unique, backend.SubmitOptions{QueueName: job.QueueName, Args: job.Args}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context, uniques []int64) error {
	ctx, span := tracer.Start(ctx, "grid.Stop", trace.WithAttributes(attribute.Int("jobtk.job_count", len(uniques))))
	defer span.End()

	for _, unique := range uniques {
		job, err := b.store.GetJob(ctx, unique)
		if err != nil {
			return fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
		if job.ExternalID == nil {
			continue
		}
		start := time.Now()
		err = b.breaker.Execute(ctx, func() error {
			return b.client.Stop(ctx, *job.ExternalID)
		})
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordBackendOp(backendName, "stop", outcome, time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
	}
	return nil
}

// RunOne is invoked by the per-job wrapper process the grid starts on
// the compute node: it opens the Store, transitions to
// executing, runs the command itself, observes its exit code, issues
// finish, and exits — mirroring the local backend's RunOne but from a
// short-lived external process instead of an in-pool goroutine.
func (b *Backend) RunOne(ctx context.Context, unique int64, elementIndex *int) error {
	if err := b.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		return statemachine.Execute(ctx, b.log, tx, unique, elementIndex)
	}); err != nil {
		return err
	}

	job, err := b.store.GetJob(ctx, unique)
	if err != nil {
		return fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
	}

	r := b.shellRunner()
	runStart := time.Now()
	result := r.Run(ctx, "sh", []string{"-c", strings.Join(job.Command, " ")})
	resultLabel := "success"
	if result.ExitCode != 0 {
		resultLabel = "failure"
	}
	metrics.RecordExecution(backendName, resultLabel, time.Since(runStart).Seconds())

	return b.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		return statemachine.Finish(ctx, b.log, tx, unique, result.ExitCode, elementIndex)
	})
}

func (b *Backend) Close() error { return nil }
