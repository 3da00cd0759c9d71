// Package local implements backend.Backend by running job commands in
// an in-process worker pool, fed by a Redis Streams queue and sized
// off the host's detected CPU count — grounded on the teacher's
// pkg/executor.Executor (semaphore worker loop, gopsutil sizing,
// per-job heartbeat).
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"jobtk/pkg/backend"
	"jobtk/pkg/executor/runner"
	"jobtk/pkg/jobgraph"
	"jobtk/pkg/logstore"
	"jobtk/pkg/metrics"
	"jobtk/pkg/query"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
)

const backendName = "local"

const consumerGroup = "jobtk-local-workers"

var tracer = otel.Tracer("jobtk/backend/local")

// WorkQueue is the subset of *Queue's behavior the pool depends on,
// narrowed to an interface so the pool can be exercised in tests
// without a live Redis instance.
type WorkQueue interface {
	EnsureGroup(ctx context.Context, group string) error
	Push(ctx context.Context, item WorkItem) error
	Pop(ctx context.Context, group, consumer string) (*WorkItem, error)
	Ack(ctx context.Context, group, messageID string) error
	Close() error
}

// Backend is the local worker-pool implementation of backend.Backend.
type Backend struct {
	store    store.Store
	queue    WorkQueue
	registry *WorkerRegistry
	logs     logstore.LogStore
	runner   runner.JobRunner
	log      *zap.Logger

	id          string
	concurrency int

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the local backend's worker pool.
type Config struct {
	// Concurrency overrides the worker count; 0 detects it from the
	// host's logical CPU count via gopsutil.
	Concurrency int
}

func New(s store.Store, queue WorkQueue, registry *WorkerRegistry, logs logstore.LogStore, log *zap.Logger, cfg Config) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	hostname, _ := os.Hostname()
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = detectConcurrency(log)
	}
	return &Backend{
		store:       s,
		queue:       queue,
		registry:    registry,
		logs:        logs,
		runner:      runner.NewShellRunner(),
		log:         log,
		id:          hostname,
		concurrency: concurrency,
	}
}

func detectConcurrency(log *zap.Logger) int {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		log.Warn("failed to detect cpu count, defaulting worker pool to 1", zap.Error(err))
		return 1
	}
	return counts
}

// Start launches the worker pool; it runs until ctx is cancelled or
// Close is called.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.queue.EnsureGroup(ctx, consumerGroup); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	if b.registry != nil {
		if err := b.registry.Register(runCtx, b.id, 15); err != nil {
			b.log.Warn("worker registration failed, continuing unregistered", zap.Error(err))
		}
	}

	sem := make(chan struct{}, b.concurrency)
	go func() {
		defer close(b.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case sem <- struct{}{}:
				go func() {
					defer func() { <-sem }()
					b.consumeOne(runCtx)
				}()
			}
		}
	}()
	return nil
}

func (b *Backend) consumeOne(ctx context.Context) {
	consumer := fmt.Sprintf("%s-%d", b.id, time.Now().UnixNano())
	item, err := b.queue.Pop(ctx, consumerGroup, consumer)
	if err != nil {
		b.log.Error("pop work item failed", zap.Error(err))
		time.Sleep(time.Second)
		return
	}
	if item == nil {
		time.Sleep(200 * time.Millisecond)
		return
	}

	if err := b.RunOne(ctx, item.Unique, item.ElementIndex); err != nil {
		b.log.Error("run job failed", zap.Int64("unique", item.Unique), zap.Error(err))
	}
	if err := b.queue.Ack(ctx, consumerGroup, item.MessageID); err != nil {
		b.log.Error("ack work item failed", zap.Error(err))
	}
}

// Submit assigns the default external id (equal to the internal one)
// and enqueues the job (or each of its array elements) for a worker to
// pick up.
func (b *Backend) Submit(ctx context.Context, unique int64, opts backend.SubmitOptions) (int64, error) {
	ctx, span := tracer.Start(ctx, "local.Submit", trace.WithAttributes(attribute.Int64("jobtk.unique", unique)))
	defer span.End()

	start := time.Now()
	externalID, err := b.submit(ctx, unique, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordBackendOp(backendName, "submit", outcome, time.Since(start).Seconds())
	return externalID, err
}

func (b *Backend) submit(ctx context.Context, unique int64, opts backend.SubmitOptions) (int64, error) {
	job, err := b.store.GetJob(ctx, unique)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
	}

	if job.IsArray() {
		elems, err := b.store.ListArrayElements(ctx, unique)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
		for _, e := range elems {
			idx := e.Index
			if err := b.queue.Push(ctx, WorkItem{Unique: unique, ElementIndex: &idx}); err != nil {
				return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
			}
		}
	} else {
		if err := b.queue.Push(ctx, WorkItem{Unique: unique}); err != nil {
			return 0, fmt.Errorf("%w: %w", jobgraph.ErrBackendError, err)
		}
	}

	externalID := unique
	if job.ExternalID != nil {
		externalID = *job.ExternalID
	}
	return externalID, nil
}

// Resubmit resets each selected job to submitted and resubmits it.
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
			// Resubmitting a running job stops it first rather than
			// racing its worker.
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
		if _, err := b.Submit(ctx, unique, backend.SubmitOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Stop logs a stop request for each of the given jobs and returns. It
// does not cancel a worker that is already running one of them, and it
// does not change any job's status.
func (b *Backend) Stop(ctx context.Context, uniques []int64) error {
	ctx, span := tracer.Start(ctx, "local.Stop", trace.WithAttributes(attribute.Int("jobtk.job_count", len(uniques))))
	defer span.End()

	for _, unique := range uniques {
		b.log.Info("stop requested for local job; running workers are not interrupted", zap.Int64("unique", unique))
	}
	return nil
}

// RunOne executes one job (or array element) to completion: execute,
// run, finish, all inside a single managing transaction per event.
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

	runStart := time.Now()
	result := b.runner.Run(ctx, "sh", append([]string{"-c"}, joinCommand(job.Command)))
	resultLabel := "success"
	if result.ExitCode != 0 {
		resultLabel = "failure"
	}
	metrics.RecordExecution(backendName, resultLabel, time.Since(runStart).Seconds())

	b.writeLogs(ctx, job, elementIndex, result)

	return b.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		return statemachine.Finish(ctx, b.log, tx, unique, result.ExitCode, elementIndex)
	})
}

func (b *Backend) writeLogs(ctx context.Context, job *jobgraph.Job, elementIndex *int, result runner.Result) {
	if b.logs == nil {
		return
	}
	if err := b.logs.Write(ctx, query.StdoutPath(job, elementIndex), []byte(result.Stdout)); err != nil {
		b.log.Warn("failed to persist stdout log", zap.Error(err))
	}
	if err := b.logs.Write(ctx, query.StderrPath(job, elementIndex), []byte(result.Stderr)); err != nil {
		b.log.Warn("failed to persist stderr log", zap.Error(err))
	}
}

func joinCommand(cmd jobgraph.Command) []string {
	var buf bytes.Buffer
	for i, part := range cmd {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(part)
	}
	return []string{buf.String()}
}

// Close stops the worker pool and releases the queue/registry.
func (b *Backend) Close() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	var firstErr error
	if b.registry != nil {
		if err := b.registry.Close(); err != nil {
			firstErr = err
		}
	}
	if err := b.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
