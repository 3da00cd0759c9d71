package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"jobtk/pkg/backend"
	"jobtk/pkg/jobgraph"
	"jobtk/pkg/query"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
)

// runSubmit implements `jobtk submit` (jman.py's submit()): builds a
// Job from the flags and trailing command line, wires its dependency
// edges, pushes it through the submit event, and hands it to the
// configured backend.
func runSubmit(a *app, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	queue := fs.String("queue", "all.q", "grid queue to submit the job to")
	memory := fs.String("memory", "", "sets both h_vmem and mem_free to this value")
	name := fs.String("name", "", "job name")
	logDir := fs.String("log-dir", "", "directory for stdout/stderr logs")
	arraySpec := fs.String("array", "", `parametric job spec: "N", "A-B", or "A-B:S"`)
	dryRun := fs.Bool("dry-run", false, "print what would be submitted without submitting")
	stopOnFailure := fs.Bool("stop-on-failure", false, "fail this job without running it if a job it depends on fails")
	var deps intList
	fs.Var(&deps, "depends", "dependency job id (repeatable, or comma-separated)")
	var envPairs stringList
	fs.Var(&envPairs, "env", "KEY=VALUE environment entry (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command := fs.Args()
	if len(command) == 0 {
		return errors.New("submit: no command given")
	}

	env, err := parseEnvPairs(envPairs.values)
	if err != nil {
		return err
	}
	spec, err := parseArraySpec(*arraySpec)
	if err != nil {
		return err
	}

	jobArgs := env
	if *memory != "" {
		if jobArgs == nil {
			jobArgs = map[string]string{}
		}
		jobArgs["h_vmem"] = *memory
		jobArgs["mem_free"] = *memory
	}

	if *dryRun {
		fmt.Printf("would submit: queue=%s name=%s array=%s depends=%v command=%q\n",
			*queue, *name, *arraySpec, deps.values, strings.Join(command, " "))
		return nil
	}

	ctx := context.Background()
	job := &jobgraph.Job{
		Name:          *name,
		QueueName:     *queue,
		Command:       jobgraph.Command(command),
		Args:          jobArgs,
		LogDir:        *logDir,
		StopOnFailure: *stopOnFailure,
		Status:        jobgraph.StatusSubmitted,
	}

	var unique int64
	err = a.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		unique, err = tx.CreateJob(ctx, job, spec)
		if err != nil {
			return err
		}
		for _, dep := range deps.values {
			waitedFor, err := tx.GetJobByExternalID(ctx, dep)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// UnknownJob: log and drop the reference.
					a.log.Warn("dependency references unknown job, dropping", zap.Int64("dependency", dep))
					continue
				}
				return err
			}
			if err := tx.CreateEdge(ctx, unique, waitedFor.Unique); err != nil {
				return err
			}
		}
		if err := statemachine.Submit(ctx, tx, unique, nil); err != nil {
			return err
		}
		return statemachine.Queue(ctx, a.log, tx, unique, statemachine.QueueOptions{})
	})
	if err != nil {
		if jobgraph.IsCycleError(err) {
			return fmt.Errorf("submit rejected: %w", err)
		}
		return fmt.Errorf("submit failed: %w", err)
	}

	externalID, err := a.backend.Submit(ctx, unique, backend.SubmitOptions{QueueName: *queue, Args: jobArgs})
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	fmt.Printf("submitted job %d\n", externalID)
	return nil
}

// runResubmit implements `jobtk resubmit` / jman.py's resubmit().
func runResubmit(a *app, args []string) error {
	fs := flag.NewFlagSet("resubmit", flag.ExitOnError)
	failedOnly := fs.Bool("failed-only", false, "only resubmit jobs currently in failure")
	includeRunning := fs.Bool("include-running", false, "also resubmit jobs still executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	uniques, err := resolveUniques(a, fs.Args())
	if err != nil {
		return err
	}
	if len(uniques) == 0 {
		return errors.New("resubmit: no job ids given")
	}

	if err := a.backend.Resubmit(context.Background(), uniques, *failedOnly, *includeRunning); err != nil {
		return fmt.Errorf("resubmit failed: %w", err)
	}
	fmt.Printf("resubmitted %d job(s)\n", len(uniques))
	return nil
}

// runStop implements `jobtk stop`. Local jobs run in-process under a
// worker the CLI does not control, matching jman.py's stop(): it
// refuses outright rather than pretending to cancel something it
// can't reach.
func runStop(a *app, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.backendName == "local" {
		return errors.New("stop: stopping local jobs is not supported; kill the worker process yourself")
	}

	uniques, err := resolveUniques(a, fs.Args())
	if err != nil {
		return err
	}
	if len(uniques) == 0 {
		return errors.New("stop: no job ids given")
	}
	if err := a.backend.Stop(context.Background(), uniques); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}
	fmt.Printf("stop requested for %d job(s)\n", len(uniques))
	return nil
}

// runList implements `jobtk list` / jman.py's list().
func runList(a *app, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statusFlag := fs.String("status", "", "comma-separated status filter")
	printArrayJobs := fs.Bool("array", false, "list array elements instead of the parent row")
	printDeps := fs.Bool("deps", false, "include each job's dependency ids")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	filter := store.JobFilter{}
	if *statusFlag != "" {
		for _, s := range strings.Split(*statusFlag, ",") {
			filter.Status = append(filter.Status, jobgraph.Status(strings.TrimSpace(s)))
		}
	}
	if ids := fs.Args(); len(ids) > 0 {
		uniques, err := resolveUniques(a, ids)
		if err != nil {
			return err
		}
		filter.Uniques = uniques
	}

	jobs, err := a.store.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}

	maxDeps := 0
	if *printDeps {
		maxDeps = 60
	}
	for _, job := range jobs {
		if *printArrayJobs && job.IsArray() {
			elems, err := a.store.ListArrayElements(ctx, job.Unique)
			if err != nil {
				return fmt.Errorf("list array elements for job %d: %w", job.Unique, err)
			}
			for _, e := range elems {
				fmt.Println(query.FormatArrayElementRow(job, e))
			}
			continue
		}
		var predecessors []*jobgraph.Job
		if *printDeps {
			predecessors, err = a.store.Predecessors(ctx, job.Unique)
			if err != nil {
				return fmt.Errorf("list dependencies for job %d: %w", job.Unique, err)
			}
		}
		fmt.Println(query.FormatJobRow(job, predecessors, maxDeps, 80))
	}
	return nil
}

// runReport implements `jobtk report` / jman.py's report(): prints
// each selected job's row and, unless restricted by -errors-only /
// -output-only, the stdout/stderr log bytes captured at its
// synthesized log path.
func runReport(a *app, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	unfinishedAlso := fs.Bool("unfinished", false, "also report jobs that have not reached a terminal status")
	errorsOnly := fs.Bool("errors-only", false, "only report the error (stderr) log")
	outputOnly := fs.Bool("output-only", false, "only report the output (stdout) log")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	filter := store.JobFilter{}
	if ids := fs.Args(); len(ids) > 0 {
		uniques, err := resolveUniques(a, ids)
		if err != nil {
			return err
		}
		filter.Uniques = uniques
	}

	jobs, err := a.store.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("report failed: %w", err)
	}

	showOutput := !*errorsOnly
	showError := !*outputOnly

	for _, job := range jobs {
		if !*unfinishedAlso && !job.Status.Terminal() {
			continue
		}
		fmt.Println(query.FormatJobRow(job, nil, 0, 80))
		if showOutput {
			printLog(a, job, nil, query.StdoutPath(job, nil), "stdout")
		}
		if showError {
			printLog(a, job, nil, query.StderrPath(job, nil), "stderr")
		}
	}
	return nil
}

func printLog(a *app, job *jobgraph.Job, elementIndex *int, path, label string) {
	if path == "" || a.logs == nil {
		return
	}
	data, err := a.logs.Read(context.Background(), path)
	if err != nil {
		return
	}
	fmt.Printf("--- %s (%s) ---\n%s\n", label, path, data)
}

// runDelete implements `jobtk delete`: stops grid jobs first (mirroring
// jman.py's delete(), which calls stop() before removing rows when not
// running locally), then cascades the delete through the store.
func runDelete(a *app, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	uniques, err := resolveUniques(a, fs.Args())
	if err != nil {
		return err
	}
	if len(uniques) == 0 {
		return errors.New("delete: no job ids given")
	}

	if a.backendName != "local" {
		if err := a.backend.Stop(context.Background(), uniques); err != nil {
			return fmt.Errorf("delete: stop before removal failed: %w", err)
		}
	}

	for _, unique := range uniques {
		if err := a.store.DeleteCascade(context.Background(), unique); err != nil {
			return fmt.Errorf("delete job %d: %w", unique, err)
		}
	}
	fmt.Printf("deleted %d job(s)\n", len(uniques))
	return nil
}

// runExecute implements `jobtk execute`, valid only against the local
// backend (jman.py's execute() raises otherwise): it runs the selected
// jobs to completion in this process using up to -parallel workers,
// bypassing the queue entirely.
func runExecute(a *app, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	parallel := fs.Int("parallel", 1, "number of jobs to run concurrently")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.backendName != "local" {
		return errors.New("execute: can only be used with the local backend")
	}

	ctx := context.Background()
	filter := store.JobFilter{}
	if ids := fs.Args(); len(ids) > 0 {
		uniques, err := resolveUniques(a, ids)
		if err != nil {
			return err
		}
		filter.Uniques = uniques
	} else {
		filter.Status = []jobgraph.Status{jobgraph.StatusSubmitted, jobgraph.StatusQueued}
	}

	jobs, err := a.store.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("execute: list jobs: %w", err)
	}

	n := *parallel
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	runUnit := func(unique int64, elementIndex *int) {
		defer wg.Done()
		defer func() { <-sem }()
		if err := a.backend.RunOne(ctx, unique, elementIndex); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}

	for _, job := range jobs {
		if job.IsArray() {
			elems, err := a.store.ListArrayElements(ctx, job.Unique)
			if err != nil {
				return fmt.Errorf("execute: list array elements for job %d: %w", job.Unique, err)
			}
			for _, e := range elems {
				idx := e.Index
				sem <- struct{}{}
				wg.Add(1)
				go runUnit(job.Unique, &idx)
			}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go runUnit(job.Unique, nil)
	}
	wg.Wait()

	if firstErr != nil {
		return fmt.Errorf("execute: one or more jobs failed: %w", firstErr)
	}
	return nil
}

// runRunJob implements `jobtk run-job`: the per-job wrapper contract of
// invoked by the grid's qsub wrapper (or the local pool in
// principle) with JOBTK_JOB_ID / JOBTK_ELEMENT_INDEX set in the
// environment, mirroring gridtk's JOB_ID/SGE_TASK_ID.
func runRunJob(a *app, args []string) error {
	idStr, ok := os.LookupEnv("JOBTK_JOB_ID")
	if !ok {
		return errors.New("run-job: JOBTK_JOB_ID not set")
	}
	unique, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("run-job: invalid JOBTK_JOB_ID %q: %w", idStr, err)
	}

	var elementIndex *int
	if v := os.Getenv("JOBTK_ELEMENT_INDEX"); v != "" && v != "undefined" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("run-job: invalid JOBTK_ELEMENT_INDEX %q: %w", v, err)
		}
		elementIndex = &idx
	}

	return a.backend.RunOne(context.Background(), unique, elementIndex)
}

// resolveUniques turns a list of external ids given on the command
// line into their internal unique ids.
func resolveUniques(a *app, externalIDs []string) ([]int64, error) {
	uniques := make([]int64, 0, len(externalIDs))
	for _, raw := range externalIDs {
		externalID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", raw, err)
		}
		job, err := a.store.GetJobByExternalID(context.Background(), externalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.log.Warn("job id not found, skipping", zap.Int64("external_id", externalID))
				continue
			}
			return nil, err
		}
		uniques = append(uniques, job.Unique)
	}
	return uniques, nil
}
