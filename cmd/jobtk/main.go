// Command jobtk is the front-end to the job graph manager:
// submit/resubmit/stop/list/report/delete/execute/run-job,
// grounded on gridtk's jman.py CLI. Subcommands are dispatched via the
// standard library flag package rather than a CLI framework.
package main

import (
	"fmt"
	"os"

	config "jobtk/configs"
)

const usage = `jobtk is a job graph manager.

Usage:
  jobtk [-local] [-debug] <command> [arguments]

Commands:
  submit     submit a new job
  resubmit   re-submit existing jobs
  stop       stop running grid jobs
  list       list jobs in the store
  report     print job status and captured logs
  delete     remove jobs from the store
  execute    run jobs synchronously (local backend only)
  run-job    internal: invoked by the backend's per-job wrapper
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var useLocal, debug bool
	var command string
	var rest []string

	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch arg {
		case "-local", "--local", "-l":
			useLocal = true
		case "-debug", "--debug", "-g":
			debug = true
		default:
			command = arg
			rest = os.Args[i+1:]
		}
		if command != "" {
			break
		}
	}

	if command == "" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	a, err := newApp(cfg, useLocal, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobtk: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := dispatch(a, command, rest); err != nil {
		fmt.Fprintf(os.Stderr, "jobtk: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(a *app, command string, args []string) error {
	switch command {
	case "submit", "sub":
		return runSubmit(a, args)
	case "resubmit", "re":
		return runResubmit(a, args)
	case "stop":
		return runStop(a, args)
	case "list", "ls":
		return runList(a, args)
	case "report", "ref", "r":
		return runReport(a, args)
	case "delete", "del", "rm", "remove":
		return runDelete(a, args)
	case "execute":
		return runExecute(a, args)
	case "run-job":
		return runRunJob(a, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
