// Package query implements the read-only projections over jobs and
// array elements: rendered rows for listing/reporting and
// the log-file path synthesis. Ported from gridtk's
// Job.format/ArrayJob.format string assembly.
package query

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"jobtk/pkg/jobgraph"
)

// TruncateCommand shortens s to maxWidth runes, ellipsizing with "..."
// when it doesn't fit. maxWidth <= 0 disables truncation.
func TruncateCommand(s string, maxWidth int) string {
	r := []rune(s)
	if maxWidth <= 0 || len(r) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return string(r[:maxWidth])
	}
	return string(r[:maxWidth-3]) + "..."
}

// JobIDLabel renders a job's external id, with its array range
// notation appended when present: "12" or "12 [1-5:1]".
func JobIDLabel(job *jobgraph.Job) string {
	id := int64(0)
	if job.ExternalID != nil {
		id = *job.ExternalID
	}
	label := strconv.FormatInt(id, 10)
	if job.ArraySpec != nil {
		label += fmt.Sprintf(" [%d-%d:%d]", job.ArraySpec.Start, job.ArraySpec.Stop, job.ArraySpec.Step)
	}
	return label
}

// StatusLabel renders a status with its optional result suffix, e.g.
// "failure (5)" or "queued".
func StatusLabel(status jobgraph.Status, result *int) string {
	if result != nil {
		return fmt.Sprintf("%s (%d)", status, *result)
	}
	return string(status)
}

// FormatJobRow renders one Job as a table row: id, queue, status,
// name, command, and (if maxDependencies > 0) a bracketed predecessor
// id list truncated to that many characters.
func FormatJobRow(job *jobgraph.Job, predecessors []*jobgraph.Job, maxDependencies, maxCommandWidth int) string {
	command := TruncateCommand(strings.Join(job.Command, " "), maxCommandWidth)
	row := fmt.Sprintf("%-16s %-10s %-16s %-12s %s", JobIDLabel(job), job.QueueName, StatusLabel(job.Status, job.Result), job.Name, command)
	if maxDependencies <= 0 {
		return row
	}
	ids := make([]string, 0, len(predecessors))
	for _, p := range predecessors {
		ids = append(ids, JobIDLabel(p))
	}
	deps := "[" + strings.Join(ids, ", ") + "]"
	if len(deps) > maxDependencies {
		deps = deps[:maxDependencies-3] + "..."
	}
	return row + " " + deps
}

// FormatArrayElementRow renders one ArrayElement as a table row.
func FormatArrayElementRow(parent *jobgraph.Job, elem *jobgraph.ArrayElement) string {
	id := int64(0)
	if parent.ExternalID != nil {
		id = *parent.ExternalID
	}
	return fmt.Sprintf("%-16s %-10s %-16s", fmt.Sprintf("%d - %d", id, elem.Index), parent.QueueName, StatusLabel(elem.Status, elem.Result))
}

// StdoutPath and StderrPath implement the log path synthesis rule of
// They return "" if log_dir is unset, matching the source's
// "logs are unspecified" behavior.
func StdoutPath(job *jobgraph.Job, elementIndex *int) string {
	return logPath(job, elementIndex, "o")
}

func StderrPath(job *jobgraph.Job, elementIndex *int) string {
	return logPath(job, elementIndex, "e")
}

func logPath(job *jobgraph.Job, elementIndex *int, suffix string) string {
	if job.LogDir == "" {
		return ""
	}
	name := job.Name
	if name == "" {
		name = "job"
	}
	id := int64(0)
	if job.ExternalID != nil {
		id = *job.ExternalID
	}
	base := fmt.Sprintf("%s.%s%d", name, suffix, id)
	if elementIndex != nil {
		base = fmt.Sprintf("%s.%d", base, *elementIndex)
	}
	return filepath.Join(job.LogDir, base)
}
