package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"jobtk/pkg/api/middleware"
	"jobtk/pkg/backend"
	"jobtk/pkg/jobgraph"
	"jobtk/pkg/query"
	"jobtk/pkg/statemachine"
	"jobtk/pkg/store"
)

var jobValidator = middleware.NewValidator(middleware.DefaultValidatorConfig())

// jobResponse is the API representation of a job.
type jobResponse struct {
	ExternalID    int64               `json:"external_id"`
	Unique        int64               `json:"unique_id"`
	Name          string              `json:"name"`
	QueueName     string              `json:"queue_name"`
	Command       []string            `json:"command"`
	Args          map[string]string   `json:"args,omitempty"`
	LogDir        string              `json:"log_dir,omitempty"`
	ArraySpec     *jobgraph.ArraySpec `json:"array_spec,omitempty"`
	StopOnFailure bool                `json:"stop_on_failure"`
	Status        jobgraph.Status     `json:"status"`
	Result        *int                `json:"result,omitempty"`
	StdoutPath    string              `json:"stdout_path,omitempty"`
	StderrPath    string              `json:"stderr_path,omitempty"`
}

func jobToResponse(job *jobgraph.Job) jobResponse {
	id := job.Unique
	if job.ExternalID != nil {
		id = *job.ExternalID
	}
	return jobResponse{
		ExternalID:    id,
		Unique:        job.Unique,
		Name:          job.Name,
		QueueName:     job.QueueName,
		Command:       []string(job.Command),
		Args:          map[string]string(job.Args),
		LogDir:        job.LogDir,
		ArraySpec:     job.ArraySpec,
		StopOnFailure: job.StopOnFailure,
		Status:        job.Status,
		Result:        job.Result,
		StdoutPath:    query.StdoutPath(job, nil),
		StderrPath:    query.StderrPath(job, nil),
	}
}

// lookupJob resolves the :id path param (an external id) to a job,
// writing an error response and returning ok=false on failure.
func (s *Server) lookupJob(c *gin.Context) (*jobgraph.Job, bool) {
	externalID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return nil, false
	}
	job, err := s.store.GetJobByExternalID(c.Request.Context(), externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return job, true
}

// submitJobRequest is the payload for POST /api/v1/jobs.
type submitJobRequest struct {
	Name          string              `json:"name"`
	QueueName     string              `json:"queue_name"`
	Command       []string            `json:"command" binding:"required"`
	Args          map[string]string   `json:"args"`
	LogDir        string              `json:"log_dir"`
	ArraySpec     *jobgraph.ArraySpec `json:"array_spec"`
	StopOnFailure bool                `json:"stop_on_failure"`
	DependsOn     []int64             `json:"depends_on"`
}

// submitJob handles POST /api/v1/jobs: it creates the job row (and its
// array elements), wires any declared dependency edges, runs it
// through the submit event, and hands it to the configured backend.
func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	command := strings.Join(req.Command, " ")
	if err := jobValidator.ValidateCommand(command); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != "" {
		if err := jobValidator.ValidateName(req.Name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	job := &jobgraph.Job{
		Name:          req.Name,
		QueueName:     req.QueueName,
		Command:       jobgraph.Command(req.Command),
		Args:          jobgraph.Args(req.Args),
		LogDir:        req.LogDir,
		StopOnFailure: req.StopOnFailure,
		Status:        jobgraph.StatusSubmitted,
	}

	var unique int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		unique, err = tx.CreateJob(ctx, job, req.ArraySpec)
		if err != nil {
			return err
		}
		for _, dep := range req.DependsOn {
			waitedFor, err := tx.GetJobByExternalID(ctx, dep)
			if err != nil {
				return err
			}
			if err := tx.CreateEdge(ctx, unique, waitedFor.Unique); err != nil {
				return err
			}
		}
		if err := statemachine.Submit(ctx, tx, unique, nil); err != nil {
			return err
		}
		return statemachine.Queue(ctx, s.log, tx, unique, statemachine.QueueOptions{})
	})
	if err != nil {
		if jobgraph.IsCycleError(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job: " + err.Error()})
		return
	}

	externalID, err := s.backend.Submit(ctx, unique, backend.SubmitOptions{QueueName: req.QueueName, Args: req.Args})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch job: " + err.Error()})
		return
	}

	got, err := s.store.GetJob(ctx, unique)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": jobToResponse(got), "external_id": externalID})
}

// listJobs handles GET /api/v1/jobs?status=queued,executing
func (s *Server) listJobs(c *gin.Context) {
	var filter store.JobFilter
	if raw := c.Query("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Status = append(filter.Status, jobgraph.Status(strings.TrimSpace(st)))
		}
	}

	jobs, err := s.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs: " + err.Error()})
		return
	}

	response := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		response[i] = jobToResponse(job)
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

// elementResponse is the API representation of one array element.
type elementResponse struct {
	Index  int             `json:"index"`
	Status jobgraph.Status `json:"status"`
	Result *int            `json:"result,omitempty"`
}

// reportJob handles GET /api/v1/jobs/:id/report, returning the job
// plus, for arrays, the per-element breakdown.
func (s *Server) reportJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}

	resp := gin.H{"job": jobToResponse(job)}

	if job.IsArray() {
		elems, err := s.store.ListArrayElements(c.Request.Context(), job.Unique)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list array elements: " + err.Error()})
			return
		}
		elemResp := make([]elementResponse, len(elems))
		for i, e := range elems {
			elemResp[i] = elementResponse{Index: e.Index, Status: e.Status, Result: e.Result}
		}
		resp["elements"] = elemResp
	}

	predecessors, err := s.store.Predecessors(c.Request.Context(), job.Unique)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dependencies: " + err.Error()})
		return
	}
	deps := make([]int64, 0, len(predecessors))
	for _, p := range predecessors {
		id := p.Unique
		if p.ExternalID != nil {
			id = *p.ExternalID
		}
		deps = append(deps, id)
	}
	resp["depends_on"] = deps

	c.JSON(http.StatusOK, resp)
}

// stopJob handles POST /api/v1/jobs/:id/stop
func (s *Server) stopJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	if err := s.backend.Stop(c.Request.Context(), []int64{job.Unique}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop job: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stop requested", "unique_id": job.Unique})
}

// resubmitJob handles POST /api/v1/jobs/:id/resubmit?failed_only=true&include_running=true
func (s *Server) resubmitJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	failedOnly := c.Query("failed_only") == "true"
	includeRunning := c.Query("include_running") == "true"
	if err := s.backend.Resubmit(c.Request.Context(), []int64{job.Unique}, failedOnly, includeRunning); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resubmit job: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "resubmitted", "unique_id": job.Unique})
}

// deleteJob handles DELETE /api/v1/jobs/:id
func (s *Server) deleteJob(c *gin.Context) {
	job, ok := s.lookupJob(c)
	if !ok {
		return
	}
	if err := s.store.DeleteCascade(c.Request.Context(), job.Unique); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job deleted", "unique_id": job.Unique})
}
