package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
	"lenrd/pkg/orchestrator"
	"lenrd/pkg/storage"
)

// --- Request/Response DTOs ---

// CreateJobRequest is the payload for creating a job. Numbers in
// task_variables are kept as written.
type CreateJobRequest struct {
	Task          string         `json:"task"`
	TaskVariables map[string]any `json:"task_variables"`
	Wait          bool           `json:"wait"`
}

// CreateJobResponse carries the final job state when the request waited.
type CreateJobResponse struct {
	ID   string    `json:"id"`
	URL  string    `json:"url"`
	Data *job.View `json:"data,omitempty"`
}

// --- Job Handlers ---

// createJob handles POST /api/v1/apps/:app/:env/jobs
func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	j, err := s.jobs.CreateJob(ctx, c.Param("app"), c.Param("env"), req.Task, req.TaskVariables)
	if err != nil {
		s.fail(c, "Job create failed", err)
		return
	}

	resp := CreateJobResponse{ID: j.ID(), URL: jobURL(c, j.ID())}
	// spawn failures still produce a closed, persisted job
	if err := s.jobs.Execute(ctx, j); err != nil {
		if errors.Is(err, orchestrator.ErrShuttingDown) {
			s.fail(c, "Job start failed", err)
			return
		}
		if !errors.Is(err, job.ErrNotExecutable) {
			s.log.Warn("Job failed to start", zap.String("job_id", j.ID()), zap.Error(err))
		}
	}

	if req.Wait {
		select {
		case <-j.Done():
			view := j.View()
			resp.Data = &view
		case <-ctx.Done():
			// the client went away; the job keeps running
			return
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// listJobs handles GET /api/v1/jobs?current_page=&page_size=
func (s *Server) listJobs(c *gin.Context) {
	page := queryInt(c, "current_page", orchestrator.DefaultPage)
	size := queryInt(c, "page_size", orchestrator.DefaultPageSize)

	views, err := s.jobs.ListJobs(c.Request.Context(), page, size)
	if err != nil {
		s.fail(c, "Job list failed", err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	j, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "Job find failed", err)
		return
	}
	c.JSON(http.StatusOK, j.View())
}

// getJobOutput handles GET /api/v1/jobs/:id/output. Archived output is served
// from the archive, anything else from the job itself.
func (s *Server) getJobOutput(c *gin.Context) {
	ctx := c.Request.Context()
	j, err := s.jobs.GetJob(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, "Job output failed", err)
		return
	}

	snap := j.Snapshot()
	if snap.OutputURI != "" && s.logs != nil {
		data, err := s.logs.Retrieve(ctx, snap.OutputURI)
		if err == nil {
			c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
			return
		}
		s.log.Warn("Archived output unavailable", zap.String("job_id", snap.ID), zap.Error(err))
	}
	c.String(http.StatusOK, snap.Output)
}

// killJob handles POST /api/v1/jobs/:id/kill
func (s *Server) killJob(c *gin.Context) {
	j, err := s.jobs.KillJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "Job kill failed", err)
		return
	}
	c.JSON(http.StatusOK, j.View())
}

// restartJob handles POST /api/v1/jobs/:id/restart
func (s *Server) restartJob(c *gin.Context) {
	ctx := c.Request.Context()
	j, err := s.jobs.GetJob(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, "Job restart failed", err)
		return
	}
	if err := s.jobs.RestartJob(ctx, j); err != nil {
		s.fail(c, "Job restart failed", err)
		return
	}
	c.JSON(http.StatusOK, j.View())
}

// availableTasks handles GET /api/v1/apps/:app/:env/tasks
func (s *Server) availableTasks(c *gin.Context) {
	tasks, err := s.jobs.AvailableTasks(c.Request.Context(), c.Param("app"), c.Param("env"))
	if err != nil {
		s.fail(c, "Available tasks failed", err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// fail maps domain errors to HTTP answers.
func (s *Server) fail(c *gin.Context, msg string, err error) {
	var verr *command.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "problems": verr.Problems})
		return
	case errors.Is(err, orchestrator.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, job.ErrNotRunning),
		errors.Is(err, job.ErrNotRestartable),
		errors.Is(err, job.ErrBusy),
		errors.Is(err, orchestrator.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, orchestrator.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	_ = c.Error(err)
	s.log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return v
}

func jobURL(c *gin.Context, id string) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if fwd := c.GetHeader("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + c.Request.Host + "/api/v1/jobs/" + id
}
