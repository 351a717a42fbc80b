package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthCheck answers 503 while draining or when a dependency is down.
func (s *Server) healthCheck(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	body := gin.H{
		"active_jobs": s.jobs.ActiveCount(),
		"version":     s.version,
		"timestamp":   time.Now().UTC(),
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	if s.jobs.ShuttingDown() {
		status = "shutting_down"
		httpStatus = http.StatusServiceUnavailable
	}

	body["status"] = status
	c.JSON(httpStatus, body)
}
