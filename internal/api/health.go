package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth is a liveness-only probe, grounded on teacher
// pkg/health/health_checker.go's handler shape: it reports process-up,
// not dependency health, since the spec names no health dependencies.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
