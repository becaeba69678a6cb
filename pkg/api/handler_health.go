package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the coordinator's own components (database, output bus) are checked.
// The LLM provider is excluded so an orchestrator does not restart the
// coordinator when the external service has an outage.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	var dbHealth *database.HealthStatus
	if s.db != nil {
		var err error
		dbHealth, err = database.Health(reqCtx, s.db.DB())
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.eventBus != nil {
		select {
		case <-s.eventBus.Done():
			// A closed bus means engine outputs no longer route; the queue
			// itself still accepts work.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["event_bus"] = HealthCheck{Status: healthStatusDegraded, Message: "output bus closed"}
		default:
			checks["event_bus"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Database: dbHealth,
		Checks:   checks,
	})
}
