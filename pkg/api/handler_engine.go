package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troupelab/troupe/pkg/models"
)

// registerEngineHandler handles POST /engines/register.
func (s *Server) registerEngineHandler(c *gin.Context) {
	var req models.RegisterEngineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	instance, err := s.control.Register(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, instance)
}

// engineHeartbeatHandler handles PUT /engines/:id/heartbeat.
func (s *Server) engineHeartbeatHandler(c *gin.Context) {
	engineID := c.Param("id")
	if engineID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "engine id is required"})
		return
	}

	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	instance, err := s.control.Heartbeat(c.Request.Context(), engineID, req)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, instance)
}

// deregisterEngineHandler handles DELETE /engines/:id. Leased events return
// to the queue as part of the operation.
func (s *Server) deregisterEngineHandler(c *gin.Context) {
	engineID := c.Param("id")
	if engineID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "engine id is required"})
		return
	}

	released, err := s.control.Deregister(c.Request.Context(), engineID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, deregisterResponse{EngineID: engineID, ReleasedEvents: released})
}

// getEngineHandler handles GET /engines/:id.
func (s *Server) getEngineHandler(c *gin.Context) {
	engineID := c.Param("id")
	if engineID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "engine id is required"})
		return
	}

	instance, err := s.engines.Get(c.Request.Context(), engineID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, instance)
}

// listEnginesHandler handles GET /engines.
func (s *Server) listEnginesHandler(c *gin.Context) {
	var filters models.EngineFilters

	if v := c.Query("engine_type"); v != "" {
		engineType := models.EngineType(v)
		if !engineType.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid engine_type: must be actor, narrator, or analyst"})
			return
		}
		filters.EngineType = engineType
	}
	if v := c.Query("status"); v != "" {
		status := models.EngineStatus(v)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid status: must be healthy, degraded, or unhealthy"})
			return
		}
		filters.Status = status
	}

	instances, err := s.engines.List(c.Request.Context(), filters)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if instances == nil {
		instances = []*models.EngineInstance{}
	}

	c.JSON(http.StatusOK, listEnginesResponse{Engines: instances, Count: len(instances)})
}

// systemHealthHandler handles GET /engines/health/system: registry counts
// joined with queue depth.
func (s *Server) systemHealthHandler(c *gin.Context) {
	engineCounts, err := s.engines.Counts(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	eventCounts, err := s.queue.CountsByStatus(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SystemHealth{
		HealthyEngines:   engineCounts.Healthy,
		DegradedEngines:  engineCounts.Degraded,
		UnhealthyEngines: engineCounts.Unhealthy,
		StaleEngines:     engineCounts.Stale,
		QueuedEvents:     eventCounts.Queued,
		ProcessingEvents: eventCounts.Processing,
		RetryEvents:      eventCounts.Retry,
		FailedEvents:     eventCounts.Failed,
	})
}
