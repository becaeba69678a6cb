package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/scenario"
)

// executeScenarioHandler handles POST /scenarios/execute-from-template.
func (s *Server) executeScenarioHandler(c *gin.Context) {
	var req scenario.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	run, err := s.runner.StartScenario(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, executeScenarioResponse{
		ScenarioRunID: run.ScenarioRunID,
		Status:        run.Status,
	})
}

// dispatchEventHandler handles POST /scenarios/:id/dispatch-event: external
// callers injecting an event into a running scenario.
func (s *Server) dispatchEventHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}

	var req scenario.SendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	event, err := s.runner.SendEvent(c.Request.Context(), scenarioRunID, req)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// activeScenariosHandler handles GET /scenarios/active.
func (s *Server) activeScenariosHandler(c *gin.Context) {
	summaries, err := s.scenarios.ListActive(c.Request.Context())
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if summaries == nil {
		summaries = []*models.ScenarioSummary{}
	}

	c.JSON(http.StatusOK, activeScenariosResponse{Scenarios: summaries, Count: len(summaries)})
}

// scenarioStatusHandler handles GET /scenarios/:id/status.
func (s *Server) scenarioStatusHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}

	status, err := s.runner.MonitorScenario(c.Request.Context(), scenarioRunID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// stopScenarioHandler handles POST /scenarios/:id/stop. The body is optional;
// an absent reason is recorded as a user request.
func (s *Server) stopScenarioHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}

	var req stopScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	run, err := s.runner.StopScenario(c.Request.Context(), scenarioRunID, req.Reason)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// resumeScenarioHandler handles POST /scenarios/:id/resume: rebuild a paused
// or interrupted run's context from its last snapshot and set it running.
func (s *Server) resumeScenarioHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}

	run, err := s.runner.ResumeScenario(c.Request.Context(), scenarioRunID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// listAgentsHandler handles GET /scenarios/:id/agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}

	agents, err := s.scenarios.ListAgentInstances(c.Request.Context(), scenarioRunID)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if agents == nil {
		agents = []*models.AgentInstance{}
	}

	c.JSON(http.StatusOK, listAgentsResponse{Agents: agents, Count: len(agents)})
}

// getAgentHandler handles GET /scenarios/:id/agents/:agent_id. Engine workers
// fetch agent profiles through this route; the control plane rejects agents
// that are not part of the named run.
func (s *Server) getAgentHandler(c *gin.Context) {
	scenarioRunID := c.Param("id")
	if scenarioRunID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "scenario run id is required"})
		return
	}
	agentInstanceID := c.Param("agent_id")
	if agentInstanceID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "agent instance id is required"})
		return
	}

	agent, err := s.control.GetAgent(c.Request.Context(), scenarioRunID, agentInstanceID)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, agent)
}
