package api

import (
	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/models"
)

// errorResponse is the uniform error body. engine.RemoteControlPlane decodes
// it when mapping HTTP statuses back to service sentinels.
type errorResponse struct {
	Error string `json:"error"`
}

// leaseResponse is returned by POST /engines/queue/request.
type leaseResponse struct {
	Events []*models.EventInstance `json:"events"`
	Count  int                     `json:"count"`
}

// deregisterResponse is returned by DELETE /engines/:id.
type deregisterResponse struct {
	EngineID       string `json:"engine_id"`
	ReleasedEvents int    `json:"released_events"`
}

// listEnginesResponse is returned by GET /engines.
type listEnginesResponse struct {
	Engines []*models.EngineInstance `json:"engines"`
	Count   int                      `json:"count"`
}

// executeScenarioResponse is returned by POST /scenarios/execute-from-template.
type executeScenarioResponse struct {
	ScenarioRunID string                `json:"scenario_run_id"`
	Status        models.ScenarioStatus `json:"status"`
}

// activeScenariosResponse is returned by GET /scenarios/active.
type activeScenariosResponse struct {
	Scenarios []*models.ScenarioSummary `json:"scenarios"`
	Count     int                       `json:"count"`
}

// listAgentsResponse is returned by GET /scenarios/:id/agents.
type listAgentsResponse struct {
	Agents []*models.AgentInstance `json:"agents"`
	Count  int                     `json:"count"`
}

// HealthCheck is one dependency's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Checks   map[string]HealthCheck `json:"checks"`
}
