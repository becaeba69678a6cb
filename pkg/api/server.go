// Package api serves the coordinator's HTTP surface: the engine control
// plane (registration, heartbeats, the lease queue), scenario lifecycle
// operations, and the observability endpoints (health, Prometheus metrics,
// the WebSocket lifecycle stream).
//
// Route paths double as the wire contract of engine.RemoteControlPlane, so
// remote workers and the in-process fleet see identical semantics.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/engine"
	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/scenario"
	"github.com/troupelab/troupe/pkg/services"
)

// EngineRegistry is the read side of the engine registry. Writes go through
// the control plane so registry mutations and stream notifications stay on
// one path.
type EngineRegistry interface {
	Get(ctx context.Context, engineID string) (*models.EngineInstance, error)
	List(ctx context.Context, filters models.EngineFilters) ([]*models.EngineInstance, error)
	Counts(ctx context.Context) (models.EngineCounts, error)
}

// EventQueue is the read side of the event queue.
type EventQueue interface {
	CountsByStatus(ctx context.Context) (models.EventCounts, error)
}

// ScenarioDirectory lists scenario runs and their agent instances.
type ScenarioDirectory interface {
	ListActive(ctx context.Context) ([]*models.ScenarioSummary, error)
	ListAgentInstances(ctx context.Context, scenarioRunID string) ([]*models.AgentInstance, error)
}

// ScenarioRunner drives scenario lifecycle operations. Implemented by
// scenario.Runner; defined as an interface here to enable testing with mocks.
type ScenarioRunner interface {
	StartScenario(ctx context.Context, req scenario.StartRequest) (*models.ScenarioRun, error)
	SendEvent(ctx context.Context, scenarioRunID string, req scenario.SendEventRequest) (*models.EventInstance, error)
	MonitorScenario(ctx context.Context, scenarioRunID string) (*scenario.RunStatus, error)
	StopScenario(ctx context.Context, scenarioRunID, reason string) (*models.ScenarioRun, error)
	ResumeScenario(ctx context.Context, scenarioRunID string) (*models.ScenarioRun, error)
}

// Deps carries everything the server handles requests with. Control, Runner,
// Engines, Queue and Scenarios are required; the rest degrade gracefully when
// nil (no bus republish, no WebSocket stream, no database health detail).
type Deps struct {
	Control     engine.ControlPlane
	Engines     EngineRegistry
	Queue       EventQueue
	Scenarios   ScenarioDirectory
	Runner      ScenarioRunner
	EventBus    *bus.Bus
	ConnManager *events.ConnectionManager
	DB          *database.Client
}

// Server handles the coordinator's HTTP API.
type Server struct {
	control     engine.ControlPlane
	engines     EngineRegistry
	queue       EventQueue
	scenarios   ScenarioDirectory
	runner      ScenarioRunner
	eventBus    *bus.Bus
	connManager *events.ConnectionManager
	db          *database.Client
	settings    config.ServerSettings
}

// NewServer creates an API server over the given dependencies.
func NewServer(deps Deps, settings config.ServerSettings) *Server {
	return &Server{
		control:     deps.Control,
		engines:     deps.Engines,
		queue:       deps.Queue,
		scenarios:   deps.Scenarios,
		runner:      deps.Runner,
		eventBus:    deps.EventBus,
		connManager: deps.ConnManager,
		db:          deps.DB,
		settings:    settings,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.wsHandler)

	engines := r.Group("/engines")
	{
		engines.POST("/register", s.registerEngineHandler)
		engines.GET("", s.listEnginesHandler)
		engines.GET("/:id", s.getEngineHandler)
		engines.PUT("/:id/heartbeat", s.engineHeartbeatHandler)
		engines.DELETE("/:id", s.deregisterEngineHandler)
		engines.GET("/health/system", s.systemHealthHandler)
		engines.POST("/queue/request", s.leaseEventsHandler)
		engines.PUT("/events/:id/status", s.eventStatusHandler)
	}

	scenarios := r.Group("/scenarios")
	{
		scenarios.POST("/execute-from-template", s.executeScenarioHandler)
		scenarios.GET("/active", s.activeScenariosHandler)
		scenarios.GET("/:id/status", s.scenarioStatusHandler)
		scenarios.POST("/:id/dispatch-event", s.dispatchEventHandler)
		scenarios.POST("/:id/stop", s.stopScenarioHandler)
		scenarios.POST("/:id/resume", s.resumeScenarioHandler)
		scenarios.GET("/:id/agents", s.listAgentsHandler)
		scenarios.GET("/:id/agents/:agent_id", s.getAgentHandler)
	}

	return r
}

// Interface conformance checks.
var (
	_ EngineRegistry    = (*services.EngineService)(nil)
	_ EventQueue        = (*services.EventService)(nil)
	_ ScenarioDirectory = (*services.ScenarioService)(nil)
	_ ScenarioRunner    = (*scenario.Runner)(nil)
)
