package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/troupelab/troupe/pkg/events"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

// ControlPlane is everything a worker needs from the coordinator: registry
// lifecycle, queue operations, and agent profile lookup. In-process workers
// get the local implementation; workers in other processes use the HTTP one.
type ControlPlane interface {
	Register(ctx context.Context, req models.RegisterEngineRequest) (*models.EngineInstance, error)
	Heartbeat(ctx context.Context, engineID string, req models.HeartbeatRequest) (*models.EngineInstance, error)
	Deregister(ctx context.Context, engineID string) (int, error)
	Lease(ctx context.Context, req models.LeaseRequest) ([]*models.EventInstance, error)
	Complete(ctx context.Context, eventID, engineID string, result map[string]any) (*models.EventInstance, error)
	Fail(ctx context.Context, eventID, engineID, errMsg string) (*models.EventInstance, error)
	ExtendLease(ctx context.Context, eventID, engineID string, extension time.Duration) (*models.EventInstance, error)
	GetAgent(ctx context.Context, scenarioRunID, agentInstanceID string) (*models.AgentInstance, error)
}

// StreamPublisher mirrors queue and registry transitions onto the observer
// stream. Implemented by events.EventPublisher; defined as an interface here
// to enable testing with mocks. Nil disables streaming.
type StreamPublisher interface {
	PublishEventStatus(ctx context.Context, scenarioRunID string, payload events.EventStatusPayload) error
	PublishEngineRegistered(ctx context.Context, payload events.EngineRegisteredPayload) error
	PublishEngineDeregistered(ctx context.Context, payload events.EngineDeregisteredPayload) error
}

var _ StreamPublisher = (*events.EventPublisher)(nil)

// LocalControlPlane serves workers running inside the coordinator process by
// calling the services directly.
type LocalControlPlane struct {
	engines   *services.EngineService
	events    *services.EventService
	scenarios *services.ScenarioService
	stream    StreamPublisher
}

// NewLocalControlPlane creates a control plane over in-process services.
// stream may be nil.
func NewLocalControlPlane(engines *services.EngineService, events *services.EventService, scenarios *services.ScenarioService, stream StreamPublisher) *LocalControlPlane {
	return &LocalControlPlane{engines: engines, events: events, scenarios: scenarios, stream: stream}
}

// Register implements ControlPlane.
func (c *LocalControlPlane) Register(ctx context.Context, req models.RegisterEngineRequest) (*models.EngineInstance, error) {
	engine, err := c.engines.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.stream != nil {
		if perr := c.stream.PublishEngineRegistered(ctx, events.EngineRegisteredPayload{
			EngineID:   engine.EngineID,
			EngineType: engine.EngineType,
		}); perr != nil {
			slog.Warn("Failed to publish engine registration", "engine_id", engine.EngineID, "error", perr)
		}
	}
	return engine, nil
}

// Heartbeat implements ControlPlane.
func (c *LocalControlPlane) Heartbeat(ctx context.Context, engineID string, req models.HeartbeatRequest) (*models.EngineInstance, error) {
	return c.engines.Heartbeat(ctx, engineID, req)
}

// Deregister implements ControlPlane.
func (c *LocalControlPlane) Deregister(ctx context.Context, engineID string) (int, error) {
	released, err := c.engines.Deregister(ctx, engineID)
	if err != nil {
		return 0, err
	}
	if c.stream != nil {
		if perr := c.stream.PublishEngineDeregistered(ctx, events.EngineDeregisteredPayload{
			EngineID:       engineID,
			ReleasedLeases: released,
		}); perr != nil {
			slog.Warn("Failed to publish engine deregistration", "engine_id", engineID, "error", perr)
		}
	}
	return released, nil
}

// Lease implements ControlPlane. The engine must be registered and not
// unhealthy. The requested event-type filter is intersected with the
// engine's declared capabilities; an engine polling only for types it never
// declared gets zero events rather than an error.
func (c *LocalControlPlane) Lease(ctx context.Context, req models.LeaseRequest) ([]*models.EventInstance, error) {
	engine, err := c.engines.Get(ctx, req.EngineID)
	if err != nil {
		return nil, err
	}
	if engine.Status == models.EngineStatusUnhealthy {
		return nil, fmt.Errorf("%w: engine %s is unhealthy and may not lease events",
			services.ErrInvalidInput, req.EngineID)
	}
	effective, ok := services.EffectiveEventTypes(engine.Capabilities.SupportedEventTypes, req.EventTypeFilter)
	if !ok {
		return []*models.EventInstance{}, nil
	}
	req.EventTypeFilter = effective

	leased, err := c.events.Lease(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, event := range leased {
		c.publishEventStatus(ctx, event)
	}
	return leased, nil
}

// Complete implements ControlPlane.
func (c *LocalControlPlane) Complete(ctx context.Context, eventID, engineID string, result map[string]any) (*models.EventInstance, error) {
	event, err := c.events.Complete(ctx, eventID, engineID, result)
	if err != nil {
		return nil, err
	}
	c.publishEventStatus(ctx, event)
	return event, nil
}

// Fail implements ControlPlane.
func (c *LocalControlPlane) Fail(ctx context.Context, eventID, engineID, errMsg string) (*models.EventInstance, error) {
	event, err := c.events.Fail(ctx, eventID, engineID, errMsg)
	if err != nil {
		return nil, err
	}
	c.publishEventStatus(ctx, event)
	return event, nil
}

// ExtendLease implements ControlPlane.
func (c *LocalControlPlane) ExtendLease(ctx context.Context, eventID, engineID string, extension time.Duration) (*models.EventInstance, error) {
	return c.events.ExtendLease(ctx, eventID, engineID, extension)
}

// publishEventStatus mirrors an event transition onto the run's observer
// channel. Streaming is best-effort: failures are logged, never propagated.
func (c *LocalControlPlane) publishEventStatus(ctx context.Context, event *models.EventInstance) {
	if c.stream == nil || event == nil {
		return
	}
	if err := c.stream.PublishEventStatus(ctx, event.ScenarioRunID, events.NewEventStatusPayload(event)); err != nil {
		slog.Warn("Failed to publish event status",
			"scenario_run_id", event.ScenarioRunID,
			"event_id", event.EventID,
			"status", event.Status,
			"error", err)
	}
}

// GetAgent implements ControlPlane. The scenario run id scopes the lookup:
// an agent found under a different run is reported as not found.
func (c *LocalControlPlane) GetAgent(ctx context.Context, scenarioRunID, agentInstanceID string) (*models.AgentInstance, error) {
	agent, err := c.scenarios.GetAgentInstance(ctx, agentInstanceID)
	if err != nil {
		return nil, err
	}
	if scenarioRunID != "" && agent.ScenarioRunID != scenarioRunID {
		return nil, fmt.Errorf("%w: agent %s not in scenario run %s",
			services.ErrNotFound, agentInstanceID, scenarioRunID)
	}
	return agent, nil
}

var _ ControlPlane = (*LocalControlPlane)(nil)
