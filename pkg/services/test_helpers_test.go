package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/models"
	testdb "github.com/troupelab/troupe/test/database"
)

// testBindings is the event-type routing table the coordinator would load
// from config: which engine type serves each event type.
func testBindings() map[string]models.EngineType {
	return map[string]models.EngineType{
		"actor_prompt":         models.EngineTypeActor,
		"conversation_message": models.EngineTypeActor,
		"scene_prompt":         models.EngineTypeNarrator,
		"analyze_checkpoint":   models.EngineTypeAnalyst,
		"scenario_start":       models.EngineTypeNarrator,
	}
}

// newTestServices wires all three services onto one isolated test schema.
func newTestServices(t *testing.T) (*database.Client, *EventService, *EngineService, *ScenarioService) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return client,
		NewEventService(client, testBindings(), 0),
		NewEngineService(client),
		NewScenarioService(client)
}

// createRunningScenario inserts a scenario run and walks it to running so
// events can be enqueued against it.
func createRunningScenario(t *testing.T, ctx context.Context, scenarios *ScenarioService) *models.ScenarioRun {
	t.Helper()
	run, err := scenarios.CreateRun(ctx, models.CreateScenarioRunRequest{
		TemplateName: "debate",
		Name:         "debate-" + uuid.New().String()[:8],
		Config:       map[string]any{"max_turns": 10},
	})
	require.NoError(t, err)
	_, err = scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusInitializing)
	require.NoError(t, err)
	run, err = scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusRunning)
	require.NoError(t, err)
	return run
}

// enqueueTestEvent inserts one queued event with sensible defaults.
func enqueueTestEvent(t *testing.T, ctx context.Context, events *EventService, runID, eventType string, priority int) *models.EventInstance {
	t.Helper()
	event, err := events.Enqueue(ctx, models.EnqueueEventRequest{
		ScenarioRunID: runID,
		EventType:     eventType,
		Payload:       map[string]any{"content": "hello"},
		Priority:      priority,
	})
	require.NoError(t, err)
	return event
}

// registerTestEngine registers an engine of the given type and returns it.
func registerTestEngine(t *testing.T, ctx context.Context, engines *EngineService, engineType models.EngineType) *models.EngineInstance {
	t.Helper()
	engine, err := engines.Register(ctx, models.RegisterEngineRequest{
		EngineType: engineType,
		Capabilities: models.EngineCapabilities{
			MaxConcurrentAgents: 4,
		},
		ResourceLimits: models.EngineResourceLimits{
			MaxConcurrentEvents: 8,
		},
	})
	require.NoError(t, err)
	return engine
}

// expireLease backdates an event's lease so the next sweep returns it to
// the queue. Direct SQL because the service never moves expiry backwards.
func expireLease(t *testing.T, ctx context.Context, client *database.Client, eventID string) {
	t.Helper()
	res, err := client.DB().ExecContext(ctx,
		`UPDATE event_instances SET lease_expires_at = now() - interval '1 minute' WHERE event_id = $1`,
		eventID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// backdateHeartbeat ages an engine's last heartbeat past the staleness
// threshold.
func backdateHeartbeat(t *testing.T, ctx context.Context, client *database.Client, engineID string, age time.Duration) {
	t.Helper()
	res, err := client.DB().ExecContext(ctx,
		fmt.Sprintf(`UPDATE engine_instances SET last_heartbeat = now() - interval '%d seconds' WHERE engine_id = $1`,
			int(age.Seconds())),
		engineID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// backdateEventCompletion ages a terminal event's completed_at so retention
// tests can prune it.
func backdateEventCompletion(t *testing.T, ctx context.Context, client *database.Client, eventID string, age time.Duration) {
	t.Helper()
	_, err := client.DB().ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_instances SET completed_at = now() - interval '%d seconds' WHERE event_id = $1`,
			int(age.Seconds())),
		eventID)
	require.NoError(t, err)
}

// backdateRunCompletion ages a terminal scenario run for retention tests.
func backdateRunCompletion(t *testing.T, ctx context.Context, client *database.Client, runID string, age time.Duration) {
	t.Helper()
	_, err := client.DB().ExecContext(ctx,
		fmt.Sprintf(`UPDATE scenario_runs SET completed_at = now() - interval '%d seconds' WHERE scenario_run_id = $1`,
			int(age.Seconds())),
		runID)
	require.NoError(t, err)
}

// insertStreamEvent writes one stream buffer row directly; the publisher
// that normally does this lives in another package.
func insertStreamEvent(t *testing.T, ctx context.Context, client *database.Client, channel string, payload string) int64 {
	t.Helper()
	var id int64
	err := client.DB().QueryRowContext(ctx,
		`INSERT INTO stream_events (channel, payload) VALUES ($1, $2::jsonb) RETURNING id`,
		channel, payload).Scan(&id)
	require.NoError(t, err)
	return id
}
