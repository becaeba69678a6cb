package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
	testdb "github.com/troupelab/troupe/test/database"
)

type janitorEnv struct {
	client    *database.Client
	events    *services.EventService
	engines   *services.EngineService
	scenarios *services.ScenarioService
	svc       *Service
}

func setupJanitor(t *testing.T, settings *config.RetentionSettings) *janitorEnv {
	t.Helper()
	client := testdb.NewTestClient(t)
	events := services.NewEventService(client, nil, 0)
	engines := services.NewEngineService(client)
	scenarios := services.NewScenarioService(client)
	if settings == nil {
		settings = config.DefaultRetentionSettings()
	}
	return &janitorEnv{
		client:    client,
		events:    events,
		engines:   engines,
		scenarios: scenarios,
		svc:       NewService(settings, events, engines, scenarios, nil),
	}
}

func (e *janitorEnv) newRun(t *testing.T) *models.ScenarioRun {
	t.Helper()
	run, err := e.scenarios.CreateRun(context.Background(), models.CreateScenarioRunRequest{
		TemplateName: "debate",
		Name:         "janitor-test",
	})
	require.NoError(t, err)
	return run
}

func (e *janitorEnv) enqueue(t *testing.T, scenarioRunID string) *models.EventInstance {
	t.Helper()
	event, err := e.events.Enqueue(context.Background(), models.EnqueueEventRequest{
		ScenarioRunID:    scenarioRunID,
		EventType:        "conversation_message",
		TargetEngineType: models.EngineTypeActor,
	})
	require.NoError(t, err)
	return event
}

func (e *janitorEnv) leaseAll(t *testing.T, engineID string) []*models.EventInstance {
	t.Helper()
	leased, err := e.events.Lease(context.Background(), models.LeaseRequest{
		EngineType: models.EngineTypeActor,
		EngineID:   engineID,
		MaxEvents:  10,
	})
	require.NoError(t, err)
	return leased
}

// exec runs a raw statement, used to backdate rows past their TTLs.
func (e *janitorEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := e.client.DB().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func TestJanitorReleasesExpiredLeases(t *testing.T) {
	env := setupJanitor(t, nil)
	ctx := context.Background()
	run := env.newRun(t)

	expired := env.enqueue(t, run.ScenarioRunID)
	held := env.enqueue(t, run.ScenarioRunID)
	leased := env.leaseAll(t, "actor-1")
	require.Len(t, leased, 2)

	env.exec(t, `UPDATE event_instances SET lease_expires_at = now() - interval '1 minute' WHERE event_id = $1`,
		expired.EventID)

	env.svc.RunOnce(ctx)

	released, err := env.events.Get(ctx, expired.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusQueued, released.Status)
	assert.Nil(t, released.LeasedBy)

	still, err := env.events.Get(ctx, held.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusProcessing, still.Status, "a live lease survives the sweep")
}

func TestJanitorSweepsStaleEngines(t *testing.T) {
	env := setupJanitor(t, nil)
	ctx := context.Background()
	run := env.newRun(t)

	engine, err := env.engines.Register(ctx, models.RegisterEngineRequest{
		EngineType:   models.EngineTypeActor,
		EngineIDHint: "actor-stale",
	})
	require.NoError(t, err)

	env.enqueue(t, run.ScenarioRunID)
	leased := env.leaseAll(t, engine.EngineID)
	require.Len(t, leased, 1)

	env.exec(t, `UPDATE engine_instances SET last_heartbeat = now() - interval '10 minutes' WHERE engine_id = $1`,
		engine.EngineID)

	env.svc.RunOnce(ctx)

	swept, err := env.engines.Get(ctx, engine.EngineID)
	require.NoError(t, err)
	assert.Equal(t, models.EngineStatusUnhealthy, swept.Status)

	// The engine's lease had not expired yet; the stale sweep releases it
	// anyway so another engine can pick the event up.
	event, err := env.events.Get(ctx, leased[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusQueued, event.Status)
	assert.Nil(t, event.LeasedBy)
}

func TestJanitorPrunesTerminalEvents(t *testing.T) {
	env := setupJanitor(t, &config.RetentionSettings{
		EventTTL:        24 * time.Hour,
		CleanupInterval: time.Hour,
	})
	ctx := context.Background()
	run := env.newRun(t)

	old := env.enqueue(t, run.ScenarioRunID)
	recent := env.enqueue(t, run.ScenarioRunID)
	leased := env.leaseAll(t, "actor-1")
	require.Len(t, leased, 2)
	for _, ev := range leased {
		_, err := env.events.Complete(ctx, ev.EventID, "actor-1", nil)
		require.NoError(t, err)
	}

	env.exec(t, `UPDATE event_instances SET completed_at = now() - interval '48 hours' WHERE event_id = $1`,
		old.EventID)

	env.svc.RunOnce(ctx)

	_, err := env.events.Get(ctx, old.EventID)
	require.ErrorIs(t, err, services.ErrNotFound)
	_, err = env.events.Get(ctx, recent.EventID)
	require.NoError(t, err)
}

func TestJanitorPrunesStreamEvents(t *testing.T) {
	env := setupJanitor(t, &config.RetentionSettings{
		StreamEventTTL:  time.Hour,
		CleanupInterval: time.Hour,
	})
	ctx := context.Background()

	env.exec(t, `INSERT INTO stream_events (channel, payload, created_at)
		VALUES ('scenario:prune-test', '{"type":"old"}'::jsonb, now() - interval '2 hours'),
		       ('scenario:prune-test', '{"type":"recent"}'::jsonb, now())`)

	env.svc.RunOnce(ctx)

	rows, err := env.events.StreamEventsSince(ctx, "scenario:prune-test", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the row inside the TTL survives")
	assert.Equal(t, "recent", rows[0].Payload["type"])
}

func TestJanitorPrunesTerminalRuns(t *testing.T) {
	env := setupJanitor(t, &config.RetentionSettings{
		ScenarioRunTTL:  30 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	})
	ctx := context.Background()

	oldRun := env.newRun(t)
	orphan := env.enqueue(t, oldRun.ScenarioRunID)
	_, err := env.scenarios.TransitionRun(ctx, oldRun.ScenarioRunID, models.ScenarioStatusTerminated)
	require.NoError(t, err)
	env.exec(t, `UPDATE scenario_runs SET completed_at = now() - interval '60 days' WHERE scenario_run_id = $1`,
		oldRun.ScenarioRunID)

	recentRun := env.newRun(t)
	_, err = env.scenarios.TransitionRun(ctx, recentRun.ScenarioRunID, models.ScenarioStatusTerminated)
	require.NoError(t, err)

	// Old but still pending: age alone never prunes a non-terminal run.
	liveRun := env.newRun(t)
	env.exec(t, `UPDATE scenario_runs SET created_at = now() - interval '60 days' WHERE scenario_run_id = $1`,
		liveRun.ScenarioRunID)

	env.svc.RunOnce(ctx)

	_, err = env.scenarios.GetRun(ctx, oldRun.ScenarioRunID)
	require.ErrorIs(t, err, services.ErrNotFound)
	_, err = env.events.Get(ctx, orphan.EventID)
	require.ErrorIs(t, err, services.ErrNotFound, "events cascade with their run")
	_, err = env.scenarios.GetRun(ctx, recentRun.ScenarioRunID)
	require.NoError(t, err)
	_, err = env.scenarios.GetRun(ctx, liveRun.ScenarioRunID)
	require.NoError(t, err)
}

func TestJanitorZeroTTLDisablesPrunes(t *testing.T) {
	env := setupJanitor(t, &config.RetentionSettings{CleanupInterval: time.Hour})
	ctx := context.Background()

	run := env.newRun(t)
	event := env.enqueue(t, run.ScenarioRunID)
	leased := env.leaseAll(t, "actor-1")
	require.Len(t, leased, 1)
	_, err := env.events.Complete(ctx, event.EventID, "actor-1", nil)
	require.NoError(t, err)
	env.exec(t, `UPDATE event_instances SET completed_at = now() - interval '1000 days' WHERE event_id = $1`,
		event.EventID)

	_, err = env.scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusCompleted)
	require.Error(t, err, "pending cannot jump to completed")
	_, err = env.scenarios.TransitionRun(ctx, run.ScenarioRunID, models.ScenarioStatusTerminated)
	require.NoError(t, err)
	env.exec(t, `UPDATE scenario_runs SET completed_at = now() - interval '1000 days' WHERE scenario_run_id = $1`,
		run.ScenarioRunID)

	env.exec(t, `INSERT INTO stream_events (channel, payload, created_at)
		VALUES ('scenario:keep', '{}'::jsonb, now() - interval '1000 days')`)

	env.svc.RunOnce(ctx)

	_, err = env.events.Get(ctx, event.EventID)
	require.NoError(t, err)
	_, err = env.scenarios.GetRun(ctx, run.ScenarioRunID)
	require.NoError(t, err)
	rows, err := env.events.StreamEventsSince(ctx, "scenario:keep", 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestJanitorLoopLifecycle(t *testing.T) {
	env := setupJanitor(t, &config.RetentionSettings{CleanupInterval: 20 * time.Millisecond})
	ctx := context.Background()
	run := env.newRun(t)

	env.enqueue(t, run.ScenarioRunID)
	leased := env.leaseAll(t, "actor-1")
	require.Len(t, leased, 1)
	env.exec(t, `UPDATE event_instances SET lease_expires_at = now() - interval '1 minute' WHERE event_id = $1`,
		leased[0].EventID)

	env.svc.Start(ctx)
	env.svc.Start(ctx) // second start is a no-op

	require.Eventually(t, func() bool {
		event, err := env.events.Get(ctx, leased[0].EventID)
		return err == nil && event.Status == models.EventStatusQueued
	}, 2*time.Second, 10*time.Millisecond, "the loop sweeps on its own")

	env.svc.Stop()
	env.svc.Stop() // second stop is a no-op
}
