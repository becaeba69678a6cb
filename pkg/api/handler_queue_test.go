package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

func TestLeaseEventsHandler(t *testing.T) {
	t.Run("leases a batch", func(t *testing.T) {
		ts := newTestServer(t)
		ts.control.queue = []*models.EventInstance{
			{EventID: "ev-1", EventType: "actor_prompt", TargetEngineType: models.EngineTypeActor},
			{EventID: "ev-2", EventType: "actor_prompt", TargetEngineType: models.EngineTypeActor},
		}

		rec := ts.do(t, http.MethodPost, "/engines/queue/request", models.LeaseRequest{
			EngineType: models.EngineTypeActor,
			EngineID:   "actor-1",
			MaxEvents:  5,
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeJSON[leaseResponse](t, rec)
		assert.Equal(t, 2, resp.Count)
		require.Len(t, resp.Events, 2)
		assert.Equal(t, "ev-1", resp.Events[0].EventID)

		require.Len(t, ts.control.leaseReqs, 1)
		assert.Equal(t, "actor-1", ts.control.leaseReqs[0].EngineID)
	})

	t.Run("empty queue serializes as empty list", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/engines/queue/request", models.LeaseRequest{
			EngineType: models.EngineTypeNarrator,
			EngineID:   "narrator-1",
			MaxEvents:  1,
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"events":[]`)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/engines/queue/request", nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps validation errors to 400", func(t *testing.T) {
		ts := newTestServer(t)
		ts.control.leaseErr = services.NewValidationError("max_events", "must be between 1 and 100")

		rec := ts.do(t, http.MethodPost, "/engines/queue/request", models.LeaseRequest{
			EngineType: models.EngineTypeActor,
			EngineID:   "actor-1",
			MaxEvents:  500,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeJSON[errorResponse](t, rec)
		assert.Contains(t, resp.Error, "max_events")
	})
}

func TestEventStatusHandler(t *testing.T) {
	t.Run("requires engine_id", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			Status: "completed",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeJSON[errorResponse](t, rec)
		assert.Equal(t, "engine_id is required", resp.Error)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "paused",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeJSON[errorResponse](t, rec)
		assert.Contains(t, resp.Error, "invalid status")
	})

	t.Run("processing extends the lease", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID:              "actor-1",
			Status:                "processing",
			LeaseExtensionSeconds: 300,
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 300*time.Second, ts.control.extended["ev-1"])
	})

	t.Run("processing without extension uses the default lease", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "processing",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.LeaseDuration, ts.control.extended["ev-1"])
	})

	t.Run("completed republishes the output envelope", func(t *testing.T) {
		ts := newTestServer(t)
		agentID := "agent-1"
		ts.control.events["ev-1"] = &models.EventInstance{
			EventID:       "ev-1",
			ScenarioRunID: "run-1",
			EventType:     "actor_prompt",
			TargetAgentID: &agentID,
			Status:        models.EventStatusProcessing,
		}

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "completed",
			Result: map[string]any{
				models.ResultKeyOutputEventType: models.EventTypeActorSpeechGenerated,
				models.ResultKeyContent:         "To be, or not to be.",
				models.ResultKeyData:            map[string]any{"turn": float64(3)},
			},
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		event := decodeJSON[models.EventInstance](t, rec)
		assert.Equal(t, models.EventStatusCompleted, event.Status)

		var published bus.OutputEvent
		select {
		case published = <-ts.bus.Events():
		case <-time.After(time.Second):
			t.Fatal("expected an output event on the bus")
		}
		assert.Equal(t, "run-1", published.ScenarioRunID)
		assert.Equal(t, "agent-1", published.SourceAgentID)
		assert.Equal(t, models.EventTypeActorSpeechGenerated, published.EventType)
		assert.Equal(t, "To be, or not to be.", published.Payload[models.PayloadKeyContent])
		assert.Equal(t, float64(3), published.Payload["turn"])
	})

	t.Run("completed without an envelope publishes nothing", func(t *testing.T) {
		ts := newTestServer(t)
		agentID := "agent-1"
		ts.control.events["ev-1"] = &models.EventInstance{
			EventID:       "ev-1",
			ScenarioRunID: "run-1",
			TargetAgentID: &agentID,
			Status:        models.EventStatusProcessing,
		}

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "completed",
			Result:   map[string]any{models.ResultKeyModel: "gpt-4o"},
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, ts.bus.Depth())
	})

	t.Run("completed folds processing time into the result", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID:         "actor-1",
			Status:           "completed",
			ProcessingTimeMS: 1250,
		})

		require.Equal(t, http.StatusOK, rec.Code)
		result := ts.control.completed["ev-1"]
		require.NotNil(t, result)
		assert.Equal(t, int64(1250), result[models.ResultKeyProcessingTimeMS])
	})

	t.Run("failed records the engine error", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "failed",
			Error:    "llm call timed out",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "llm call timed out", ts.control.failed["ev-1"])
	})

	t.Run("retrying without a message uses a default", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-1",
			Status:   "retrying",
		})

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "engine reported failure", ts.control.failed["ev-1"])
	})

	t.Run("lease conflicts return 409", func(t *testing.T) {
		ts := newTestServer(t)
		ts.control.completeErr = services.ErrNotLeaseHolder

		rec := ts.do(t, http.MethodPut, "/engines/events/ev-1/status", eventStatusRequest{
			EngineID: "actor-2",
			Status:   "completed",
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decodeJSON[errorResponse](t, rec)
		assert.Equal(t, "engine does not hold the event lease", resp.Error)
	})
}
