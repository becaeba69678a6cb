package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

func TestRemoteControlPlane_Register(t *testing.T) {
	var gotPath, gotMethod string
	var gotReq models.RegisterEngineRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.EngineInstance{
			EngineID:   "host-actor-0",
			EngineType: models.EngineTypeActor,
			Status:     models.EngineStatusHealthy,
		})
	}))
	defer server.Close()

	client := NewRemoteControlPlane(server.URL + "/")

	engine, err := client.Register(context.Background(), models.RegisterEngineRequest{
		EngineType:   models.EngineTypeActor,
		EngineIDHint: "host-actor-0",
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/engines/register", gotPath)
	assert.Equal(t, models.EngineTypeActor, gotReq.EngineType)
	assert.Equal(t, "host-actor-0", gotReq.EngineIDHint)
	assert.Equal(t, "host-actor-0", engine.EngineID)
}

func TestRemoteControlPlane_Lease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/engines/queue/request", r.URL.Path)

		var req models.LeaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "host-actor-0", req.EngineID)
		assert.Equal(t, 3, req.MaxEvents)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(leaseResponse{
			Events: []*models.EventInstance{
				{EventID: "ev-1", EventType: "conversation_message", Status: models.EventStatusProcessing},
			},
			Count: 1,
		})
	}))
	defer server.Close()

	client := NewRemoteControlPlane(server.URL)

	events, err := client.Lease(context.Background(), models.LeaseRequest{
		EngineType: models.EngineTypeActor,
		EngineID:   "host-actor-0",
		MaxEvents:  3,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].EventID)
}

func TestRemoteControlPlane_EventStatusUpdates(t *testing.T) {
	var gotBody eventStatusRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/engines/events/ev-1/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.EventInstance{EventID: "ev-1"})
	}))
	defer server.Close()

	client := NewRemoteControlPlane(server.URL)

	t.Run("complete", func(t *testing.T) {
		_, err := client.Complete(context.Background(), "ev-1", "host-actor-0",
			map[string]any{models.ResultKeyContent: "done"})
		require.NoError(t, err)
		assert.Equal(t, "completed", gotBody.Status)
		assert.Equal(t, "host-actor-0", gotBody.EngineID)
		assert.Equal(t, "done", gotBody.Result[models.ResultKeyContent])
	})

	t.Run("fail", func(t *testing.T) {
		_, err := client.Fail(context.Background(), "ev-1", "host-actor-0", "model overloaded")
		require.NoError(t, err)
		assert.Equal(t, "failed", gotBody.Status)
		assert.Equal(t, "model overloaded", gotBody.Error)
	})

	t.Run("extend lease", func(t *testing.T) {
		_, err := client.ExtendLease(context.Background(), "ev-1", "host-actor-0", 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "processing", gotBody.Status)
		assert.Equal(t, 300, gotBody.LeaseExtensionSeconds)
	})
}

func TestRemoteControlPlane_Deregister(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/engines/host-actor-0", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(deregisterResponse{EngineID: "host-actor-0", ReleasedEvents: 2})
	}))
	defer server.Close()

	client := NewRemoteControlPlane(server.URL)

	released, err := client.Deregister(context.Background(), "host-actor-0")
	require.NoError(t, err)
	assert.Equal(t, 2, released)
}

func TestRemoteControlPlane_GetAgent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/scenarios/run-1/agents/agent-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.AgentInstance{
			AgentInstanceID: "agent-1",
			ScenarioRunID:   "run-1",
			RoleInScenario:  "initiator",
		})
	}))
	defer server.Close()

	client := NewRemoteControlPlane(server.URL)

	agent, err := client.GetAgent(context.Background(), "run-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "initiator", agent.RoleInScenario)
}

func TestRemoteControlPlane_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"404 maps to not found", http.StatusNotFound, `{"error":"entity not found"}`, services.ErrNotFound},
		{"409 maps to lease conflict", http.StatusConflict, `{"error":"not lease holder"}`, services.ErrNotLeaseHolder},
		{"400 maps to invalid input", http.StatusBadRequest, `{"error":"max_events must be at least 1"}`, services.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewRemoteControlPlane(server.URL)
			_, err := client.Lease(context.Background(), models.LeaseRequest{
				EngineType: models.EngineTypeActor, EngineID: "e-1", MaxEvents: 1,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	t.Run("500 keeps the status and body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("database down"))
		}))
		defer server.Close()

		client := NewRemoteControlPlane(server.URL)
		_, err := client.Deregister(context.Background(), "e-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 500")
		assert.Contains(t, err.Error(), "database down")
	})
}
