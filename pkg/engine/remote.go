package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/services"
)

// RemoteControlPlane talks to the coordinator's HTTP API. It serves engine
// workers deployed outside the coordinator process. HTTP statuses are mapped
// back to the service sentinels so worker error handling does not care which
// control plane it runs against.
type RemoteControlPlane struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteControlPlane creates an HTTP control-plane client for the given
// coordinator base URL (e.g. "http://coordinator:8080").
func NewRemoteControlPlane(baseURL string) *RemoteControlPlane {
	return &RemoteControlPlane{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Wire shapes shared with pkg/api.
type (
	deregisterResponse struct {
		EngineID       string `json:"engine_id"`
		ReleasedEvents int    `json:"released_events"`
	}

	leaseResponse struct {
		Events []*models.EventInstance `json:"events"`
		Count  int                     `json:"count"`
	}

	eventStatusRequest struct {
		EngineID              string         `json:"engine_id"`
		Status                string         `json:"status"`
		Result                map[string]any `json:"result,omitempty"`
		Error                 string         `json:"error,omitempty"`
		LeaseExtensionSeconds int            `json:"lease_extension_seconds,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// Register implements ControlPlane.
func (c *RemoteControlPlane) Register(ctx context.Context, req models.RegisterEngineRequest) (*models.EngineInstance, error) {
	var engine models.EngineInstance
	if err := c.do(ctx, http.MethodPost, "/engines/register", req, &engine); err != nil {
		return nil, err
	}
	return &engine, nil
}

// Heartbeat implements ControlPlane.
func (c *RemoteControlPlane) Heartbeat(ctx context.Context, engineID string, req models.HeartbeatRequest) (*models.EngineInstance, error) {
	var engine models.EngineInstance
	path := fmt.Sprintf("/engines/%s/heartbeat", engineID)
	if err := c.do(ctx, http.MethodPut, path, req, &engine); err != nil {
		return nil, err
	}
	return &engine, nil
}

// Deregister implements ControlPlane.
func (c *RemoteControlPlane) Deregister(ctx context.Context, engineID string) (int, error) {
	var resp deregisterResponse
	if err := c.do(ctx, http.MethodDelete, "/engines/"+engineID, nil, &resp); err != nil {
		return 0, err
	}
	return resp.ReleasedEvents, nil
}

// Lease implements ControlPlane.
func (c *RemoteControlPlane) Lease(ctx context.Context, req models.LeaseRequest) ([]*models.EventInstance, error) {
	var resp leaseResponse
	if err := c.do(ctx, http.MethodPost, "/engines/queue/request", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Complete implements ControlPlane.
func (c *RemoteControlPlane) Complete(ctx context.Context, eventID, engineID string, result map[string]any) (*models.EventInstance, error) {
	return c.updateEventStatus(ctx, eventID, eventStatusRequest{
		EngineID: engineID,
		Status:   "completed",
		Result:   result,
	})
}

// Fail implements ControlPlane.
func (c *RemoteControlPlane) Fail(ctx context.Context, eventID, engineID, errMsg string) (*models.EventInstance, error) {
	return c.updateEventStatus(ctx, eventID, eventStatusRequest{
		EngineID: engineID,
		Status:   "failed",
		Error:    errMsg,
	})
}

// ExtendLease implements ControlPlane. A "processing" status update is the
// wire-level lease refresh.
func (c *RemoteControlPlane) ExtendLease(ctx context.Context, eventID, engineID string, extension time.Duration) (*models.EventInstance, error) {
	return c.updateEventStatus(ctx, eventID, eventStatusRequest{
		EngineID:              engineID,
		Status:                "processing",
		LeaseExtensionSeconds: int(extension.Seconds()),
	})
}

// GetAgent implements ControlPlane.
func (c *RemoteControlPlane) GetAgent(ctx context.Context, scenarioRunID, agentInstanceID string) (*models.AgentInstance, error) {
	var agent models.AgentInstance
	path := fmt.Sprintf("/scenarios/%s/agents/%s", scenarioRunID, agentInstanceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *RemoteControlPlane) updateEventStatus(ctx context.Context, eventID string, req eventStatusRequest) (*models.EventInstance, error) {
	var event models.EventInstance
	path := fmt.Sprintf("/engines/events/%s/status", eventID)
	if err := c.do(ctx, http.MethodPut, path, req, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// do sends one JSON request and decodes the JSON response into out (when
// non-nil). Non-2xx responses become errors carrying the service sentinel
// matching the status code.
func (c *RemoteControlPlane) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(method, path, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// statusError converts an error response into the matching service sentinel
// so errors.Is works across process boundaries.
func (c *RemoteControlPlane) statusError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorResponse
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s %s: %s", services.ErrNotFound, method, path, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s %s: %s", services.ErrNotLeaseHolder, method, path, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s %s: %s", services.ErrInvalidInput, method, path, msg)
	}
	return fmt.Errorf("control plane %s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
}

var _ ControlPlane = (*RemoteControlPlane)(nil)
