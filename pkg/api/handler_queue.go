package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/troupelab/troupe/pkg/bus"
	"github.com/troupelab/troupe/pkg/models"
)

// busPublishTimeout bounds how long the status handler waits on bus
// backpressure when republishing a remote worker's output.
const busPublishTimeout = 5 * time.Second

// leaseEventsHandler handles POST /engines/queue/request, the single lease
// endpoint every engine worker polls.
func (s *Server) leaseEventsHandler(c *gin.Context) {
	var req models.LeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	leased, err := s.control.Lease(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if leased == nil {
		leased = []*models.EventInstance{}
	}

	c.JSON(http.StatusOK, leaseResponse{Events: leased, Count: len(leased)})
}

// eventStatusHandler handles PUT /engines/events/:id/status. Every update
// must present the current lease holder's engine id. "processing" refreshes
// the lease; "completed" and "failed" finish the event; "retrying" reports a
// failure and lets the queue decide between a retry slot and terminal failed.
func (s *Server) eventStatusHandler(c *gin.Context) {
	eventID := c.Param("id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "event id is required"})
		return
	}

	var req eventStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.EngineID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "engine_id is required"})
		return
	}

	ctx := c.Request.Context()
	switch req.Status {
	case "processing":
		extension := time.Duration(req.LeaseExtensionSeconds) * time.Second
		if extension <= 0 {
			extension = models.LeaseDuration
		}
		event, err := s.control.ExtendLease(ctx, eventID, req.EngineID, extension)
		if err != nil {
			mapServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, event)

	case "completed":
		result := req.Result
		if req.ProcessingTimeMS > 0 {
			if result == nil {
				result = make(map[string]any, 1)
			}
			if _, ok := result[models.ResultKeyProcessingTimeMS]; !ok {
				result[models.ResultKeyProcessingTimeMS] = req.ProcessingTimeMS
			}
		}
		event, err := s.control.Complete(ctx, eventID, req.EngineID, result)
		if err != nil {
			mapServiceError(c, err)
			return
		}
		s.republishOutput(ctx, event)
		c.JSON(http.StatusOK, event)

	case "failed", "retrying":
		errMsg := req.Error
		if errMsg == "" {
			errMsg = "engine reported failure"
		}
		event, err := s.control.Fail(ctx, eventID, req.EngineID, errMsg)
		if err != nil {
			mapServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, event)

	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid status: must be processing, completed, failed, or retrying"})
	}
}

// republishOutput mirrors what in-process workers do after completing an
// event: hand the output envelope to the manager's bus for routing. Remote
// workers have no bus, so the handler publishes on their behalf.
func (s *Server) republishOutput(ctx context.Context, event *models.EventInstance) {
	if s.eventBus == nil || event == nil || event.TargetAgentID == nil {
		return
	}
	outputType, _ := event.Result[models.ResultKeyOutputEventType].(string)
	if outputType == "" {
		return
	}

	payload := map[string]any{}
	if content, ok := event.Result[models.ResultKeyContent]; ok {
		payload[models.PayloadKeyContent] = content
	}
	if data, ok := event.Result[models.ResultKeyData].(map[string]any); ok {
		for k, v := range data {
			payload[k] = v
		}
	}

	pubCtx, cancel := context.WithTimeout(ctx, busPublishTimeout)
	defer cancel()
	if err := s.eventBus.Publish(pubCtx, bus.OutputEvent{
		ScenarioRunID: event.ScenarioRunID,
		SourceAgentID: *event.TargetAgentID,
		EventType:     outputType,
		Payload:       payload,
	}); err != nil {
		slog.Warn("Failed to publish remote engine output",
			"event_id", event.EventID, "output_event_type", outputType, "error", err)
	}
}
