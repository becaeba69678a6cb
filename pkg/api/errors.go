package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/services"
)

// mapServiceError writes the HTTP error response for a service-layer error.
// The status codes mirror engine.RemoteControlPlane's reverse mapping, so
// sentinel identity survives the wire for remote workers.
func mapServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: validErr.Error()})
		return
	}
	if errors.Is(err, services.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	// Template lookups carry their own sentinels; they are not-found to API
	// callers all the same.
	if errors.Is(err, config.ErrScenarioTemplateNotFound) || errors.Is(err, config.ErrAgentTemplateNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "resource not found"})
		return
	}
	if errors.Is(err, services.ErrNotLeaseHolder) {
		c.JSON(http.StatusConflict, errorResponse{Error: "engine does not hold the event lease"})
		return
	}
	if errors.Is(err, services.ErrTerminalState) {
		c.JSON(http.StatusConflict, errorResponse{Error: "entity is in a terminal state"})
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, errorResponse{Error: "resource already exists"})
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}
