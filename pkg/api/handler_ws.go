package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler handles GET /ws: upgrade to WebSocket and hand the connection to
// the ConnectionManager. The channels query parameter pre-subscribes the
// client (comma-separated, e.g. "scenarios,scenario:<id>"); further
// subscribe/unsubscribe/catchup actions arrive as client messages.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "websocket stream not available"})
		return
	}

	var channels []string
	for _, ch := range strings.Split(c.Query("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}

	// Same-origin requests and non-browser clients always pass; the settings
	// allowlist admits additional origins.
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.settings.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("WebSocket accept failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn, channels...)
}
