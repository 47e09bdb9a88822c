package handler

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/signaling"
)

// SignalingHandler upgrades authenticated requests into hub connections.
type SignalingHandler struct {
	hub      *signaling.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewSignalingHandler accepts any Origin when allowedOrigins is empty.
func NewSignalingHandler(hub *signaling.Hub, allowedOrigins []string, logger *zap.Logger) *SignalingHandler {
	return &SignalingHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Connect handles GET /ws/signaling.  It blocks for the lifetime of the
// socket.
func (h *SignalingHandler) Connect(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	h.hub.Serve(c.Request().Context(), conn, userID)
	return nil
}
