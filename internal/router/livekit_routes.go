package router

import (
	"github.com/labstack/echo/v4"

	"github.com/verbfy/lesson-rtc/internal/handler"
	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/model"
)

// RegisterLiveKit registers the room token endpoints under /api/livekit.
// Token and validation require a valid JWT of any platform role; the
// token endpoint additionally passes through limiter when one is given.
// The webhook is authenticated by LiveKit's own signature.
func RegisterLiveKit(e *echo.Echo, lk *handler.LiveKitHandler, wh *handler.WebhookHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/api/livekit")
	g.POST("/webhook", wh.Receive)

	authed := g.Group("",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleStudent, model.RoleTeacher, model.RoleAdmin),
	)
	if limiter != nil {
		authed.POST("/token/:roomName", lk.Token, limiter)
	} else {
		authed.POST("/token/:roomName", lk.Token)
	}
	authed.GET("/validate/:roomName", lk.Validate)
}

// RegisterSignaling mounts the websocket endpoint.  Browsers pass the
// access token as ?token= since they cannot set headers on upgrades.
func RegisterSignaling(e *echo.Echo, s *handler.SignalingHandler, jwtSecret string) {
	e.GET("/ws/signaling", s.Connect, middleware.JWTAuth(jwtSecret))
}
