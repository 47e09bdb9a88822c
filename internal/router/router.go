// Package router registers HTTP routes on an Echo instance.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/verbfy/lesson-rtc/internal/handler"
	"github.com/verbfy/lesson-rtc/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers the sign-in endpoints under /v1/auth and the
// protected profile endpoint under /v1.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)

	auth := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	auth.GET("/me", a.Me)
}
