package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/roomsync/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	s.Relay.Routes(s.E, middleware.RateLimiter())

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}
