// Package server hosts the relay on an echo instance.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/middleware"
	"github.com/nfrund/roomsync/internal/relay"
)

// Closer releases a resource when the server shuts down.
type Closer func(ctx context.Context) error

// Server holds the dependencies for the HTTP server.
type Server struct {
	E       *echo.Echo
	Relay   *relay.Server
	Cfg     config.Provider
	logger  *slog.Logger
	closers []Closer
}

// New creates a Server around r. closers run after the relay has stopped,
// in the order given.
func New(cfg config.Provider, r *relay.Server, logger *slog.Logger, closers ...Closer) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.Recover())
	setupErrorHandling(e)

	return &Server{
		E:       e,
		Relay:   r,
		Cfg:     cfg,
		logger:  logger.With("component", "server"),
		closers: closers,
	}
}

// setupErrorHandling logs unhandled errors with a stack trace before
// answering with echo's default error response.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			middleware.FromContext(c.Request().Context()).Error("Internal Server Error (Unhandled)",
				"error", err,
				"stack_trace", string(debug.Stack()))
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

// Shutdown stops the relay, then the HTTP server, then runs the closers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Relay.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relay: %w", err))
	}
	if err := s.E.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	for _, c := range s.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
