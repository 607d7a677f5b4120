// Package server assembles the echo instance from registered handlers.
package server

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/uniboxhq/unibox/internal/auth"
)

// Handler registers a set of routes on the echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

// Paths that bypass JWT auth: provider webhooks carry their own
// verification, media URLs are served to browser tags, and the
// websocket authenticates during the upgrade.
var (
	jwtExactSkipPaths = map[string]struct{}{
		"/health":   {},
		"/realtime": {},
	}
	jwtPrefixSkipPaths = []string{
		"/webhooks/",
		"/media/",
	}
)

func shouldSkipJWT(path string) bool {
	if _, ok := jwtExactSkipPaths[path]; ok {
		return true
	}
	for _, prefix := range jwtPrefixSkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Server is the HTTP front of the engine.
type Server struct {
	echo *echo.Echo
	addr string
}

// New builds the echo instance, wires middleware and registers every
// handler.
func New(log *slog.Logger, addr, jwtSecret string, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{echo: e, addr: addr}
}

// Start blocks serving HTTP until Stop or failure.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop drains and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
