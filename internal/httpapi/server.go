// Package httpapi exposes the admin HTTP surface of spec §6: /metrics
// (Prometheus text exposition) and /health. Grounded on the teacher's
// internal/httpapi package (echo app, middleware.Recover(), slog
// request logging).
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LivenessCheck reports whether the process is alive and its telemetry
// aggregator task is running, the condition spec §6 requires for
// /health to return 200.
type LivenessCheck func() bool

// Server is the admin Echo application.
type Server struct {
	echo *echo.Echo
}

// New constructs an Echo app exposing /metrics and /health.
func New(live LivenessCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e}
	s.registerRoutes(live)
	return s
}

func (s *Server) registerRoutes(live LivenessCheck) {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/health", func(c echo.Context) error {
		if live != nil && !live() {
			return c.String(http.StatusServiceUnavailable, "not ready")
		}
		return c.String(http.StatusOK, "ok")
	})
}

// Start begins serving on addr; it blocks until the server stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/metrics" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}
