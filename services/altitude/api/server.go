// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the session manager over HTTP.
//
// The surface is a small REST API for session control plus a websocket
// event stream, intended for the companion app and local tooling on the
// same machine as the breathing hardware.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAltitude/pkg/observability"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
)

// serviceName tags otelgin spans for this server.
const serviceName = "altitude-api"

// HistoryReader is the archive surface the API reads from.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]protocol.FinalRecord, error)
	Get(ctx context.Context, sessionID string) (protocol.FinalRecord, bool, error)
}

// Config tunes the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64

	// RateBurst is the limiter burst size. Zero means 1.
	RateBurst int

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration

	// Defaults is the protocol used when a start request omits fields.
	Defaults protocol.Config
}

// Server serves the session API.
//
// Thread Safety: Safe for concurrent use once constructed.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	handlers *Handlers
	logger   *slog.Logger
}

// NewServer wires routes, middleware, and handlers.
//
// Inputs:
//   - cfg: Listener and default-protocol settings.
//   - manager: The session manager. Must not be nil.
//   - hist: Completed-session archive; nil disables the history routes.
//   - logger: Structured logger; nil uses the default.
//
// Outputs:
//
//	*Server - Ready to Start.
func NewServer(cfg Config, manager *session.Manager, hist HistoryReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(requestIDMiddleware())
	engine.Use(requestLogMiddleware(logger))
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		engine.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}

	handlers := NewHandlers(manager, hist, cfg.Defaults, logger)

	engine.GET("/healthz", handlers.HandleHealth)
	engine.GET("/metrics", func(c *gin.Context) {
		h := observability.MetricsHandler()
		if h == nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "metrics exporter not initialized",
				Code:  "METRICS_UNAVAILABLE",
			})
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	v1 := engine.Group("/v1")
	RegisterRoutes(v1, handlers)

	return &Server{
		engine:   engine,
		handlers: handlers,
		logger:   logger,
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// RegisterRoutes registers the session API under the given group.
//
// Endpoints:
//
//	POST /v1/session/start - Start a session
//	GET  /v1/session - Current (or last) session status
//	POST /v1/session/pause - Freeze the phase clock
//	POST /v1/session/resume - Unfreeze the phase clock
//	POST /v1/session/skip - Force the current phase to end
//	POST /v1/session/stop - End the session early
//	POST /v1/session/readings - Buffer a sensor reading
//	GET  /v1/recovery - Interrupted-session recovery offer
//	POST /v1/recovery/resume - Resume the offered session
//	POST /v1/recovery/decline - Decline and archive the offer
//	GET  /v1/sessions/history - Completed-session archive
//	GET  /v1/sessions/history/:id - One archived session
//	GET  /v1/events - Websocket event stream
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	sess := rg.Group("/session")
	{
		sess.POST("/start", handlers.HandleStart)
		sess.GET("", handlers.HandleStatus)
		sess.POST("/pause", handlers.HandlePause)
		sess.POST("/resume", handlers.HandleResume)
		sess.POST("/skip", handlers.HandleSkip)
		sess.POST("/stop", handlers.HandleStop)
		sess.POST("/readings", handlers.HandleAddReading)
	}

	rec := rg.Group("/recovery")
	{
		rec.GET("", handlers.HandleRecovery)
		rec.POST("/resume", handlers.HandleResumeRecovered)
		rec.POST("/decline", handlers.HandleDeclineRecovery)
	}

	rg.GET("/sessions/history", handlers.HandleHistory)
	rg.GET("/sessions/history/:id", handlers.HandleHistoryGet)

	rg.GET("/events", handlers.HandleEvents)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
//
// Outputs:
//
//	error - The listener error; nil after a clean Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.handlers.closeStreams()
	return s.http.Shutdown(ctx)
}
