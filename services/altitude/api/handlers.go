// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
)

// defaultHistoryLimit pages the archive when no limit is given.
const defaultHistoryLimit = 20

// Handlers contains the HTTP handlers for the session API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	manager  *session.Manager
	history  HistoryReader
	defaults protocol.Config
	logger   *slog.Logger

	streamMu sync.Mutex
	streams  map[string]*streamClient
}

// NewHandlers creates handlers wrapping the session manager.
func NewHandlers(manager *session.Manager, hist HistoryReader, defaults protocol.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		manager:  manager,
		history:  hist,
		defaults: defaults,
		logger:   logger,
		streams:  make(map[string]*streamClient),
	}
}

// HandleStart handles POST /v1/session/start.
//
// Response:
//
//	200 OK: StartResponse
//	400 Bad Request: Malformed body or protocol config
//	409 Conflict: A session is already active
func (h *Handlers) HandleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	cfg, err := req.protocolConfig(h.defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid protocol config",
			Code:    "VALIDATION",
			Details: err.Error(),
		})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	started, err := h.manager.Start(c.Request.Context(), id, cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	info, _ := h.manager.Info()
	c.JSON(http.StatusOK, StartResponse{SessionID: started, Session: *info})
}

// HandleStatus handles GET /v1/session.
//
// Description:
//
//	Returns the live session, or the last ended one so clients can render
//	a summary after completion. 404 only before the first session.
func (h *Handlers) HandleStatus(c *gin.Context) {
	info, ok := h.manager.Info()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no session",
			Code:  "NO_SESSION",
		})
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandlePause handles POST /v1/session/pause.
func (h *Handlers) HandlePause(c *gin.Context) {
	if !h.requireLive(c) {
		return
	}
	h.manager.Pause(c.Request.Context())
	info, _ := h.manager.Info()
	c.JSON(http.StatusOK, info)
}

// HandleResume handles POST /v1/session/resume.
func (h *Handlers) HandleResume(c *gin.Context) {
	if !h.requireLive(c) {
		return
	}
	h.manager.Resume(c.Request.Context())
	info, _ := h.manager.Info()
	c.JSON(http.StatusOK, info)
}

// HandleSkip handles POST /v1/session/skip.
func (h *Handlers) HandleSkip(c *gin.Context) {
	if !h.manager.SkipPhase(c.Request.Context()) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "no live session to skip",
			Code:  "STATE",
		})
		return
	}
	info, _ := h.manager.Info()
	c.JSON(http.StatusOK, info)
}

// HandleStop handles POST /v1/session/stop.
//
// Response:
//
//	200 OK: session.StopResult
//	409 Conflict: No active session
func (h *Handlers) HandleStop(c *gin.Context) {
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	result, err := h.manager.Stop(c.Request.Context(), req.Detail)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleAddReading handles POST /v1/session/readings.
//
// Description:
//
//	Buffers one sensor reading. Always 202 on a valid kind: readings with
//	no live session are dropped by the manager and must not be retried by
//	the sensor loop.
func (h *Handlers) HandleAddReading(c *gin.Context) {
	var req ReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	if err := h.manager.AddReading(c.Request.Context(), req.Kind, req.Value, req.CapturedAt); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ReadingResponse{Accepted: true})
}

// HandleRecovery handles GET /v1/recovery.
func (h *Handlers) HandleRecovery(c *gin.Context) {
	rec, err := h.manager.Recoverable(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := RecoveryResponse{
		CanRecover: rec.CanRecover,
		Reason:     rec.Reason,
		SessionAge: rec.SessionAge,
	}
	if rec.Snapshot != nil {
		resp.SessionID = rec.Snapshot.Session.ID
		resp.Phase = rec.Snapshot.Phase.Phase
		resp.Cycle = rec.Snapshot.Phase.Cycle
	}
	c.JSON(http.StatusOK, resp)
}

// HandleResumeRecovered handles POST /v1/recovery/resume.
//
// Response:
//
//	200 OK: ResumeResponse
//	409 Conflict: Nothing recoverable, window expired, or session active
func (h *Handlers) HandleResumeRecovered(c *gin.Context) {
	rec, err := h.manager.Recoverable(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !rec.CanRecover {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "no recoverable session",
			Code:    "STATE",
			Details: rec.Reason,
		})
		return
	}

	id, err := h.manager.ResumeRecovered(c.Request.Context(), rec)
	if err != nil {
		h.writeError(c, err)
		return
	}

	info, _ := h.manager.Info()
	c.JSON(http.StatusOK, ResumeResponse{SessionID: id, Session: *info})
}

// HandleDeclineRecovery handles POST /v1/recovery/decline.
func (h *Handlers) HandleDeclineRecovery(c *gin.Context) {
	if err := h.manager.DeclineRecovery(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"declined": true})
}

// HandleHistory handles GET /v1/sessions/history.
//
// Query Parameters:
//
//	limit: Maximum number of results (optional, default 20)
func (h *Handlers) HandleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "history store not configured",
			Code:  "HISTORY_UNAVAILABLE",
		})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  "VALIDATION",
			})
			return
		}
		limit = parsed
	}

	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("history list failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to list history",
			Code:  "INTERNAL",
		})
		return
	}
	if records == nil {
		records = []protocol.FinalRecord{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Sessions: records})
}

// HandleHistoryGet handles GET /v1/sessions/history/:id.
func (h *Handlers) HandleHistoryGet(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "history store not configured",
			Code:  "HISTORY_UNAVAILABLE",
		})
		return
	}

	rec, found, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("history get failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read history",
			Code:  "INTERNAL",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "session not found",
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	info, ok := h.manager.Info()
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		SessionActive: ok && info.Session.Status.IsLive(),
	})
}

// requireLive writes 409 and returns false when no live session exists.
func (h *Handlers) requireLive(c *gin.Context) bool {
	info, ok := h.manager.Info()
	if !ok || !info.Session.Status.IsLive() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "no active session",
			Code:  "STATE",
		})
		return false
	}
	return true
}

// writeError maps the protocol error taxonomy onto HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, protocol.ErrValidation):
		status = http.StatusBadRequest
		code = "VALIDATION"
	case errors.Is(err, protocol.ErrState):
		status = http.StatusConflict
		code = "STATE"
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		resp.Error = perr.Message
		resp.Details = perr.Details
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("error", err.Error()))
	}
	c.JSON(status, resp)
}
