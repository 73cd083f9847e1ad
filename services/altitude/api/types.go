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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
)

// StartRequest is the body of POST /v1/session/start.
//
// Protocol fields are optional; omitted ones fall back to the server's
// configured defaults. Durations are Go duration strings ("7m", "420s").
type StartRequest struct {
	// ID is the session identifier. Empty lets the server mint a UUID.
	ID string `json:"id,omitempty"`

	// Cycles overrides the default cycle count.
	Cycles int `json:"cycles,omitempty"`

	// LowDuration overrides the reduced-oxygen phase length.
	LowDuration string `json:"low_duration,omitempty"`

	// HighDuration overrides the enriched-oxygen phase length.
	HighDuration string `json:"high_duration,omitempty"`
}

// protocolConfig merges the request over the server defaults.
func (r StartRequest) protocolConfig(defaults protocol.Config) (protocol.Config, error) {
	cfg := defaults
	if r.Cycles != 0 {
		cfg.TotalCycles = r.Cycles
	}
	if r.LowDuration != "" {
		d, err := time.ParseDuration(r.LowDuration)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("low_duration: %w", err)
		}
		cfg.LowPhaseDuration = d
	}
	if r.HighDuration != "" {
		d, err := time.ParseDuration(r.HighDuration)
		if err != nil {
			return protocol.Config{}, fmt.Errorf("high_duration: %w", err)
		}
		cfg.HighPhaseDuration = d
	}
	return cfg, nil
}

// StartResponse is the body of a successful session start.
type StartResponse struct {
	// SessionID is the started session's identifier.
	SessionID string `json:"session_id"`

	// Session is the initial session snapshot.
	Session session.SessionInfo `json:"session"`
}

// StopRequest is the optional body of POST /v1/session/stop.
type StopRequest struct {
	// Detail optionally records why the session was stopped.
	Detail string `json:"detail,omitempty"`
}

// ReadingRequest is the body of POST /v1/session/readings.
type ReadingRequest struct {
	// Kind is the reading kind ("spo2" or "heart_rate").
	Kind string `json:"kind"`

	// Value is the sample value.
	Value float64 `json:"value"`

	// CapturedAt is the sample instant. Zero means "now".
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// ReadingResponse acknowledges a buffered reading.
type ReadingResponse struct {
	// Accepted is true when the reading entered the buffer. Readings
	// arriving with no live session are dropped and still acknowledged;
	// sensors should not retry them.
	Accepted bool `json:"accepted"`
}

// RecoveryResponse is the body of GET /v1/recovery.
type RecoveryResponse struct {
	// CanRecover is true when an interrupted session may be resumed.
	CanRecover bool `json:"can_recover"`

	// Reason classifies the outcome (recoverable, none, expired, corrupted).
	Reason string `json:"reason"`

	// SessionAge is how stale the snapshot was at check time.
	SessionAge time.Duration `json:"session_age,omitempty"`

	// SessionID identifies the interrupted session, when one exists.
	SessionID string `json:"session_id,omitempty"`

	// Phase is the snapshot's phase position, when one exists.
	Phase protocol.Phase `json:"phase,omitempty"`

	// Cycle is the snapshot's cycle index, when one exists.
	Cycle int `json:"cycle,omitempty"`
}

// ResumeResponse is the body of a successful recovery resume.
type ResumeResponse struct {
	// SessionID is the resumed session.
	SessionID string `json:"session_id"`

	// Session is the reconciled snapshot.
	Session session.SessionInfo `json:"session"`
}

// HistoryResponse is the body of GET /v1/sessions/history.
type HistoryResponse struct {
	// Sessions is the archive page, newest first.
	Sessions []protocol.FinalRecord `json:"sessions"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	// Status is "ok" while the daemon serves.
	Status string `json:"status"`

	// SessionActive is true while a session is live.
	SessionActive bool `json:"session_active"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context.
	Details string `json:"details,omitempty"`
}
