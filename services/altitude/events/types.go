// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides event types and fan-out for session observation.
//
// Events let the websocket stream, the CLI, and tests observe session
// lifecycle and phase progression without coupling to the session manager
// implementation. Delivery is per-subscriber, in emission order, with
// handler panics isolated.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeSessionStarted is emitted when a new session begins at LOW.
	TypeSessionStarted Type = "session_started"

	// TypePhaseUpdate is emitted periodically with remaining-time progress.
	TypePhaseUpdate Type = "phase_update"

	// TypePhaseAdvanced is emitted when a phase expires or is skipped.
	TypePhaseAdvanced Type = "phase_advanced"

	// TypeSessionPaused is emitted when the phase clock freezes.
	TypeSessionPaused Type = "session_paused"

	// TypeSessionResumed is emitted when the phase clock unfreezes.
	TypeSessionResumed Type = "session_resumed"

	// TypeSessionStopped is emitted when a session ends before completion.
	TypeSessionStopped Type = "session_stopped"

	// TypeSessionCompleted is emitted when the final cycle's HIGH expires.
	TypeSessionCompleted Type = "session_completed"

	// TypeBackgroundSync is emitted after recovery reconciliation, carrying
	// the snapshot the resumed session was fast-forwarded to.
	TypeBackgroundSync Type = "background_sync"
)

// AllTypes returns every event type, in lifecycle order.
func AllTypes() []Type {
	return []Type{
		TypeSessionStarted,
		TypePhaseUpdate,
		TypePhaseAdvanced,
		TypeSessionPaused,
		TypeSessionResumed,
		TypeSessionStopped,
		TypeSessionCompleted,
		TypeBackgroundSync,
	}
}

// Event is a single observation of session activity.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is the kind of event.
	Type Type `json:"type"`

	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Data is the event payload (one of the typed data structs below).
	Data any `json:"data,omitempty"`
}

// SessionData is the session snapshot carried by most event payloads.
type SessionData struct {
	// SessionID is the session identifier.
	SessionID string `json:"session_id"`

	// Status is the lifecycle status at emission time.
	Status protocol.SessionStatus `json:"status"`

	// Phase is the current protocol phase.
	Phase protocol.Phase `json:"phase"`

	// PendingPhase follows the current TRANSITION, empty otherwise.
	PendingPhase protocol.Phase `json:"pending_phase,omitempty"`

	// Cycle is the current cycle index.
	Cycle int `json:"cycle"`

	// TotalCycles is the configured cycle count.
	TotalCycles int `json:"total_cycles"`

	// Remaining is the current phase time left.
	Remaining time.Duration `json:"remaining"`

	// StartTime is when the session began.
	StartTime time.Time `json:"start_time"`
}

// AdvanceData is the payload of TypePhaseAdvanced.
type AdvanceData struct {
	// From is the phase that just ended.
	From protocol.Phase `json:"from"`

	// Skipped is true when the phase ended by manual skip, not expiry.
	Skipped bool `json:"skipped,omitempty"`

	// Session is the snapshot after the transition.
	Session SessionData `json:"session"`
}

// StoppedData is the payload of TypeSessionStopped and TypeSessionCompleted.
type StoppedData struct {
	// SessionID is the finalized session.
	SessionID string `json:"session_id"`

	// Reason classifies how the session ended.
	Reason protocol.EndReason `json:"reason"`

	// Detail optionally refines the reason (e.g., "safety timeout").
	Detail string `json:"detail,omitempty"`

	// Duration is the total wall-clock span of the session.
	Duration time.Duration `json:"duration"`

	// Stats is the frozen session summary.
	Stats protocol.SessionStats `json:"stats"`
}

// SyncData is the payload of TypeBackgroundSync.
type SyncData struct {
	// Replayed is the number of overdue transitions applied during
	// reconciliation.
	Replayed int `json:"replayed"`

	// Offline is how long the session was unobserved before recovery.
	Offline time.Duration `json:"offline"`

	// Session is the reconciled snapshot.
	Session SessionData `json:"session"`
}
