// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TransitionDuration is the fixed length of the mask-switch transition
// between oxygen phases. It is a protocol constant, not per-session
// configuration.
const TransitionDuration = 10 * time.Second

// Phase represents a state in the protocol phase machine.
//
// Valid phase transitions are enforced by Machine's fixed transition table.
type Phase string

const (
	// PhaseLow is the reduced-oxygen breathing phase.
	PhaseLow Phase = "LOW"

	// PhaseTransition is the short mask-switch buffer between oxygen phases.
	PhaseTransition Phase = "TRANSITION"

	// PhaseHigh is the enriched-oxygen breathing phase.
	PhaseHigh Phase = "HIGH"

	// PhaseCompleted is the terminal phase after the final cycle's HIGH.
	PhaseCompleted Phase = "COMPLETED"
)

// String returns the string representation of the phase.
//
// Outputs:
//
//	string - The phase as a string (e.g., "LOW", "TRANSITION")
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if the phase is COMPLETED.
//
// Outputs:
//
//	bool - True if phase is COMPLETED
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted
}

// AllPhases returns all valid protocol phases.
//
// Outputs:
//
//	[]Phase - Slice containing all 4 valid phases
func AllPhases() []Phase {
	return []Phase{
		PhaseLow,
		PhaseTransition,
		PhaseHigh,
		PhaseCompleted,
	}
}

// SessionStatus represents the lifecycle status of a training session.
type SessionStatus string

const (
	// StatusActive is a running session with phase progression.
	StatusActive SessionStatus = "active"

	// StatusPaused is a session whose phase clock is frozen.
	StatusPaused SessionStatus = "paused"

	// StatusCompleted is a session that finished all configured cycles.
	StatusCompleted SessionStatus = "completed"

	// StatusStopped is a session ended by the caller before completion.
	StatusStopped SessionStatus = "stopped"

	// StatusAbandoned is an interrupted session whose recovery window
	// elapsed or whose recovery the user declined.
	StatusAbandoned SessionStatus = "abandoned"
)

// String returns the string representation of the status.
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal returns true for statuses that end a session permanently.
//
// Outputs:
//
//	bool - True if status is completed, stopped, or abandoned
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusAbandoned:
		return true
	default:
		return false
	}
}

// IsLive returns true for statuses under which the session still exists.
//
// Outputs:
//
//	bool - True if status is active or paused
func (s SessionStatus) IsLive() bool {
	return s == StatusActive || s == StatusPaused
}

// EndReason classifies how a session ended, for finalization records.
type EndReason string

const (
	// EndCompleted marks a session that ran every configured cycle.
	EndCompleted EndReason = "completed"

	// EndStopped marks a session stopped by the caller or the safety timeout.
	EndStopped EndReason = "stopped"

	// EndAbandoned marks an interrupted session not resumed in time.
	EndAbandoned EndReason = "abandoned"
)

// String returns the string representation of the end reason.
func (r EndReason) String() string {
	return string(r)
}

// configValidate is the validator instance for protocol configuration.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Config is the immutable protocol configuration for one session.
//
// Description:
//
//	Defines the cycle count and the per-phase breathing durations. The
//	mask-switch transition length is the fixed TransitionDuration constant
//	and is not configurable. Config must not change once a session starts;
//	it is captured in every checkpoint so recovery reconstructs the exact
//	protocol.
//
// Thread Safety: Immutable value type; safe for concurrent use.
type Config struct {
	// TotalCycles is the number of LOW+HIGH pairs in the session. Must be >= 1.
	TotalCycles int `json:"total_cycles" validate:"required,min=1"`

	// LowPhaseDuration is the length of each reduced-oxygen phase. Must be > 0.
	LowPhaseDuration time.Duration `json:"low_phase_duration" validate:"required,gt=0"`

	// HighPhaseDuration is the length of each enriched-oxygen phase. Must be > 0.
	HighPhaseDuration time.Duration `json:"high_phase_duration" validate:"required,gt=0"`
}

// Validate checks the configuration against the protocol's bounds.
//
// Outputs:
//
//	error - Non-nil if cycles < 1 or any phase duration is not positive.
//	        Wraps ErrValidation so callers can errors.Is against the taxonomy.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// PhaseDuration returns the configured length for a non-transition phase.
//
// Inputs:
//   - p: The phase to look up. TRANSITION returns the fixed constant;
//     COMPLETED returns 0.
//
// Outputs:
//
//	time.Duration - The phase length.
func (c Config) PhaseDuration(p Phase) time.Duration {
	switch p {
	case PhaseLow:
		return c.LowPhaseDuration
	case PhaseHigh:
		return c.HighPhaseDuration
	case PhaseTransition:
		return TransitionDuration
	default:
		return 0
	}
}

// Session identifies one training session and its lifecycle status.
type Session struct {
	// ID uniquely identifies the session. Caller-supplied or generated.
	ID string `json:"id"`

	// StartTime is the absolute wall-clock instant the session began.
	StartTime time.Time `json:"start_time"`

	// Status is the current lifecycle status.
	Status SessionStatus `json:"status"`

	// Config is the protocol configuration, immutable after start.
	Config Config `json:"config"`
}

// PhaseState is a snapshot of the machine's phase progression.
//
// Description:
//
//	Carries everything needed to reconstruct phase timing after a process
//	restart: the current phase, the pending phase while in TRANSITION, the
//	cycle index, and the absolute anchor/duration pair the PhaseClock runs
//	on. PausedAt is non-nil only while the clock is frozen.
//
// Thread Safety: Value snapshot; safe to share after creation.
type PhaseState struct {
	// Phase is the current protocol phase.
	Phase Phase `json:"phase"`

	// PendingPhase is the phase that follows the current TRANSITION.
	// Empty in every other phase.
	PendingPhase Phase `json:"pending_phase,omitempty"`

	// Cycle is the current cycle index in [1, TotalCycles].
	Cycle int `json:"cycle"`

	// AnchorTime is the absolute instant the current phase began.
	AnchorTime time.Time `json:"anchor_time"`

	// PhaseDuration is the full length of the current phase.
	PhaseDuration time.Duration `json:"phase_duration"`

	// PausedAt is the freeze instant while paused, nil otherwise.
	PausedAt *time.Time `json:"paused_at,omitempty"`
}

// Remaining returns the phase time left at the given instant, never negative.
func (s PhaseState) Remaining(now time.Time) time.Duration {
	ref := now
	if s.PausedAt != nil {
		ref = *s.PausedAt
	}
	rem := s.PhaseDuration - ref.Sub(s.AnchorTime)
	if rem < 0 {
		return 0
	}
	return rem
}

// Reading kinds accepted by the telemetry pipeline.
const (
	// ReadingSpO2 is peripheral oxygen saturation, percent.
	ReadingSpO2 = "spo2"

	// ReadingHeartRate is heart rate, beats per minute.
	ReadingHeartRate = "heart_rate"
)

// Reading is a single timestamped sensor sample.
//
// Description:
//
//	Readings are stamped with the session, phase, and cycle at capture time
//	and are immutable once buffered. The (SessionID, Kind, CapturedAt)
//	triple acts as the idempotency key downstream, so re-delivery after a
//	failed flush is harmless.
type Reading struct {
	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Kind names the measurement (e.g., "spo2", "heart_rate").
	Kind string `json:"kind"`

	// Value is the sample value in the kind's natural unit.
	Value float64 `json:"value"`

	// Phase is the protocol phase at capture time.
	Phase Phase `json:"phase"`

	// Cycle is the cycle index at capture time.
	Cycle int `json:"cycle"`

	// CapturedAt is the absolute sample timestamp.
	CapturedAt time.Time `json:"captured_at"`
}
