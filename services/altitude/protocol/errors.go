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

import "errors"

// Caller-visible error taxonomy. Only validation and state errors surface to
// callers; persistence, sync, and recovery failures are logged and degrade
// gracefully inside their owning components without ending a session.
var (
	// ErrValidation indicates a malformed session id or protocol config.
	// The operation is rejected synchronously and no session is created.
	ErrValidation = errors.New("validation failed")

	// ErrState indicates an operation invalid for the current session
	// status, such as starting while a session is active. The call is
	// rejected with no mutation.
	ErrState = errors.New("invalid operation for current session state")

	// ErrNoTransition indicates the phase machine has no table entry for
	// the current phase. Reaching it means the machine is in COMPLETED or
	// state corruption slipped past an invariant.
	ErrNoTransition = errors.New("no transition from current phase")
)

// ProtocolError carries structured error information across the API surface.
//
// ProtocolError implements the error interface, allowing it to be used as a
// standard Go error while exposing a machine-readable code to HTTP clients.
type ProtocolError struct {
	// Code is a machine-readable error code ("VALIDATION", "STATE").
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// Details contains additional error context.
	Details string `json:"details,omitempty"`

	// Recoverable indicates if the error might be resolved by retry.
	Recoverable bool `json:"recoverable"`
}

// Error returns the string representation of the error.
func (e *ProtocolError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps the code back to its sentinel so errors.Is classification
// works on both sides of the API boundary.
func (e *ProtocolError) Unwrap() error {
	switch e.Code {
	case "VALIDATION":
		return ErrValidation
	case "STATE":
		return ErrState
	}
	return nil
}

// NewValidationError builds a ProtocolError wrapping the VALIDATION code.
func NewValidationError(message, details string) *ProtocolError {
	return &ProtocolError{
		Code:        "VALIDATION",
		Message:     message,
		Details:     details,
		Recoverable: false,
	}
}

// NewStateError builds a ProtocolError wrapping the STATE code.
func NewStateError(message, details string) *ProtocolError {
	return &ProtocolError{
		Code:        "STATE",
		Message:     message,
		Details:     details,
		Recoverable: true,
	}
}
