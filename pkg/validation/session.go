// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// database rows, time-series tags, or file paths. Using these validators
// prevents injection attacks (SQL/Flux injection, path traversal) and keeps
// identifiers usable as tag values downstream.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sessionIDPattern matches valid session identifiers.
// Session ids become InfluxDB tag values and SQLite primary keys, so the
// charset is deliberately tight: letters, digits, hyphens, underscores,
// starting alphanumeric. Max length: 64 characters (a UUID is 36).
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// ValidateSessionID validates a session identifier.
//
// Valid session ids:
//   - 1-64 characters
//   - Letters A-Z a-z and digits 0-9
//   - Hyphens (-) and underscores (_) after the first character
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateSessionID(id); err != nil {
//	    return nil, protocol.NewValidationError("invalid session id", err.Error())
//	}
//	// Safe to use as an Influx tag and a history primary key
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id format: %q (must be 1-64 alphanumeric chars, hyphens, or underscores)", id)
	}

	return nil
}

// SanitizeSessionID normalizes and validates a session identifier.
// Returns the trimmed id if valid, or an error if invalid.
//
// Use this at API and CLI edges where surrounding whitespace is likely:
//
//	safeID, err := validation.SanitizeSessionID(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeSessionID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateSessionID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// readingKinds is the closed set of measurement names the telemetry
// pipeline accepts. Kinds become Influx measurements, so arbitrary caller
// strings are rejected rather than forwarded.
var readingKinds = map[string]struct{}{
	"spo2":       {},
	"heart_rate": {},
}

// ValidateReadingKind validates a telemetry measurement name.
func ValidateReadingKind(kind string) error {
	if _, ok := readingKinds[kind]; !ok {
		return fmt.Errorf("unknown reading kind: %q (expected spo2 or heart_rate)", kind)
	}
	return nil
}
