// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid ids
		{"simple", "session1", false},
		{"single char", "a", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"underscores", "morning_run_42", false},
		{"mixed case", "Sess-01A", false},
		{"max length", "a123456789a123456789a123456789a123456789a123456789a1234567890123", false},

		// Invalid ids - injection attempts
		{"empty", "", true},
		{"flux injection", `s1") |> drop()`, true},
		{"sql injection", "s1'; DROP TABLE--", true},
		{"newline injection", "s1\n|> drop()", true},
		{"path traversal", "../etc/passwd", true},
		{"too long", "a123456789a123456789a123456789a123456789a123456789a12345678901234", true},
		{"special chars", "s1@#$", true},
		{"spaces", "s 1", true},
		{"starts with hyphen", "-s1", true},
		{"starts with underscore", "_s1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"already clean", "sess-1", "sess-1", false},
		{"trims whitespace", "  sess-1  ", "sess-1", false},
		{"trims tabs", "\tsess-1\n", "sess-1", false},
		{"case preserved", "Sess-1", "Sess-1", false},
		{"whitespace only", "   ", "", true},
		{"inner space survives trim and fails", " se ss ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestValidateReadingKind(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		wantErr bool
	}{
		{"spo2", "spo2", false},
		{"heart rate", "heart_rate", false},
		{"empty", "", true},
		{"unknown", "blood_pressure", true},
		{"case sensitive", "SpO2", true},
		{"measurement injection", `spo2,evil=1 value=0`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadingKind(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateReadingKind(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
		})
	}
}
