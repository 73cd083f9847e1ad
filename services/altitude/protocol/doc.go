// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol implements the interval hypoxic training protocol core:
// the phase/cycle state machine and its wall-clock-anchored timing model.
//
// A training session alternates low-oxygen and high-oxygen phases, organized
// into cycles, separated by short fixed-length mask-switch transitions. The
// phase ordering is a small fixed table (LOW -> TRANSITION -> HIGH ->
// TRANSITION -> LOW ... -> COMPLETED), not user-definable.
//
// All timing derives from absolute anchor timestamps rather than accumulated
// per-tick deltas, so phase progression stays correct across missed ticks,
// process suspension, and crash recovery. PhaseClock converts an anchor plus
// a duration into remaining time and supports pause/resume without drift;
// Machine owns the phase, cycle, and clock and enforces the transition table.
//
// Thread Safety:
//
//	PhaseClock and Machine are NOT internally synchronized. They are designed
//	for a single logical owner (the session manager) that serializes all
//	access behind its own mutex.
package protocol
