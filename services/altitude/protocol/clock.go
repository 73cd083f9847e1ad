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

import "time"

// PhaseClock converts an absolute anchor timestamp plus a phase duration
// into remaining/elapsed time, with pause/resume that preserves remaining
// time exactly across arbitrarily long freezes.
//
// Description:
//
//	The clock never accumulates per-tick deltas. Remaining time is always
//	recomputed from the anchor, so a clock observed after seconds, minutes,
//	or a process restart yields the same answer as one observed every tick.
//	Pausing records the freeze instant; resuming shifts the anchor forward
//	by the full pause length, which is what preserves remaining time.
//
// Thread Safety: NOT safe for concurrent use. The owning machine/manager
// serializes access.
type PhaseClock struct {
	anchor   time.Time
	duration time.Duration
	pausedAt time.Time // zero while running
}

// StartPhase anchors the clock at now for a phase of the given duration.
//
// Inputs:
//   - d: Full phase length. Must be > 0 for meaningful expiry.
//   - now: The absolute instant the phase begins.
func (c *PhaseClock) StartPhase(d time.Duration, now time.Time) {
	c.anchor = now
	c.duration = d
	c.pausedAt = time.Time{}
}

// RestartAt anchors the clock at an explicit instant, used when replaying
// overdue transitions and when reconstructing from a checkpoint. The paused
// flag is cleared; callers restore it separately when needed.
//
// Inputs:
//   - anchor: The absolute instant the phase began (possibly in the past).
//   - d: Full phase length.
func (c *PhaseClock) RestartAt(anchor time.Time, d time.Duration) {
	c.anchor = anchor
	c.duration = d
	c.pausedAt = time.Time{}
}

// Remaining returns the phase time left at now, never negative.
//
// While paused, the freeze instant substitutes for now, so the value stays
// constant for the whole pause.
//
// Inputs:
//   - now: Observation instant.
//
// Outputs:
//
//	time.Duration - max(0, duration - (now - anchor)).
func (c *PhaseClock) Remaining(now time.Time) time.Duration {
	ref := now
	if !c.pausedAt.IsZero() {
		ref = c.pausedAt
	}
	rem := c.duration - ref.Sub(c.anchor)
	if rem < 0 {
		return 0
	}
	return rem
}

// Elapsed returns how much of the phase has run at now, capped at duration.
func (c *PhaseClock) Elapsed(now time.Time) time.Duration {
	return c.duration - c.Remaining(now)
}

// Expired reports whether the phase has fully elapsed at now.
func (c *PhaseClock) Expired(now time.Time) bool {
	return c.Remaining(now) == 0
}

// Pause freezes the clock at now.
//
// A second Pause while already paused is a no-op.
//
// Outputs:
//
//	bool - True if the clock transitioned to paused, false on the no-op.
func (c *PhaseClock) Pause(now time.Time) bool {
	if !c.pausedAt.IsZero() {
		return false
	}
	c.pausedAt = now
	return true
}

// Resume unfreezes the clock at now, shifting the anchor forward by the
// pause length so remaining time is preserved exactly.
//
// Resume while not paused is a no-op.
//
// Outputs:
//
//	bool - True if the clock transitioned to running, false on the no-op.
func (c *PhaseClock) Resume(now time.Time) bool {
	if c.pausedAt.IsZero() {
		return false
	}
	c.anchor = c.anchor.Add(now.Sub(c.pausedAt))
	c.pausedAt = time.Time{}
	return true
}

// Paused reports whether the clock is currently frozen.
func (c *PhaseClock) Paused() bool {
	return !c.pausedAt.IsZero()
}

// PausedAt returns the freeze instant and whether the clock is paused.
func (c *PhaseClock) PausedAt() (time.Time, bool) {
	return c.pausedAt, !c.pausedAt.IsZero()
}

// Anchor returns the absolute instant the current phase began.
func (c *PhaseClock) Anchor() time.Time {
	return c.anchor
}

// Duration returns the full length of the current phase.
func (c *PhaseClock) Duration() time.Duration {
	return c.duration
}

// setPaused restores a persisted freeze instant during reconstruction.
func (c *PhaseClock) setPaused(at time.Time) {
	c.pausedAt = at
}
