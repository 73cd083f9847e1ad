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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClockRemaining verifies remaining time derives from the anchor, not
// from how often the clock is observed.
func TestClockRemaining(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var c PhaseClock
	c.StartPhase(420*time.Second, t0)

	assert.Equal(t, 420*time.Second, c.Remaining(t0))
	assert.Equal(t, 320*time.Second, c.Remaining(t0.Add(100*time.Second)))

	// Observing sparsely or repeatedly yields identical answers.
	assert.Equal(t, 20*time.Second, c.Remaining(t0.Add(400*time.Second)))
	assert.Equal(t, 20*time.Second, c.Remaining(t0.Add(400*time.Second)))

	t.Run("never negative", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), c.Remaining(t0.Add(421*time.Second)))
		assert.Equal(t, time.Duration(0), c.Remaining(t0.Add(24*time.Hour)))
	})

	t.Run("expired at exact boundary", func(t *testing.T) {
		assert.False(t, c.Expired(t0.Add(419*time.Second)))
		assert.True(t, c.Expired(t0.Add(420*time.Second)))
	})

	t.Run("elapsed caps at duration", func(t *testing.T) {
		assert.Equal(t, 100*time.Second, c.Elapsed(t0.Add(100*time.Second)))
		assert.Equal(t, 420*time.Second, c.Elapsed(t0.Add(9000*time.Second)))
	})
}

// TestClockPauseResume verifies remaining time survives an arbitrarily long
// pause exactly, with the anchor shifted by the full pause length.
func TestClockPauseResume(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var c PhaseClock
	c.StartPhase(420*time.Second, t0)

	pausedAt := t0.Add(320 * time.Second) // 100s remaining
	require.True(t, c.Pause(pausedAt))
	require.True(t, c.Paused())

	// Frozen: a 30 minute pause does not consume phase time.
	assert.Equal(t, 100*time.Second, c.Remaining(pausedAt))
	assert.Equal(t, 100*time.Second, c.Remaining(pausedAt.Add(30*time.Minute)))

	resumeAt := pausedAt.Add(30 * time.Minute)
	require.True(t, c.Resume(resumeAt))
	require.False(t, c.Paused())

	// Still 100s remaining at the resume instant, expiring exactly 100s later.
	assert.Equal(t, 100*time.Second, c.Remaining(resumeAt))
	assert.False(t, c.Expired(resumeAt.Add(99*time.Second)))
	assert.True(t, c.Expired(resumeAt.Add(100*time.Second)))
	assert.Equal(t, t0.Add(30*time.Minute), c.Anchor())
}

// TestClockPauseResumeNoOps verifies double pause and stray resume leave the
// clock untouched.
func TestClockPauseResumeNoOps(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var c PhaseClock
	c.StartPhase(60*time.Second, t0)

	assert.False(t, c.Resume(t0.Add(time.Second)), "resume while running is a no-op")

	require.True(t, c.Pause(t0.Add(10*time.Second)))
	assert.False(t, c.Pause(t0.Add(20*time.Second)), "second pause is a no-op")

	// The original freeze instant is preserved.
	at, ok := c.PausedAt()
	require.True(t, ok)
	assert.Equal(t, t0.Add(10*time.Second), at)
	assert.Equal(t, 50*time.Second, c.Remaining(t0.Add(time.Hour)))
}

// TestClockRestartAt verifies re-anchoring in the past yields already-elapsed
// time, which is what overdue-transition replay relies on.
func TestClockRestartAt(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var c PhaseClock
	c.RestartAt(t0.Add(-15*time.Second), 10*time.Second)

	assert.True(t, c.Expired(t0))
	assert.Equal(t, time.Duration(0), c.Remaining(t0))

	t.Run("clears paused flag", func(t *testing.T) {
		c.Pause(t0)
		c.RestartAt(t0, 10*time.Second)
		assert.False(t, c.Paused())
	})
}
