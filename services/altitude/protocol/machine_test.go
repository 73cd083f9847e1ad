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

func testConfig() Config {
	return Config{
		TotalCycles:       3,
		LowPhaseDuration:  420 * time.Second,
		HighPhaseDuration: 180 * time.Second,
	}
}

// TestMachineCompletionSequence drives a three-cycle session through every
// phase expiry and verifies the full ordering and cycle numbering.
func TestMachineCompletionSequence(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewMachine(testConfig(), t0)

	require.Equal(t, PhaseLow, m.Phase())
	require.Equal(t, 1, m.Cycle())

	// Walk to COMPLETED, ticking exactly at each expiry instant.
	occupied := []PhaseState{m.State()}
	for !m.Completed() {
		st := m.State()
		expiry := st.AnchorTime.Add(st.PhaseDuration)

		advanced := m.Tick(expiry)
		require.Len(t, advanced, 1, "exactly one transition per expiry")
		occupied = append(occupied, advanced[0])
	}

	// Initial LOW plus eleven expirations, the last landing in COMPLETED.
	require.Len(t, occupied, 12)

	wantPhases := []Phase{
		PhaseLow, PhaseTransition, PhaseHigh, PhaseTransition,
		PhaseLow, PhaseTransition, PhaseHigh, PhaseTransition,
		PhaseLow, PhaseTransition, PhaseHigh,
		PhaseCompleted,
	}
	wantCycles := []int{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3}

	for i, want := range wantPhases {
		assert.Equal(t, want, occupied[i].Phase, "phase %d", i)
	}
	for i, want := range wantCycles {
		assert.Equal(t, want, occupied[i].Cycle, "cycle of timed phase %d", i)
	}

	t.Run("pending phase alternates through transitions", func(t *testing.T) {
		assert.Equal(t, PhaseHigh, occupied[1].PendingPhase)
		assert.Equal(t, PhaseLow, occupied[3].PendingPhase)
		assert.Equal(t, Phase(""), occupied[2].PendingPhase)
	})

	t.Run("terminal machine never advances again", func(t *testing.T) {
		assert.Nil(t, m.Tick(t0.Add(48*time.Hour)))
		_, ok := m.Skip(t0.Add(48*time.Hour))
		assert.False(t, ok)
	})
}

// TestMachineReplayAfterGap verifies a single late tick replays every missed
// transition, each anchored at its exact expiry instant rather than at the
// observation time.
func TestMachineReplayAfterGap(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewMachine(testConfig(), t0)

	// First observation 10m35s in: LOW (420s), TRANSITION (10s), and HIGH
	// (180s) have all expired, plus the following TRANSITION (10s). The
	// machine should land 15s into LOW of cycle 2.
	advanced := m.Tick(t0.Add(635 * time.Second))
	require.Len(t, advanced, 4)

	assert.Equal(t, t0.Add(420*time.Second), advanced[0].AnchorTime)
	assert.Equal(t, t0.Add(430*time.Second), advanced[1].AnchorTime)
	assert.Equal(t, t0.Add(610*time.Second), advanced[2].AnchorTime)
	assert.Equal(t, t0.Add(620*time.Second), advanced[3].AnchorTime)

	assert.Equal(t, PhaseLow, m.Phase())
	assert.Equal(t, 2, m.Cycle())
	assert.Equal(t, 405*time.Second, m.Remaining(t0.Add(635*time.Second)))

	t.Run("replay far past completion stops at terminal", func(t *testing.T) {
		m := NewMachine(testConfig(), t0)
		advanced := m.Tick(t0.Add(14 * 24 * time.Hour))
		require.Len(t, advanced, 11)
		assert.Equal(t, PhaseCompleted, advanced[10].Phase)
		assert.True(t, m.Completed())
	})
}

// TestMachineSingleCycle verifies the shortest possible session: the first
// HIGH expiry lands directly in COMPLETED with no trailing transition.
func TestMachineSingleCycle(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	cfg := Config{
		TotalCycles:       1,
		LowPhaseDuration:  time.Minute,
		HighPhaseDuration: time.Minute,
	}
	m := NewMachine(cfg, t0)

	advanced := m.Tick(t0.Add(time.Hour))
	require.Len(t, advanced, 3)
	assert.Equal(t, PhaseTransition, advanced[0].Phase)
	assert.Equal(t, PhaseHigh, advanced[1].Phase)
	assert.Equal(t, PhaseCompleted, advanced[2].Phase)
	assert.Equal(t, 1, advanced[2].Cycle)
}

// TestMachineSkip verifies a manual skip follows the same transition table,
// anchoring the next phase at the skip instant.
func TestMachineSkip(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewMachine(testConfig(), t0)

	skipAt := t0.Add(30 * time.Second)
	st, ok := m.Skip(skipAt)
	require.True(t, ok)
	assert.Equal(t, PhaseTransition, st.Phase)
	assert.Equal(t, PhaseHigh, st.PendingPhase)
	assert.Equal(t, skipAt, st.AnchorTime)
	assert.Equal(t, TransitionDuration, st.PhaseDuration)

	t.Run("skipping through the final HIGH completes the session", func(t *testing.T) {
		m := NewMachine(Config{
			TotalCycles:       1,
			LowPhaseDuration:  time.Minute,
			HighPhaseDuration: time.Minute,
		}, t0)

		for i := 0; i < 3; i++ {
			_, ok := m.Skip(t0.Add(time.Duration(i+1) * time.Second))
			require.True(t, ok)
		}
		assert.True(t, m.Completed())

		_, ok := m.Skip(t0.Add(time.Minute))
		assert.False(t, ok, "skip after COMPLETED is rejected")
	})

	t.Run("skip while paused is rejected", func(t *testing.T) {
		m := NewMachine(testConfig(), t0)
		require.True(t, m.Pause(t0.Add(time.Second)))

		_, ok := m.Skip(t0.Add(2 * time.Second))
		assert.False(t, ok)
		assert.Equal(t, PhaseLow, m.Phase(), "phase unchanged after rejected skip")
	})
}

// TestMachinePauseBlocksTick verifies a paused machine never advances, no
// matter how far past expiry the observation lands, and that resuming shifts
// the expiry by the pause length.
func TestMachinePauseBlocksTick(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewMachine(testConfig(), t0)

	require.True(t, m.Pause(t0.Add(100*time.Second)))
	assert.Nil(t, m.Tick(t0.Add(2*time.Hour)))
	assert.Equal(t, PhaseLow, m.Phase())

	resumeAt := t0.Add(700 * time.Second) // paused for 600s
	require.True(t, m.Resume(resumeAt))

	// Expiry moved from t0+420s to t0+1020s.
	assert.Nil(t, m.Tick(t0.Add(1019*time.Second)))
	advanced := m.Tick(t0.Add(1020 * time.Second))
	require.Len(t, advanced, 1)
	assert.Equal(t, PhaseTransition, advanced[0].Phase)

	t.Run("pause after completion is rejected", func(t *testing.T) {
		m := NewMachine(Config{
			TotalCycles:       1,
			LowPhaseDuration:  time.Second,
			HighPhaseDuration: time.Second,
		}, t0)
		m.Tick(t0.Add(time.Minute))
		require.True(t, m.Completed())
		assert.False(t, m.Pause(t0.Add(time.Minute)))
	})
}

// TestMachineRestore verifies checkpoint-shaped state reconstructs the
// machine exactly, including a frozen pause.
func TestMachineRestore(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	cfg := testConfig()

	m := NewMachine(cfg, t0)
	m.Tick(t0.Add(430 * time.Second)) // into HIGH, cycle 1
	require.Equal(t, PhaseHigh, m.Phase())
	require.True(t, m.Pause(t0.Add(500*time.Second))) // 110s remaining

	restored := RestoreMachine(cfg, m.State())

	assert.Equal(t, m.State(), restored.State())
	assert.True(t, restored.Paused())
	assert.Equal(t, 110*time.Second, restored.Remaining(t0.Add(3*time.Hour)))

	t.Run("restored running machine replays elapsed absence", func(t *testing.T) {
		m := NewMachine(cfg, t0)
		m.Tick(t0.Add(430 * time.Second))
		snap := m.State()

		// Reconstruct 9 minutes later: HIGH (180s) and the descent
		// TRANSITION both expired while the process was gone.
		restored := RestoreMachine(cfg, snap)
		advanced := restored.Tick(t0.Add(970 * time.Second))
		require.Len(t, advanced, 2)
		assert.Equal(t, PhaseLow, restored.Phase())
		assert.Equal(t, 2, restored.Cycle())
	})
}
