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
)

// transitionKey identifies a row of the phase table. PendingPhase
// disambiguates the two TRANSITION rows; it is empty for LOW and HIGH.
type transitionKey struct {
	phase   Phase
	pending Phase
}

// transitionRule describes the outcome of one phase expiry.
type transitionRule struct {
	// next is the phase entered when the current phase expires.
	next Phase

	// pending is the PendingPhase of the entered TRANSITION, empty otherwise.
	pending Phase

	// bumpCycle increments the cycle as part of this transition.
	bumpCycle bool

	// nextAtFinalCycle overrides next when the current cycle is the last.
	// Only the HIGH row uses it, to terminate at COMPLETED.
	nextAtFinalCycle Phase
}

// transitions is the fixed phase table. Phase ordering is not
// user-definable; every session follows exactly these rows:
//
//	LOW                      -> TRANSITION(pending=HIGH)
//	TRANSITION(pending=HIGH) -> HIGH
//	HIGH (cycle < total)     -> TRANSITION(pending=LOW)
//	HIGH (cycle == total)    -> COMPLETED
//	TRANSITION(pending=LOW)  -> LOW, cycle+1
//
// The descent transition after HIGH still belongs to the finishing cycle;
// the counter advances only when the next LOW actually begins. A 3-cycle
// session therefore reads 1,1,1,1,2,2,2,2,3,3,3 across the cycle values of
// its eleven timed phases.
var transitions = map[transitionKey]transitionRule{
	{phase: PhaseLow}:                            {next: PhaseTransition, pending: PhaseHigh},
	{phase: PhaseTransition, pending: PhaseHigh}: {next: PhaseHigh},
	{phase: PhaseHigh}:                           {next: PhaseTransition, pending: PhaseLow, nextAtFinalCycle: PhaseCompleted},
	{phase: PhaseTransition, pending: PhaseLow}:  {next: PhaseLow, bumpCycle: true},
}

// Machine owns the current phase, the cycle index, and the PhaseClock, and
// enforces the fixed transition table.
//
// Description:
//
//	Expiry-driven advancing is drift-free: when a phase expires, the next
//	phase is anchored at the exact expiry instant (old anchor + old
//	duration), never at the observing tick's wall-clock time. A machine
//	that missed many ticks (process suspension, crash recovery) therefore
//	replays every overdue transition deterministically via Tick.
//
// Thread Safety: NOT safe for concurrent use. The owning session manager
// serializes all access behind its mutex.
type Machine struct {
	cfg     Config
	phase   Phase
	pending Phase
	cycle   int
	clock   PhaseClock
}

// NewMachine creates a machine at LOW, cycle 1, anchored at now.
//
// Inputs:
//   - cfg: Validated protocol configuration.
//   - now: The absolute instant the session begins.
//
// Outputs:
//
//	*Machine - Machine positioned at the first phase. Never nil.
func NewMachine(cfg Config, now time.Time) *Machine {
	m := &Machine{
		cfg:   cfg,
		phase: PhaseLow,
		cycle: 1,
	}
	m.clock.StartPhase(cfg.LowPhaseDuration, now)
	return m
}

// RestoreMachine reconstructs a machine from a persisted phase state.
//
// Description:
//
//	The clock is re-anchored at the persisted absolute AnchorTime, never at
//	"now", so remaining time reflects everything that elapsed while the
//	process was gone. A persisted freeze instant is restored as well, which
//	keeps a session that was paused at interruption time frozen with its
//	exact remaining time.
//
// Inputs:
//   - cfg: The protocol configuration captured in the checkpoint.
//   - st: The persisted phase state.
//
// Outputs:
//
//	*Machine - Machine positioned exactly where the snapshot left off.
func RestoreMachine(cfg Config, st PhaseState) *Machine {
	m := &Machine{
		cfg:     cfg,
		phase:   st.Phase,
		pending: st.PendingPhase,
		cycle:   st.Cycle,
	}
	m.clock.RestartAt(st.AnchorTime, st.PhaseDuration)
	if st.PausedAt != nil {
		m.clock.setPaused(*st.PausedAt)
	}
	return m
}

// State returns a snapshot of the current phase progression.
func (m *Machine) State() PhaseState {
	st := PhaseState{
		Phase:         m.phase,
		PendingPhase:  m.pending,
		Cycle:         m.cycle,
		AnchorTime:    m.clock.Anchor(),
		PhaseDuration: m.clock.Duration(),
	}
	if at, ok := m.clock.PausedAt(); ok {
		frozen := at
		st.PausedAt = &frozen
	}
	return st
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Cycle returns the current cycle index.
func (m *Machine) Cycle() int {
	return m.cycle
}

// Completed reports whether the machine reached the terminal phase.
func (m *Machine) Completed() bool {
	return m.phase == PhaseCompleted
}

// Remaining returns the current phase time left at now.
func (m *Machine) Remaining(now time.Time) time.Duration {
	return m.clock.Remaining(now)
}

// Paused reports whether phase progression is frozen.
func (m *Machine) Paused() bool {
	return m.clock.Paused()
}

// Tick advances the machine through every transition that is overdue at now.
//
// Description:
//
//	Normally returns zero or one advance. After recovery or a long
//	suspension it replays each overdue transition in order, anchoring every
//	new phase at its exact expiry instant. A paused or completed machine
//	never advances.
//
// Inputs:
//   - now: Observation instant.
//
// Outputs:
//
//	[]PhaseState - One snapshot per transition taken, in order. Nil when
//	nothing was due.
func (m *Machine) Tick(now time.Time) []PhaseState {
	if m.clock.Paused() || m.phase == PhaseCompleted {
		return nil
	}

	var advanced []PhaseState
	for m.phase != PhaseCompleted && m.clock.Expired(now) {
		expiry := m.clock.Anchor().Add(m.clock.Duration())
		st, err := m.advance(expiry)
		if err != nil {
			break
		}
		advanced = append(advanced, st)
	}
	return advanced
}

// Skip forces immediate expiry of the current phase through the same table.
//
// Inputs:
//   - now: The instant the phase is cut short; the next phase anchors here.
//
// Outputs:
//
//	PhaseState - Snapshot after the forced transition (zero value on reject).
//	bool - False when the machine is paused or already COMPLETED; no
//	mutation occurs in that case.
func (m *Machine) Skip(now time.Time) (PhaseState, bool) {
	if m.clock.Paused() || m.phase == PhaseCompleted {
		return PhaseState{}, false
	}
	st, err := m.advance(now)
	if err != nil {
		return PhaseState{}, false
	}
	return st, true
}

// Pause freezes the phase clock. Phase and cycle are untouched.
//
// Outputs:
//
//	bool - False when already paused or COMPLETED (no-op).
func (m *Machine) Pause(now time.Time) bool {
	if m.phase == PhaseCompleted {
		return false
	}
	return m.clock.Pause(now)
}

// Resume unfreezes the phase clock. Phase and cycle are untouched.
//
// Outputs:
//
//	bool - False when not paused (no-op).
func (m *Machine) Resume(now time.Time) bool {
	if m.phase == PhaseCompleted {
		return false
	}
	return m.clock.Resume(now)
}

// advance applies one row of the transition table, anchoring the entered
// phase at the given instant.
func (m *Machine) advance(at time.Time) (PhaseState, error) {
	rule, ok := transitions[transitionKey{phase: m.phase, pending: m.pending}]
	if !ok {
		return PhaseState{}, fmt.Errorf("%w: %s", ErrNoTransition, m.phase)
	}

	next := rule.next
	if rule.nextAtFinalCycle != "" && m.cycle >= m.cfg.TotalCycles {
		next = rule.nextAtFinalCycle
	} else if rule.bumpCycle {
		m.cycle++
	}

	m.phase = next
	m.pending = rule.pending
	if next == PhaseCompleted {
		m.pending = ""
		m.clock.RestartAt(at, 0)
		return m.State(), nil
	}

	m.clock.RestartAt(at, m.cfg.PhaseDuration(next))
	return m.State(), nil
}
