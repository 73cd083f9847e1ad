// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// startLoopLocked arms a fresh tick loop for the current session.
// Requires the mutex.
func (m *Manager) startLoopLocked() {
	m.generation++
	gen := m.generation
	stopCh := make(chan struct{})
	loopDone := make(chan struct{})
	m.stopCh = stopCh
	m.loopDone = loopDone
	go m.run(gen, stopCh, loopDone)
}

// run is the tick loop goroutine. It exits when the stop channel closes or
// when a tick reports the session ended.
func (m *Manager) run(gen uint64, stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if !m.tick(gen) {
				return
			}
		}
	}
}

// tick evaluates the phase clock once.
//
// Description:
//
//	The generation check makes a tick racing Stop or Close degrade to a
//	no-op. A live tick applies every overdue transition (normally zero or
//	one; many after a long suspension), folds them into the stats, emits
//	events, and checkpoints on transitions or on the periodic cadence.
//	Completion and the absolute safety timeout finalize the session from
//	inside the tick.
//
// Outputs:
//
//	bool - False when the loop should exit (session ended or superseded).
func (m *Manager) tick(gen uint64) bool {
	m.mu.Lock()

	if m.generation != gen || m.session == nil || !m.session.Status.IsLive() {
		m.mu.Unlock()
		return false
	}

	now := m.now()

	// Absolute safety net: a session live past the timeout is stopped no
	// matter what its protocol configuration says, paused or not.
	if now.Sub(m.session.StartTime) >= m.sessionTimeout {
		m.logger.Warn("session exceeded safety timeout, stopping",
			slog.String("session_id", m.session.ID),
			slog.Duration("timeout", m.sessionTimeout),
		)
		m.finalizeLocked(now, protocol.EndStopped, "safety timeout")
		m.mu.Unlock()
		return false
	}

	if m.machine.Paused() {
		m.mu.Unlock()
		return true
	}

	m.tickCount++
	ticksTotal.Inc()

	prev := m.machine.State()
	advanced := m.machine.Tick(now)
	if m.machine.Completed() {
		m.session.Status = protocol.StatusCompleted
	}
	for _, st := range advanced {
		m.stats.RecordAdvance(prev, st)
		phaseAdvancesTotal.WithLabelValues(st.Phase.String()).Inc()
		m.emitter.Emit(events.TypePhaseAdvanced, m.session.ID, events.AdvanceData{
			From:    prev.Phase,
			Session: m.sessionDataFor(st, now),
		})
		prev = st
	}

	if m.machine.Completed() {
		m.finalizeLocked(now, protocol.EndCompleted, "")
		m.mu.Unlock()
		return false
	}

	if len(advanced) > 0 || m.tickCount%m.checkpointInterval == 0 {
		m.checkpointLocked(context.Background(), now)
	}

	m.emitter.Emit(events.TypePhaseUpdate, m.session.ID, m.sessionDataLocked(now))
	m.mu.Unlock()
	return true
}

// checkpointLocked persists the current session snapshot. Requires the
// mutex. Save failures are logged and counted, never surfaced: the session
// continues in memory and the next cadence retries naturally.
func (m *Manager) checkpointLocked(ctx context.Context, now time.Time) {
	snap := &checkpoint.Snapshot{
		Session:    *m.session,
		Phase:      m.machine.State(),
		TickCount:  m.tickCount,
		LastUpdate: now,
	}
	if err := m.store.Save(ctx, snap); err != nil {
		checkpointSavesTotal.WithLabelValues("error").Inc()
		m.logger.Error("checkpoint save failed, session continues in memory",
			slog.String("session_id", m.session.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	checkpointSavesTotal.WithLabelValues("ok").Inc()
}

// sessionDataLocked builds the event payload for the machine's current
// state. Requires the mutex.
func (m *Manager) sessionDataLocked(now time.Time) events.SessionData {
	return m.sessionDataFor(m.machine.State(), now)
}

// sessionDataFor builds the event payload for a specific phase state, which
// during multi-transition replay may differ from the machine's final state.
// Requires the mutex.
func (m *Manager) sessionDataFor(st protocol.PhaseState, now time.Time) events.SessionData {
	return events.SessionData{
		SessionID:    m.session.ID,
		Status:       m.session.Status,
		Phase:        st.Phase,
		PendingPhase: st.PendingPhase,
		Cycle:        st.Cycle,
		TotalCycles:  m.session.Config.TotalCycles,
		Remaining:    st.Remaining(now),
		StartTime:    m.session.StartTime,
	}
}
