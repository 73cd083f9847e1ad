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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAltitude/pkg/validation"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/recovery"
)

// Start begins a new session at LOW, cycle 1.
//
// Description:
//
//	Rejects a missing or malformed id and a malformed config with a
//	ValidationError, and a second live session with a StateError. A
//	recovery still pending from startup is superseded: starting fresh is
//	itself a decision about the interrupted session, so it is abandoned
//	and archived rather than left to trap the next restart. The first
//	checkpoint is written before the tick loop starts, so a crash one
//	instant later already recovers.
//
// Inputs:
//   - ctx: Context for cancellation and tracing.
//   - id: Caller-supplied session identifier. Required; the HTTP API and
//     CLI mint a UUID when the user does not care.
//   - cfg: Protocol configuration. Validated here.
//
// Outputs:
//
//	string - The started session's id.
//	error - ValidationError or StateError; nil on success.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Start(ctx context.Context, id string, cfg protocol.Config) (string, error) {
	ctx, span := sessionTracer.Start(ctx, "session.Manager.Start",
		trace.WithAttributes(
			attribute.Int("total_cycles", cfg.TotalCycles),
		),
	)
	defer span.End()

	cleanID, err := validation.SanitizeSessionID(id)
	if err != nil {
		span.SetStatus(codes.Error, "invalid session id")
		return "", protocol.NewValidationError("invalid session id", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid protocol config")
		return "", protocol.NewValidationError("invalid protocol config", err.Error())
	}
	span.SetAttributes(attribute.String("session_id", cleanID))

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.drainFinalizationLocked(ctx); err != nil {
		return "", err
	}

	// The lock may have been dropped during the drain; validate from scratch.
	if m.closed {
		return "", protocol.NewStateError("session manager closed", "")
	}
	m.ensureRecoveryCheckedLocked(ctx)
	if m.session != nil && m.session.Status.IsLive() {
		span.SetStatus(codes.Error, "session already active")
		return "", protocol.NewStateError("a session is already active", "active id "+m.session.ID)
	}

	if m.pendingRecovery != nil {
		snap := m.pendingRecovery.Snapshot
		m.pendingRecovery = nil
		if snap != nil {
			m.logger.Info("pending recovery superseded by new session",
				slog.String("abandoned_id", snap.Session.ID),
				slog.String("new_id", cleanID),
			)
			if err := m.coordinator.Abandon(ctx, snap, recovery.CauseSuperseded, "superseded by new session"); err != nil {
				m.logger.Error("superseded session abandon failed",
					slog.String("session_id", snap.Session.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	now := m.now()
	m.session = &protocol.Session{
		ID:        cleanID,
		StartTime: now,
		Status:    protocol.StatusActive,
		Config:    cfg,
	}
	m.machine = protocol.NewMachine(cfg, now)
	m.stats = protocol.SessionStats{}
	m.tickCount = 0
	m.lastResult = nil

	m.checkpointLocked(ctx, now)

	if m.keeper != nil {
		if err := m.keeper.Start(ctx, cleanID); err != nil {
			// Keep-alive is a capability, not a dependency.
			m.logger.Warn("keep-alive unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	m.startLoopLocked()

	sessionsStartedTotal.Inc()
	sessionActiveGauge.Set(1)
	m.logger.Info("session started",
		slog.String("session_id", cleanID),
		slog.Int("total_cycles", cfg.TotalCycles),
		slog.Duration("low_phase", cfg.LowPhaseDuration),
		slog.Duration("high_phase", cfg.HighPhaseDuration),
	)
	span.SetStatus(codes.Ok, "started")

	m.emitter.Emit(events.TypeSessionStarted, cleanID, m.sessionDataLocked(now))
	return cleanID, nil
}

// Pause freezes phase progression. A logged no-op when there is no live
// session or it is already paused; never an error for those cases.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Pause(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.session == nil || !m.session.Status.IsLive() {
		m.logger.Debug("pause ignored, no live session")
		return
	}

	now := m.now()
	if !m.machine.Pause(now) {
		m.logger.Debug("pause ignored, already paused",
			slog.String("session_id", m.session.ID),
		)
		return
	}

	m.session.Status = protocol.StatusPaused
	m.stats.PauseCount++
	sessionPausesTotal.Inc()
	m.checkpointLocked(ctx, now)

	m.logger.Info("session paused",
		slog.String("session_id", m.session.ID),
		slog.Duration("remaining", m.machine.Remaining(now)),
	)
	m.emitter.Emit(events.TypeSessionPaused, m.session.ID, m.sessionDataLocked(now))
}

// Resume unfreezes phase progression, preserving the remaining time
// exactly regardless of how long the pause lasted. A logged no-op when
// there is no live session or it is not paused.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Resume(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.session == nil || !m.session.Status.IsLive() {
		m.logger.Debug("resume ignored, no live session")
		return
	}

	now := m.now()
	if !m.machine.Resume(now) {
		m.logger.Debug("resume ignored, not paused",
			slog.String("session_id", m.session.ID),
		)
		return
	}

	m.session.Status = protocol.StatusActive
	m.checkpointLocked(ctx, now)

	m.logger.Info("session resumed",
		slog.String("session_id", m.session.ID),
		slog.Duration("remaining", m.machine.Remaining(now)),
	)
	m.emitter.Emit(events.TypeSessionResumed, m.session.ID, m.sessionDataLocked(now))
}

// SkipPhase forces the current phase to expire immediately.
//
// Description:
//
//	The skip flows through the same transition table as natural expiry;
//	the next phase anchors at the skip instant. Skipping the final HIGH
//	completes the session. Returns false, mutating nothing, when there is
//	no live session, the session is paused, or it is already completed.
//
// Outputs:
//
//	bool - True when a phase was skipped.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) SkipPhase(ctx context.Context) bool {
	m.mu.Lock()

	if m.closed || m.session == nil || !m.session.Status.IsLive() {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	prev := m.machine.State()
	st, ok := m.machine.Skip(now)
	if !ok {
		m.mu.Unlock()
		return false
	}

	m.stats.SkipCount++
	m.stats.RecordAdvance(prev, st)
	phaseSkipsTotal.Inc()
	phaseAdvancesTotal.WithLabelValues(st.Phase.String()).Inc()

	if m.machine.Completed() {
		m.session.Status = protocol.StatusCompleted
	}

	m.logger.Info("phase skipped",
		slog.String("session_id", m.session.ID),
		slog.String("from", prev.Phase.String()),
		slog.String("to", st.Phase.String()),
	)
	m.emitter.Emit(events.TypePhaseAdvanced, m.session.ID, events.AdvanceData{
		From:    prev.Phase,
		Skipped: true,
		Session: m.sessionDataFor(st, now),
	})

	var loopDone chan struct{}
	if m.machine.Completed() {
		_, loopDone = m.finalizeLocked(now, protocol.EndCompleted, "")
	} else {
		m.checkpointLocked(ctx, now)
	}
	m.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	return true
}

// AddReading stamps a sensor sample with the live session's identity,
// phase, and cycle, folds it into the session aggregates, and buffers it
// for delivery.
//
// Description:
//
//	A deliberate no-op (nil error) when no session is live: sensors keep
//	streaming between sessions and their samples are simply dropped.
//	Readings are accepted while paused. Appending never blocks on network
//	I/O; delivery happens on the buffer's worker.
//
// Inputs:
//   - ctx: Unused today; kept for interface stability.
//   - kind: Reading kind ("spo2", "heart_rate"). Validated.
//   - value: Sample value in the kind's natural unit.
//   - at: Sample timestamp; zero means now.
//
// Outputs:
//
//	error - ValidationError for an unknown kind, nil otherwise.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) AddReading(ctx context.Context, kind string, value float64, at time.Time) error {
	_ = ctx

	if err := validation.ValidateReadingKind(kind); err != nil {
		return protocol.NewValidationError("invalid reading kind", err.Error())
	}

	m.mu.Lock()
	if m.closed || m.session == nil || !m.session.Status.IsLive() {
		m.mu.Unlock()
		m.logger.Debug("reading dropped, no live session", slog.String("kind", kind))
		return nil
	}

	if at.IsZero() {
		at = m.now()
	}
	st := m.machine.State()
	r := protocol.Reading{
		SessionID:  m.session.ID,
		Kind:       kind,
		Value:      value,
		Phase:      st.Phase,
		Cycle:      st.Cycle,
		CapturedAt: at,
	}
	m.stats.Observe(r)
	readingsTotal.WithLabelValues(kind).Inc()
	m.mu.Unlock()

	if m.buffer != nil {
		m.buffer.Append(r)
	}
	return nil
}

// Stop ends the live session before completion.
//
// Description:
//
//	The tick loop is cancelled synchronously: once Stop returns, no late
//	tick can mutate state. The final telemetry flush, the archive
//	fan-out, and the checkpoint clear run in the background so the caller
//	never blocks on network I/O; Close waits for that work on shutdown.
//
// Inputs:
//   - ctx: Context for tracing.
//   - detail: Optional caller note recorded on the final record
//     (e.g., "user request").
//
// Outputs:
//
//	*StopResult - Frozen summary of the ended session.
//	error - StateError when no session is live.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Stop(ctx context.Context, detail string) (*StopResult, error) {
	_, span := sessionTracer.Start(ctx, "session.Manager.Stop")
	defer span.End()

	m.mu.Lock()
	if m.closed || m.session == nil || !m.session.Status.IsLive() {
		m.mu.Unlock()
		span.SetStatus(codes.Error, "no live session")
		return nil, protocol.NewStateError("no active session to stop", "")
	}

	now := m.now()
	res, loopDone := m.finalizeLocked(now, protocol.EndStopped, detail)
	m.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	span.SetAttributes(
		attribute.String("session_id", res.SessionID),
		attribute.Float64("duration_seconds", res.Duration.Seconds()),
	)
	span.SetStatus(codes.Ok, "stopped")
	return res, nil
}

// finalizeLocked moves the live session to its terminal status and kicks
// off background finalization. Requires the mutex.
//
// Description:
//
//	Bumps the generation and closes the stop channel so the tick loop
//	exits and any in-flight tick degrades to a no-op. Emits the terminal
//	event in order, after everything the session emitted while live.
//	Callers outside the tick loop should wait on the returned channel so
//	"no late tick after return" holds; the tick loop itself must not, as
//	it is the goroutine being waited for.
//
// Outputs:
//
//	*StopResult - The frozen summary, also stored as LastResult.
//	chan struct{} - The loop's done channel, nil when no loop was running.
func (m *Manager) finalizeLocked(now time.Time, reason protocol.EndReason, detail string) (*StopResult, chan struct{}) {
	sess := m.session

	status := protocol.StatusStopped
	eventType := events.TypeSessionStopped
	if reason == protocol.EndCompleted {
		status = protocol.StatusCompleted
		eventType = events.TypeSessionCompleted
	}
	sess.Status = status

	stats := m.stats.Clone()
	duration := now.Sub(sess.StartTime)
	rec := protocol.FinalRecord{
		SessionID: sess.ID,
		Reason:    reason,
		Detail:    detail,
		Config:    sess.Config,
		StartTime: sess.StartTime,
		EndTime:   now,
		Duration:  duration,
		Stats:     stats,
	}
	res := &StopResult{
		SessionID: sess.ID,
		Reason:    reason,
		Detail:    detail,
		Duration:  duration,
		Stats:     stats,
	}
	m.lastResult = res

	m.generation++
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	loopDone := m.loopDone
	m.loopDone = nil

	sessionActiveGauge.Set(0)
	sessionsEndedTotal.WithLabelValues(reason.String()).Inc()
	m.logger.Info("session ended",
		slog.String("session_id", sess.ID),
		slog.String("reason", reason.String()),
		slog.String("detail", detail),
		slog.Duration("duration", duration),
	)

	m.emitter.Emit(eventType, sess.ID, events.StoppedData{
		SessionID: sess.ID,
		Reason:    reason,
		Detail:    detail,
		Duration:  duration,
		Stats:     stats,
	})

	done := make(chan struct{})
	m.finalizeDone = done
	go m.completeFinalization(rec, done)

	return res, loopDone
}
