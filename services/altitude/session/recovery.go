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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/recovery"
)

// ensureRecoveryCheckedLocked runs the startup recovery check exactly once,
// before any session may begin. Requires the mutex.
//
// A persistent store failure is logged and treated as "nothing to recover";
// the system continues with fresh state rather than refusing to start.
func (m *Manager) ensureRecoveryCheckedLocked(ctx context.Context) {
	if m.recoveryChecked {
		return
	}
	m.recoveryChecked = true

	rec, err := m.coordinator.Check(ctx, m.now())
	if err != nil {
		m.logger.Error("recovery check failed, continuing with fresh state",
			slog.String("error", err.Error()),
		)
		return
	}
	if rec.CanRecover {
		m.pendingRecovery = rec
	}
}

// Recoverable reports whether an interrupted session is waiting to be
// resumed.
//
// Description:
//
//	The first call runs the startup recovery check; later calls return the
//	cached outcome. The pending offer survives until it is consumed by
//	ResumeRecovered, refused by DeclineRecovery, or superseded by Start.
//
// Outputs:
//
//	*recovery.Record - The classification; Reason is "none" when nothing
//	is pending. Never nil.
//	error - Always nil today; kept so the surface can grow.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Recoverable(ctx context.Context) (*recovery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &recovery.Record{Reason: recovery.ReasonNone}, nil
	}
	m.ensureRecoveryCheckedLocked(ctx)
	if m.pendingRecovery == nil {
		return &recovery.Record{Reason: recovery.ReasonNone}, nil
	}
	rec := *m.pendingRecovery
	return &rec, nil
}

// ResumeRecovered restores the pending interrupted session and fast-forwards
// it to now.
//
// Description:
//
//	The machine is rebuilt from the persisted phase state with its absolute
//	anchor intact, so every transition that came due while the process was
//	gone replays at its exact expiry instant. The replay emits a single
//	background_sync event carrying the reconciled snapshot rather than a
//	storm of phase_advanced events. A session that completed during the
//	downtime is finalized immediately. A session that was paused at
//	interruption time resumes still paused, with its remaining time frozen.
//
// Inputs:
//   - ctx: Context for cancellation and tracing.
//   - rec: The record returned by Recoverable. Must be recoverable and
//     match the pending offer.
//
// Outputs:
//
//	string - The resumed session's id.
//	error - ValidationError for a non-recoverable record, StateError when
//	a session is already live, the offer does not match, or the window
//	expired while the offer sat unclaimed.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) ResumeRecovered(ctx context.Context, rec *recovery.Record) (string, error) {
	ctx, span := sessionTracer.Start(ctx, "session.Manager.ResumeRecovered")
	defer span.End()

	if rec == nil || !rec.CanRecover || rec.Snapshot == nil {
		span.SetStatus(codes.Error, "record not recoverable")
		return "", protocol.NewValidationError("record is not recoverable", "")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", protocol.NewStateError("session manager closed", "")
	}
	m.ensureRecoveryCheckedLocked(ctx)
	if m.session != nil && m.session.Status.IsLive() {
		span.SetStatus(codes.Error, "session already active")
		return "", protocol.NewStateError("a session is already active", "active id "+m.session.ID)
	}
	if m.pendingRecovery == nil || m.pendingRecovery.Snapshot == nil ||
		m.pendingRecovery.Snapshot.Session.ID != rec.Snapshot.Session.ID {
		span.SetStatus(codes.Error, "no matching pending recovery")
		return "", protocol.NewStateError("no matching recovery pending", "")
	}

	snap := m.pendingRecovery.Snapshot
	m.pendingRecovery = nil
	span.SetAttributes(attribute.String("session_id", snap.Session.ID))

	now := m.now()

	// The offer may have sat unclaimed past the window; enforce the same
	// policy the startup check applies.
	if age := now.Sub(snap.LastUpdate); age >= m.coordinator.Window() {
		m.logger.Info("recovery window expired before resume, abandoning",
			slog.String("session_id", snap.Session.ID),
			slog.Duration("age", age),
		)
		if err := m.coordinator.Abandon(ctx, snap, recovery.CauseExpired, "recovery window expired"); err != nil {
			m.logger.Error("abandon failed", slog.String("error", err.Error()))
		}
		span.SetStatus(codes.Error, "recovery window expired")
		return "", protocol.NewStateError("recovery window expired", "")
	}

	sess := snap.Session
	m.session = &sess
	m.machine = protocol.RestoreMachine(sess.Config, snap.Phase)
	m.tickCount = snap.TickCount
	m.stats = recovery.EstimateStats(snap.Phase)
	m.lastResult = nil

	// Fast-forward: replay every transition that came due while the
	// process was gone, anchored at exact expiry instants.
	offline := now.Sub(snap.LastUpdate)
	prev := snap.Phase
	replayed := m.machine.Tick(now)
	for _, st := range replayed {
		m.stats.RecordAdvance(prev, st)
		phaseAdvancesTotal.WithLabelValues(st.Phase.String()).Inc()
		prev = st
	}

	recoveriesResumedTotal.Inc()
	m.logger.Info("session recovered",
		slog.String("session_id", sess.ID),
		slog.Int("replayed", len(replayed)),
		slog.Duration("offline", offline),
		slog.String("phase", m.machine.Phase().String()),
		slog.Int("cycle", m.machine.Cycle()),
	)

	if m.machine.Completed() {
		// The final HIGH expired while nobody watched.
		m.session.Status = protocol.StatusCompleted
		m.emitter.Emit(events.TypeBackgroundSync, sess.ID, events.SyncData{
			Replayed: len(replayed),
			Offline:  offline,
			Session:  m.sessionDataLocked(now),
		})
		m.finalizeLocked(now, protocol.EndCompleted, "completed during downtime")
		span.SetStatus(codes.Ok, "resumed, completed during downtime")
		return sess.ID, nil
	}

	if m.machine.Paused() {
		m.session.Status = protocol.StatusPaused
	} else {
		m.session.Status = protocol.StatusActive
	}

	m.checkpointLocked(ctx, now)

	if m.keeper != nil {
		if err := m.keeper.Start(ctx, sess.ID); err != nil {
			m.logger.Warn("keep-alive unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	m.startLoopLocked()
	sessionActiveGauge.Set(1)

	m.emitter.Emit(events.TypeBackgroundSync, sess.ID, events.SyncData{
		Replayed: len(replayed),
		Offline:  offline,
		Session:  m.sessionDataLocked(now),
	})

	span.SetAttributes(attribute.Int("replayed", len(replayed)))
	span.SetStatus(codes.Ok, "resumed")
	return sess.ID, nil
}

// DeclineRecovery refuses the pending interrupted session.
//
// Description:
//
//	Follows the identical abandon path as window expiry: the session is
//	archived with reason "abandoned" and its checkpoint cleared, so it is
//	never offered again. Archive failures are logged, not surfaced; the
//	decline itself always wins.
//
// Outputs:
//
//	error - StateError when no recovery is pending.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) DeclineRecovery(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return protocol.NewStateError("session manager closed", "")
	}
	m.ensureRecoveryCheckedLocked(ctx)
	if m.pendingRecovery == nil || m.pendingRecovery.Snapshot == nil {
		return protocol.NewStateError("no recovery pending", "")
	}

	snap := m.pendingRecovery.Snapshot
	m.pendingRecovery = nil

	if err := m.coordinator.Abandon(ctx, snap, recovery.CauseDeclined, "recovery declined"); err != nil {
		m.logger.Error("declined session abandon failed",
			slog.String("session_id", snap.Session.ID),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("recovery declined",
		slog.String("session_id", snap.Session.ID),
	)
	return nil
}
