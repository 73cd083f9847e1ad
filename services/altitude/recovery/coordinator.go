// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery decides, once at startup, whether an interrupted session
// may be resumed.
//
// The coordinator loads the persisted checkpoint, measures its age against
// the recovery window, and classifies the outcome: recoverable, expired
// (abandoned and finalized), corrupted (treated as absent), or none. The
// session manager owns acting on the decision; this package never touches a
// live session.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAltitude/pkg/observability"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultRecoveryWindow is how stale a snapshot may be and still resume.
	DefaultRecoveryWindow = 10 * time.Minute

	// maxLoadRetries bounds transient store read retries.
	maxLoadRetries = 2

	// loadRetryBaseBackoff is doubled per retry attempt.
	loadRetryBaseBackoff = 100 * time.Millisecond
)

// Reasons reported on Record.Reason.
const (
	// ReasonRecoverable means the snapshot is inside the recovery window.
	ReasonRecoverable = "recoverable"

	// ReasonNone means no snapshot exists.
	ReasonNone = "none"

	// ReasonExpired means the recovery window elapsed; the session was
	// abandoned and finalized.
	ReasonExpired = "expired"

	// ReasonCorrupted means the snapshot failed its integrity check and
	// was discarded.
	ReasonCorrupted = "corrupted"

	// ReasonTerminal means the snapshot described an already-ended
	// session, which only happens if a terminal cleanup was interrupted.
	ReasonTerminal = "terminal"
)

// Abandon causes, reported as the cause label on the abandons metric.
const (
	// CauseExpired means the recovery window elapsed before anyone resumed.
	CauseExpired = "expired"

	// CauseDeclined means the user was offered recovery and refused it.
	CauseDeclined = "declined"

	// CauseSuperseded means a new session started while recovery was
	// still pending, implicitly discarding the old one.
	CauseSuperseded = "superseded"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	recoveryChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_recovery_checks_total",
		Help: "Recovery checks by outcome",
	}, []string{"outcome"})

	recoveryCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "altitude_recovery_check_duration_seconds",
		Help:    "Time to run the startup recovery check",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	recoverySnapshotAgeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "altitude_recovery_snapshot_age_seconds",
		Help: "Age of the loaded snapshot at recovery check time",
	})

	recoveryAbandonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_recovery_abandons_total",
		Help: "Abandoned sessions by cause (expired, declined, superseded)",
	}, []string{"cause"})
)

// -----------------------------------------------------------------------------
// Tracer
// -----------------------------------------------------------------------------

var recoveryTracer = otel.Tracer("altitude.recovery")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Finalizer archives the final record of an abandoned session.
type Finalizer interface {
	Finalize(ctx context.Context, rec protocol.FinalRecord) error
}

// Record is the outcome of the startup recovery check.
type Record struct {
	// CanRecover is true when the snapshot may be resumed.
	CanRecover bool `json:"can_recover"`

	// SessionAge is how stale the snapshot was at check time.
	SessionAge time.Duration `json:"session_age"`

	// Reason classifies the outcome (recoverable, none, expired, corrupted).
	Reason string `json:"reason"`

	// Snapshot is the loaded snapshot; nil unless one was decodable.
	Snapshot *checkpoint.Snapshot `json:"snapshot,omitempty"`
}

// Coordinator runs the startup recovery decision.
//
// Thread Safety: Safe for concurrent use; in practice the session manager
// calls it once before any session starts.
type Coordinator struct {
	store     checkpoint.Store
	finalizer Finalizer
	window    time.Duration
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWindow overrides the recovery window.
func WithWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithFinalizer sets the archive sink for abandoned sessions.
func WithFinalizer(f Finalizer) Option {
	return func(c *Coordinator) {
		c.finalizer = f
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a recovery coordinator over the given snapshot store.
func New(store checkpoint.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		window: DefaultRecoveryWindow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "recovery"))
	return c
}

// Window returns the configured recovery window.
func (c *Coordinator) Window() time.Duration {
	return c.window
}

// -----------------------------------------------------------------------------
// Recovery Check
// -----------------------------------------------------------------------------

// Check loads the persisted snapshot and classifies it.
//
// Description:
//
//	The happy path returns a recoverable Record carrying the snapshot. An
//	expired snapshot is abandoned on the spot: finalized with reason
//	"abandoned" and cleared, so it can never resurrect later. A corrupted
//	snapshot is discarded and reported as absent. Store reads are retried
//	briefly for transient failures; corruption is never retried.
//
// Inputs:
//   - ctx: Context for cancellation and tracing. Must not be nil.
//   - now: The instant to measure snapshot age against.
//
// Outputs:
//   - *Record: The classification. Never nil on success.
//   - error: Non-nil only for persistent store failures.
//
// Thread Safety: Safe for concurrent use.
func (c *Coordinator) Check(ctx context.Context, now time.Time) (*Record, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	ctx, span := recoveryTracer.Start(ctx, "recovery.Coordinator.Check",
		trace.WithAttributes(
			attribute.String("recovery_window", c.window.String()),
		),
	)
	defer span.End()

	start := time.Now()
	logger := observability.LoggerWithTrace(ctx, c.logger)

	snap, found, err := c.loadWithRetry(ctx, logger)
	if err != nil {
		if errors.Is(err, checkpoint.ErrSnapshotCorrupted) || errors.Is(err, checkpoint.ErrSchemaUnknown) {
			return c.discardCorrupted(ctx, logger, span, err), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot load failed")
		recoveryChecksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	recoveryCheckDuration.Observe(time.Since(start).Seconds())

	if !found {
		logger.Info("no recoverable session")
		span.SetAttributes(attribute.String("outcome", ReasonNone))
		recoveryChecksTotal.WithLabelValues(ReasonNone).Inc()
		return &Record{Reason: ReasonNone}, nil
	}

	age := now.Sub(snap.LastUpdate)
	if age < 0 {
		// Wall clock moved backwards since the save; treat as fresh.
		logger.Warn("snapshot timestamp in the future, clamping age to zero",
			slog.Time("last_update", snap.LastUpdate),
		)
		age = 0
	}
	recoverySnapshotAgeGauge.Set(age.Seconds())
	span.SetAttributes(
		attribute.String("session_id", snap.Session.ID),
		attribute.Float64("snapshot_age_seconds", age.Seconds()),
	)

	logger = logger.With(
		slog.String("session_id", snap.Session.ID),
		slog.Duration("snapshot_age", age),
	)

	if snap.Session.Status.IsTerminal() {
		// A terminal session should have cleared its checkpoint; finish
		// the interrupted cleanup now.
		logger.Warn("snapshot holds terminal session, clearing",
			slog.String("status", snap.Session.Status.String()),
		)
		if err := c.store.Clear(ctx); err != nil {
			logger.Error("clear terminal snapshot failed", slog.String("error", err.Error()))
		}
		span.SetAttributes(attribute.String("outcome", ReasonTerminal))
		recoveryChecksTotal.WithLabelValues(ReasonTerminal).Inc()
		return &Record{Reason: ReasonTerminal, SessionAge: age}, nil
	}

	if age >= c.window {
		logger.Info("recovery window elapsed, abandoning session",
			slog.Duration("window", c.window),
		)
		if err := c.Abandon(ctx, snap, CauseExpired, "recovery window expired"); err != nil {
			logger.Error("abandon failed", slog.String("error", err.Error()))
		}
		span.SetAttributes(attribute.String("outcome", ReasonExpired))
		recoveryChecksTotal.WithLabelValues(ReasonExpired).Inc()
		return &Record{Reason: ReasonExpired, SessionAge: age, Snapshot: snap}, nil
	}

	logger.Info("recoverable session found",
		slog.String("phase", snap.Phase.Phase.String()),
		slog.Int("cycle", snap.Phase.Cycle),
	)
	span.SetAttributes(attribute.String("outcome", ReasonRecoverable))
	span.SetStatus(codes.Ok, "recoverable")
	recoveryChecksTotal.WithLabelValues(ReasonRecoverable).Inc()
	return &Record{
		CanRecover: true,
		SessionAge: age,
		Reason:     ReasonRecoverable,
		Snapshot:   snap,
	}, nil
}

// Abandon finalizes an interrupted session and clears its checkpoint.
//
// Description:
//
//	Used for both the expired-window path and an explicit user decline;
//	the two are deliberately identical. The checkpoint is cleared even
//	when archiving fails, because a declined session must never offer
//	itself for recovery again. The archive error is still reported.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - snap: The snapshot being abandoned. Must not be nil.
//   - cause: Metric label (CauseExpired, CauseDeclined, CauseSuperseded).
//   - detail: Human-readable cause recorded on the final record.
//
// Outputs:
//   - error: Joined finalize/clear errors, nil when both succeed.
func (c *Coordinator) Abandon(ctx context.Context, snap *checkpoint.Snapshot, cause, detail string) error {
	if snap == nil {
		return errors.New("snapshot must not be nil")
	}

	recoveryAbandonsTotal.WithLabelValues(cause).Inc()
	c.logger.Info("abandoning session",
		slog.String("session_id", snap.Session.ID),
		slog.String("cause", cause),
	)

	var finalizeErr error
	if c.finalizer != nil {
		rec := AbandonedRecord(snap, detail)
		if err := c.finalizer.Finalize(ctx, rec); err != nil {
			finalizeErr = fmt.Errorf("finalize abandoned session: %w", err)
		}
	}

	var clearErr error
	if err := c.store.Clear(ctx); err != nil {
		clearErr = fmt.Errorf("clear snapshot: %w", err)
	}

	return errors.Join(finalizeErr, clearErr)
}

// loadWithRetry reads the snapshot, retrying transient store failures with
// exponential backoff. Corruption and missing snapshots return immediately.
func (c *Coordinator) loadWithRetry(ctx context.Context, logger *slog.Logger) (*checkpoint.Snapshot, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= maxLoadRetries; attempt++ {
		snap, found, err := c.store.Load(ctx)
		if err == nil {
			return snap, found, nil
		}

		lastErr = err
		if errors.Is(err, checkpoint.ErrSnapshotCorrupted) ||
			errors.Is(err, checkpoint.ErrSchemaUnknown) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}

		if attempt < maxLoadRetries {
			backoff := loadRetryBaseBackoff << attempt
			logger.Warn("snapshot load failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, false, lastErr
}

// discardCorrupted clears an undecodable snapshot and reports it as absent.
func (c *Coordinator) discardCorrupted(ctx context.Context, logger *slog.Logger, span trace.Span, cause error) *Record {
	logger.Error("snapshot corrupted, discarding", slog.String("error", cause.Error()))

	if err := c.store.Clear(ctx); err != nil {
		logger.Error("clear corrupted snapshot failed", slog.String("error", err.Error()))
	}

	span.SetAttributes(attribute.String("outcome", ReasonCorrupted))
	recoveryChecksTotal.WithLabelValues(ReasonCorrupted).Inc()
	return &Record{Reason: ReasonCorrupted}
}

// -----------------------------------------------------------------------------
// Final Record Construction
// -----------------------------------------------------------------------------

// AbandonedRecord builds the final record for a session that died with the
// process and was never resumed.
//
// Description:
//
//	The session effectively ended at its last checkpoint, so LastUpdate
//	serves as the end time. Reading aggregates are absent: buffered
//	telemetry lives in memory only and did not survive the interruption.
//	Progress counters are reconstructed from the phase position.
func AbandonedRecord(snap *checkpoint.Snapshot, detail string) protocol.FinalRecord {
	return protocol.FinalRecord{
		SessionID: snap.Session.ID,
		Reason:    protocol.EndAbandoned,
		Detail:    detail,
		Config:    snap.Session.Config,
		StartTime: snap.Session.StartTime,
		EndTime:   snap.LastUpdate,
		Duration:  snap.LastUpdate.Sub(snap.Session.StartTime),
		Stats:     EstimateStats(snap.Phase),
	}
}

// EstimateStats reconstructs progress counters from a phase position.
// Each full cycle holds four timed phases (LOW, TRANSITION, HIGH,
// TRANSITION); the position within the current cycle adds the remainder.
func EstimateStats(st protocol.PhaseState) protocol.SessionStats {
	pos := 0
	switch st.Phase {
	case protocol.PhaseLow:
		pos = 0
	case protocol.PhaseTransition:
		if st.PendingPhase == protocol.PhaseHigh {
			pos = 1
		} else {
			pos = 3
		}
	case protocol.PhaseHigh:
		pos = 2
	case protocol.PhaseCompleted:
		// Not reachable from the abandon path; terminal sessions clear
		// their checkpoint.
		pos = 3
	}

	return protocol.SessionStats{
		PhasesCompleted: (st.Cycle-1)*4 + pos,
		CyclesCompleted: st.Cycle - 1,
	}
}
