// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session composes the protocol machine, checkpointing, telemetry,
// and recovery into the service's public session lifecycle.
//
// Manager is the single owner of mutable session state. A 1 Hz tick
// goroutine drives phase progression; the telemetry buffer flushes on its
// own worker; events fan out synchronously to subscribers. All mutation is
// serialized behind one mutex, so the machine is never reentered
// concurrently. Persistence and sync failures degrade gracefully: they are
// logged and counted but never terminate an active session.
//
// Use cases:
//   - HTTP API and CLI session control (start, pause, resume, skip, stop)
//   - Sensor reading ingestion into the telemetry pipeline
//   - Crash recovery at process start (resume, decline, supersede)
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/keepalive"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/recovery"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/telemetry"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultTickInterval is how often the loop evaluates the phase clock.
	DefaultTickInterval = 1 * time.Second

	// DefaultCheckpointInterval is the tick count between periodic
	// checkpoint saves. Transitions and pause/resume always checkpoint
	// immediately regardless of this cadence.
	DefaultCheckpointInterval uint64 = 5

	// DefaultSessionTimeout is the absolute wall-clock cap on a session.
	// A session still live past this duration is stopped as a safety net,
	// independent of its protocol configuration.
	DefaultSessionTimeout = 2 * time.Hour

	// finalizeTimeout bounds the background finalization work (final
	// telemetry flush, archive writes, checkpoint clear).
	finalizeTimeout = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_sessions_started_total",
		Help: "Sessions started",
	})

	sessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_sessions_ended_total",
		Help: "Sessions ended by reason (completed, stopped)",
	}, []string{"reason"})

	sessionActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "altitude_session_active",
		Help: "1 while a session is live, 0 otherwise",
	})

	phaseAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_phase_advances_total",
		Help: "Phase transitions by entered phase",
	}, []string{"phase"})

	phaseSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_phase_skips_total",
		Help: "Manual phase skips applied",
	})

	sessionPausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_session_pauses_total",
		Help: "Pause operations applied",
	})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_ticks_total",
		Help: "Tick loop iterations that evaluated the phase clock",
	})

	checkpointSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_checkpoint_saves_total",
		Help: "Checkpoint save attempts by outcome",
	}, []string{"outcome"})

	readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altitude_readings_total",
		Help: "Accepted sensor readings by kind",
	}, []string{"kind"})

	recoveriesResumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_recoveries_resumed_total",
		Help: "Interrupted sessions successfully resumed",
	})
)

// -----------------------------------------------------------------------------
// Tracer
// -----------------------------------------------------------------------------

var sessionTracer = otel.Tracer("altitude.session")

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Finalizer archives the final record of an ended session. The history
// store, the cloud exporter, and test doubles all implement it.
type Finalizer interface {
	Finalize(ctx context.Context, rec protocol.FinalRecord) error
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, rec protocol.FinalRecord) error

// Finalize calls f.
func (f FinalizerFunc) Finalize(ctx context.Context, rec protocol.FinalRecord) error {
	return f(ctx, rec)
}

// SessionInfo is a read-only snapshot of the manager's current session.
type SessionInfo struct {
	// Session is the identity, status, and configuration.
	Session protocol.Session `json:"session"`

	// Phase is the machine position at snapshot time.
	Phase protocol.PhaseState `json:"phase"`

	// Remaining is the current phase time left. Zero for ended sessions.
	Remaining time.Duration `json:"remaining"`

	// Elapsed is the wall-clock time since start; frozen once the session
	// ends.
	Elapsed time.Duration `json:"elapsed"`

	// Stats is the progress and reading summary so far.
	Stats protocol.SessionStats `json:"stats"`

	// TickCount is the number of ticks processed.
	TickCount uint64 `json:"tick_count"`
}

// StopResult summarizes a session that just ended.
type StopResult struct {
	// SessionID is the ended session.
	SessionID string `json:"session_id"`

	// Reason classifies how the session ended.
	Reason protocol.EndReason `json:"reason"`

	// Detail optionally refines the reason (e.g., "safety timeout").
	Detail string `json:"detail,omitempty"`

	// Duration is the total wall-clock span, pauses included.
	Duration time.Duration `json:"duration"`

	// Stats is the frozen session summary.
	Stats protocol.SessionStats `json:"stats"`
}

// Manager owns the session lifecycle.
//
// Description:
//
//	Exactly one session may be live at a time. The manager checkpoints
//	state for crash recovery, stamps readings into the telemetry buffer,
//	emits lifecycle events, and fans finalization out to the archive
//	sinks. Construct with NewManager and inject everywhere; there is no
//	package-level instance.
//
// Thread Safety: All public methods are safe for concurrent use.
type Manager struct {
	store       checkpoint.Store
	coordinator *recovery.Coordinator
	emitter     *events.Emitter
	buffer      *telemetry.Buffer
	finalizers  []Finalizer
	keeper      keepalive.Provider
	logger      *slog.Logger
	now         func() time.Time

	tickInterval       time.Duration
	checkpointInterval uint64
	sessionTimeout     time.Duration
	recoveryWindow     time.Duration

	mu              sync.Mutex
	closed          bool
	session         *protocol.Session
	machine         *protocol.Machine
	stats           protocol.SessionStats
	tickCount       uint64
	lastResult      *StopResult
	recoveryChecked bool
	pendingRecovery *recovery.Record

	// generation invalidates in-flight ticks: every loop start and every
	// finalization bumps it, and a tick whose generation no longer matches
	// degrades to a no-op instead of mutating post-stop state.
	generation uint64
	stopCh     chan struct{}
	loopDone   chan struct{}

	// finalizeDone is non-nil while background finalization of the
	// previous session is in flight. Start and Close wait on it so the
	// deferred checkpoint clear can never delete a newer session's save.
	finalizeDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEmitter injects a shared event emitter. By default the manager
// creates its own.
func WithEmitter(emitter *events.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithTelemetry attaches the reading buffer. Without one, readings are
// folded into session stats but not delivered anywhere.
func WithTelemetry(buffer *telemetry.Buffer) Option {
	return func(m *Manager) {
		m.buffer = buffer
	}
}

// WithFinalizer appends an archive sink for ended sessions. May be given
// multiple times; finalizers run in registration order.
func WithFinalizer(f Finalizer) Option {
	return func(m *Manager) {
		if f != nil {
			m.finalizers = append(m.finalizers, f)
		}
	}
}

// WithKeepAlive attaches the optional liveness heartbeat. Correctness never
// depends on it; it only improves wall-clock visibility while suspended.
func WithKeepAlive(p keepalive.Provider) Option {
	return func(m *Manager) {
		m.keeper = p
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTickInterval overrides the tick loop cadence.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithCheckpointInterval overrides the periodic checkpoint cadence, in ticks.
func WithCheckpointInterval(n uint64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.checkpointInterval = n
		}
	}
}

// WithSessionTimeout overrides the absolute session safety timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTimeout = d
		}
	}
}

// WithRecoveryWindow overrides the recovery window passed to the
// coordinator.
func WithRecoveryWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.recoveryWindow = d
		}
	}
}

// NewManager creates a session manager over the given checkpoint store.
//
// Description:
//
//	The recovery coordinator is built internally and shares the manager's
//	finalizers, so an abandoned session is archived through the same sinks
//	as a completed one. The first lifecycle call runs the startup recovery
//	check exactly once, strictly before any new session may begin.
//
// Inputs:
//   - store: Durable checkpoint store. Must not be nil.
//   - opts: Optional configuration.
//
// Outputs:
//
//	*Manager - Ready-to-use manager. Never nil.
func NewManager(store checkpoint.Store, opts ...Option) *Manager {
	m := &Manager{
		store:              store,
		emitter:            events.NewEmitter(),
		logger:             slog.Default(),
		now:                time.Now,
		tickInterval:       DefaultTickInterval,
		checkpointInterval: DefaultCheckpointInterval,
		sessionTimeout:     DefaultSessionTimeout,
		recoveryWindow:     recovery.DefaultRecoveryWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	m.coordinator = recovery.New(store,
		recovery.WithWindow(m.recoveryWindow),
		recovery.WithFinalizer(managerFinalizer{m: m}),
		recovery.WithLogger(m.logger),
	)
	return m
}

// Events returns the emitter for subscribing to session events.
//
// Description:
//
//	Handlers run synchronously inside the manager's critical section, in
//	strict emission order. A handler must therefore never call back into
//	the Manager; observers that need to react should hand the event to
//	their own goroutine (the websocket bridge pushes into a buffered
//	channel, for example).
func (m *Manager) Events() *events.Emitter {
	return m.emitter
}

// Info returns a read-only snapshot of the current session.
//
// Description:
//
//	A session that just ended stays visible, with its terminal status and
//	frozen elapsed time, until the next Start replaces it. The boolean is
//	false only when no session has existed in this process.
//
// Outputs:
//
//	*SessionInfo - Snapshot, nil when none.
//	bool - True when a snapshot is available.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Info() (*SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, false
	}

	now := m.now()
	info := &SessionInfo{
		Session:   *m.session,
		Phase:     m.machine.State(),
		Stats:     m.stats.Clone(),
		TickCount: m.tickCount,
	}
	if m.session.Status.IsLive() {
		info.Remaining = m.machine.Remaining(now)
		info.Elapsed = now.Sub(m.session.StartTime)
	} else if m.lastResult != nil {
		info.Elapsed = m.lastResult.Duration
	}
	return info, true
}

// LastResult returns the result of the most recently ended session, nil
// when none ended in this process.
func (m *Manager) LastResult() *StopResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// Close shuts the manager down without ending a live session.
//
// Description:
//
//	A live session is checkpointed one final time and left recoverable:
//	after a restart the recovery coordinator will offer it back within the
//	window. The tick loop is stopped synchronously, any in-flight
//	finalization is awaited, and the telemetry buffer performs its final
//	drain. Close is idempotent.
//
// Inputs:
//   - ctx: Bounds the wait for finalization and the buffer drain.
//
// Outputs:
//
//	error - Context error when the wait was cut short, nil otherwise.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var loopDone chan struct{}
	if m.session != nil && m.session.Status.IsLive() {
		m.checkpointLocked(ctx, m.now())
		m.generation++
		if m.stopCh != nil {
			close(m.stopCh)
			m.stopCh = nil
		}
		loopDone = m.loopDone
		m.logger.Info("shutting down with live session, left recoverable",
			slog.String("session_id", m.session.ID),
		)
	}
	fin := m.finalizeDone
	m.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}
	if fin != nil {
		select {
		case <-fin:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.buffer != nil {
		if err := m.buffer.Close(ctx); err != nil {
			m.logger.Warn("telemetry buffer close failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if m.keeper != nil {
		m.keeper.Stop()
	}
	m.logger.Info("session manager closed")
	return nil
}

// -----------------------------------------------------------------------------
// Finalization plumbing
// -----------------------------------------------------------------------------

// managerFinalizer lets the recovery coordinator archive abandoned sessions
// through the manager's finalizer chain.
type managerFinalizer struct {
	m *Manager
}

// Finalize fans the record out to every registered finalizer.
func (f managerFinalizer) Finalize(ctx context.Context, rec protocol.FinalRecord) error {
	return f.m.runFinalizers(ctx, rec)
}

// runFinalizers invokes every finalizer, logging failures individually.
// One failing sink never blocks the others.
func (m *Manager) runFinalizers(ctx context.Context, rec protocol.FinalRecord) error {
	var firstErr error
	for _, f := range m.finalizers {
		if err := f.Finalize(ctx, rec); err != nil {
			m.logger.Error("session finalizer failed",
				slog.String("session_id", rec.SessionID),
				slog.String("reason", rec.Reason.String()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// completeFinalization runs the deferred end-of-session work: final
// telemetry flush, archive fan-out, checkpoint clear, heartbeat stop.
// Failures are logged; a session's end is never rolled back.
func (m *Manager) completeFinalization(rec protocol.FinalRecord, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if m.buffer != nil {
		if err := m.buffer.Flush(ctx); err != nil {
			m.logger.Warn("final telemetry flush failed, readings remain buffered",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	_ = m.runFinalizers(ctx, rec)

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("checkpoint clear failed",
			slog.String("session_id", rec.SessionID),
			slog.String("error", err.Error()),
		)
	}

	if m.keeper != nil {
		m.keeper.Stop()
	}

	m.logger.Info("session finalized",
		slog.String("session_id", rec.SessionID),
		slog.String("reason", rec.Reason.String()),
		slog.Duration("duration", rec.Duration),
		slog.Int("phases_completed", rec.Stats.PhasesCompleted),
		slog.Int("cycles_completed", rec.Stats.CyclesCompleted),
	)
}

// drainFinalizationLocked waits for any in-flight background finalization.
//
// The mutex is released while waiting and held again on return, so callers
// must re-validate state afterwards. Returns the context error when the
// wait is cut short.
func (m *Manager) drainFinalizationLocked(ctx context.Context) error {
	for m.finalizeDone != nil {
		fin := m.finalizeDone
		select {
		case <-fin:
			m.finalizeDone = nil
			continue
		default:
		}

		m.mu.Unlock()
		select {
		case <-fin:
		case <-ctx.Done():
			m.mu.Lock()
			return ctx.Err()
		}
		m.mu.Lock()
	}
	return nil
}
