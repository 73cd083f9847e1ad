// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// BreakerState is the position of the sink circuit breaker.
//
//	CLOSED ──[failure threshold]──► OPEN ──[timeout]──► HALF_OPEN
//	   ▲                                                    │
//	   └──────────────[success threshold]───────────────────┘
//
// A failure in HALF_OPEN reopens the circuit immediately.
type BreakerState int

const (
	// BreakerClosed is normal operation; writes flow to the sink.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects writes immediately; the sink is known bad.
	BreakerOpen

	// BreakerHalfOpen probes the sink with live writes after the open
	// timeout, deciding whether to close again.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrBreakerOpen is returned when the circuit is open and the write was
// rejected without touching the sink. Rejected batches stay buffered.
var ErrBreakerOpen = errors.New("telemetry circuit breaker is open")

// BreakerConfig controls how the breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is consecutive half-open successes to close.
	// Default: 2
	SuccessThreshold int

	// OpenTimeout is how long to stay open before probing half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the defaults used by the Influx sink.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker guards a Sink against a downed telemetry backend.
//
// Description:
//
//	After FailureThreshold consecutive write failures the breaker opens
//	and fails fast, so a dead InfluxDB costs one error check instead of a
//	network timeout per flush. Buffered readings are untouched by a
//	rejection; they retry once the breaker lets writes through again.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config      BreakerConfig
	logger      *slog.Logger
	mu          sync.RWMutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time

	// now is the clock source, swapped in tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker. Zero config values take defaults.
func NewBreaker(config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Breaker{
		config: config,
		logger: logger.With(slog.String("component", "telemetry_breaker")),
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
//
// Outputs:
//   - error: ErrBreakerOpen when rejected, otherwise fn's error.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Reset forces the breaker closed and clears its counters. Used when the
// backend is known to be healthy again, such as after a config reload.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.transitionTo(BreakerClosed)
	}
	b.failures = 0
	b.successes = 0
}

// allow reports whether a write may proceed, moving OPEN to HALF_OPEN once
// the open timeout elapses.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.config.OpenTimeout {
			b.transitionTo(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

// recordFailure is called with the lock held.
func (b *Breaker) recordFailure() {
	b.failures++
	b.successes = 0
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		// The probe failed; back to open for another timeout.
		b.transitionTo(BreakerOpen)
	}
}

// recordSuccess is called with the lock held.
func (b *Breaker) recordSuccess() {
	b.successes++

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transitionTo(BreakerClosed)
		}
	}
}

// transitionTo is called with the lock held.
func (b *Breaker) transitionTo(state BreakerState) {
	if b.state == state {
		return
	}

	old := b.state
	b.state = state
	telemetryBreakerTransitions.WithLabelValues(state.String()).Inc()
	b.logger.Warn("telemetry breaker state change",
		slog.String("from", old.String()),
		slog.String("to", state.String()),
		slog.Int("failures", b.failures),
	)
}

// -----------------------------------------------------------------------------
// Breaker Sink
// -----------------------------------------------------------------------------

// BreakerSink wraps a Sink with a circuit breaker.
type BreakerSink struct {
	inner   Sink
	breaker *Breaker
}

// NewBreakerSink guards sink with a breaker built from config.
func NewBreakerSink(sink Sink, config BreakerConfig, logger *slog.Logger) *BreakerSink {
	return &BreakerSink{
		inner:   sink,
		breaker: NewBreaker(config, logger),
	}
}

// WriteBatch implements Sink.
func (s *BreakerSink) WriteBatch(ctx context.Context, batch []protocol.Reading) error {
	return s.breaker.Execute(func() error {
		return s.inner.WriteBatch(ctx, batch)
	})
}

// Breaker exposes the underlying breaker for state inspection.
func (s *BreakerSink) Breaker() *Breaker {
	return s.breaker
}
