// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry buffers sensor readings in memory and delivers them to
// a sink in batches, at least once.
//
// Readings are appended to an ordered queue and flushed either when the
// queue reaches the batch size or when the flush timer fires, whichever
// comes first. A failed flush re-queues the batch at the front, preserving
// order; nothing is ever silently dropped. The queue is deliberately
// unbounded: sessions are short (hours at most) and reading volume is small
// (a few per second), so memory pressure loses to data loss.
//
// Use cases:
//   - Buffering SpO2 and heart rate samples during a session
//   - Riding out telemetry backend outages without touching session state
//   - Final drain on session stop and process shutdown
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

const (
	// DefaultBatchSize is the flush threshold and maximum batch size.
	DefaultBatchSize = 50

	// DefaultFlushInterval is the timer-driven flush cadence.
	DefaultFlushInterval = 2 * time.Second
)

// Buffer accumulates readings and flushes them to a Sink.
//
// Description:
//
//	Append never blocks on network I/O; all sink writes happen on the
//	buffer's own worker goroutine. A size-triggered flush drains the
//	queue down below the batch size; the timer flush clears stragglers
//	that never reach it. Failed batches return to the front of the queue
//	and retry on the next trigger, so delivery is at-least-once and
//	duplicates are possible after a failure mid-write.
//
// Thread Safety: Safe for concurrent use.
type Buffer struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending []protocol.Reading
	closed  bool

	// flushMu serializes flushes so a worker flush and a manual Flush
	// cannot interleave and reorder readings.
	flushMu sync.Mutex

	kick      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithFlushInterval overrides the timer flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.flushInterval = d
		}
	}
}

// WithLogger sets the buffer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuffer creates a buffer over the given sink and starts its flush
// worker. A nil sink discards readings.
func NewBuffer(sink Sink, opts ...Option) *Buffer {
	if sink == nil {
		sink = NopSink{}
	}

	b := &Buffer{
		sink:          sink,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		logger:        slog.Default(),
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "telemetry_buffer"))

	go b.run()
	return b
}

// Append queues one reading for delivery.
//
// Description:
//
//	Returns immediately; the reading is flushed later by the worker.
//	Reaching the batch size signals the worker, which drains the queue
//	until it drops below the threshold. Appends to a closed buffer are
//	dropped with a warning, since no worker remains to deliver them.
func (b *Buffer) Append(r protocol.Reading) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("reading dropped, buffer closed",
			slog.String("session_id", r.SessionID),
			slog.String("kind", r.Kind),
		)
		return
	}
	b.pending = append(b.pending, r)
	n := len(b.pending)
	b.mu.Unlock()

	telemetryBufferedGauge.Set(float64(n))

	if n >= b.batchSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered readings.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a copy of the buffered readings, oldest first.
func (b *Buffer) Pending() []protocol.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Reading, len(b.pending))
	copy(out, b.pending)
	return out
}

// Flush drains the queue completely, batch by batch.
//
// Outputs:
//   - error: The first sink error; the failed batch and everything
//     behind it remain buffered, in order.
func (b *Buffer) Flush(ctx context.Context) error {
	for {
		delivered, err := b.flushOnce(ctx)
		if err != nil {
			return err
		}
		if delivered == 0 {
			return nil
		}
	}
}

// Close stops the flush worker and attempts a final drain.
//
// Description:
//
//	The worker is stopped synchronously: when Close returns, no further
//	timer or size flush can run. Readings that fail the final drain are
//	lost with the process; the count is logged and the error returned so
//	the caller can decide how loudly to complain.
func (b *Buffer) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stopCh)
		<-b.doneCh

		err = b.Flush(ctx)
		if err != nil {
			b.mu.Lock()
			remaining := len(b.pending)
			b.mu.Unlock()
			b.logger.Error("final telemetry drain failed",
				slog.Int("undelivered", remaining),
				slog.String("error", err.Error()),
			)
		}
	})
	return err
}

// run is the flush worker loop.
func (b *Buffer) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			_, _ = b.flushOnce(context.Background())
		case <-b.kick:
			b.drain()
		}
	}
}

// drain flushes while the queue holds at least one full batch, so a stale
// kick never flushes a partial batch; those wait for the timer. Failures
// also wait for the next timer tick rather than retrying hot.
func (b *Buffer) drain() {
	for b.Len() >= b.batchSize {
		delivered, err := b.flushOnce(context.Background())
		if err != nil || delivered == 0 {
			return
		}
	}
}

// flushOnce writes at most one batch of the oldest readings.
//
// Outputs:
//   - int: Readings delivered; zero when the queue was empty or the
//     write failed.
//   - error: The sink error, after re-queuing the batch at the front.
func (b *Buffer) flushOnce(ctx context.Context) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	n := min(b.batchSize, len(b.pending))
	batch := make([]protocol.Reading, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	b.mu.Unlock()

	start := time.Now()
	err := b.sink.WriteBatch(ctx, batch)
	telemetryFlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		// Put the batch back in front of anything appended meanwhile.
		b.mu.Lock()
		requeued := make([]protocol.Reading, 0, len(batch)+len(b.pending))
		requeued = append(requeued, batch...)
		requeued = append(requeued, b.pending...)
		b.pending = requeued
		buffered := len(b.pending)
		b.mu.Unlock()

		telemetryBufferedGauge.Set(float64(buffered))
		telemetryFlushesTotal.WithLabelValues("error").Inc()
		b.logger.Warn("telemetry flush failed, batch re-queued",
			slog.Int("batch", len(batch)),
			slog.Int("buffered", buffered),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	b.mu.Lock()
	buffered := len(b.pending)
	b.mu.Unlock()

	telemetryBufferedGauge.Set(float64(buffered))
	telemetryFlushesTotal.WithLabelValues("ok").Inc()
	telemetryWrittenTotal.Add(float64(n))
	b.logger.Debug("telemetry flush",
		slog.Int("written", n),
		slog.Int("buffered", buffered),
	)
	return n, nil
}
