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
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

const (
	// readyAttempts is how many health polls Ready makes before giving up.
	readyAttempts = 10

	// readyInterval separates health polls.
	readyInterval = 3 * time.Second

	// defaultWriteRate caps batch writes per second.
	defaultWriteRate = rate.Limit(10)
)

// Sink receives flushed telemetry batches.
//
// Description:
//
//	A batch write must be atomic from the buffer's point of view: either
//	the whole batch is considered delivered (nil) or none of it is
//	(non-nil), in which case the buffer re-queues every reading. Partial
//	writes on the backend are tolerable because readings carry their own
//	timestamps and re-delivery overwrites the same series points.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Sink interface {
	WriteBatch(ctx context.Context, batch []protocol.Reading) error
}

// NopSink discards batches. Used when no telemetry backend is configured,
// such as one-shot CLI sessions.
type NopSink struct{}

// WriteBatch implements Sink.
func (NopSink) WriteBatch(context.Context, []protocol.Reading) error { return nil }

// -----------------------------------------------------------------------------
// InfluxDB Sink
// -----------------------------------------------------------------------------

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	// URL is the InfluxDB base URL, e.g. "http://localhost:8086".
	URL string

	// Org is the InfluxDB organization.
	Org string

	// Bucket receives the reading points.
	Bucket string

	// Token holds the API token sealed in an enclave. The sink keeps the
	// unsealed buffer alive for its own lifetime and wipes it on Close.
	Token *memguard.Enclave

	// WritesPerSecond caps batch writes. Zero means the default.
	WritesPerSecond rate.Limit

	// WriteBurst is the limiter burst. Zero means 1.
	WriteBurst int
}

// InfluxSink writes reading batches to InfluxDB as line-protocol points.
//
// Description:
//
//	Each reading becomes one point: the measurement is the reading kind,
//	tagged with session id, phase, and cycle, with the sample value as the
//	single field and the capture instant as the point timestamp. The
//	explicit timestamp makes re-delivery after a failed flush idempotent
//	on the backend.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client  influxdb2.Client
	write   api.WriteAPIBlocking
	token   *memguard.LockedBuffer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewInfluxSink opens a client against the configured InfluxDB.
//
// Inputs:
//   - cfg: Connection settings. URL, Org, Bucket, and Token are required.
//   - logger: Structured logger; nil falls back to slog.Default().
//
// Outputs:
//   - *InfluxSink: The sink. Call Close to release the client and wipe
//     the token from memory.
//   - error: Non-nil when required settings are missing or the token
//     enclave cannot be opened.
func NewInfluxSink(cfg InfluxConfig, logger *slog.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink requires url, org, and bucket")
	}
	if cfg.Token == nil {
		return nil, errors.New("influx sink requires an API token")
	}
	if logger == nil {
		logger = slog.Default()
	}

	token, err := cfg.Token.Open()
	if err != nil {
		return nil, fmt.Errorf("open influx token enclave: %w", err)
	}

	writeRate := cfg.WritesPerSecond
	if writeRate <= 0 {
		writeRate = defaultWriteRate
	}
	burst := cfg.WriteBurst
	if burst <= 0 {
		burst = 1
	}

	// The client holds a view into the locked buffer, so the buffer must
	// outlive the client. Both are released together in Close.
	client := influxdb2.NewClient(cfg.URL, token.String())

	return &InfluxSink{
		client:  client,
		write:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		token:   token,
		limiter: rate.NewLimiter(writeRate, burst),
		logger:  logger.With(slog.String("component", "influx_sink")),
	}, nil
}

// Ready polls the InfluxDB health endpoint until it passes or attempts
// run out. Called once at startup; a failure is logged and tolerated
// because the circuit breaker guards the write path anyway.
func (s *InfluxSink) Ready(ctx context.Context) error {
	var lastErr error
	for i := 0; i < readyAttempts; i++ {
		health, err := s.client.Health(ctx)
		if err == nil && health.Status == "pass" {
			s.logger.Info("influxdb ready", slog.Int("attempts", i+1))
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("health status %q", health.Status)
		}
		s.logger.Warn("influxdb not ready",
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", readyAttempts),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
	return fmt.Errorf("influxdb not ready after %d attempts: %w", readyAttempts, lastErr)
}

// WriteBatch implements Sink.
func (s *InfluxSink) WriteBatch(ctx context.Context, batch []protocol.Reading) error {
	if len(batch) == 0 {
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	points := make([]*write.Point, 0, len(batch))
	for _, r := range batch {
		points = append(points, readingPoint(r))
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	return nil
}

// Close releases the client and wipes the token from locked memory.
func (s *InfluxSink) Close() {
	s.client.Close()
	s.token.Destroy()
}

// readingPoint converts one reading into an InfluxDB point.
func readingPoint(r protocol.Reading) *write.Point {
	return influxdb2.NewPoint(
		r.Kind,
		map[string]string{
			"session_id": r.SessionID,
			"phase":      r.Phase.String(),
			"cycle":      strconv.Itoa(r.Cycle),
		},
		map[string]interface{}{
			"value": r.Value,
		},
		r.CapturedAt,
	)
}
