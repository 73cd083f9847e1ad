// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keepalive signals host power management that a session is live.
//
// Phase timing survives sleep because anchors are absolute, but a machine
// that suspends mid-session stops capturing telemetry and misses phase
// boundaries until it wakes. The heartbeat provider stamps a liveness file
// on an interval; a host-side inhibitor (systemd unit, launchd agent)
// watches the stamp and holds off idle sleep while it stays fresh.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultInterval is the default stamp cadence.
const DefaultInterval = 30 * time.Second

// Provider keeps the host awake for the duration of a session.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Provider interface {
	// Start begins signaling liveness for the given session. Starting
	// while already started is an error.
	Start(ctx context.Context, sessionID string) error

	// Stop ends the liveness signal. Idempotent.
	Stop()
}

// Nop is the disabled provider.
type Nop struct{}

// Start implements Provider.
func (Nop) Start(context.Context, string) error { return nil }

// Stop implements Provider.
func (Nop) Stop() {}

// Heartbeat stamps a liveness file on an interval while a session runs.
//
// Description:
//
//	Each stamp rewrites the file with the session id and the current
//	instant. Stop removes the file so the host inhibitor releases
//	immediately instead of waiting for the stamp to go stale.
//
// Thread Safety: Safe for concurrent use.
type Heartbeat struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHeartbeat creates a heartbeat provider stamping the given file.
func NewHeartbeat(path string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		path:     path,
		interval: interval,
		logger:   logger.With(slog.String("component", "keepalive")),
	}
}

// Start implements Provider.
func (h *Heartbeat) Start(ctx context.Context, sessionID string) error {
	if h.path == "" {
		return errors.New("keepalive stamp path is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopCh != nil {
		return errors.New("keepalive already running")
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("create keepalive dir: %w", err)
	}
	if err := h.stamp(sessionID); err != nil {
		return err
	}

	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.run(sessionID, h.stopCh, h.doneCh)

	h.logger.Info("keepalive started",
		slog.String("session_id", sessionID),
		slog.String("path", h.path),
		slog.Duration("interval", h.interval),
	)
	return nil
}

// Stop implements Provider.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stopCh, doneCh := h.stopCh, h.doneCh
	h.stopCh, h.doneCh = nil, nil
	h.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh

	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("remove keepalive stamp failed", slog.String("error", err.Error()))
	}
	h.logger.Info("keepalive stopped")
}

func (h *Heartbeat) run(sessionID string, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := h.stamp(sessionID); err != nil {
				h.logger.Warn("keepalive stamp failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (h *Heartbeat) stamp(sessionID string) error {
	content := fmt.Sprintf("%s %s\n", sessionID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(h.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write keepalive stamp: %w", err)
	}
	return nil
}
