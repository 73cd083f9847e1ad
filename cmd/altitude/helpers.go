// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAltitude/pkg/ux"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/api"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/export"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/history"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/keepalive"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/telemetry"
)

// daemonBaseURL resolves the control API address. ALTITUDE_DAEMON_URL wins;
// otherwise the configured listen address is turned into a localhost URL.
func daemonBaseURL() string {
	if url := os.Getenv("ALTITUDE_DAEMON_URL"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	addr := cfg.Server.Addr
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// callDaemon sends one request to the control API and decodes the JSON
// response into out (skipped when out is nil). Non-2xx responses come back
// as errors carrying the API's error message.
func callDaemon(method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, daemonBaseURL()+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w (is 'altitude serve' running?)", daemonBaseURL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printSessionInfo renders one session snapshot: the phase position line
// followed by a muted stats line.
func printSessionInfo(info *session.SessionInfo) {
	printPhaseState(info)
	ux.Muted(fmt.Sprintf("%s, elapsed %s, readings %d, pauses %d, skips %d",
		info.Session.Status,
		info.Elapsed.Round(time.Second),
		info.Stats.ReadingCount,
		info.Stats.PauseCount,
		info.Stats.SkipCount,
	))
}

// buildManagerOptions assembles the session manager wiring shared by the
// daemon and the foreground runner. The returned closer releases the GCS
// uploader when export is enabled.
func buildManagerOptions(ctx context.Context, logger *slog.Logger, buffer *telemetry.Buffer, hist *history.Store) ([]session.Option, func()) {
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithTelemetry(buffer),
		session.WithFinalizer(hist),
		session.WithCheckpointInterval(uint64(cfg.Session.CheckpointEveryTicks)),
		session.WithSessionTimeout(cfg.Session.SafetyTimeout.Std()),
		session.WithRecoveryWindow(cfg.Recovery.Window.Std()),
	}
	cleanup := func() {}
	if cfg.Export.Enabled {
		uploader, err := export.NewUploader(ctx, export.Config{
			Bucket:          cfg.Export.Bucket,
			Prefix:          cfg.Export.Prefix,
			CredentialsFile: cfg.Export.CredentialsFile,
		}, logger)
		if err != nil {
			log.Fatalf("Error creating GCS exporter: %v", err)
		}
		cleanup = func() { uploader.Close() }
		opts = append(opts, session.WithFinalizer(uploader))
	}
	if cfg.KeepAlive.Enabled {
		heartbeat := keepalive.NewHeartbeat(cfg.KeepAlive.Path, cfg.KeepAlive.Interval.Std(), logger)
		opts = append(opts, session.WithKeepAlive(heartbeat))
	}
	return opts, cleanup
}
