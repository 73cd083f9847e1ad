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
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianAltitude/pkg/ux"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/api"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
	"github.com/spf13/cobra"
)

// The session command group drives a running daemon over its control API.
// Every handler exits non-zero with the daemon's error message on failure.

func runSessionStart(cmd *cobra.Command, args []string) {
	req := api.StartRequest{
		ID:           runID,
		Cycles:       runCycles,
		LowDuration:  runLow,
		HighDuration: runHigh,
	}
	var resp api.StartResponse
	if err := callDaemon(http.MethodPost, "/v1/session/start", req, &resp); err != nil {
		log.Fatalf("Error starting session: %v", err)
	}
	ux.Success(fmt.Sprintf("Session %s started", resp.SessionID))
	printSessionInfo(&resp.Session)
}

func runSessionStatus(cmd *cobra.Command, args []string) {
	var info session.SessionInfo
	if err := callDaemon(http.MethodGet, "/v1/session", nil, &info); err != nil {
		log.Fatalf("Error fetching session: %v", err)
	}
	printSessionInfo(&info)
}

func runSessionPause(cmd *cobra.Command, args []string) {
	var info session.SessionInfo
	if err := callDaemon(http.MethodPost, "/v1/session/pause", nil, &info); err != nil {
		log.Fatalf("Error pausing session: %v", err)
	}
	ux.Success("Session paused. The phase clock is frozen.")
	printSessionInfo(&info)
}

func runSessionResume(cmd *cobra.Command, args []string) {
	var info session.SessionInfo
	if err := callDaemon(http.MethodPost, "/v1/session/resume", nil, &info); err != nil {
		log.Fatalf("Error resuming session: %v", err)
	}
	ux.Success("Session resumed.")
	printSessionInfo(&info)
}

func runSessionSkip(cmd *cobra.Command, args []string) {
	var info session.SessionInfo
	if err := callDaemon(http.MethodPost, "/v1/session/skip", nil, &info); err != nil {
		log.Fatalf("Error skipping phase: %v", err)
	}
	ux.Success("Phase skipped.")
	printSessionInfo(&info)
}

func runSessionStop(cmd *cobra.Command, args []string) {
	var result session.StopResult
	if err := callDaemon(http.MethodPost, "/v1/session/stop", api.StopRequest{Detail: stopDetail}, &result); err != nil {
		log.Fatalf("Error stopping session: %v", err)
	}
	ux.Success(fmt.Sprintf("Session %s stopped after %s",
		result.SessionID, result.Duration.Round(time.Second)))
	ux.Summary(result.Stats.CyclesCompleted, result.Stats.PhasesCompleted, int(result.Stats.ReadingCount))
}

func runSessionReading(cmd *cobra.Command, args []string) {
	value, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		log.Fatalf("Error parsing reading value %q: %v", args[1], err)
	}
	req := api.ReadingRequest{Kind: args[0], Value: value, CapturedAt: time.Now()}
	var resp api.ReadingResponse
	if err := callDaemon(http.MethodPost, "/v1/session/readings", req, &resp); err != nil {
		log.Fatalf("Error sending reading: %v", err)
	}
	if resp.Accepted {
		ux.Success(fmt.Sprintf("Reading buffered: %s = %g", args[0], value))
	} else {
		ux.Warning("Reading dropped, no live session.")
	}
}

// runRecover checks the daemon for an interrupted session and resumes it,
// or discards the snapshot with --decline.
func runRecover(cmd *cobra.Command, args []string) {
	var rec api.RecoveryResponse
	if err := callDaemon(http.MethodGet, "/v1/recovery", nil, &rec); err != nil {
		log.Fatalf("Error checking for a recoverable session: %v", err)
	}
	if !rec.CanRecover {
		ux.Info(fmt.Sprintf("No recoverable session (%s).", rec.Reason))
		return
	}

	ux.WarningBox("Interrupted session found", fmt.Sprintf(
		"%s: cycle %d, %s phase, checkpointed %s ago",
		rec.SessionID, rec.Cycle, rec.Phase, rec.SessionAge.Round(time.Second)))

	if declineRecovery {
		if err := callDaemon(http.MethodPost, "/v1/recovery/decline", nil, nil); err != nil {
			log.Fatalf("Error declining recovery: %v", err)
		}
		ux.Muted("Snapshot discarded; session archived as abandoned.")
		return
	}

	var resp api.ResumeResponse
	if err := callDaemon(http.MethodPost, "/v1/recovery/resume", nil, &resp); err != nil {
		log.Fatalf("Error resuming session: %v", err)
	}
	ux.Success(fmt.Sprintf("Resumed session %s", resp.SessionID))
	printSessionInfo(&resp.Session)
}
