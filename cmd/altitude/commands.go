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
	"log"

	"github.com/AleutianAI/AleutianAltitude/pkg/ux"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/config"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	cfgFile     string
	outputStyle string // UX personality level (full/standard/minimal/machine)

	runCycles  int    // LOW+HIGH cycle count override
	runLow     string // LOW phase duration override, e.g. "7m"
	runHigh    string // HIGH phase duration override, e.g. "3m"
	runID      string // caller-supplied session ID
	runResume  bool   // resume an interrupted session without prompting
	runDiscard bool   // discard an interrupted session without prompting

	stopDetail      string
	historyLimit    int
	declineRecovery bool

	rootCmd = &cobra.Command{
		Use:   "altitude",
		Short: "A cli to run and manage interval altitude training sessions",
		Long: `Altitude runs timed LOW/HIGH interval protocols with crash-safe
				checkpointing, buffered telemetry, and a local HTTP control API.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if outputStyle != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(outputStyle))
			} else {
				ux.InitPersonality()
			}
			loaded, err := config.Load(cfgFile)
			if err != nil {
				log.Fatalf("Error loading configuration: %v", err)
			}
			cfg = loaded
		},
	}

	// --- Daemon ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the session engine daemon with the HTTP control API",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Foreground Session ---
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a training session in the foreground",
		Long: `Run starts a session in this process and prints phase transitions
				until it completes or is interrupted. Ctrl-C checkpoints the
				session and leaves it recoverable inside the recovery window.`,
		Run: runSession, // Defined in cmd_run.go
	}

	// --- Session Control (daemon) ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Control the active session on a running daemon",
	}
	sessionStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start a new session on the daemon",
		Run:   runSessionStart, // Defined in cmd_session.go
	}
	sessionStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Run:   runSessionStatus, // Defined in cmd_session.go
	}
	sessionPauseCmd = &cobra.Command{
		Use:   "pause",
		Short: "Freeze the active session's phase clock",
		Run:   runSessionPause, // Defined in cmd_session.go
	}
	sessionResumeCmd = &cobra.Command{
		Use:   "resume",
		Short: "Unfreeze a paused session",
		Run:   runSessionResume, // Defined in cmd_session.go
	}
	sessionSkipCmd = &cobra.Command{
		Use:   "skip",
		Short: "Skip the rest of the current phase",
		Run:   runSessionSkip, // Defined in cmd_session.go
	}
	sessionStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the active session",
		Run:   runSessionStop, // Defined in cmd_session.go
	}
	sessionReadingCmd = &cobra.Command{
		Use:   "reading [kind] [value]",
		Short: "Attach a sensor reading (e.g. spo2 91.5) to the active session",
		Args:  cobra.ExactArgs(2),
		Run:   runSessionReading, // Defined in cmd_session.go
	}

	// --- Recovery ---
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Inspect and resume an interrupted session on the daemon",
		Run:   runRecover, // Defined in cmd_session.go
	}

	// --- History ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Browse the completed-session archive",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent archived sessions",
		Run:   runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsShowCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Show one archived session in full",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsShow, // Defined in cmd_sessions.go
	}

	// --- Utilities ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run:   runVersion, // Defined in cmd_version.go
	}
)

// init runs when the Go program starts
func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to altitude.yaml (default ~/.altitude/altitude.yaml, created on first run)")
	rootCmd.PersistentFlags().StringVar(&outputStyle, "output", "",
		"Output style: full (default, rich alpine), standard, minimal, or machine (scripting)")

	// --- Daemon ---
	rootCmd.AddCommand(serveCmd)

	// --- Foreground session ---
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runCycles, "cycles", 0, "Number of LOW+HIGH cycles (default from config)")
	runCmd.Flags().StringVar(&runLow, "low", "", "LOW phase duration, e.g. 7m (default from config)")
	runCmd.Flags().StringVar(&runHigh, "high", "", "HIGH phase duration, e.g. 3m (default from config)")
	runCmd.Flags().StringVar(&runID, "id", "", "Session ID (default: generated)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume an interrupted session without prompting")
	runCmd.Flags().BoolVar(&runDiscard, "discard", false, "Discard an interrupted session without prompting")

	// --- Session control ---
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionStartCmd.Flags().IntVar(&runCycles, "cycles", 0, "Number of LOW+HIGH cycles (default from config)")
	sessionStartCmd.Flags().StringVar(&runLow, "low", "", "LOW phase duration, e.g. 7m (default from config)")
	sessionStartCmd.Flags().StringVar(&runHigh, "high", "", "HIGH phase duration, e.g. 3m (default from config)")
	sessionStartCmd.Flags().StringVar(&runID, "id", "", "Session ID (default: generated)")
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionSkipCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionStopCmd.Flags().StringVar(&stopDetail, "detail", "", "Optional reason recorded with the stop")
	sessionCmd.AddCommand(sessionReadingCmd)

	// --- Recovery ---
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().BoolVar(&declineRecovery, "decline", false, "Discard the snapshot instead of resuming")

	// --- History ---
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum sessions to list")
	sessionsCmd.AddCommand(sessionsShowCmd)

	// --- Utilities ---
	rootCmd.AddCommand(versionCmd)
}
