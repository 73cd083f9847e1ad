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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianAltitude/pkg/logging"
	"github.com/AleutianAI/AleutianAltitude/pkg/ux"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/history"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
	"github.com/spf13/cobra"
)

// runSession runs a session in this process, printing each phase transition
// until completion or interrupt. It holds the checkpoint store exclusively;
// when a daemon is active, use `altitude session start` instead.
func runSession(cmd *cobra.Command, args []string) {
	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		LogDir:     cfg.Logging.Dir,
		Service:    "cli",
		JSON:       cfg.Logging.Format == "json",
		Quiet:      true, // ux owns the terminal
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logger.Close()
	slogger := logger.Slog()

	protoCfg := cfg.Protocol.ToProtocol()
	if runCycles > 0 {
		protoCfg.TotalCycles = runCycles
	}
	if runLow != "" {
		d, err := time.ParseDuration(runLow)
		if err != nil {
			log.Fatalf("Error parsing --low duration %q: %v", runLow, err)
		}
		protoCfg.LowPhaseDuration = d
	}
	if runHigh != "" {
		d, err := time.ParseDuration(runHigh)
		if err != nil {
			log.Fatalf("Error parsing --high duration %q: %v", runHigh, err)
		}
		protoCfg.HighPhaseDuration = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	badgerCfg := checkpoint.DefaultBadgerConfig(cfg.Checkpoint.Dir)
	badgerCfg.SyncWrites = cfg.Checkpoint.SyncWrites
	badgerCfg.GCInterval = cfg.Checkpoint.GCInterval.Std()
	badgerCfg.Logger = slogger
	store, err := checkpoint.OpenBadger(badgerCfg)
	if err != nil {
		log.Fatalf("Error opening checkpoint store at %s: %v (is the daemon running? use 'altitude session start' instead)", cfg.Checkpoint.Dir, err)
	}
	defer store.Close()

	hist, err := history.Open(cfg.History.Path, slogger)
	if err != nil {
		log.Fatalf("Error opening history archive at %s: %v", cfg.History.Path, err)
	}
	defer hist.Close()

	buffer, sinkClose := buildTelemetry(ctx, slogger)
	defer sinkClose()

	opts, cleanup := buildManagerOptions(ctx, slogger, buffer, hist)
	defer cleanup()
	manager := session.NewManager(store, opts...)

	// Subscribe before any session can start so no transition is missed.
	finished := make(chan struct{})
	var finishOnce sync.Once
	emitter := manager.Events()
	subID := emitter.Subscribe(func(e *events.Event) {
		switch e.Type {
		case events.TypePhaseAdvanced:
			if data, ok := e.Data.(events.AdvanceData); ok {
				printPhase(data.Session, data.Skipped)
			}
		case events.TypeSessionPaused:
			ux.Muted("Paused. Press Ctrl-C to checkpoint and exit.")
		case events.TypeSessionResumed:
			ux.Muted("Resumed.")
		case events.TypeBackgroundSync:
			if data, ok := e.Data.(events.SyncData); ok {
				ux.Info(fmt.Sprintf("Replayed %d overdue transition(s) after %s offline",
					data.Replayed, data.Offline.Round(time.Second)))
			}
		case events.TypeSessionStopped, events.TypeSessionCompleted:
			finishOnce.Do(func() { close(finished) })
		}
	},
		events.TypePhaseAdvanced,
		events.TypeSessionPaused,
		events.TypeSessionResumed,
		events.TypeBackgroundSync,
		events.TypeSessionStopped,
		events.TypeSessionCompleted,
	)
	defer emitter.Unsubscribe(subID)

	// Offer an interrupted session back before starting a new one. The
	// --resume and --discard flags decide without prompting; otherwise an
	// interactive terminal is asked, and a non-interactive caller must
	// rerun with a flag so a script never silently throws a session away.
	resumed := false
	if rec, rerr := manager.Recoverable(ctx); rerr == nil && rec.CanRecover {
		snap := rec.Snapshot
		ux.WarningBox("Interrupted session found", fmt.Sprintf(
			"%s: cycle %d/%d, %s phase, checkpointed %s ago",
			snap.Session.ID,
			snap.Phase.Cycle, snap.Session.Config.TotalCycles,
			snap.Phase.Phase,
			rec.SessionAge.Round(time.Second),
		))

		resume := runResume
		if !runResume && !runDiscard {
			if !ux.IsInteractive() {
				log.Fatalf("Interrupted session %s found; rerun with --resume or --discard", snap.Session.ID)
			}
			resume = ux.Confirm("Resume it?")
		}
		if resume {
			if _, err := manager.ResumeRecovered(ctx, rec); err != nil {
				log.Fatalf("Error resuming session: %v", err)
			}
			resumed = true
			ux.Success(fmt.Sprintf("Resumed session %s", snap.Session.ID))
		} else {
			if err := manager.DeclineRecovery(ctx); err != nil {
				log.Fatalf("Error discarding snapshot: %v", err)
			}
			ux.Muted("Snapshot discarded; session archived as abandoned.")
		}
	}

	var sessionID string
	if resumed {
		if info, ok := manager.Info(); ok {
			sessionID = info.Session.ID
			printPhaseState(info)
		}
	} else {
		sessionID, err = manager.Start(ctx, runID, protoCfg)
		if err != nil {
			log.Fatalf("Error starting session: %v", err)
		}
		ux.Title(fmt.Sprintf("Session %s", sessionID))
		ux.Info(fmt.Sprintf("%d cycles: %s LOW / %s HIGH, %s mask switches",
			protoCfg.TotalCycles, protoCfg.LowPhaseDuration, protoCfg.HighPhaseDuration,
			protocol.TransitionDuration))
		if info, ok := manager.Info(); ok {
			printPhaseState(info)
		}
	}

	select {
	case <-finished:
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		spinner := ux.NewSpinner("Flushing telemetry and archiving session")
		spinner.Start()
		err := manager.Close(closeCtx)
		if err != nil {
			spinner.StopWithWarning("Drain cut short: " + err.Error())
		} else {
			spinner.StopWithSuccess("Session archived")
		}
		if res := manager.LastResult(); res != nil {
			switch res.Reason {
			case protocol.EndCompleted:
				ux.Success(fmt.Sprintf("Session %s completed in %s",
					res.SessionID, res.Duration.Round(time.Second)))
			default:
				detail := res.Detail
				if detail == "" {
					detail = string(res.Reason)
				}
				ux.Warning(fmt.Sprintf("Session %s stopped after %s (%s)",
					res.SessionID, res.Duration.Round(time.Second), detail))
			}
			ux.Summary(res.Stats.CyclesCompleted, res.Stats.PhasesCompleted, int(res.Stats.ReadingCount))
		}

	case <-ctx.Done():
		// Checkpoint and leave the session recoverable.
		fmt.Println()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			slogger.Warn("shutdown incomplete", "error", err.Error())
		}
		ux.Warning(fmt.Sprintf("Interrupted. Session %s is recoverable for %s.", sessionID, cfg.Recovery.Window))
		ux.Muted("Run 'altitude run' again to resume it.")
	}
}

// printPhase renders one phase transition line from an advance event.
func printPhase(data events.SessionData, skipped bool) {
	phase := data.Phase
	if phase == protocol.PhaseCompleted {
		return // the completion event carries the closing summary
	}
	icon := ux.IconValley
	detail := fmt.Sprintf("cycle %d/%d, %s", data.Cycle, data.TotalCycles, data.Remaining.Round(time.Second))
	switch phase {
	case protocol.PhaseHigh:
		icon = ux.IconPeak
	case protocol.PhaseTransition:
		icon = ux.IconFlag
		detail = fmt.Sprintf("switch to %s, cycle %d/%d", data.PendingPhase, data.Cycle, data.TotalCycles)
	}
	if skipped {
		detail = "skipped ahead, " + detail
	}
	ux.PhaseStatus(string(phase), icon, detail)
}

// printPhaseState renders the current position from a snapshot, used when
// entering an already-running session.
func printPhaseState(info *session.SessionInfo) {
	data := events.SessionData{
		SessionID:    info.Session.ID,
		Status:       info.Session.Status,
		Phase:        info.Phase.Phase,
		PendingPhase: info.Phase.PendingPhase,
		Cycle:        info.Phase.Cycle,
		TotalCycles:  info.Session.Config.TotalCycles,
		Remaining:    info.Remaining,
		StartTime:    info.Session.StartTime,
	}
	printPhase(data, false)
}
