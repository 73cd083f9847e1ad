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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianAltitude/pkg/ux"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/history"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
	"github.com/spf13/cobra"
)

// The sessions command group reads the SQLite archive directly, so browsing
// works with or without a running daemon. Writes stay with the engine.

func runSessionsList(cmd *cobra.Command, args []string) {
	hist := openHistory()
	defer hist.Close()

	records, err := hist.List(context.Background(), historyLimit)
	if err != nil {
		log.Fatalf("Error listing archived sessions: %v", err)
	}
	if len(records) == 0 {
		ux.Info("No archived sessions yet.")
		return
	}

	ux.Title(fmt.Sprintf("Archived sessions (%d)", len(records)))
	for _, rec := range records {
		fmt.Printf("%s %-24s %-10s %2d/%2d cycles %9s  %s\n",
			reasonIcon(rec.Reason).Render(),
			rec.SessionID,
			rec.Reason,
			rec.Stats.CyclesCompleted, rec.Config.TotalCycles,
			rec.Duration.Round(time.Second),
			rec.EndTime.Local().Format("2006-01-02 15:04"),
		)
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) {
	hist := openHistory()
	defer hist.Close()

	rec, ok, err := hist.Get(context.Background(), args[0])
	if err != nil {
		log.Fatalf("Error reading session %s: %v", args[0], err)
	}
	if !ok {
		log.Fatalf("Session %s is not in the archive", args[0])
	}

	ux.Title(fmt.Sprintf("Session %s", rec.SessionID))
	detail := string(rec.Reason)
	if rec.Detail != "" {
		detail = fmt.Sprintf("%s (%s)", rec.Reason, rec.Detail)
	}
	fmt.Printf("  Outcome:   %s %s\n", reasonIcon(rec.Reason).Render(), detail)
	fmt.Printf("  Protocol:  %d cycles, %s LOW / %s HIGH\n",
		rec.Config.TotalCycles, rec.Config.LowPhaseDuration, rec.Config.HighPhaseDuration)
	fmt.Printf("  Started:   %s\n", rec.StartTime.Local().Format(time.RFC1123))
	fmt.Printf("  Ended:     %s\n", rec.EndTime.Local().Format(time.RFC1123))
	fmt.Printf("  Duration:  %s\n", rec.Duration.Round(time.Second))
	fmt.Printf("  Progress:  %d cycles, %d phases, %d pauses, %d skips\n",
		rec.Stats.CyclesCompleted, rec.Stats.PhasesCompleted, rec.Stats.PauseCount, rec.Stats.SkipCount)

	if len(rec.Stats.Aggregates) > 0 {
		fmt.Println("  Readings:")
		kinds := make([]string, 0, len(rec.Stats.Aggregates))
		for kind := range rec.Stats.Aggregates {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			agg := rec.Stats.Aggregates[kind]
			fmt.Printf("    %-12s %5d samples, min %.1f, avg %.1f, max %.1f\n",
				kind, agg.Count, agg.Min, agg.Avg(), agg.Max)
		}
	}
}

// openHistory opens the archive read-side. SQLite allows this alongside a
// running daemon.
func openHistory() *history.Store {
	hist, err := history.Open(cfg.History.Path, nil)
	if err != nil {
		log.Fatalf("Error opening history archive at %s: %v", cfg.History.Path, err)
	}
	return hist
}

func reasonIcon(reason protocol.EndReason) ux.Icon {
	switch reason {
	case protocol.EndCompleted:
		return ux.IconSuccess
	case protocol.EndAbandoned:
		return ux.IconError
	default:
		return ux.IconWarning
	}
}
