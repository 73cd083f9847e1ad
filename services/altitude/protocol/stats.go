// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import "time"

// ReadingAggregate summarizes every sample of one reading kind.
type ReadingAggregate struct {
	// Kind names the measurement being aggregated.
	Kind string `json:"kind"`

	// Count is the number of samples observed.
	Count int64 `json:"count"`

	// Min is the smallest observed value.
	Min float64 `json:"min"`

	// Max is the largest observed value.
	Max float64 `json:"max"`

	// Sum accumulates all observed values, for averaging.
	Sum float64 `json:"sum"`
}

// Avg returns the mean of all observed values, 0 when empty.
func (a ReadingAggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// SessionStats accumulates per-session progress counters and per-kind
// reading aggregates.
//
// Description:
//
//	Stats grow monotonically over a session's life and are frozen into the
//	FinalRecord at finalization. CyclesCompleted counts fully finished
//	LOW+HIGH pairs, so a session stopped mid-cycle reports one less than
//	its current cycle index.
//
// Thread Safety: NOT synchronized. The owning session manager serializes
// mutation behind its mutex; copies handed to callers are value snapshots.
type SessionStats struct {
	// ReadingCount is the total number of accepted readings.
	ReadingCount int64 `json:"reading_count"`

	// PhasesCompleted is the number of phases that ended, by expiry or skip.
	PhasesCompleted int `json:"phases_completed"`

	// CyclesCompleted is the number of fully finished cycles.
	CyclesCompleted int `json:"cycles_completed"`

	// PauseCount is the number of pause operations applied.
	PauseCount int `json:"pause_count"`

	// SkipCount is the number of manual phase skips applied.
	SkipCount int `json:"skip_count"`

	// Aggregates holds one summary per reading kind, keyed by kind.
	Aggregates map[string]ReadingAggregate `json:"aggregates,omitempty"`
}

// Observe folds one reading into the per-kind aggregates.
func (s *SessionStats) Observe(r Reading) {
	if s.Aggregates == nil {
		s.Aggregates = make(map[string]ReadingAggregate)
	}
	agg, ok := s.Aggregates[r.Kind]
	if !ok {
		agg = ReadingAggregate{Kind: r.Kind, Min: r.Value, Max: r.Value}
	} else {
		if r.Value < agg.Min {
			agg.Min = r.Value
		}
		if r.Value > agg.Max {
			agg.Max = r.Value
		}
	}
	agg.Count++
	agg.Sum += r.Value
	s.Aggregates[r.Kind] = agg
	s.ReadingCount++
}

// RecordAdvance folds one phase transition into the progress counters.
//
// Description:
//
//	Every transition closes the previous phase. A cycle counts as completed
//	when the cycle index moves forward (the next LOW began) and when the
//	terminal phase is reached (the final HIGH closed the last cycle).
//
// Inputs:
//   - prev: Phase state before the transition.
//   - next: Phase state after the transition.
func (s *SessionStats) RecordAdvance(prev, next PhaseState) {
	s.PhasesCompleted++
	if next.Cycle > prev.Cycle || next.Phase == PhaseCompleted {
		s.CyclesCompleted++
	}
}

// Clone returns a deep copy safe to hand outside the owner's lock.
func (s SessionStats) Clone() SessionStats {
	out := s
	if s.Aggregates != nil {
		out.Aggregates = make(map[string]ReadingAggregate, len(s.Aggregates))
		for k, v := range s.Aggregates {
			out.Aggregates[k] = v
		}
	}
	return out
}

// FinalRecord is the immutable end-of-session summary handed to every
// finalizer (history archive, cloud export, recovery abandonment).
type FinalRecord struct {
	// SessionID is the finalized session.
	SessionID string `json:"session_id"`

	// Reason classifies how the session ended.
	Reason EndReason `json:"reason"`

	// Detail optionally refines the reason (e.g., "safety timeout").
	Detail string `json:"detail,omitempty"`

	// Config is the protocol configuration the session ran under.
	Config Config `json:"config"`

	// StartTime is when the session began.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the session reached its terminal status.
	EndTime time.Time `json:"end_time"`

	// Duration is the total wall-clock span, pauses included.
	Duration time.Duration `json:"duration"`

	// Stats is the frozen progress and reading summary.
	Stats SessionStats `json:"stats"`
}
