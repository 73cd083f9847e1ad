// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func testConfig() protocol.Config {
	return protocol.Config{
		TotalCycles:       3,
		LowPhaseDuration:  420 * time.Second,
		HighPhaseDuration: 180 * time.Second,
	}
}

// testSnapshot builds a snapshot for an active session that started at t0
// and was last checkpointed at lastUpdate.
func testSnapshot(lastUpdate time.Time) *checkpoint.Snapshot {
	return &checkpoint.Snapshot{
		Session: protocol.Session{
			ID:        "sess-recovery-1",
			StartTime: t0,
			Status:    protocol.StatusActive,
			Config:    testConfig(),
		},
		Phase: protocol.PhaseState{
			Phase:         protocol.PhaseHigh,
			Cycle:         2,
			AnchorTime:    lastUpdate.Add(-30 * time.Second),
			PhaseDuration: 180 * time.Second,
		},
		TickCount:  450,
		LastUpdate: lastUpdate,
	}
}

// captureFinalizer records every final record it receives.
type captureFinalizer struct {
	mu      sync.Mutex
	records []protocol.FinalRecord
	err     error
}

func (f *captureFinalizer) Finalize(_ context.Context, rec protocol.FinalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *captureFinalizer) all() []protocol.FinalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.FinalRecord, len(f.records))
	copy(out, f.records)
	return out
}

// stubStore programs Load behavior per call, for failure-path tests.
type stubStore struct {
	mu      sync.Mutex
	loads   []func() (*checkpoint.Snapshot, bool, error)
	loadIdx int
	clears  int
}

func (s *stubStore) Save(context.Context, *checkpoint.Snapshot) error { return nil }

func (s *stubStore) Load(context.Context) (*checkpoint.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadIdx >= len(s.loads) {
		return nil, false, nil
	}
	fn := s.loads[s.loadIdx]
	s.loadIdx++
	return fn()
}

func (s *stubStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *stubStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func TestCheckNoSnapshot(t *testing.T) {
	c := New(checkpoint.NewMemoryStore())

	rec, err := c.Check(context.Background(), t0)
	require.NoError(t, err)

	assert.False(t, rec.CanRecover)
	assert.Equal(t, ReasonNone, rec.Reason)
	assert.Nil(t, rec.Snapshot)
}

func TestCheckNilContext(t *testing.T) {
	c := New(checkpoint.NewMemoryStore())

	//nolint:staticcheck // nil context is the case under test
	_, err := c.Check(nil, t0)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestCheckWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(5 * time.Minute)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	c := New(store, WithWindow(10*time.Minute))

	// Checked 9m59s after the last save: one second inside the window.
	now := saved.Add(10*time.Minute - time.Second)
	rec, err := c.Check(ctx, now)
	require.NoError(t, err)

	assert.True(t, rec.CanRecover)
	assert.Equal(t, ReasonRecoverable, rec.Reason)
	assert.Equal(t, 10*time.Minute-time.Second, rec.SessionAge)
	require.NotNil(t, rec.Snapshot)
	assert.Equal(t, "sess-recovery-1", rec.Snapshot.Session.ID)
	assert.Equal(t, uint64(450), rec.Snapshot.TickCount)

	// The snapshot survives a recoverable check.
	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCheckWindowBoundaryExpires(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(5 * time.Minute)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	fin := &captureFinalizer{}
	c := New(store, WithWindow(10*time.Minute), WithFinalizer(fin))

	// Age exactly equal to the window is already too old.
	rec, err := c.Check(ctx, saved.Add(10*time.Minute))
	require.NoError(t, err)

	assert.False(t, rec.CanRecover)
	assert.Equal(t, ReasonExpired, rec.Reason)
	assert.Len(t, fin.all(), 1)
}

func TestCheckExpiredAbandonsAndFinalizes(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(20 * time.Minute)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	fin := &captureFinalizer{}
	c := New(store, WithWindow(10*time.Minute), WithFinalizer(fin))

	rec, err := c.Check(ctx, saved.Add(time.Hour))
	require.NoError(t, err)

	assert.False(t, rec.CanRecover)
	assert.Equal(t, ReasonExpired, rec.Reason)
	assert.Equal(t, time.Hour, rec.SessionAge)

	// Finalized as abandoned, with the last checkpoint as the end time.
	records := fin.all()
	require.Len(t, records, 1)
	assert.Equal(t, "sess-recovery-1", records[0].SessionID)
	assert.Equal(t, protocol.EndAbandoned, records[0].Reason)
	assert.Equal(t, saved, records[0].EndTime)
	assert.Equal(t, saved.Sub(t0), records[0].Duration)

	// HIGH in cycle 2: one full cycle plus LOW and the first TRANSITION.
	assert.Equal(t, 6, records[0].Stats.PhasesCompleted)
	assert.Equal(t, 1, records[0].Stats.CyclesCompleted)

	// The checkpoint is gone; a second check finds nothing.
	rec2, err := c.Check(ctx, saved.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ReasonNone, rec2.Reason)
}

func TestCheckCorruptedTreatedAsAbsent(t *testing.T) {
	store := &stubStore{
		loads: []func() (*checkpoint.Snapshot, bool, error){
			func() (*checkpoint.Snapshot, bool, error) {
				return nil, false, checkpoint.ErrSnapshotCorrupted
			},
		},
	}
	c := New(store)

	rec, err := c.Check(context.Background(), t0)
	require.NoError(t, err)

	assert.False(t, rec.CanRecover)
	assert.Equal(t, ReasonCorrupted, rec.Reason)
	assert.Nil(t, rec.Snapshot)
	assert.Equal(t, 1, store.clearCount(), "corrupted snapshot must be discarded")
}

func TestCheckUnknownSchemaTreatedAsAbsent(t *testing.T) {
	store := &stubStore{
		loads: []func() (*checkpoint.Snapshot, bool, error){
			func() (*checkpoint.Snapshot, bool, error) {
				return nil, false, checkpoint.ErrSchemaUnknown
			},
		},
	}
	c := New(store)

	rec, err := c.Check(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, ReasonCorrupted, rec.Reason)
	assert.Equal(t, 1, store.clearCount())
}

func TestCheckTerminalSnapshotCleared(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(time.Minute)
	snap := testSnapshot(saved)
	snap.Session.Status = protocol.StatusCompleted
	require.NoError(t, store.Save(ctx, snap))

	fin := &captureFinalizer{}
	c := New(store, WithFinalizer(fin))

	rec, err := c.Check(ctx, saved.Add(time.Second))
	require.NoError(t, err)

	assert.False(t, rec.CanRecover)
	assert.Equal(t, ReasonTerminal, rec.Reason)
	assert.Empty(t, fin.all(), "terminal cleanup is not a second finalize")

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckClampsFutureTimestamp(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	// Saved "in the future" relative to the check instant, as after a wall
	// clock step backwards.
	saved := t0.Add(time.Hour)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	c := New(store, WithWindow(10*time.Minute))

	rec, err := c.Check(ctx, t0)
	require.NoError(t, err)

	assert.True(t, rec.CanRecover)
	assert.Equal(t, time.Duration(0), rec.SessionAge)
}

func TestCheckRetriesTransientLoadFailure(t *testing.T) {
	ctx := context.Background()
	good := testSnapshot(t0)
	store := &stubStore{
		loads: []func() (*checkpoint.Snapshot, bool, error){
			func() (*checkpoint.Snapshot, bool, error) {
				return nil, false, errors.New("disk hiccup")
			},
			func() (*checkpoint.Snapshot, bool, error) {
				return good, true, nil
			},
		},
	}
	c := New(store, WithWindow(10*time.Minute))

	rec, err := c.Check(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rec.CanRecover)
}

func TestCheckPersistentLoadFailure(t *testing.T) {
	fail := func() (*checkpoint.Snapshot, bool, error) {
		return nil, false, errors.New("disk gone")
	}
	store := &stubStore{
		loads: []func() (*checkpoint.Snapshot, bool, error){fail, fail, fail, fail},
	}
	c := New(store)

	rec, err := c.Check(context.Background(), t0)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestAbandonDecline(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(time.Minute)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	fin := &captureFinalizer{}
	c := New(store, WithFinalizer(fin))

	rec, err := c.Check(ctx, saved.Add(time.Second))
	require.NoError(t, err)
	require.True(t, rec.CanRecover)

	// The user says no; the session is finalized and the checkpoint gone.
	require.NoError(t, c.Abandon(ctx, rec.Snapshot, CauseDeclined, "declined by user"))

	records := fin.all()
	require.Len(t, records, 1)
	assert.Equal(t, protocol.EndAbandoned, records[0].Reason)
	assert.Equal(t, "declined by user", records[0].Detail)

	rec2, err := c.Check(ctx, saved.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ReasonNone, rec2.Reason)
}

func TestAbandonNilSnapshot(t *testing.T) {
	c := New(checkpoint.NewMemoryStore())
	err := c.Abandon(context.Background(), nil, CauseDeclined, "nothing to abandon")
	assert.Error(t, err)
}

func TestAbandonClearsEvenWhenFinalizeFails(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	saved := t0.Add(time.Minute)
	require.NoError(t, store.Save(ctx, testSnapshot(saved)))

	fin := &captureFinalizer{err: errors.New("archive unavailable")}
	c := New(store, WithFinalizer(fin))

	err := c.Abandon(ctx, testSnapshot(saved), CauseDeclined, "declined by user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive unavailable")

	// The checkpoint must be gone regardless, or the session would offer
	// itself for recovery again.
	_, found, loadErr := store.Load(ctx)
	require.NoError(t, loadErr)
	assert.False(t, found)
}

func TestEstimateStats(t *testing.T) {
	tests := []struct {
		name       string
		state      protocol.PhaseState
		wantPhases int
		wantCycles int
	}{
		{
			name:       "start of first cycle",
			state:      protocol.PhaseState{Phase: protocol.PhaseLow, Cycle: 1},
			wantPhases: 0,
			wantCycles: 0,
		},
		{
			name: "first transition of first cycle",
			state: protocol.PhaseState{
				Phase:        protocol.PhaseTransition,
				PendingPhase: protocol.PhaseHigh,
				Cycle:        1,
			},
			wantPhases: 1,
			wantCycles: 0,
		},
		{
			name: "closing transition of second cycle",
			state: protocol.PhaseState{
				Phase:        protocol.PhaseTransition,
				PendingPhase: protocol.PhaseLow,
				Cycle:        2,
			},
			wantPhases: 7,
			wantCycles: 1,
		},
		{
			name:       "high phase of third cycle",
			state:      protocol.PhaseState{Phase: protocol.PhaseHigh, Cycle: 3},
			wantPhases: 10,
			wantCycles: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := EstimateStats(tt.state)
			assert.Equal(t, tt.wantPhases, stats.PhasesCompleted)
			assert.Equal(t, tt.wantCycles, stats.CyclesCompleted)
		})
	}
}
