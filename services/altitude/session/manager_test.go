// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/checkpoint"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 5 * time.Millisecond
)

func testConfig() protocol.Config {
	return protocol.Config{
		TotalCycles:       3,
		LowPhaseDuration:  420 * time.Second,
		HighPhaseDuration: 180 * time.Second,
	}
}

// fakeClock is a mutable time source shared by the manager under test and
// the test body. The tick loop runs at real cadence but only observes fake
// time, so phase progression is fully deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
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

// fixture bundles a manager with its observable collaborators.
type fixture struct {
	m     *Manager
	store checkpoint.Store
	clock *fakeClock
	rec   *events.Recorder
	fin   *captureFinalizer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, checkpoint.NewMemoryStore(), opts...)
}

func newFixtureWithStore(t *testing.T, store checkpoint.Store, opts ...Option) *fixture {
	t.Helper()

	fx := &fixture{
		store: store,
		clock: newFakeClock(),
		rec:   events.NewRecorder(),
		fin:   &captureFinalizer{},
	}
	base := []Option{
		WithClock(fx.clock.Now),
		WithTickInterval(2 * time.Millisecond),
		WithFinalizer(fx.fin),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	fx.m = NewManager(store, append(base, opts...)...)
	fx.m.Events().Subscribe(fx.rec.Handle)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = fx.m.Close(ctx)
	})
	return fx
}

// start begins a session with the default test config and fails the test on
// error.
func (fx *fixture) start(t *testing.T, id string) string {
	t.Helper()
	got, err := fx.m.Start(context.Background(), id, testConfig())
	require.NoError(t, err)
	return got
}

// waitEvent blocks until at least one event of the given type was recorded
// and returns the latest.
func waitEvent(t *testing.T, rec *events.Recorder, typ events.Type) events.Event {
	t.Helper()
	var got events.Event
	require.Eventually(t, func() bool {
		evs := rec.EventsByType(typ)
		if len(evs) == 0 {
			return false
		}
		got = evs[len(evs)-1]
		return true
	}, eventuallyWait, eventuallyTick, "no %s event", typ)
	return got
}

// waitFinalRecord blocks until the finalizer received at least n records and
// returns the latest.
func waitFinalRecord(t *testing.T, fin *captureFinalizer, n int) protocol.FinalRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(fin.all()) >= n
	}, eventuallyWait, eventuallyTick, "finalizer never received %d records", n)
	recs := fin.all()
	return recs[len(recs)-1]
}

// -----------------------------------------------------------------------------
// Info
// -----------------------------------------------------------------------------

func TestInfoNoSession(t *testing.T) {
	fx := newFixture(t)

	info, ok := fx.m.Info()
	assert.False(t, ok)
	assert.Nil(t, info)
}

func TestInfoLiveSession(t *testing.T) {
	fx := newFixture(t)
	id := fx.start(t, "sess-info")

	fx.clock.Advance(100 * time.Second)

	info, ok := fx.m.Info()
	require.True(t, ok)
	assert.Equal(t, id, info.Session.ID)
	assert.Equal(t, protocol.StatusActive, info.Session.Status)
	assert.Equal(t, protocol.PhaseLow, info.Phase.Phase)
	assert.Equal(t, 1, info.Phase.Cycle)
	assert.Equal(t, 320*time.Second, info.Remaining)
	assert.Equal(t, 100*time.Second, info.Elapsed)
}

func TestInfoKeepsEndedSessionVisible(t *testing.T) {
	fx := newFixture(t)
	fx.start(t, "sess-ended")
	fx.clock.Advance(90 * time.Second)

	res, err := fx.m.Stop(context.Background(), "user request")
	require.NoError(t, err)

	info, ok := fx.m.Info()
	require.True(t, ok)
	assert.Equal(t, protocol.StatusStopped, info.Session.Status)
	assert.Equal(t, res.Duration, info.Elapsed)
	assert.Zero(t, info.Remaining)

	// Elapsed is frozen at the stop instant.
	fx.clock.Advance(time.Hour)
	info, _ = fx.m.Info()
	assert.Equal(t, 90*time.Second, info.Elapsed)
}

// -----------------------------------------------------------------------------
// Close
// -----------------------------------------------------------------------------

func TestCloseLeavesLiveSessionRecoverable(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	fx := newFixtureWithStore(t, store)
	id := fx.start(t, "sess-shutdown")
	fx.clock.Advance(30 * time.Second)

	require.NoError(t, fx.m.Close(context.Background()))

	// The session was checkpointed, not finalized.
	snap, found, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, snap.Session.ID)
	assert.Equal(t, protocol.StatusActive, snap.Session.Status)
	assert.True(t, snap.LastUpdate.Equal(t0.Add(30*time.Second)))
	assert.Empty(t, fx.fin.all())

	// Operations after close are inert.
	assert.False(t, fx.m.SkipPhase(context.Background()))
	_, err = fx.m.Stop(context.Background(), "late")
	assert.ErrorIs(t, err, protocol.ErrState)
	_, err = fx.m.Start(context.Background(), "sess-next", testConfig())
	assert.ErrorIs(t, err, protocol.ErrState)

	// A fresh manager over the same store offers the session back.
	fx2 := newFixtureWithStore(t, store)
	fx2.clock.Advance(30 * time.Second)
	rec, err := fx2.m.Recoverable(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.CanRecover)
	require.NotNil(t, rec.Snapshot)
	assert.Equal(t, id, rec.Snapshot.Session.ID)
}

func TestCloseIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.start(t, "sess-close-twice")

	require.NoError(t, fx.m.Close(context.Background()))
	require.NoError(t, fx.m.Close(context.Background()))
}
