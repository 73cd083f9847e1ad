// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

func sampleSnapshot() *Snapshot {
	t0 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &Snapshot{
		Session: protocol.Session{
			ID:        "sess-1",
			StartTime: t0,
			Status:    protocol.StatusActive,
			Config: protocol.Config{
				TotalCycles:       3,
				LowPhaseDuration:  420 * time.Second,
				HighPhaseDuration: 180 * time.Second,
			},
		},
		Phase: protocol.PhaseState{
			Phase:         protocol.PhaseHigh,
			Cycle:         2,
			AnchorTime:    t0.Add(1050 * time.Second),
			PhaseDuration: 180 * time.Second,
		},
		TickCount:  412,
		LastUpdate: t0.Add(1100 * time.Second),
	}
}

// assertSnapshotEqual compares the fields recovery depends on. Times are
// compared by instant, not representation.
func assertSnapshotEqual(t *testing.T, want, got *Snapshot) {
	t.Helper()
	assert.Equal(t, want.Session.ID, got.Session.ID)
	assert.Equal(t, want.Session.Status, got.Session.Status)
	assert.Equal(t, want.Session.Config, got.Session.Config)
	assert.True(t, got.Session.StartTime.Equal(want.Session.StartTime))
	assert.Equal(t, want.Phase.Phase, got.Phase.Phase)
	assert.Equal(t, want.Phase.Cycle, got.Phase.Cycle)
	assert.Equal(t, want.Phase.PhaseDuration, got.Phase.PhaseDuration)
	assert.True(t, got.Phase.AnchorTime.Equal(want.Phase.AnchorTime))
	assert.Equal(t, want.TickCount, got.TickCount)
	assert.True(t, got.LastUpdate.Equal(want.LastUpdate))
}

// TestEnvelopeRoundTrip verifies encode/decode preserves the snapshot,
// including a frozen pause instant.
func TestEnvelopeRoundTrip(t *testing.T) {
	snap := sampleSnapshot()
	frozen := snap.LastUpdate.Add(-10 * time.Second)
	snap.Phase.PausedAt = &frozen

	raw, err := encodeSnapshot(snap)
	require.NoError(t, err)

	got, err := decodeSnapshot(raw)
	require.NoError(t, err)
	assertSnapshotEqual(t, snap, got)
	require.NotNil(t, got.Phase.PausedAt)
	assert.True(t, got.Phase.PausedAt.Equal(frozen))
}

// TestDecodeCorruption verifies every corruption mode maps to the corrupted
// sentinel rather than a partial snapshot.
func TestDecodeCorruption(t *testing.T) {
	tests := []struct {
		name string
		raw  func(t *testing.T) []byte
	}{
		{"not json", func(t *testing.T) []byte {
			return []byte("not a snapshot")
		}},
		{"truncated envelope", func(t *testing.T) []byte {
			raw, err := encodeSnapshot(sampleSnapshot())
			require.NoError(t, err)
			return raw[:len(raw)/2]
		}},
		{"tampered payload", func(t *testing.T) []byte {
			raw, err := encodeSnapshot(sampleSnapshot())
			require.NoError(t, err)

			var env envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			env.Payload = []byte(`{"session":{"id":"evil"}}`)

			tampered, err := json.Marshal(env)
			require.NoError(t, err)
			return tampered
		}},
		{"empty session id", func(t *testing.T) []byte {
			payload := []byte(`{"session":{"id":""},"phase":{},"tick_count":0,"last_update":"2025-06-01T09:00:00Z"}`)
			sum := sha256.Sum256(payload)
			raw, err := json.Marshal(envelope{
				SchemaVersion: CurrentSchemaVersion,
				ContentHash:   hex.EncodeToString(sum[:]),
				SavedAt:       time.Now().UnixMilli(),
				Payload:       payload,
			})
			require.NoError(t, err)
			return raw
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSnapshot(tt.raw(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSnapshotCorrupted), "got %v", err)
		})
	}
}

// TestDecodeNewerSchema verifies snapshots from a future version are
// rejected with the schema sentinel, not mangled.
func TestDecodeNewerSchema(t *testing.T) {
	payload := []byte(`{"session":{"id":"sess-1"}}`)
	sum := sha256.Sum256(payload)
	raw, err := json.Marshal(envelope{
		SchemaVersion: CurrentSchemaVersion + 1,
		ContentHash:   hex.EncodeToString(sum[:]),
		SavedAt:       time.Now().UnixMilli(),
		Payload:       payload,
	})
	require.NoError(t, err)

	_, err = decodeSnapshot(raw)
	assert.True(t, errors.Is(err, ErrSchemaUnknown))
}

// TestMigrateV1 verifies version 1 payloads upgrade in place, recovering the
// pause instant from the snapshot save time.
func TestMigrateV1(t *testing.T) {
	buildV1 := func(t *testing.T, paused bool) []byte {
		snap := sampleSnapshot()
		payload, err := json.Marshal(snap)
		require.NoError(t, err)

		// Rewrite the phase block the way version 1 wrote it: a bare
		// "paused" flag, no freeze instant.
		var doc map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &doc))
		var phase map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(doc["phase"], &phase))
		delete(phase, "paused_at")
		if paused {
			phase["paused"] = []byte("true")
		}
		rephase, err := json.Marshal(phase)
		require.NoError(t, err)
		doc["phase"] = rephase
		payload, err = json.Marshal(doc)
		require.NoError(t, err)

		sum := sha256.Sum256(payload)
		raw, err := json.Marshal(envelope{
			SchemaVersion: 1,
			ContentHash:   hex.EncodeToString(sum[:]),
			SavedAt:       time.Now().UnixMilli(),
			Payload:       payload,
		})
		require.NoError(t, err)
		return raw
	}

	t.Run("paused session gains freeze instant", func(t *testing.T) {
		got, err := decodeSnapshot(buildV1(t, true))
		require.NoError(t, err)
		require.NotNil(t, got.Phase.PausedAt)
		assert.True(t, got.Phase.PausedAt.Equal(got.LastUpdate))
	})

	t.Run("running session upgrades untouched", func(t *testing.T) {
		got, err := decodeSnapshot(buildV1(t, false))
		require.NoError(t, err)
		assert.Nil(t, got.Phase.PausedAt)
		assertSnapshotEqual(t, sampleSnapshot(), got)
	})
}

// TestMemoryStore verifies the full save/load/clear policy on the in-memory
// implementation.
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("empty store loads nothing", func(t *testing.T) {
		snap, found, err := store.Load(ctx)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, snap)
	})

	t.Run("latest save wins", func(t *testing.T) {
		first := sampleSnapshot()
		require.NoError(t, store.Save(ctx, first))

		second := sampleSnapshot()
		second.TickCount = 500
		second.Phase.Cycle = 3
		require.NoError(t, store.Save(ctx, second))

		got, found, err := store.Load(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(500), got.TickCount)
		assert.Equal(t, 3, got.Phase.Cycle)
	})

	t.Run("clear removes the snapshot", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx))
		_, found, err := store.Load(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		// Clearing an empty store is a no-op.
		require.NoError(t, store.Clear(ctx))
	})

	t.Run("corrupted bytes surface the sentinel", func(t *testing.T) {
		store := NewMemoryStore()
		store.data = []byte("flipped bits")

		_, _, err := store.Load(ctx)
		assert.True(t, errors.Is(err, ErrSnapshotCorrupted))
	})
}
