// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func finalRecord(id string, endedAt time.Time) protocol.FinalRecord {
	return protocol.FinalRecord{
		SessionID: id,
		Reason:    protocol.EndCompleted,
		Config: protocol.Config{
			TotalCycles:       3,
			LowPhaseDuration:  420 * time.Second,
			HighPhaseDuration: 180 * time.Second,
		},
		StartTime: t0,
		EndTime:   endedAt,
		Duration:  endedAt.Sub(t0),
		Stats: protocol.SessionStats{
			ReadingCount:    120,
			PhasesCompleted: 11,
			CyclesCompleted: 3,
			PauseCount:      1,
			Aggregates: map[string]protocol.ReadingAggregate{
				protocol.ReadingSpO2: {
					Kind:  protocol.ReadingSpO2,
					Count: 120,
					Min:   88.0,
					Max:   98.5,
					Sum:   11160.0,
				},
			},
		},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ", nil)
	assert.Error(t, err)
}

func TestFinalizeAndGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	want := finalRecord("sess-history-1", t0.Add(31*time.Minute))
	require.NoError(t, store.Finalize(ctx, want))

	got, found, err := store.Get(ctx, "sess-history-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, protocol.EndCompleted, got.Reason)
	assert.Equal(t, want.Config, got.Config)
	assert.True(t, got.StartTime.Equal(want.StartTime))
	assert.True(t, got.EndTime.Equal(want.EndTime))
	assert.Equal(t, want.Duration, got.Duration)
	assert.Equal(t, want.Stats, got.Stats)

	agg := got.Stats.Aggregates[protocol.ReadingSpO2]
	assert.InDelta(t, 93.0, agg.Avg(), 0.01)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)

	_, found, err := store.Get(context.Background(), "no-such-session")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFinalizeRequiresSessionID(t *testing.T) {
	store := openTestStore(t)

	rec := finalRecord("", t0.Add(time.Minute))
	assert.Error(t, store.Finalize(context.Background(), rec))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := finalRecord("sess-history-2", t0.Add(10*time.Minute))
	require.NoError(t, store.Finalize(ctx, rec))

	// A crash between archive and checkpoint clear replays the finalize.
	rec.Detail = "replayed"
	require.NoError(t, store.Finalize(ctx, rec))

	records, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "replayed", records[0].Detail)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i, id := range []string{"sess-a", "sess-b", "sess-c"} {
		rec := finalRecord(id, t0.Add(time.Duration(i+1)*time.Hour))
		require.NoError(t, store.Finalize(ctx, rec))
	}

	records, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "sess-c", records[0].SessionID)
	assert.Equal(t, "sess-b", records[1].SessionID)
	assert.Equal(t, "sess-a", records[2].SessionID)

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListEmpty(t *testing.T) {
	store := openTestStore(t)

	records, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAbandonedRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := protocol.FinalRecord{
		SessionID: "sess-abandoned",
		Reason:    protocol.EndAbandoned,
		Detail:    "recovery window expired",
		Config: protocol.Config{
			TotalCycles:       5,
			LowPhaseDuration:  7 * time.Minute,
			HighPhaseDuration: 3 * time.Minute,
		},
		StartTime: t0,
		EndTime:   t0.Add(12 * time.Minute),
		Duration:  12 * time.Minute,
		Stats:     protocol.SessionStats{PhasesCompleted: 4, CyclesCompleted: 1},
	}
	require.NoError(t, store.Finalize(ctx, rec))

	got, found, err := store.Get(ctx, "sess-abandoned")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, protocol.EndAbandoned, got.Reason)
	assert.Equal(t, "recovery window expired", got.Detail)
	assert.Nil(t, got.Stats.Aggregates, "no aggregates survive an abandon")
}
