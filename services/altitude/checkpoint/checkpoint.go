// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists the single recoverable session snapshot.
//
// The store holds at most one snapshot at a time: the most recent save wins,
// a terminal session clears it, and crash recovery reads it back. Snapshots
// are wrapped in an integrity-checked envelope (SHA256 content hash) with an
// explicit schema version, so a truncated or hand-edited blob is detected as
// corruption rather than deserialized into garbage, and old on-disk formats
// are migrated instead of rejected.
//
// Use cases:
//   - Periodic session checkpointing from the tick loop
//   - Crash recovery (load + age validation)
//   - Terminal cleanup (clear on completed/stopped/abandoned)
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

var (
	// ErrSnapshotCorrupted indicates snapshot data failed the integrity
	// check or did not deserialize. Recovery treats this as "no snapshot".
	ErrSnapshotCorrupted = errors.New("snapshot corrupted: content hash mismatch or undecodable")

	// ErrSchemaUnknown indicates the snapshot was written by a newer,
	// unknown schema version.
	ErrSchemaUnknown = errors.New("snapshot schema version unknown")
)

// Snapshot is the complete recoverable state of one session.
//
// Description:
//
//	Everything the session manager needs to reconstruct a session after a
//	process restart: identity and config, the phase machine position with
//	its absolute anchor, the tick counter, and the instant the snapshot was
//	taken. Buffered telemetry is deliberately absent; readings are
//	in-memory only and do not survive a crash.
type Snapshot struct {
	// Session is the session identity, status, and protocol config.
	Session protocol.Session `json:"session"`

	// Phase is the machine position, including the absolute anchor and a
	// frozen pause instant when the session was paused.
	Phase protocol.PhaseState `json:"phase"`

	// TickCount is the number of ticks processed so far. It never
	// decreases across save/load cycles.
	TickCount uint64 `json:"tick_count"`

	// LastUpdate is when this snapshot was taken. Recovery measures
	// snapshot age from this instant.
	LastUpdate time.Time `json:"last_update"`
}

// Store persists at most one session snapshot.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Save atomically replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the stored snapshot. The boolean is false when no
	// snapshot exists. A snapshot that fails the integrity check returns
	// ErrSnapshotCorrupted.
	Load(ctx context.Context) (*Snapshot, bool, error)

	// Clear removes the stored snapshot. Clearing an empty store is a
	// no-op, not an error.
	Clear(ctx context.Context) error
}

// envelope wraps a serialized snapshot with integrity and version metadata.
type envelope struct {
	// SchemaVersion is the payload format version.
	SchemaVersion int `json:"schema_version"`

	// ContentHash is the SHA256 hex digest of Payload.
	ContentHash string `json:"content_hash"`

	// SavedAt is when the envelope was written (Unix milliseconds UTC).
	SavedAt int64 `json:"saved_at"`

	// Payload is the serialized Snapshot.
	Payload json.RawMessage `json:"payload"`
}

// encodeSnapshot seals a snapshot into a versioned, hash-guarded envelope.
func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	sum := sha256.Sum256(payload)
	env := envelope{
		SchemaVersion: CurrentSchemaVersion,
		ContentHash:   hex.EncodeToString(sum[:]),
		SavedAt:       time.Now().UnixMilli(),
		Payload:       payload,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// decodeSnapshot opens an envelope, verifying integrity and migrating old
// schema versions to the current format.
//
// Outputs:
//
//	*Snapshot - The decoded snapshot at the current schema version.
//	error - ErrSnapshotCorrupted on any integrity or decode failure;
//	        ErrSchemaUnknown when written by a newer version.
func decodeSnapshot(raw []byte) (*Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}

	if env.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: version %d", ErrSchemaUnknown, env.SchemaVersion)
	}
	if env.SchemaVersion < 1 {
		return nil, fmt.Errorf("%w: version %d", ErrSnapshotCorrupted, env.SchemaVersion)
	}

	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.ContentHash {
		return nil, ErrSnapshotCorrupted
	}

	payload, err := migratePayload(env.SchemaVersion, env.Payload)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	if snap.Session.ID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSnapshotCorrupted)
	}
	return &snap, nil
}
