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
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the snapshot payload format version. Bump it when
// the Snapshot shape changes and register a migration from the previous
// version below.
const CurrentSchemaVersion = 2

// migrations upgrades a payload one schema version, keyed by FROM version.
// decodeSnapshot applies them sequentially until the payload reaches
// CurrentSchemaVersion.
var migrations = map[int]func(payload []byte) ([]byte, error){
	1: migrateV1PauseInstant,
}

// migratePayload walks a payload from its stored version to the current one.
func migratePayload(version int, payload []byte) ([]byte, error) {
	for v := version; v < CurrentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from version %d", ErrSnapshotCorrupted, v)
		}
		migrated, err := step(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: migrate from version %d: %v", ErrSnapshotCorrupted, v, err)
		}
		payload = migrated
	}
	return payload, nil
}

// migrateV1PauseInstant upgrades version 1 payloads, which recorded a bare
// "paused" boolean on the phase state instead of the freeze instant. The
// snapshot save time substitutes for the lost instant; remaining time is
// then conservative by at most one checkpoint interval.
func migrateV1PauseInstant(payload []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}

	var phase map[string]json.RawMessage
	if raw, ok := doc["phase"]; ok {
		if err := json.Unmarshal(raw, &phase); err != nil {
			return nil, err
		}
	} else {
		phase = make(map[string]json.RawMessage)
	}

	var paused bool
	if raw, ok := phase["paused"]; ok {
		if err := json.Unmarshal(raw, &paused); err != nil {
			return nil, err
		}
		delete(phase, "paused")
	}

	if _, has := phase["paused_at"]; paused && !has {
		var lastUpdate time.Time
		if raw, ok := doc["last_update"]; ok {
			if err := json.Unmarshal(raw, &lastUpdate); err != nil {
				return nil, err
			}
		}
		at, err := json.Marshal(lastUpdate)
		if err != nil {
			return nil, err
		}
		phase["paused_at"] = at
	}

	rephase, err := json.Marshal(phase)
	if err != nil {
		return nil, err
	}
	doc["phase"] = rephase

	return json.Marshal(doc)
}
