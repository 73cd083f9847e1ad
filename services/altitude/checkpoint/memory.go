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
	"sync"
)

// MemoryStore keeps the snapshot in process memory.
//
// Description:
//
//	Runs the same envelope codec as the persistent store, so integrity and
//	migration behavior is identical; only durability differs. Used by
//	tests and by one-shot CLI sessions that opt out of crash recovery.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = raw
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	raw := s.data
	s.mu.RUnlock()

	if raw == nil {
		return nil, false, nil
	}

	snap, err := decodeSnapshot(raw)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
