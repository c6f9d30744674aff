package raft

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/aegis/pkg/storage"
)

const snapshotStoreKey = "latest"

// Snapshot is a compacted point-in-time copy of the state machine plus the
// log position it reflects.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// SnapshotStore persists the single most recent Snapshot through the
// shared storage.Store. Raft only ever needs the latest snapshot; older
// ones are superseded as soon as a new one is taken.
type SnapshotStore struct {
	store     storage.Store
	namespace string
}

// NewSnapshotStore returns a SnapshotStore persisting through store under namespace.
func NewSnapshotStore(store storage.Store, namespace string) *SnapshotStore {
	return &SnapshotStore{store: store, namespace: namespace}
}

// SaveSnapshot persists snap, replacing any prior snapshot.
func (s *SnapshotStore) SaveSnapshot(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("raft: encode snapshot: %w", err)
	}
	return s.store.Put(s.namespace, snapshotStoreKey, data)
}

// LatestSnapshot returns the most recently persisted snapshot, or ok=false
// if none has been taken.
func (s *SnapshotStore) LatestSnapshot() (*Snapshot, bool, error) {
	data, ok, err := s.store.Get(s.namespace, snapshotStoreKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("raft: decode snapshot: %w", err)
	}
	return &snap, true, nil
}
