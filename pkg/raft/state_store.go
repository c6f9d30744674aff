package raft

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/aegis/pkg/storage"
)

const stateStoreKey = "term_vote"

// StateStore persists the term and vote a replica must never forget,
// through the shared storage.Store rather than a dedicated state file.
type StateStore struct {
	store     storage.Store
	namespace string
}

// NewStateStore returns a StateStore persisting through store under namespace.
func NewStateStore(store storage.Store, namespace string) *StateStore {
	return &StateStore{store: store, namespace: namespace}
}

type persistedState struct {
	Term     uint64
	VotedFor string
}

// SetState persists term and votedFor.
func (s *StateStore) SetState(term uint64, votedFor string) error {
	data, err := json.Marshal(persistedState{Term: term, VotedFor: votedFor})
	if err != nil {
		return fmt.Errorf("raft: encode state: %w", err)
	}
	return s.store.Put(s.namespace, stateStoreKey, data)
}

// State returns the most recently persisted term and vote, or zero values
// if none has been persisted yet.
func (s *StateStore) State() (uint64, string, error) {
	data, ok, err := s.store.Get(s.namespace, stateStoreKey)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", nil
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, "", fmt.Errorf("raft: decode state: %w", err)
	}
	return state.Term, state.VotedFor, nil
}
