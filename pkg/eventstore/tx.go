package eventstore

import (
	"fmt"
	"sync"

	"github.com/cuemby/aegis/pkg/errs"
)

type txOp struct {
	streamID string
	inputs []EventInput
	expectedVersion int64
}

// Transaction implements startTx -> addTx -> commit: all
// appends happen atomically in the sense that either every one of them
// is appended or none are, by pre-locking every stream involved,
// validating every expected version, and only then writing.
type Transaction struct {
	store *EventStore
	locked map[string]*sync.Mutex
	ops []txOp
	done bool
}

// StartTx begins a new transaction against the store.
func (s *EventStore) StartTx() *Transaction {
	return &Transaction{store: s, locked: make(map[string]*sync.Mutex)}
}

// AddTx stages an append within the transaction, acquiring streamID's
// lock on first use (held until Commit or Rollback).
func (t *Transaction) AddTx(streamID string, inputs []EventInput, expectedVersion int64) error {
	if t.done {
		return fmt.Errorf("eventstore: transaction already completed")
	}
	if _, ok := t.locked[streamID]; !ok {
		lock := t.store.lockFor(streamID)
		lock.Lock()
		t.locked[streamID] = lock
	}
	t.ops = append(t.ops, txOp{streamID: streamID, inputs: inputs, expectedVersion: expectedVersion})
	return nil
}

// Commit validates every staged expected version against the current
// (locked) stream state, then writes every append. If any validation
// fails, nothing is written and Commit returns ConcurrencyConflict.
// Locks are released either way.
func (t *Transaction) Commit() (map[string]uint64, error) {
	if t.done {
		return nil, fmt.Errorf("eventstore: transaction already completed")
	}
	defer func() {
		t.release()
		t.done = true
	}()

	expected := make(map[string]int64, len(t.locked))
	for streamID := range t.locked {
		meta, exists, err := t.store.readMeta(streamID)
		if err != nil {
			return nil, err
		}
		if exists {
			expected[streamID] = int64(meta.CurrentVersion)
		} else {
			expected[streamID] = 0
		}
	}

	for _, op := range t.ops {
		want := op.expectedVersion
		if want != -1 && want != expected[op.streamID] {
			return nil, errs.New(errs.KindConcurrencyConflict,
				fmt.Sprintf("transaction: stream %s: expected version %d, actual %d", op.streamID, want, expected[op.streamID]))
		}
		expected[op.streamID] += int64(len(op.inputs))
	}

	results := make(map[string]uint64, len(t.locked))
	for _, op := range t.ops {
		newVersion, _, err := t.store.appendLocked(op.streamID, op.inputs, op.expectedVersion)
		if err != nil {
			return nil, err
		}
		results[op.streamID] = newVersion
	}

	return results, nil
}

// Rollback discards the transaction and releases every lock without
// writing anything.
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.release()
	t.done = true
}

func (t *Transaction) release() {
	for _, lock := range t.locked {
		lock.Unlock()
	}
}
