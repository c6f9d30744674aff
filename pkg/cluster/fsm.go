package cluster

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/aegis/pkg/raft"
)

// CommandOp names one of the replicated map's mutations.
type CommandOp string

const (
	OpSet CommandOp = "set"
	OpDelete CommandOp = "delete"
	OpIncrement CommandOp = "increment"
)

// Command is the payload of a CommandEntry log entry applied to the
// replicated map.
type Command struct {
	Op CommandOp `json:"op"`
	Data json.RawMessage `json:"data"`
}

type setPayload struct {
	Key string `json:"key"`
	Value []byte `json:"value"`
}

type deletePayload struct {
	Key string `json:"key"`
}

type incrementPayload struct {
	Key string `json:"key"`
	Amount int64 `json:"amount"`
}

// FSM is the replicated string->opaque-value map backing the Cluster
// Manager, applied by raft.Raft as its StateMachine: an op-tagged Apply
// switch over set/delete/increment commands.
type FSM struct {
	mu sync.RWMutex
	values map[string][]byte
}

// NewFSM returns an empty FSM.
func NewFSM() *FSM {
	return &FSM{values: make(map[string][]byte)}
}

// Apply implements raft.StateMachine.
func (f *FSM) Apply(entry *raft.LogEntry) (interface{}, error) {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return nil, fmt.Errorf("cluster: decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		var p setPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("cluster: decode set payload: %w", err)
		}
		f.values[p.Key] = p.Value
		return nil, nil

	case OpDelete:
		var p deletePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("cluster: decode delete payload: %w", err)
		}
		delete(f.values, p.Key)
		return nil, nil

	case OpIncrement:
		var p incrementPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("cluster: decode increment payload: %w", err)
		}
		current := int64(0)
		if existing, ok := f.values[p.Key]; ok {
			fmt.Sscanf(string(existing), "%d", &current)
		}
		current += p.Amount
		f.values[p.Key] = []byte(fmt.Sprintf("%d", current))
		return current, nil

	default:
		return nil, fmt.Errorf("cluster: unknown command op %q", cmd.Op)
	}
}

// Snapshot implements raft.StateMachine.
func (f *FSM) Snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(f.values)
}

// Restore implements raft.StateMachine.
func (f *FSM) Restore(snapshot []byte) error {
	values := make(map[string][]byte)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &values); err != nil {
			return fmt.Errorf("cluster: decode snapshot: %w", err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = values
	return nil
}

// NeedSnapshot implements raft.StateMachine, recommending a snapshot
// whenever the log size is a non-zero multiple of 1000 entries.
func (f *FSM) NeedSnapshot(logSize int) bool {
	return logSize > 0 && logSize%1000 == 0
}

// Get returns the current value for key.
func (f *FSM) Get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}
