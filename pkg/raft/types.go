package raft

import (
	"fmt"
	"time"
)

// State is the role a replica currently holds.
type State uint32

const (
	Follower State = iota
	Candidate
	Leader
	Shutdown
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// EntryType distinguishes a no-op placeholder from a replicated command
// or a membership change — configuration changes are ordinary log
// entries of type configChange.
type EntryType uint32

const (
	NoOpEntry EntryType = iota
	CommandEntry
	ConfigChangeEntry
)

// LogEntry is one entry in the replicated log. Timestamp is set by the
// leader when the entry is created and carried as-is through replication
// and snapshotting; followers never re-stamp an entry they receive.
type LogEntry struct {
	Index uint64
	Term uint64
	Type EntryType
	Data []byte
	Timestamp time.Time
}

// IsConflict reports whether e and other share an index but disagree on
// term, the condition AppendEntries uses to truncate a follower's log.
func (e *LogEntry) IsConflict(other *LogEntry) bool {
	return e.Index == other.Index && e.Term != other.Term
}

// Status is a point-in-time snapshot of a replica's externally visible
// state, returned by Raft.Status for CLI and API consumers.
type Status struct {
	ID string
	Address string
	State State
	Term uint64
	CommitIndex uint64
	LastApplied uint64
	LeaderID string
	Peers int
}

func (s Status) String() string {
	return fmt.Sprintf("id=%s state=%s term=%d commit=%d applied=%d leader=%s peers=%d",
		s.ID, s.State, s.Term, s.CommitIndex, s.LastApplied, s.LeaderID, s.Peers)
}

// ConfigChangeKind distinguishes adding a voter from removing one.
type ConfigChangeKind uint32

const (
	AddServer ConfigChangeKind = iota
	RemoveServer
)

// ConfigChange is the payload of a ConfigChangeEntry log entry.
type ConfigChange struct {
	Kind ConfigChangeKind
	ID string
	Address string
}

// OperationResult is what SubmitOperation returns once an entry commits
// and is applied, or the error that kept it from doing so.
type OperationResult struct {
	Index uint64
	Term uint64
	Response interface{}
	Err error
}
