package raft

// StateMachine is the replicated state machine Raft drives. Implementations
// must be safe for concurrent use; Raft only ever calls Apply from its
// single apply loop, but Snapshot may be called concurrently with it.
type StateMachine interface {
	// Apply applies a committed log entry's data to the state machine and
	// returns the result to hand back to the submitter.
	Apply(entry *LogEntry) (interface{}, error)

	// Snapshot returns a serialized snapshot of the current state.
	Snapshot() ([]byte, error)

	// Restore replaces the state machine's state with the one encoded in
	// snapshot, as produced by a prior call to Snapshot.
	Restore(snapshot []byte) error

	// NeedSnapshot reports whether the state machine recommends taking a
	// snapshot given the current log size.
	NeedSnapshot(logSize int) bool
}
