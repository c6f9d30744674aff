// Package storage is the durable key/value collaborator every
// persistence-needing component builds on: the Raft log and term/vote
// state, cluster snapshots, and the event store's partitions and
// stream-version index. Namespaces are created on demand so each owning
// component picks its own.
package storage

// Entry is a single key/value pair returned by an iteration.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable key/value interface every component persists
// through. Namespace groups keys the way a BoltDB bucket does; callers
// pick their own namespace names (e.g. "raft_log", "raft_state",
// "eventstore_partition_03").
type Store interface {
	// Put writes value under key in namespace, creating the namespace if
	// it does not exist.
	Put(namespace, key string, value []byte) error

	// Get reads the value under key in namespace. ok is false if the key
	// is absent.
	Get(namespace, key string) (value []byte, ok bool, err error)

	// Delete removes key from namespace. It is not an error if the key
	// is absent.
	Delete(namespace, key string) error

	// Scan iterates every key with the given prefix within namespace in
	// key order, calling fn for each. Iteration stops at the first error
	// fn returns.
	Scan(namespace, prefix string, fn func(Entry) error) error

	// BatchPut writes every entry atomically within a single transaction,
	// used by Raft log appends and event batch writes.
	BatchPut(namespace string, entries []Entry) error

	// Close releases the underlying database handle.
	Close() error
}
