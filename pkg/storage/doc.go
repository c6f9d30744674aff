/*
Package storage provides BoltDB-backed key/value persistence shared by
every stateful component: the Raft replica's log and term/vote state,
the Cluster Manager's snapshots, and the Event Store's partitions and
stream-version index.

Namespaces stand in for BoltDB buckets and are created lazily on first
write, so each owning component can pick its own without a fixed,
upfront bucket list. Keys within a namespace are scanned in
lexicographic order, which callers rely on for ordered log replay (zero-
padded indexes sort correctly as strings).

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Put("raft_log", fmt.Sprintf("%020d", index), entry); err != nil {
		return err
	}

	err = store.Scan("raft_log", "", func(e storage.Entry) error {
		return decode(e.Value)
	})
*/
package storage
